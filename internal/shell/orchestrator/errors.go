package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/dockyard/internal/core/build"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/network"
	"github.com/artpar/dockyard/internal/shell/ports"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrCancelled is reported for services whose pipeline was interrupted.
	ErrCancelled = errors.New("cancelled")

	// ErrNoInstance is returned when an operation needs an instance that does not exist.
	ErrNoInstance = errors.New("service has no instance")

	// ErrRuntime wraps container runtime failures.
	ErrRuntime = errors.New("container runtime failure")
)

// ServiceError reports the pipeline step a service failed in.
type ServiceError struct {
	Service string
	Step    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Service, e.Step, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError.
func NewServiceError(service, step, message string, err error) *ServiceError {
	return &ServiceError{
		Service: service,
		Step:    step,
		Message: message,
		Err:     err,
	}
}

// runtimeError wraps a docker client failure for a pipeline step.
func runtimeError(service, step string, err error) *ServiceError {
	return NewServiceError(service, step, err.Error(), errors.Join(ErrRuntime, err))
}

// cancelledError reports an interrupted pipeline.
func cancelledError(service, step string, cause error) *ServiceError {
	return NewServiceError(service, step, "cancelled", errors.Join(ErrCancelled, cause))
}

// failureKind classifies an error for metrics.
func failureKind(err error) string {
	var buildErr *build.BuildError
	var portErr *ports.PortError
	var netErr *network.NetworkError
	var dockerErr *docker.DockerError

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &buildErr):
		return "build"
	case errors.As(err, &portErr):
		return "port"
	case errors.As(err, &netErr):
		return "network"
	case errors.Is(err, ErrRuntime), errors.As(err, &dockerErr):
		return "runtime"
	default:
		return "other"
	}
}
