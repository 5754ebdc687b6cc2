package build

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrBuildToolFailed is returned when the external build tool exits
	// abnormally or reports a failed build.
	ErrBuildToolFailed = errors.New("build tool failed")

	// ErrContextUnreadable is returned when the build context cannot be read.
	ErrContextUnreadable = errors.New("build context unreadable")

	// ErrImageUnavailable is returned when a prebuilt image cannot be pulled.
	ErrImageUnavailable = errors.New("image unavailable")
)

// BuildError wraps build failures with the service and tool exit code.
type BuildError struct {
	Service  string
	ExitCode int // Tool exit code; -1 when the tool did not report one
	Message  string
	Err      error
}

func (e *BuildError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("build %s: %s (exit code %d)", e.Service, e.Message, e.ExitCode)
	}
	return fmt.Sprintf("build %s: %s", e.Service, e.Message)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// NewBuildError creates a new BuildError.
func NewBuildError(service string, exitCode int, message string, err error) *BuildError {
	return &BuildError{
		Service:  service,
		ExitCode: exitCode,
		Message:  message,
		Err:      err,
	}
}
