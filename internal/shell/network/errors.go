package network

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrCreationFailed is returned when the runtime cannot create or resolve a network.
	ErrCreationFailed = errors.New("network creation failed")

	// ErrInUse is returned when removing a network that still has attachments.
	ErrInUse = errors.New("network has attached instances")

	// ErrConnectFailed is returned when a container cannot join a network.
	ErrConnectFailed = errors.New("network connect failed")

	// ErrUnknownNetwork is returned when attaching to a network that was never ensured.
	ErrUnknownNetwork = errors.New("network not ensured")
)

// NetworkError wraps network failures with the operation and network name.
type NetworkError struct {
	Op      string
	Network string
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network %s: %s", e.Op, e.Network, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new NetworkError.
func NewNetworkError(op, network, message string, err error) *NetworkError {
	return &NetworkError{
		Op:      op,
		Network: network,
		Message: message,
		Err:     err,
	}
}
