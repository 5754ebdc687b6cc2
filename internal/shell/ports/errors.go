package ports

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrAlreadyInUse is returned when a host port is reserved or unavailable.
	ErrAlreadyInUse = errors.New("port already in use")

	// ErrInvalidPort is returned for port numbers outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")
)

// PortError reports a failed host port reservation.
type PortError struct {
	HostPort int
	Holder   string // owner of the conflicting reservation, if known
	Err      error
}

func (e *PortError) Error() string {
	switch {
	case errors.Is(e.Err, ErrInvalidPort):
		return fmt.Sprintf("port %d is not a valid host port", e.HostPort)
	case e.Holder != "":
		return fmt.Sprintf("port %d is already in use by %s", e.HostPort, e.Holder)
	default:
		return fmt.Sprintf("port %d is already in use", e.HostPort)
	}
}

func (e *PortError) Unwrap() error {
	return e.Err
}
