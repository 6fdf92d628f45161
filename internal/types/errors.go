package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the connection, sync and resolver layers.
// All of them are recoverable by the caller.
var (
	// ErrNetworkUnreachable means a probe or fetch failed to connect or timed out
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrRemote means a reachable server answered with a non-success status
	ErrRemote = errors.New("remote error")
	// ErrNotFound means an expected entity was absent
	ErrNotFound = errors.New("not found")
	// ErrDataInconsistency covers malformed candidates and unparsable identifiers
	ErrDataInconsistency = errors.New("data inconsistency")
)

// RemoteStatusError carries the status code of a non-2xx response
type RemoteStatusError struct {
	StatusCode int
	URL        string
}

func (e *RemoteStatusError) Error() string {
	return fmt.Sprintf("remote returned status %d for %s", e.StatusCode, e.URL)
}

// Unwrap lets errors.Is match ErrRemote, or ErrNotFound for 404
func (e *RemoteStatusError) Unwrap() []error {
	if e.StatusCode == 404 {
		return []error{ErrRemote, ErrNotFound}
	}
	return []error{ErrRemote}
}
