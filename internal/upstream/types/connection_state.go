// Package types provides type definitions for server connection management.
package types

import "time"

// ConnectionState is the in-memory reachability state of one server
type ConnectionState int

const (
	// StateUnknown means no race has run for the server yet
	StateUnknown ConnectionState = iota
	// StateResolving means a race is in flight
	StateResolving
	// StateReachable means a base URL is cached for the server
	StateReachable
	// StateUnreachable means the last race exhausted every candidate
	StateUnreachable
)

// String returns the string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateResolving:
		return "Resolving"
	case StateReachable:
		return "Reachable"
	case StateUnreachable:
		return "Unreachable"
	default:
		return "Invalid"
	}
}

// ConnectionInfo is a snapshot of one server's resolution state
type ConnectionInfo struct {
	ServerID     string          `json:"server_id"`
	State        ConnectionState `json:"state"`
	BaseURL      string          `json:"base_url,omitempty"`
	LastResolved time.Time       `json:"last_resolved,omitempty"`
	LastFailure  time.Time       `json:"last_failure,omitempty"`
	FailureCount int             `json:"failure_count"`
	LastError    string          `json:"last_error,omitempty"`
}
