package client

import (
	"fmt"
	"time"
)

// Status is one supervision snapshot as the daemon reports it. PID, Version
// and AcquiredAt are present only while the daemon holds a handle. The
// credential is never part of the wire format.
type Status struct {
	State      string     `json:"state"`
	PID        int        `json:"pid,omitempty"`
	Version    string     `json:"version,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	Channel    string     `json:"channel"`
	PeerCount  int        `json:"peer_count"`
}

// ErrorResponse is the daemon's error payload. Reason carries the fault
// category when the failure maps to one.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// APIError is a non-200 daemon response.
type APIError struct {
	StatusCode int
	Message    string
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("daemon: %s (%s)", e.Message, e.Reason)
	}
	return fmt.Sprintf("daemon: %s", e.Message)
}
