package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConnectError indicates the server process or endpoint could not be reached
// or failed the MCP handshake. Connect failures are retryable.
type ConnectError struct {
	ServerID string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.ServerID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError indicates the remote side responded but violated the MCP
// protocol, or rejected a request at the protocol level.
type ProtocolError struct {
	ServerID string
	Op       string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s during %s: %v", e.ServerID, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	ServerID string
	Op       string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out for %s: %v", e.Op, e.ServerID, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a timeout, either a classified
// TimeoutError or a raw deadline exceeded.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// IsConnectError reports whether err is a classified connect failure.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// connectionErrorMarkers are substrings that identify transport-level
// failures in errors bubbled up from the MCP client library.
var connectionErrorMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"EOF",
	"use of closed network connection",
	"file already closed",
	"process not found",
	"executable file not found",
	"transport error",
	"failed to start",
}

// looksLikeConnectionError reports whether an error message matches a known
// transport failure pattern. The MCP client library returns plain errors, so
// classification falls back to message inspection.
func looksLikeConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classifyOpError wraps an operation error into the taxonomy: timeouts
// become TimeoutError, transport failures ConnectError, and everything else
// ProtocolError.
func classifyOpError(serverID, op string, err error, timeout bool) error {
	if err == nil {
		return nil
	}
	if timeout || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{ServerID: serverID, Op: op, Err: err}
	}
	if looksLikeConnectionError(err) {
		return &ConnectError{ServerID: serverID, Err: err}
	}
	return &ProtocolError{ServerID: serverID, Op: op, Err: err}
}
