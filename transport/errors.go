package transport

import (
	"fmt"
)

// Sentinel failures the chat layer maps onto failed messages.
var (
	// ErrTimeout means both the UDP attempt and the TCP fallback expired.
	ErrTimeout = fmt.Errorf("query timed out over udp and tcp")
	// ErrNetworkUnavailable means no attempt could be sent at all.
	ErrNetworkUnavailable = fmt.Errorf("network unavailable")
	// ErrInvalidServer means the guard rejected the resolver destination.
	ErrInvalidServer = fmt.Errorf("resolver host not on allowlist")
)

// QueryError wraps a failure with the attempt that produced it.
type QueryError struct {
	Proto  string
	Server string
	Name   string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query for %s @%s: %v", e.Proto, e.Name, e.Server, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
