package mtlshttp

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// PoolTimeoutError reports that no connection became available within the
// acquire timeout.
type PoolTimeoutError struct {
	Route   Route
	Timeout time.Duration
	Stats   PoolStats
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for connection to %s after %s (leased=%d, idle=%d, pending=%d, max=%d)",
		e.Route, e.Timeout, e.Stats.Leased, e.Stats.Idle, e.Stats.Pending, e.Stats.MaxTotal)
}

// ConnectError reports a failed TCP connect or TLS handshake.
type ConnectError struct {
	Route Route
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Route, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadTimeoutError reports that the response did not arrive within the read timeout.
type ReadTimeoutError struct {
	Route Route
	Limit time.Duration
	Err   error
}

func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("read from %s timed out after %s: %v", e.Route, e.Limit, e.Err)
}

func (e *ReadTimeoutError) Unwrap() error { return e.Err }

// Timeout lets ReadTimeoutError satisfy net.Error style checks.
func (e *ReadTimeoutError) Timeout() bool { return true }

// RetryExhaustedError is returned when a retryable failure persisted through
// every allowed attempt.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// ErrorKind classifies a failed Execute for callers.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindPoolExhausted
	KindUnreachable
	KindTimeout
	KindCanceled
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindInvalid:
		return "invalid"
	default:
		return "transport"
	}
}

// ClientError is the error returned by Client.Execute.
type ClientError struct {
	Kind  ErrorKind
	Route Route
	Err   error
}

func (e *ClientError) Error() string {
	if e.Route.Host == "" {
		return fmt.Sprintf("mtlshttp: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("mtlshttp: %s (%s): %v", e.Kind, e.Route, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

func isKind(err error, kind ErrorKind) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsPoolExhausted reports whether err means no connection could be leased in time.
func IsPoolExhausted(err error) bool {
	var pte *PoolTimeoutError
	return isKind(err, KindPoolExhausted) || errors.As(err, &pte)
}

// IsUnreachable reports whether err means the server could not be connected to.
func IsUnreachable(err error) bool {
	var ce *ConnectError
	return isKind(err, KindUnreachable) || errors.As(err, &ce)
}

// IsTimeout reports whether err means the response did not arrive in time.
func IsTimeout(err error) bool {
	var rte *ReadTimeoutError
	return isKind(err, KindTimeout) || errors.As(err, &rte)
}
