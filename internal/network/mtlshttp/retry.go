package mtlshttp

import (
	"net/http"
	"strings"
	"time"
)

// FailureKind classifies where in an exchange a failure happened.
type FailureKind int

const (
	// FailureConnect is a failed TCP connect or TLS handshake.
	FailureConnect FailureKind = iota
	// FailureNotSent is a write failure before any request byte left.
	FailureNotSent
	// FailureSent is a transport failure after request bytes were written,
	// including a reused connection closed before any response byte.
	FailureSent
	// FailureReadTimeout is a response that did not arrive in time.
	FailureReadTimeout
	// FailureOther covers serialization, cancellation and credential errors.
	FailureOther
)

func (k FailureKind) String() string {
	switch k {
	case FailureConnect:
		return "connect"
	case FailureNotSent:
		return "not_sent"
	case FailureSent:
		return "sent"
	case FailureReadTimeout:
		return "read_timeout"
	default:
		return "other"
	}
}

// RetryPolicy decides whether a failed attempt is tried again.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryReadTimeouts allows idempotent requests to retry after a read timeout.
	RetryReadTimeouts bool
	// RetrySentIdempotent allows idempotent requests to retry after bytes were sent.
	RetrySentIdempotent bool
	// Backoff is the pause between attempts.
	Backoff time.Duration
}

// NewDefaultRetryPolicy returns two retries, no read timeout retries and no backoff.
func NewDefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          2,
		RetryReadTimeouts:   false,
		RetrySentIdempotent: true,
	}
}

// Retryable reports whether a failure of kind is worth another attempt,
// ignoring the attempt budget.
func (p RetryPolicy) Retryable(kind FailureKind, idempotent bool) bool {
	switch kind {
	case FailureConnect, FailureNotSent:
		// Nothing reached the server.
		return true
	case FailureSent:
		return idempotent && p.RetrySentIdempotent
	case FailureReadTimeout:
		return idempotent && p.RetryReadTimeouts
	default:
		return false
	}
}

// ShouldRetry reports whether to try again after attempt (1-based) failed.
func (p RetryPolicy) ShouldRetry(attempt int, kind FailureKind, idempotent bool) bool {
	if attempt > p.MaxRetries {
		return false
	}
	return p.Retryable(kind, idempotent)
}

// IsIdempotent reports whether method may be repeated without extra effect.
func IsIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
