package pagespeed

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed measurement call.
type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindRateLimited
	KindServer
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by Client.Fetch.
//
// Network, timeout, rate-limited and server failures are transient and
// retried inside the client up to its budget; client (4xx) failures are
// terminal. After the budget is spent the last transient Error is returned
// with Attempts filled in.
type Error struct {
	Kind     Kind
	Status   int // HTTP status when one was received, else 0
	Target   string
	Attempts int

	// RetryAfter carries the server's Retry-After hint on 429 responses.
	RetryAfter time.Duration

	err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pagespeed %s: %s", e.Kind, e.Target)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a transient measurement failure.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable()
}
