package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the application layer.
var (
	// ErrInsufficientFunds is returned when a position would spend more than
	// the available bankroll balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidOrder is returned when a signal carries a non-positive size
	// or a price outside (0, 1).
	ErrInvalidOrder = errors.New("invalid order")

	// ErrUnknownPosition is returned when closing a position that is not open.
	ErrUnknownPosition = errors.New("unknown position")
)

// TransientError wraps a failure worth retrying: network errors, 5xx
// responses, timeouts. Callers branch with errors.As.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v (transient)", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError signals the API asked us to slow down after retries
// were exhausted. RetryAfter is zero when the server gave no hint.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("%s: rate limited: %v", e.Op, e.Err) }
func (e *RateLimitError) Unwrap() error { return e.Err }

// ProtocolError marks a non-retryable API failure: unexpected 4xx or a
// payload we could not decode.
type ProtocolError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}
func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError marks a 401/403. Never retried: the credentials are wrong,
// not the timing.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("%s: unauthorized: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage failure after the in-memory state was
// rolled back. The caller may keep running but must not assume the write
// happened.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: persistence: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigError marks an unusable configuration value. Fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s: %s", e.Field, e.Reason) }
