// Package channel defines the outbound messaging capability the dispatcher
// depends on, and the error classes that drive its retry decisions.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sender delivers payload to recipient. A nil error means the channel
// accepted the message. Errors wrapped with Permanent are never retried;
// everything else is treated as transient.
type Sender interface {
	Send(ctx context.Context, recipient, payload string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, recipient, payload string) error

func (f SenderFunc) Send(ctx context.Context, recipient, payload string) error {
	return f(ctx, recipient, payload)
}

// Permanent marks err as not worth retrying (unknown recipient, blocked,
// malformed address).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Transient marks err as retryable. Unclassified errors are already treated
// as transient; use this to override a Permanent deeper in the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsPermanent reports whether the outermost classification of err is
// permanent.
func IsPermanent(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case transientError:
			return false
		case permanentError:
			return true
		}
	}
	return false
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// RetryAfter attaches a server-provided delay hint (e.g. flood control).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryHint returns the delay hint carried by err, if any.
func RetryHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
