// Package syncerr classifies data-layer failures so the queue and executor
// can route them to retry, backoff or dead-letter handling.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindRateLimit  Kind = "rate_limit"
	KindBackend    Kind = "backend"
	KindUnknown    Kind = "unknown"
)

// Error is a classified failure of operation Op.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration // rate limits only
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Network(op string, err error) *Error    { return Wrap(KindNetwork, op, err) }
func Timeout(op string, err error) *Error    { return Wrap(KindTimeout, op, err) }
func Validation(op string, err error) *Error { return Wrap(KindValidation, op, err) }
func Conflict(op string, err error) *Error   { return Wrap(KindConflict, op, err) }
func Backend(op string, err error) *Error    { return Wrap(KindBackend, op, err) }

func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	e := Wrap(KindRateLimit, op, err)
	e.RetryAfter = retryAfter
	return e
}

// KindOf classifies err. Classified errors keep their kind; context and net
// errors map to timeout or network; anything else is unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether retrying a failure of this kind can help.
func Retryable(k Kind) bool {
	switch k {
	case KindValidation, KindConflict:
		return false
	default:
		return true
	}
}

func IsRetryable(err error) bool {
	return err != nil && Retryable(KindOf(err))
}

func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
