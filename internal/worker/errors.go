package worker

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed processing attempt. Every code is retryable
// via queue redelivery; the distinction matters to operators and to the
// consumer's exhaustion handling.
type ErrorCode string

const (
	// ErrorContention means another worker holds the session lock. Not a
	// failure: the attempt is deferred and the message redelivered.
	ErrorContention ErrorCode = "CONTENTION"
	// ErrorRuntime covers agent runtime invocation failures.
	ErrorRuntime ErrorCode = "RUNTIME_ERROR"
	// ErrorPersistence covers registry and bundle store failures.
	ErrorPersistence ErrorCode = "PERSISTENCE_ERROR"
	// ErrorDelivery covers reply delivery failures.
	ErrorDelivery ErrorCode = "DELIVERY_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("worker: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("worker: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// IsContention reports whether err is a lock-contention outcome.
func IsContention(err error) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Code == ErrorContention
}
