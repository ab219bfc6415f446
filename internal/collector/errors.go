package collector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ThrottleError — коллектор попросил подождать (Retry-After / ResourceExhausted).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// TransientError — сетевой сбой, 5xx, недоступность. Ретраится.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// ValidationError — плохой URL или битый ответ коллектора. Не ретраится.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "collector validation: " + e.Reason
}

// Invalid — короткий конструктор ValidationError.
func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsTransient сообщает, имеет ли смысл повторить вызов.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return false
	}
	var t *TransientError
	var th *ThrottleError
	return errors.As(err, &t) || errors.As(err, &th) || errors.Is(err, context.DeadlineExceeded)
}
