// Package apperror provides structured, wrapped errors for the delivery
// service's fault taxonomy (spec §7). Call sites classify faults with
// errors.As against these codes, never by string-matching.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes for the outbox delivery fault taxonomy.
const (
	// CodeTransientStore covers optimistic-concurrency conflicts, lock
	// timeouts and command failures from the store adapter. The attempt
	// loop may retry.
	CodeTransientStore = "TRANSIENT_STORE_FAULT"

	// CodeTransientBus covers send errors and endpoint-resolution
	// failures from the bus adapter. Breaks the per-message loop but
	// commits partial progress.
	CodeTransientBus = "TRANSIENT_BUS_FAULT"

	// CodeConcurrentModification is returned when an optimistic-guard
	// replace affects zero rows (another worker already advanced the
	// outbox's Version).
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"

	// CodeLockContention is returned when the lock-token CAS fails to
	// acquire the OutboxState row.
	CodeLockContention = "LOCK_CONTENTION"

	// CodeMalformedMessage marks a row that cannot be delivered. The NATS
	// bus adapter returns it for an empty destination address, which the
	// delivery pass handles like any other endpoint-resolution fault. A
	// null destination address does not use this code; the delivery pass
	// skips it with a warning.
	CodeMalformedMessage = "MALFORMED_MESSAGE"

	// CodeInternal is an unclassified internal error.
	CodeInternal = "INTERNAL_ERROR"
)

// AppError is the delivery service's structured error type.
type AppError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to the error details.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewTransientStore wraps a store-layer fault that the attempt loop may retry.
func NewTransientStore(op string, err error) *AppError {
	return &AppError{Code: CodeTransientStore, Message: "store fault during " + op, Err: err}
}

// NewTransientBus wraps a bus-send fault; the worker breaks the per-message
// loop and commits partial progress.
func NewTransientBus(err error) *AppError {
	return &AppError{Code: CodeTransientBus, Message: "bus send fault", Err: err}
}

// NewConcurrentModification signals that an optimistic-guard replace
// touched zero rows for the given outbox.
func NewConcurrentModification(outboxID any) *AppError {
	return &AppError{
		Code:    CodeConcurrentModification,
		Message: "outbox state was updated concurrently",
		Details: map[string]any{"outbox_id": outboxID},
	}
}

// NewLockContention signals a failed LockToken CAS.
func NewLockContention(outboxID any) *AppError {
	return &AppError{
		Code:    CodeLockContention,
		Message: "could not acquire outbox lock",
		Details: map[string]any{"outbox_id": outboxID},
	}
}

// NewMalformedMessage marks a row that cannot be delivered.
func NewMalformedMessage(reason string, messageID any) *AppError {
	return &AppError{
		Code:    CodeMalformedMessage,
		Message: reason,
		Details: map[string]any{"message_id": messageID},
	}
}

// NewInternal wraps an unclassified internal error.
func NewInternal(err error) *AppError {
	return &AppError{Code: CodeInternal, Message: "internal error", Err: err}
}

// AsAppError extracts an *AppError from the error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsTransient reports whether err is a transient store or bus fault that
// the caller may legitimately retry on the next tick.
func IsTransient(err error) bool {
	appErr, ok := AsAppError(err)
	if !ok {
		return false
	}
	return appErr.Code == CodeTransientStore || appErr.Code == CodeTransientBus || appErr.Code == CodeLockContention
}

// IsConcurrentModification reports whether err is an optimistic-guard miss.
func IsConcurrentModification(err error) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == CodeConcurrentModification
}
