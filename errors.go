package dla

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-dla/internal/descriptor"
	"github.com/ehrlich-b/go-dla/internal/taskmem"
)

// Error represents a structured submission-engine error with queue/task
// context and a high-level category code.
type Error struct {
	Op    string    // Operation that failed (e.g., "submit", "abort")
	Queue int       // Queue ID (-1 if not applicable)
	Seq   int64     // Task sequence (-1 if not applicable)
	Code  ErrorCode // High-level error category
	Msg   string    // Human-readable message
	Inner error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Seq >= 0 {
		parts = append(parts, fmt.Sprintf("seq=%d", e.Seq))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("dla: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("dla: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches any *Error carrying the same code, so the exported sentinels
// below work with errors.Is.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && e.Code == te.Code
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// CodeResourceExhausted: pool or queue slots unavailable after the
	// bounded retry budget. Recoverable; the caller may retry later.
	CodeResourceExhausted ErrorCode = "resource exhausted"

	// CodeInvalidArgument: malformed request, e.g. fence or handle counts
	// beyond the fixed maxima. Rejected before any allocation.
	CodeInvalidArgument ErrorCode = "invalid argument"

	// CodeInvalidFence: an external fence set failed to resolve.
	CodeInvalidFence ErrorCode = "invalid fence"

	// CodePinFailure: a referenced buffer handle could not be pinned; the
	// whole task fill is unwound.
	CodePinFailure ErrorCode = "pin failure"

	// CodeTransportError: the transport rejected a submission or flush.
	CodeTransportError ErrorCode = "transport error"

	// CodeBusy: a retryable in-progress condition (pool slot contention,
	// engine processor busy during flush).
	CodeBusy ErrorCode = "busy"

	// CodeTimeout: a bounded retry loop exhausted its budget.
	CodeTimeout ErrorCode = "timeout"

	// CodeEngineClosed: the engine or queue has been torn down.
	CodeEngineClosed ErrorCode = "engine closed"

	// CodeInternal: anything that does not fit the taxonomy above.
	CodeInternal ErrorCode = "internal error"
)

// Sentinels for errors.Is matching. Transport implementations report a busy
// processor by returning ErrBusy (or any error wrapping CodeBusy) from Flush.
var (
	ErrResourceExhausted = &Error{Queue: -1, Seq: -1, Code: CodeResourceExhausted}
	ErrInvalidArgument   = &Error{Queue: -1, Seq: -1, Code: CodeInvalidArgument}
	ErrInvalidFence      = &Error{Queue: -1, Seq: -1, Code: CodeInvalidFence}
	ErrPinFailure        = &Error{Queue: -1, Seq: -1, Code: CodePinFailure}
	ErrTransport         = &Error{Queue: -1, Seq: -1, Code: CodeTransportError}
	ErrBusy              = &Error{Queue: -1, Seq: -1, Code: CodeBusy}
	ErrTimeout           = &Error{Queue: -1, Seq: -1, Code: CodeTimeout}
	ErrEngineClosed      = &Error{Queue: -1, Seq: -1, Code: CodeEngineClosed}
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Seq:   -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Seq:   -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewTaskError creates a new task-specific error
func NewTaskError(op string, queue int, seq uint32, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Seq:   int64(seq),
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with submission-engine context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if de, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Queue: de.Queue,
			Seq:   de.Seq,
			Code:  de.Code,
			Msg:   de.Msg,
			Inner: de.Inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Seq:   -1,
		Code:  mapInnerToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapInnerToCode maps lower-layer errors to engine error codes
func mapInnerToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	case errors.Is(err, taskmem.ErrNoSlot):
		return CodeBusy
	case errors.Is(err, taskmem.ErrClosed):
		return CodeEngineClosed
	case errors.Is(err, descriptor.ErrBudget):
		return CodeInvalidArgument
	case errors.Is(err, descriptor.ErrShortBuffer):
		return CodeInternal
	default:
		return CodeInternal
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsBusy reports whether an error is the retryable busy condition
func IsBusy(err error) bool {
	return IsCode(err, CodeBusy)
}
