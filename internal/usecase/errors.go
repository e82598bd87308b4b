package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	ErrorInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrorConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrorAccessDenied         ErrorCode = "ACCESS_DENIED"
	ErrorConflict             ErrorCode = "CONFLICT"
	ErrorInternal             ErrorCode = "INTERNAL_ERROR"
)

// Error is a caller-visible failure. Reason is a stable snake_case tag for
// logs and clients; Err is the underlying cause, if any.
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
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
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

// CodeOf returns the code carried by err, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
