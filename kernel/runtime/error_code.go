package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/session"
	"github.com/pkg/errors"
)

// ErrorCode is a stable machine-readable code for runtime errors.
type ErrorCode string

const (
	ErrorCodeNotFound        ErrorCode = "ERR_NOT_FOUND"
	ErrorCodeSessionBusy     ErrorCode = "ERR_SESSION_BUSY"
	ErrorCodeUpstream        ErrorCode = "ERR_UPSTREAM"
	ErrorCodeIO              ErrorCode = "ERR_IO"
	ErrorCodeInvalidArgument ErrorCode = "ERR_INVALID_ARGUMENT"
)

// CodedError exposes a stable code for programmatic handling.
type CodedError interface {
	error
	Code() ErrorCode
}

type codedError struct {
	code    ErrorCode
	message string
	cause   error
}

func (e *codedError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.message)
	if e.cause == nil {
		return msg
	}
	if msg == "" {
		return e.cause.Error()
	}
	return fmt.Sprintf("%s: %v", msg, e.cause)
}

func (e *codedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *codedError) Code() ErrorCode {
	if e == nil {
		return ""
	}
	return e.code
}

// NewCodedError creates a coded error with formatted message.
func NewCodedError(code ErrorCode, format string, args ...any) error {
	return &codedError{
		code:    code,
		message: fmt.Sprintf(format, args...),
	}
}

// WrapCodedError wraps an existing cause with a stable error code.
func WrapCodedError(code ErrorCode, cause error, format string, args ...any) error {
	if cause == nil {
		return NewCodedError(code, format, args...)
	}
	return &codedError{
		code:    code,
		message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// ErrorCodeOf extracts machine-readable error code, if present.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// IsErrorCode reports whether err carries a specific machine-readable code.
func IsErrorCode(err error, code ErrorCode) bool {
	return ErrorCodeOf(err) == code
}

// IsNotFound reports whether err means a session, transcript or source is absent.
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrorCodeNotFound)
}

// classify attaches a code to errors coming from collaborators.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if ErrorCodeOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrTranscriptNotFound),
		errors.Is(err, session.ErrSourceNotFound):
		return WrapCodedError(ErrorCodeNotFound, err, format, args...)
	case model.IsUpstream(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return WrapCodedError(ErrorCodeUpstream, err, format, args...)
	default:
		return WrapCodedError(ErrorCodeIO, err, format, args...)
	}
}
