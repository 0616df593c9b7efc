package ctrlstack

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies ctrlstack errors so adapters can translate them into their
// native failure representation (HTTP status, exit code, MCP error result).
type Code string

const (
	// CodeValidation marks a rejected classification or registration.
	CodeValidation Code = "VALIDATION"
	// CodeConfiguration marks an invalid adapter setup.
	CodeConfiguration Code = "CONFIGURATION"
	// CodeUnauthorized marks a missing or invalid pre-shared key.
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeStartupTimeout marks a local server that never became live.
	CodeStartupTimeout Code = "STARTUP_TIMEOUT"
	// CodeProcessNotFound marks a stop/restart with no live process.
	CodeProcessNotFound Code = "PROCESS_NOT_FOUND"
	// CodeInvalidArgument marks external input that cannot be bound to a parameter.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeNotFound marks an unknown method name.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInternal marks anything else.
	CodeInternal Code = "INTERNAL"
)

// Sentinels for errors.Is. An *Error matches the sentinel with the same code.
var (
	ErrValidation      = &Error{Code: CodeValidation}
	ErrConfiguration   = &Error{Code: CodeConfiguration}
	ErrUnauthorized    = &Error{Code: CodeUnauthorized}
	ErrStartupTimeout  = &Error{Code: CodeStartupTimeout}
	ErrProcessNotFound = &Error{Code: CodeProcessNotFound}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrNotFound        = &Error{Code: CodeNotFound}
)

// Error is the typed error returned by ctrlstack itself. Errors returned by
// registered methods are never wrapped in it.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func newError(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, op string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// StatusCode maps the error code to an HTTP status.
func (e *Error) StatusCode() int {
	return codeToStatus(e.Code)
}

func codeToStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStartupTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func statusToCode(status int) Code {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidArgument
	case http.StatusUnauthorized, http.StatusForbidden:
		return CodeUnauthorized
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return CodeNotFound
	default:
		return CodeInternal
	}
}
