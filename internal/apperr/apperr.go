// Package apperr defines the error taxonomy shared by the queue, sync and
// interception layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	// CodeStorage means the durable store is unavailable. Fatal to enqueue.
	CodeStorage Code = "STORAGE_UNAVAILABLE"
	// CodeNetwork is a transient transport failure; the action stays queued.
	CodeNetwork Code = "NETWORK_ERROR"
	// CodeServer is a non-2xx response from the backend.
	CodeServer Code = "SERVER_ERROR"
	// CodeCacheMiss is expected and never surfaced to the user.
	CodeCacheMiss Code = "CACHE_MISS"
	CodeNotFound  Code = "NOT_FOUND"
	CodeInvalid   Code = "INVALID_INPUT"
)

// AppError carries a Code, a human message, the HTTP status for server
// errors and the wrapped cause.
type AppError struct {
	Code    Code
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError without a cause.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to err.
func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Server builds a CodeServer error for the given HTTP status.
func Server(status int, body string) *AppError {
	msg := http.StatusText(status)
	if body != "" {
		msg = body
	}
	return &AppError{Code: CodeServer, Message: msg, Status: status}
}

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// StatusOf returns the HTTP status recorded on a server error, or 0.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}

// Retryable reports whether a failed send should be attempted again later.
// Network failures and 5xx are retryable, as are 408 and 429. Any other 4xx
// means the backend rejected the payload itself and retrying cannot help.
// Invalid input and missing records never heal on their own.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork:
		return true
	case CodeServer:
		status := StatusOf(err)
		if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
			return true
		}
		return status >= 500 || status == 0
	case CodeStorage:
		return true
	case CodeInvalid, CodeNotFound:
		return false
	}
	return err != nil
}
