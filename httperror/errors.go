package httperror

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a type that errors can implement to signal various HTTP
// statuses.
type HTTPError interface {
	error
	Code() int
}

type httpErr struct {
	error
	code int
}

func (e *httpErr) Code() int {
	return e.code
}

// Error returns the error message with status code information
func (e *httpErr) Error() string {
	return fmt.Sprintf("http error %d: %v", e.Code(), e.error)
}

func (e *httpErr) Unwrap() error {
	return e.error
}

// Newf creates a new HTTPError with the given status code and formatted error
// message. %w verbs are honoured.
func Newf(code int, format string, args ...any) HTTPError {
	return &httpErr{
		error: fmt.Errorf(format, args...),
		code:  code,
	}
}

func New(code int, message string) HTTPError {
	return &httpErr{
		error: errors.New(message),
		code:  code,
	}
}

func BadRequestErrf(format string, args ...any) HTTPError {
	return Newf(http.StatusBadRequest, format, args...)
}

func UnauthorizedErrf(format string, args ...any) HTTPError {
	return Newf(http.StatusUnauthorized, format, args...)
}

func ForbiddenErrf(format string, args ...any) HTTPError {
	return Newf(http.StatusForbidden, format, args...)
}

func InternalErrf(format string, args ...any) HTTPError {
	return Newf(http.StatusInternalServerError, format, args...)
}

// CodeOf returns the status code for err, 500 if it carries none.
func CodeOf(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.Code()
	}
	return http.StatusInternalServerError
}
