// Package errors defines the application error type shared by API handlers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is an error with an HTTP status and a stable machine-readable code.
// It marshals directly as an API error response body.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	err        error
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *AppError) Unwrap() error {
	return e.err
}

// ValidationError reports a malformed or missing input field.
func ValidationError(field, msg string) *AppError {
	return &AppError{
		Code:       "validation",
		Message:    fmt.Sprintf("invalid %s", field),
		Detail:     msg,
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadRequest reports a request that cannot be served as given.
func BadRequest(msg string) *AppError {
	return &AppError{
		Code:       "bad_request",
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       "not_found",
		Message:    fmt.Sprintf("%s not found", resource),
		Detail:     id,
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict reports a request that conflicts with current state.
func Conflict(msg string) *AppError {
	return &AppError{
		Code:       "conflict",
		Message:    msg,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError reports an unexpected server-side failure. err may be nil.
func InternalError(msg string, err error) *AppError {
	appErr := &AppError{
		Code:       "internal",
		Message:    msg,
		HTTPStatus: http.StatusInternalServerError,
		err:        err,
	}
	if err != nil {
		appErr.Detail = err.Error()
	}
	return appErr
}

// Wrap converts err into an AppError with the given message. If err already
// is an AppError its status and code are preserved.
func Wrap(err error, msg string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    msg,
			Detail:     appErr.Error(),
			HTTPStatus: appErr.HTTPStatus,
			err:        err,
		}
	}
	return &AppError{
		Code:       "internal",
		Message:    msg,
		Detail:     err.Error(),
		HTTPStatus: http.StatusInternalServerError,
		err:        err,
	}
}
