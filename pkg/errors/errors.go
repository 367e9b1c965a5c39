package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrEventNotFound      = errors.New("event not found")
	ErrDuplicateEvent     = errors.New("duplicate event delivery")
	ErrInvalidInput       = errors.New("invalid input")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnknownShard       = errors.New("unknown shard")
	ErrRunFailed          = errors.New("reconciliation run failed")
	ErrInternal           = errors.New("internal error")
	ErrTimeout            = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownShard):
		return http.StatusBadRequest
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
