package errors

import (
	"errors"
	"fmt"
)

// Taxonomy of error kinds the core surfaces through callbacks. Components
// never panic or abort on these; they wrap one of these sentinels so
// callers can errors.Is/errors.As against a stable kind regardless of the
// human-readable message.
var (
	ErrValidation      = errors.New("validation error")
	ErrTransport       = errors.New("transport error")
	ErrProtocolTimeout = errors.New("protocol timeout")
	ErrProtocolFailure = errors.New("protocol failure")
	ErrJSONParse       = errors.New("json parse error")
	ErrStorage         = errors.New("storage error")
)

// AppError carries a taxonomy kind, a human-readable message, and the
// underlying cause, following the teacher's structured-error convention.
type AppError struct {
	Kind    error
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Kind
}

func NewAppError(kind error, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *AppError {
	return NewAppError(ErrValidation, message, nil)
}

func Transport(message string, err error) *AppError {
	return NewAppError(ErrTransport, message, err)
}

func ProtocolTimeout(message string) *AppError {
	return NewAppError(ErrProtocolTimeout, message, nil)
}

func ProtocolFailure(message string) *AppError {
	return NewAppError(ErrProtocolFailure, message, nil)
}

func JSONParse(message string, err error) *AppError {
	return NewAppError(ErrJSONParse, message, err)
}

func Storage(message string, err error) *AppError {
	return NewAppError(ErrStorage, message, err)
}
