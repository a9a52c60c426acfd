package core

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/embedding"
)

// Error codes surfaced to API clients. The HTTP layer owns the mapping
// to status codes.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeEmbedding     = "EMBEDDING_ERROR"
	CodeDatabase      = "DATABASE_ERROR"
	CodePoolExhausted = "POOL_EXHAUSTED"
	CodeConsolidation = "CONSOLIDATION_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
)

// Error is a coded engine error.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// NewError builds a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails attaches structured context for the API payload.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// ValidationError rejects bad input.
func ValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown id.
func NotFoundError(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a coded error from any error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StorageError codes a repository failure: pool-acquire timeouts become
// POOL_EXHAUSTED (retryable by the client), everything else is a
// DATABASE_ERROR. Already-coded errors pass through untouched.
func StorageError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	if coded, ok := AsError(err); ok {
		return coded
	}
	if database.IsPoolExhausted(err) {
		return &Error{Code: CodePoolExhausted, Message: message, cause: err}
	}
	return &Error{Code: CodeDatabase, Message: message, cause: err}
}

// Classify wraps err with the engine's error taxonomy. Already-coded
// errors pass through untouched.
func Classify(err error, message string) *Error {
	if err == nil {
		return nil
	}
	if coded, ok := AsError(err); ok {
		return coded
	}

	code := CodeInternal
	switch {
	case errors.Is(err, embedding.ErrInvalidInput):
		code = CodeValidation
	case errors.Is(err, embedding.ErrExhausted):
		code = CodeEmbedding
	case errors.Is(err, sql.ErrNoRows):
		code = CodeNotFound
	case database.IsPoolExhausted(err):
		code = CodePoolExhausted
	case database.IsRetriable(err), database.IsConstraint(err):
		code = CodeDatabase
	}
	return &Error{Code: code, Message: message, cause: err}
}
