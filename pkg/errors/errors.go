// Package errors defines the error taxonomy shared by the index, the query
// layer, and the HTTP service. Every typed error unwraps to one of the
// sentinels below so callers can branch with errors.Is.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrSchema       = errors.New("invalid schema")
	ErrValidation   = errors.New("document validation failed")
	ErrEncoding     = errors.New("document encoding failed")
	ErrQuerySyntax  = errors.New("query syntax error")
	ErrStorage      = errors.New("storage error")
	ErrCorruption   = errors.New("index corruption")
	ErrClosed       = errors.New("index closed")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrInternal     = errors.New("internal error")
)

// SchemaError reports a bad schema definition. It is fatal at open time.
type SchemaError struct {
	Field   string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrSchema, e.Message)
	}
	return fmt.Sprintf("%s: field %q: %s", ErrSchema, e.Field, e.Message)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// ValidationError names the field of a document that does not conform to
// the schema.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: field %q: %s", ErrValidation, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// EncodingError reports a value that could not be coerced to its declared
// field type.
type EncodingError struct {
	Field string
	Value any
	Err   error
}

func (e *EncodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: field %q value %v: %v", ErrEncoding, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s: field %q value %v", ErrEncoding, e.Field, e.Value)
}

func (e *EncodingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEncoding}
	}
	return []error{ErrEncoding, e.Err}
}

// QuerySyntaxError carries the byte offset in the query text where parsing
// failed.
type QuerySyntaxError struct {
	Offset  int
	Message string
}

func (e *QuerySyntaxError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", ErrQuerySyntax, e.Offset, e.Message)
}

func (e *QuerySyntaxError) Unwrap() error { return ErrQuerySyntax }

// StorageError wraps an I/O failure during flush, merge, or manifest writes.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrStorage, e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// CorruptionError is returned when a manifest or segment fails its integrity
// check. The index refuses to open.
type CorruptionError struct {
	Path    string
	Message string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrCorruption, e.Path, e.Message)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }

// NewStorage builds a StorageError.
func NewStorage(op, path string, err error) *StorageError {
	return &StorageError{Op: op, Path: path, Err: err}
}

// Corruptf builds a CorruptionError with a formatted message.
func Corruptf(path string, format string, args ...any) *CorruptionError {
	return &CorruptionError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// Is and As re-export the standard library helpers so callers importing this
// package under its default name do not need a second import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// HTTPStatusCode maps an error from the index to the HTTP status the service
// layer should answer with.
func HTTPStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrEncoding),
		errors.Is(err, ErrQuerySyntax),
		errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
