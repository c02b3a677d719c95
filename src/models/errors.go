package models

import (
	"errors"
	"fmt"
)

var (
	// ErrBadQuery is returned when a query cannot be resolved against the
	// known schemas. Not retryable.
	ErrBadQuery = errors.New("bad query")

	// ErrCollectionNotFound is returned for an unknown collection or schema.
	ErrCollectionNotFound = fmt.Errorf("%w: collection not found", ErrBadQuery)

	// ErrDisconnected is returned when storage cannot be reached. Callers
	// may retry.
	ErrDisconnected = errors.New("storage disconnected")

	// ErrNotAValidDateTime is returned for a datetime value that does not
	// parse with the field's format.
	ErrNotAValidDateTime = errors.New("not a valid datetime")

	// ErrInvalidValue is returned for a value a field type cannot coerce.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidReference is returned for a reference value that is neither
	// an identifier nor a document.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrRequiredField is returned when a required field is missing on save.
	ErrRequiredField = errors.New("required field missing")
)

// ParseError reports a value that failed field type normalization.
type ParseError struct {
	Field string
	Value interface{}
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("field %q: %v (value %v)", e.Field, e.Err, e.Value)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError builds a ParseError for field.
func NewParseError(field string, value interface{}, err error) *ParseError {
	return &ParseError{Field: field, Value: value, Err: err}
}

// IsRetryable reports whether err signals a transient storage condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

// IsBadQuery reports whether err should be surfaced as a client error.
func IsBadQuery(err error) bool {
	var parseErr *ParseError
	return errors.Is(err, ErrBadQuery) || errors.As(err, &parseErr)
}
