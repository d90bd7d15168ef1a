package reading

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed indicates the payload is not a JSON object.
	ErrMalformed = errors.New("malformed record")
	// ErrMissingField indicates a required field is absent or empty.
	ErrMissingField = errors.New("missing field")
	// ErrNotNumeric indicates a field cannot be coerced to a finite number.
	ErrNotNumeric = errors.New("non-numeric value")
)

// FieldError reports a schema or type failure on a single record field.
type FieldError struct {
	Field string
	Value any
	Err   error
}

func (e *FieldError) Error() string {
	switch {
	case errors.Is(e.Err, ErrMissingField):
		return fmt.Sprintf("missing '%s' field", e.Field)
	case errors.Is(e.Err, ErrNotNumeric):
		return fmt.Sprintf("non-numeric %s: %v", e.Field, e.Value)
	default:
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
