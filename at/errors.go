package at

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatch is returned when a response line does not start with the
	// expected literal prefix.
	ErrNoMatch = errors.New("response does not match")

	// ErrFieldCount is returned when a response carries fewer fields than
	// the caller asked to extract.
	ErrFieldCount = errors.New("response has too few fields")

	// ErrInvalidField is returned when a command argument cannot be encoded
	// on the wire (too long, quotes or control characters, out of range).
	ErrInvalidField = errors.New("invalid command field")

	// ErrInvalidHex is returned when a payload is not well-formed hexadecimal.
	ErrInvalidHex = errors.New("invalid hex payload")
)

// FieldError describes a response field that could not be converted into
// its destination type.
type FieldError struct {
	Index int    // zero-based field position
	Raw   string // field text as received
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %d %q: %v", e.Index, e.Raw, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
