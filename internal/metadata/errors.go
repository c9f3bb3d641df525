package metadata

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode classifies every failure to turn metadata bytes into a descriptor.
	ErrDecode = errors.New("metadata decode failed")
	// ErrEncode is returned when a descriptor cannot be projected into its compact form.
	ErrEncode = errors.New("metadata encode failed")
)

// DecodeError reports why a metadata record was rejected. Decoding fails closed:
// when a DecodeError is returned no descriptor is produced.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDecode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}
