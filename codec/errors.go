package codec

import (
	"fmt"

	"github.com/epeer1/axon-vision-ha/errors"
)

// SerializationError reports malformed input to, or unencodable output from, the codec.
// It matches errors.ErrSerialization.
type SerializationError struct {
	Op     string // "encode" or "decode"
	Offset int
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("codec %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *SerializationError) Unwrap() []error {
	return []error{errors.ErrSerialization, e.Err}
}

func serializationErr(op string, offset int, err error) error {
	return &SerializationError{Op: op, Offset: offset, Err: err}
}
