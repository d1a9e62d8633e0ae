package message

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/epeer1/axon-vision-ha/errors"
)

// FeatureFlags records which processing features were applied to a frame.
type FeatureFlags uint32

const (
	FlagAnalyzed FeatureFlags = 1 << iota
	FlagBlurred
	FlagAnnotated
	FlagMotion
)

// Has reports whether all bits of f are set
func (ff FeatureFlags) Has(f FeatureFlags) bool {
	return ff&f == f
}

// ElementType is the pixel element type of a payload.
type ElementType uint8

const (
	DTypeUint8 ElementType = iota + 1
	DTypeUint16
	DTypeFloat32
)

// Size returns the element width in bytes, 0 for unknown types
func (t ElementType) Size() int {
	switch t {
	case DTypeUint8:
		return 1
	case DTypeUint16:
		return 2
	case DTypeFloat32:
		return 4
	default:
		return 0
	}
}

func (t ElementType) String() string {
	switch t {
	case DTypeUint8:
		return "uint8"
	case DTypeUint16:
		return "uint16"
	case DTypeFloat32:
		return "float32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(t))
	}
}

// Payload is an n-dimensional pixel array. Data is row-major.
//
// A Payload received from a channel may alias the receive buffer; stages
// must not modify Data in place and use Clone before writing.
type Payload struct {
	Shape []uint32
	DType ElementType
	Data  []byte
}

// Elements returns the product of the shape dimensions (1 for a scalar shape)
func (p Payload) Elements() uint64 {
	n := uint64(1)
	for _, d := range p.Shape {
		n *= uint64(d)
	}
	return n
}

// Validate checks that the data length matches shape and dtype.
// A payload without shape is an opaque byte blob and always valid.
func (p Payload) Validate() error {
	if len(p.Shape) == 0 {
		return nil
	}
	size := p.DType.Size()
	if size == 0 {
		return errors.WrapInvalid(fmt.Errorf("unknown element type %d", p.DType), "Payload", "Validate", "check dtype")
	}
	if want := p.Elements() * uint64(size); want != uint64(len(p.Data)) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: shape %v of %s needs %d bytes, have %d", errors.ErrInvalidData, p.Shape, p.DType, want, len(p.Data)),
			"Payload", "Validate", "check size")
	}
	return nil
}

// Clone returns a deep copy whose Data may be modified
func (p Payload) Clone() Payload {
	return Payload{
		Shape: slices.Clone(p.Shape),
		DType: p.DType,
		Data:  bytes.Clone(p.Data),
	}
}

// Equal compares payloads, treating nil and empty slices alike
func (p Payload) Equal(o Payload) bool {
	return p.DType == o.DType && slices.Equal(p.Shape, o.Shape) && bytes.Equal(p.Data, o.Data)
}

// Envelope is one frame travelling through the pipeline.
type Envelope struct {
	FrameID        uint64
	Timestamp      float64 // seconds since pipeline start
	DetectionCount uint32
	Flags          FeatureFlags
	Metadata       Metadata
	Payload        Payload
}

// Equal compares every field of two envelopes
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.FrameID == o.FrameID &&
		e.Timestamp == o.Timestamp &&
		e.DetectionCount == o.DetectionCount &&
		e.Flags == o.Flags &&
		e.Metadata.Equal(o.Metadata) &&
		e.Payload.Equal(o.Payload)
}
