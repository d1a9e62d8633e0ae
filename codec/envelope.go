// Package codec serializes pipeline messages.
//
// Frame envelopes use a compact little-endian binary layout:
//
//	header    version u8 | frame_id u64 | timestamp f64 | detection_count u32 | flags u32
//	metadata  block_len u32 | count u16 | count × (key_len u16 | key | val_len u32 | JSON value)
//	payload   dtype u8 | ndim u8 | ndim × dim u32 | data_len u32 | data
//
// Encoding returns the payload data as a separate slice so the transport can
// write it with a vectored write instead of copying it behind the header.
// Decoding returns envelopes whose payload and metadata values alias the input
// buffer.
//
// Control messages are small JSON objects tagged by "type".
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/transport"
)

// Version is the envelope layout version written in every header.
const Version uint8 = 1

const (
	// HeaderSize is the size of the fixed envelope header.
	HeaderSize = 1 + 8 + 8 + 4 + 4

	// MaxDims bounds the payload rank.
	MaxDims = 8

	maxMetaEntries = math.MaxUint16
	maxKeyLen      = math.MaxUint16
)

var le = binary.LittleEndian

// EncodeEnvelope serializes e. The returned head holds everything up to and
// including the payload length; payload is e.Payload.Data itself, not a copy.
// The full encoding is head followed by payload.
func EncodeEnvelope(e *message.Envelope) (head, payload []byte, err error) {
	if e == nil {
		return nil, nil, serializationErr("encode", 0, fmt.Errorf("nil envelope"))
	}
	p := e.Payload
	if len(p.Shape) > MaxDims {
		return nil, nil, serializationErr("encode", 0, fmt.Errorf("payload rank %d exceeds %d", len(p.Shape), MaxDims))
	}
	if err := p.Validate(); err != nil {
		return nil, nil, serializationErr("encode", 0, err)
	}

	entries := e.Metadata.Entries()
	if len(entries) > maxMetaEntries {
		return nil, nil, serializationErr("encode", 0, fmt.Errorf("%d metadata entries exceed %d", len(entries), maxMetaEntries))
	}
	metaLen := 2
	for _, m := range entries {
		if len(m.Key) > maxKeyLen {
			return nil, nil, serializationErr("encode", 0, fmt.Errorf("metadata key of %d bytes too long", len(m.Key)))
		}
		metaLen += 2 + len(m.Key) + 4 + len(m.Value)
	}

	size := HeaderSize + 4 + metaLen + 2 + 4*len(p.Shape) + 4
	if size+len(p.Data) > transport.MaxFrameSize {
		return nil, nil, serializationErr("encode", 0,
			fmt.Errorf("envelope of %d bytes exceeds the %d byte frame limit", size+len(p.Data), transport.MaxFrameSize))
	}
	head = make([]byte, 0, size)

	head = append(head, Version)
	head = le.AppendUint64(head, e.FrameID)
	head = le.AppendUint64(head, math.Float64bits(e.Timestamp))
	head = le.AppendUint32(head, e.DetectionCount)
	head = le.AppendUint32(head, uint32(e.Flags))

	head = le.AppendUint32(head, uint32(metaLen))
	head = le.AppendUint16(head, uint16(len(entries)))
	for _, m := range entries {
		head = le.AppendUint16(head, uint16(len(m.Key)))
		head = append(head, m.Key...)
		head = le.AppendUint32(head, uint32(len(m.Value)))
		head = append(head, m.Value...)
	}

	head = append(head, byte(p.DType), byte(len(p.Shape)))
	for _, d := range p.Shape {
		head = le.AppendUint32(head, d)
	}
	head = le.AppendUint32(head, uint32(len(p.Data)))

	return head, p.Data, nil
}

// MarshalEnvelope returns the envelope encoding as one contiguous slice.
func MarshalEnvelope(e *message.Envelope) ([]byte, error) {
	head, payload, err := EncodeEnvelope(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(head)+len(payload))
	out = append(out, head...)
	return append(out, payload...), nil
}

// DecodeEnvelope parses an envelope. The payload data and metadata values
// alias buf, which must not be modified while the envelope is in use.
// Malformed input yields a *SerializationError.
func DecodeEnvelope(buf []byte) (*message.Envelope, error) {
	r := reader{buf: buf}

	version := r.u8()
	if r.err == nil && version != Version {
		return nil, serializationErr("decode", 0, fmt.Errorf("unsupported envelope version %d", version))
	}

	e := &message.Envelope{}
	e.FrameID = r.u64()
	e.Timestamp = math.Float64frombits(r.u64())
	e.DetectionCount = r.u32()
	e.Flags = message.FeatureFlags(r.u32())

	metaLen := int(r.u32())
	metaStart := r.off
	count := int(r.u16())
	if r.err == nil && count > 0 {
		entries := make([]message.MetaEntry, 0, min(count, 64))
		for i := 0; i < count && r.err == nil; i++ {
			key := r.bytes(int(r.u16()))
			val := r.bytes(int(r.u32()))
			entries = append(entries, message.MetaEntry{Key: string(key), Value: val})
		}
		if r.err == nil {
			e.Metadata = message.NewMetadata(entries...)
		}
	}
	if r.err == nil && r.off-metaStart != metaLen {
		return nil, serializationErr("decode", metaStart, fmt.Errorf("metadata block length %d, parsed %d", metaLen, r.off-metaStart))
	}

	e.Payload.DType = message.ElementType(r.u8())
	ndim := int(r.u8())
	if r.err == nil && ndim > MaxDims {
		return nil, serializationErr("decode", r.off, fmt.Errorf("payload rank %d exceeds %d", ndim, MaxDims))
	}
	if ndim > 0 && r.err == nil {
		e.Payload.Shape = make([]uint32, ndim)
		for i := range e.Payload.Shape {
			e.Payload.Shape[i] = r.u32()
		}
	}
	e.Payload.Data = r.bytes(int(r.u32()))

	if r.err != nil {
		return nil, serializationErr("decode", r.off, r.err)
	}
	if r.off != len(buf) {
		return nil, serializationErr("decode", r.off, fmt.Errorf("%d trailing bytes", len(buf)-r.off))
	}
	if err := e.Payload.Validate(); err != nil {
		return nil, serializationErr("decode", r.off, err)
	}
	return e, nil
}

// reader is a bounds-checked cursor; after the first error every read returns zero.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("truncated: need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := le.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := le.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := le.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// bytes returns a capacity-limited view of the next n bytes
func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return v
}
