package codec

import (
	stderrors "errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/transport"
)

func sampleEnvelope(t *testing.T) *message.Envelope {
	t.Helper()
	e := &message.Envelope{
		FrameID:   42,
		Timestamp: 1.375,
		Flags:     message.FlagAnalyzed | message.FlagMotion,
		Payload: message.Payload{
			Shape: []uint32{4, 3},
			DType: message.DTypeUint8,
			Data:  []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
		},
	}
	require.NoError(t, e.SetDetections([]message.Detection{
		{BBox: [4]int{1, 1, 2, 2}, Confidence: 0.0004, Type: "motion", Area: 4},
	}))
	require.NoError(t, e.Metadata.Set(message.ProcessingKey("analyzer"), 2.5))
	return e
}

func TestEnvelope_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *message.Envelope
	}{
		{"full", sampleEnvelope(t)},
		{"zero value", &message.Envelope{}},
		{"empty payload with shape", &message.Envelope{
			FrameID: 1,
			Payload: message.Payload{Shape: []uint32{0, 640}, DType: message.DTypeUint8},
		}},
		{"opaque payload", &message.Envelope{
			FrameID: 2,
			Payload: message.Payload{Data: []byte("opaque bytes")},
		}},
		{"float32 payload", &message.Envelope{
			FrameID: 3,
			Payload: message.Payload{Shape: []uint32{2}, DType: message.DTypeFloat32, Data: make([]byte, 8)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := MarshalEnvelope(tt.env)
			require.NoError(t, err)

			got, err := DecodeEnvelope(buf)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.env, got); diff != "" {
				t.Errorf("decoded envelope mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnvelope_RoundTripRandomSizes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		h, w := uint32(rng.IntN(64)), uint32(rng.IntN(64))
		data := make([]byte, h*w)
		for j := range data {
			data[j] = byte(rng.IntN(256))
		}
		e := &message.Envelope{
			FrameID:   uint64(i),
			Timestamp: float64(i) / 30,
			Payload:   message.Payload{Shape: []uint32{h, w}, DType: message.DTypeUint8, Data: data},
		}

		buf, err := MarshalEnvelope(e)
		require.NoError(t, err)
		got, err := DecodeEnvelope(buf)
		require.NoError(t, err)
		if diff := cmp.Diff(e, got); diff != "" {
			t.Fatalf("frame %d (%dx%d) mismatch (-want +got):\n%s", i, h, w, diff)
		}
	}
}

func TestEncodeEnvelope_PayloadIsView(t *testing.T) {
	e := sampleEnvelope(t)
	head, payload, err := EncodeEnvelope(e)
	require.NoError(t, err)
	require.NotEmpty(t, head)

	require.Len(t, payload, len(e.Payload.Data))
	assert.Same(t, &e.Payload.Data[0], &payload[0])
}

func TestDecodeEnvelope_ZeroCopy(t *testing.T) {
	buf, err := MarshalEnvelope(sampleEnvelope(t))
	require.NoError(t, err)

	got, err := DecodeEnvelope(buf)
	require.NoError(t, err)

	// the payload is the tail of the buffer
	tail := buf[len(buf)-len(got.Payload.Data):]
	assert.Same(t, &tail[0], &got.Payload.Data[0])

	// appending to the view must not clobber the buffer
	assert.Equal(t, len(got.Payload.Data), cap(got.Payload.Data))
}

func TestDecodeEnvelope_TruncatedAtEveryOffset(t *testing.T) {
	buf, err := MarshalEnvelope(sampleEnvelope(t))
	require.NoError(t, err)

	for n := 0; n < len(buf); n++ {
		_, err := DecodeEnvelope(buf[:n])
		require.Error(t, err, "prefix of %d bytes", n)

		var serr *SerializationError
		require.True(t, stderrors.As(err, &serr), "prefix of %d bytes: %v", n, err)
		assert.ErrorIs(t, err, errors.ErrSerialization)
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	valid, err := MarshalEnvelope(sampleEnvelope(t))
	require.NoError(t, err)

	badVersion := append([]byte(nil), valid...)
	badVersion[0] = 9

	trailing := append(append([]byte(nil), valid...), 0xff)

	// 2x2 payload whose second dim is rewritten to 3
	e := &message.Envelope{Payload: message.Payload{Shape: []uint32{2, 2}, DType: message.DTypeUint8, Data: []byte{1, 2, 3, 4}}}
	mismatch, err := MarshalEnvelope(e)
	require.NoError(t, err)
	mismatch[len(mismatch)-4-4-4] = 3

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"bad version", badVersion},
		{"trailing bytes", trailing},
		{"shape mismatch", mismatch},
		{"garbage", []byte{Version, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := DecodeEnvelope(tt.buf)
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrSerialization)
				assert.True(t, errors.IsInvalid(err))
			})
		})
	}
}

func TestEncodeEnvelope_Rejects(t *testing.T) {
	_, _, err := EncodeEnvelope(nil)
	assert.ErrorIs(t, err, errors.ErrSerialization)

	bad := &message.Envelope{Payload: message.Payload{Shape: []uint32{2}, DType: message.DTypeUint8, Data: []byte{1}}}
	_, _, err = EncodeEnvelope(bad)
	assert.ErrorIs(t, err, errors.ErrSerialization)

	deep := &message.Envelope{Payload: message.Payload{Shape: make([]uint32, MaxDims+1), DType: message.DTypeUint8}}
	_, _, err = EncodeEnvelope(deep)
	assert.ErrorIs(t, err, errors.ErrSerialization)
}

func TestEncodeEnvelope_RejectsOversizeFrame(t *testing.T) {
	e := &message.Envelope{FrameID: 7, Payload: message.Payload{Data: make([]byte, transport.MaxFrameSize)}}
	_, _, err := EncodeEnvelope(e)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSerialization)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, errors.IsTransient(err))

	// the same payload minus the header fits
	head, _, err := EncodeEnvelope(&message.Envelope{Payload: message.Payload{Data: []byte{1}}})
	require.NoError(t, err)
	e.Payload.Data = e.Payload.Data[:transport.MaxFrameSize-len(head)]
	_, _, err = EncodeEnvelope(e)
	assert.NoError(t, err)
}

func TestControl_RoundTrip(t *testing.T) {
	msgs := []message.Message{
		message.EndOfStream(99),
		message.EndOfStream(message.NoFrames),
		message.Shutdown(message.ReasonStageCrash),
		message.Ack("analyzer", "STOPPED", 100, 99),
		message.Ack("source", "STOPPED", 0, message.NoFrames),
		message.Ready("renderer"),
		message.Heartbeat("source"),
	}

	for _, m := range msgs {
		t.Run(m.String(), func(t *testing.T) {
			head, payload, err := Encode(m)
			require.NoError(t, err)
			assert.Nil(t, payload)

			got, err := Decode(m.Kind, head)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestData_RoundTripThroughMessage(t *testing.T) {
	e := sampleEnvelope(t)
	head, payload, err := Encode(message.Data(e))
	require.NoError(t, err)

	body := append(append([]byte(nil), head...), payload...)
	got, err := Decode(message.KindData, body)
	require.NoError(t, err)
	assert.Equal(t, message.KindData, got.Kind)
	assert.True(t, e.Equal(got.Envelope))
}

func TestDecodeControl_Malformed(t *testing.T) {
	tests := []struct {
		name string
		kind message.Kind
		body string
	}{
		{"not json", message.KindShutdown, "{"},
		{"unknown type", message.KindShutdown, `{"type":"REBOOT"}`},
		{"data type", message.KindShutdown, `{"type":"DATA"}`},
		{"kind mismatch", message.KindShutdown, `{"type":"READY","stage_name":"x"}`},
		{"eos without last", message.KindEndOfStream, `{"type":"END_OF_STREAM"}`},
		{"eos below -1", message.KindEndOfStream, `{"type":"END_OF_STREAM","last_frame_id":-2}`},
		{"ack without stage", message.KindAck, `{"type":"ACK","last_frame_id":3}`},
		{"shutdown without reason", message.KindShutdown, `{"type":"SHUTDOWN"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeControl(tt.kind, []byte(tt.body))
			require.Error(t, err)
			var serr *SerializationError
			assert.True(t, stderrors.As(err, &serr))
			assert.ErrorIs(t, err, errors.ErrSerialization)
		})
	}
}

func TestEncodeControl_RejectsData(t *testing.T) {
	_, err := EncodeControl(message.Data(&message.Envelope{}))
	assert.ErrorIs(t, err, errors.ErrSerialization)
}
