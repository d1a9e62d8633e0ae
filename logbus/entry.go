// Package logbus carries the structured logs of every stage to one place.
//
// Each stage builds its *slog.Logger on a Handler. Records still go to the
// stage's own output and are additionally published as Entry values on the
// stage's logs.<stage> fan-out channel, and optionally mirrored to NATS.
// The supervisor runs a Collector that subscribes to every stage's log
// channel and re-emits the entries through its own logger.
package logbus

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
)

// ChannelName names the log fan-out channel of a stage.
func ChannelName(stage string) string { return "logs." + stage }

// metaContentType tags log envelopes on the wire.
const (
	metaContentType = "content_type"
	contentType     = "application/vnd.vidpipe.log+json"
)

// Entry is one published log record.
type Entry struct {
	Timestamp string         `json:"timestamp"` // RFC3339Nano
	Level     string         `json:"level"`
	Stage     string         `json:"stage"`
	RunID     string         `json:"run_id"`
	Message   string         `json:"message"`
	Seq       uint64         `json:"seq"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Time parses the entry timestamp.
func (e Entry) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// Marshal encodes e as JSON.
func (e Entry) Marshal() ([]byte, error) {
	return sonic.Marshal(e)
}

// Encode wraps e in a DATA message for a fan-out channel. The JSON entry
// is carried as an opaque payload; the frame id is the entry sequence.
func Encode(e Entry) (message.Message, error) {
	data, err := e.Marshal()
	if err != nil {
		return message.Message{}, errors.WrapInvalid(err, "logbus", "Encode", "marshal entry")
	}
	env := &message.Envelope{
		FrameID: e.Seq,
		Payload: message.Payload{Data: data},
	}
	if t, err := e.Time(); err == nil {
		env.Timestamp = float64(t.UnixNano()) / float64(time.Second)
	}
	if err := env.Metadata.Set(metaContentType, contentType); err != nil {
		return message.Message{}, err
	}
	return message.Data(env), nil
}

// Decode extracts the entry from a message produced by Encode.
func Decode(m message.Message) (Entry, error) {
	if m.Kind != message.KindData || m.Envelope == nil {
		return Entry{}, errors.WrapInvalid(fmt.Errorf("%w: %s is not a log entry", errors.ErrInvalidData, m.String()),
			"logbus", "Decode", "check kind")
	}
	var ct string
	if ok, err := m.Envelope.Metadata.Get(metaContentType, &ct); err != nil || !ok || ct != contentType {
		return Entry{}, errors.WrapInvalid(fmt.Errorf("%w: content type %q", errors.ErrInvalidData, ct),
			"logbus", "Decode", "check content type")
	}
	var e Entry
	if err := sonic.Unmarshal(m.Envelope.Payload.Data, &e); err != nil {
		return Entry{}, errors.WrapInvalid(err, "logbus", "Decode", "unmarshal entry")
	}
	return e, nil
}
