package codec

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/epeer1/axon-vision-ha/message"
)

// controlWire is the JSON form of a control message.
type controlWire struct {
	Type        string `json:"type"`
	Reason      string `json:"reason,omitempty"`
	StageName   string `json:"stage_name,omitempty"`
	LastFrameID *int64 `json:"last_frame_id,omitempty"`
	FinalState  string `json:"final_state,omitempty"`
	Frames      uint64 `json:"frames,omitempty"`
}

// EncodeControl serializes a non-DATA message.
func EncodeControl(m message.Message) ([]byte, error) {
	if !m.IsControl() {
		return nil, serializationErr("encode", 0, fmt.Errorf("%s is not a control message", m.Kind))
	}
	if err := validateControl(m); err != nil {
		return nil, serializationErr("encode", 0, err)
	}

	w := controlWire{
		Type:       m.Kind.String(),
		Reason:     m.Reason,
		StageName:  m.StageName,
		FinalState: m.FinalState,
		Frames:     m.Frames,
	}
	if m.Kind == message.KindEndOfStream || m.Kind == message.KindAck {
		last := m.LastFrameID
		w.LastFrameID = &last
	}

	data, err := sonic.Marshal(&w)
	if err != nil {
		return nil, serializationErr("encode", 0, err)
	}
	return data, nil
}

// DecodeControl parses a control message and checks it against the kind
// announced by the frame header.
func DecodeControl(kind message.Kind, body []byte) (message.Message, error) {
	var w controlWire
	if err := sonic.Unmarshal(body, &w); err != nil {
		return message.Message{}, serializationErr("decode", 0, err)
	}

	parsed, ok := message.ParseKind(w.Type)
	if !ok || parsed == message.KindData {
		return message.Message{}, serializationErr("decode", 0, fmt.Errorf("unknown control type %q", w.Type))
	}
	if parsed != kind {
		return message.Message{}, serializationErr("decode", 0, fmt.Errorf("frame kind %s carries %s body", kind, parsed))
	}

	m := message.Message{
		Kind:       parsed,
		Reason:     w.Reason,
		StageName:  w.StageName,
		FinalState: w.FinalState,
		Frames:     w.Frames,
	}
	if parsed == message.KindEndOfStream || parsed == message.KindAck {
		if w.LastFrameID == nil {
			return message.Message{}, serializationErr("decode", 0, fmt.Errorf("%s without last_frame_id", parsed))
		}
		m.LastFrameID = *w.LastFrameID
	}
	if err := validateControl(m); err != nil {
		return message.Message{}, serializationErr("decode", 0, err)
	}
	return m, nil
}

func validateControl(m message.Message) error {
	switch m.Kind {
	case message.KindEndOfStream:
		if m.LastFrameID < message.NoFrames {
			return fmt.Errorf("invalid last_frame_id %d", m.LastFrameID)
		}
	case message.KindShutdown:
		if m.Reason == "" {
			return fmt.Errorf("shutdown without reason")
		}
	case message.KindAck, message.KindReady, message.KindHeartbeat:
		if m.StageName == "" {
			return fmt.Errorf("%s without stage_name", m.Kind)
		}
		if m.Kind == message.KindAck && m.LastFrameID < message.NoFrames {
			return fmt.Errorf("invalid last_frame_id %d", m.LastFrameID)
		}
	default:
		return fmt.Errorf("unknown kind %d", m.Kind)
	}
	return nil
}

// Encode serializes any message into head and payload parts; the body is
// head followed by payload. Only DATA messages have a payload part.
func Encode(m message.Message) (head, payload []byte, err error) {
	if m.Kind == message.KindData {
		return EncodeEnvelope(m.Envelope)
	}
	head, err = EncodeControl(m)
	return head, nil, err
}

// Decode parses a message body of the given kind.
func Decode(kind message.Kind, body []byte) (message.Message, error) {
	if kind == message.KindData {
		e, err := DecodeEnvelope(body)
		if err != nil {
			return message.Message{}, err
		}
		return message.Data(e), nil
	}
	return DecodeControl(kind, body)
}
