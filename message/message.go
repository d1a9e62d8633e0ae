// Package message defines what flows between pipeline stages: frame envelopes
// on the data path and the control messages (END_OF_STREAM, SHUTDOWN, ACK,
// READY, HEARTBEAT) that drive the lifecycle cascade.
package message

import "fmt"

// Kind tags the variant carried by a Message.
type Kind uint8

const (
	KindData Kind = iota + 1
	KindEndOfStream
	KindShutdown
	KindAck
	KindReady
	KindHeartbeat
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindEndOfStream:
		return "END_OF_STREAM"
	case KindShutdown:
		return "SHUTDOWN"
	case KindAck:
		return "ACK"
	case KindReady:
		return "READY"
	case KindHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := KindData; k <= KindHeartbeat; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// NoFrames is the LastFrameID of a stream that ended before any frame was emitted.
const NoFrames int64 = -1

// Shutdown reasons.
const (
	ReasonStageCrash    = "stage-crash"
	ReasonTransport     = "transport-error"
	ReasonStageExited   = "stage-exited"
	ReasonUnresponsive  = "stage-unresponsive"
	ReasonSignal        = "signal"
	ReasonStartupFailed = "startup-failed"
)

// Message is a tagged variant; only the fields of its Kind are meaningful.
type Message struct {
	Kind Kind

	// KindData
	Envelope *Envelope

	// KindEndOfStream and KindAck
	LastFrameID int64

	// KindShutdown
	Reason string

	// KindAck, KindReady, KindHeartbeat
	StageName  string
	FinalState string
	Frames     uint64
}

// Data wraps a frame envelope
func Data(e *Envelope) Message {
	return Message{Kind: KindData, Envelope: e}
}

// EndOfStream announces that lastFrameID is the final frame of the stream
func EndOfStream(lastFrameID int64) Message {
	return Message{Kind: KindEndOfStream, LastFrameID: lastFrameID}
}

// Shutdown requests an immediate stop without draining
func Shutdown(reason string) Message {
	return Message{Kind: KindShutdown, Reason: reason}
}

// Ack reports that a stage reached its final state
func Ack(stage, finalState string, frames uint64, lastFrameID int64) Message {
	return Message{Kind: KindAck, StageName: stage, FinalState: finalState, Frames: frames, LastFrameID: lastFrameID}
}

// Ready reports that a stage finished initialization
func Ready(stage string) Message {
	return Message{Kind: KindReady, StageName: stage}
}

// Heartbeat reports that a stage is alive
func Heartbeat(stage string) Message {
	return Message{Kind: KindHeartbeat, StageName: stage}
}

// IsControl reports whether the message is anything but DATA
func (m Message) IsControl() bool {
	return m.Kind != KindData
}

func (m Message) String() string {
	switch m.Kind {
	case KindData:
		if m.Envelope == nil {
			return "DATA(nil)"
		}
		return fmt.Sprintf("DATA(%d)", m.Envelope.FrameID)
	case KindEndOfStream:
		return fmt.Sprintf("END_OF_STREAM(%d)", m.LastFrameID)
	case KindShutdown:
		return fmt.Sprintf("SHUTDOWN(%s)", m.Reason)
	case KindAck:
		return fmt.Sprintf("ACK(%s,%s,frames=%d)", m.StageName, m.FinalState, m.Frames)
	default:
		return fmt.Sprintf("%s(%s)", m.Kind, m.StageName)
	}
}
