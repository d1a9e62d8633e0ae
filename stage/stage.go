// Package stage runs one pipeline stage: it pulls messages from the input
// channel, applies the stage capability and pushes results downstream while
// following the stage lifecycle INIT -> RUNNING -> DRAINING -> STOPPED.
//
// A stage is driven by a single cooperative loop. Every wait in the loop is
// bounded by the poll interval so that a SHUTDOWN on the command channel is
// noticed promptly, even while the stage is blocked by backpressure.
package stage

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/epeer1/axon-vision-ha/message"
)

// State is the lifecycle state of a stage.
type State int

const (
	StateInit State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ErrEndOfInput is returned by a Decoder when the stream is exhausted.
var ErrEndOfInput = stderrors.New("end of input")

// Features selects the optional processing a stage applies.
type Features struct {
	Blur      bool `json:"blur"`
	Annotate  bool `json:"annotate"`
	Threshold int  `json:"threshold"`
	MinArea   int  `json:"min_area"`
}

// AnalysisResult is what an Analyzer found in one frame.
type AnalysisResult struct {
	Detections []message.Detection
	Method     string
	// Details is copied into the envelope metadata as is.
	Details map[string]any
}

// Decoder produces the raw frames of the source stage.
type Decoder interface {
	// Next returns the next frame or ErrEndOfInput.
	Next(ctx context.Context) (message.Payload, error)
}

// Analyzer inspects a frame.
type Analyzer interface {
	Analyze(ctx context.Context, p message.Payload) (AnalysisResult, error)
}

// Renderer produces the displayed frame. It must not modify p.Data in place.
type Renderer interface {
	Render(ctx context.Context, p message.Payload, result AnalysisResult) (message.Payload, error)
}

// Processor is the capability a Runner applies to each envelope.
type Processor interface {
	Process(ctx context.Context, env *message.Envelope) (*message.Envelope, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, env *message.Envelope) (*message.Envelope, error)

func (f ProcessorFunc) Process(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	return f(ctx, env)
}

// Passthrough forwards envelopes unchanged.
var Passthrough = ProcessorFunc(func(_ context.Context, env *message.Envelope) (*message.Envelope, error) {
	return env, nil
})

// Inbox is the receiving side of an ordered channel.
type Inbox interface {
	Receive(timeout time.Duration) (message.Message, bool)
}

// Outbox is the sending side of an ordered channel.
type Outbox interface {
	SendTimeout(m message.Message, d time.Duration) error
}

// Tap is an optional fan-out copy of a stage's output.
type Tap interface {
	Publish(m message.Message) error
}

// Ports are the channels a stage is wired to. Input is nil for the source,
// Output is nil for the last stage and Tap is optional.
type Ports struct {
	Input    Inbox
	Output   Outbox
	Control  Outbox
	Commands Inbox
	Tap      Tap
}

// Config configures a stage loop.
type Config struct {
	Name              string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StatsInterval     time.Duration // 0 disables periodic statistics
	AckTimeout        time.Duration
	Features          Features
}

// Default loop timings.
const (
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultHeartbeatInterval = time.Second
	DefaultAckTimeout        = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	return c
}
