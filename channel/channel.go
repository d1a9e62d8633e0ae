// Package channel implements the two message channel kinds stages talk over.
//
// Ordered channels (Sender/Receiver) connect one producer to one consumer.
// They never drop and never reorder: the receiver grants the sender one
// credit per free slot of its queue, the sender spends a credit on every
// frame except SHUTDOWN and blocks while it has none, so at most
// HighWaterMark messages are ever outstanding. SHUTDOWN bypasses credits and
// is delivered ahead of anything already queued.
//
// Fan-out channels (Publisher/Subscriber) deliver to any number of
// subscribers. Publish never blocks; a subscriber that falls behind loses
// messages and the loss is counted.
//
// Every blocking call is bounded by a context or a timeout so that callers
// can keep checking for shutdown.
package channel

import (
	"encoding/binary"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/pkg/retry"
)

// Kind is the delivery contract of a channel, chosen by what it carries.
type Kind int

const (
	// Ordered is lossless FIFO with blocking backpressure: pipeline data,
	// control and command channels.
	Ordered Kind = iota + 1
	// FanOut is best-effort broadcast that drops for slow subscribers: logs
	// and preview.
	FanOut
)

func (k Kind) String() string {
	switch k {
	case Ordered:
		return "ordered"
	case FanOut:
		return "fanout"
	default:
		return "unknown"
	}
}

// ErrSendTimeout is returned by SendTimeout when no credit arrived in time.
var ErrSendTimeout = stderrors.New("send timed out waiting for credit")

// frameCredit carries a u32 credit grant from receiver to sender. It lies
// outside the message kind range.
const frameCredit byte = 0x80

// DefaultHighWaterMark is the default queue bound of a channel.
const DefaultHighWaterMark = 16

// Options configures either end of a channel.
type Options struct {
	// HighWaterMark bounds the messages outstanding on an ordered channel and
	// the per-subscriber queue of a fan-out channel.
	HighWaterMark int

	// Retry governs bind, connect and reconnect attempts.
	Retry retry.Config

	// WriteTimeout bounds a single socket write; fan-out subscribers that
	// stall longer are disconnected.
	WriteTimeout time.Duration

	Logger *slog.Logger

	// Registry enables channel and queue metrics. Nil disables them.
	Registry *metric.MetricsRegistry
}

// DefaultOptions returns options with the default bound and reconnect policy.
func DefaultOptions() Options {
	return Options{
		HighWaterMark: DefaultHighWaterMark,
		Retry:         errors.DefaultRetryConfig().ToRetryConfig(),
		WriteTimeout:  5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = def.HighWaterMark
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = def.Retry
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) metrics() *metric.Metrics {
	if o.Registry == nil {
		return nil
	}
	return o.Registry.Metrics
}

func encodeCredit(n int) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(n))
}

func decodeCredit(body []byte) (int, bool) {
	if len(body) != 4 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(body)), true
}

// Stats is a read-only snapshot of one channel end.
type Stats struct {
	Name        string
	Depth       int    // messages queued locally
	Capacity    int    // queue bound
	Received    uint64 // messages accepted into the queue
	Discarded   uint64 // malformed frames
	Dropped     uint64 // messages lost to slow consumers (fan-out only)
	Connections int
}
