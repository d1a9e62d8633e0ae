package logbus

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/epeer1/axon-vision-ha/message"
)

// Publisher is the sending end of a fan-out channel.
type Publisher interface {
	Publish(m message.Message) error
}

// Mirror receives a copy of every entry, for example NATS.
type Mirror interface {
	Mirror(e Entry) error
}

// Bus numbers the entries of one stage and hands them to its sinks. It is
// shared by every Handler derived from the same root.
type Bus struct {
	stage string
	runID string
	pub   Publisher
	// nil when no mirror is configured
	mirror Mirror

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewBus creates the bus of one stage. pub and mirror may be nil.
func NewBus(stage, runID string, pub Publisher, mirror Mirror) *Bus {
	return &Bus{stage: stage, runID: runID, pub: pub, mirror: mirror}
}

// Published returns how many entries were emitted
func (b *Bus) Published() uint64 {
	return b.seq.Load()
}

// Dropped returns how many entries a sink rejected
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) emit(e Entry) {
	e.Seq = b.seq.Add(1) - 1
	e.Stage = b.stage
	e.RunID = b.runID

	if b.pub != nil {
		m, err := Encode(e)
		if err != nil || b.pub.Publish(m) != nil {
			b.dropped.Add(1)
		}
	}
	if b.mirror != nil {
		if err := b.mirror.Mirror(e); err != nil {
			b.dropped.Add(1)
		}
	}
}

// Handler is a slog.Handler that writes to a base handler and publishes
// every handled record on a Bus.
type Handler struct {
	base   slog.Handler
	bus    *Bus
	attrs  []slog.Attr // keys already qualified by groups
	prefix string
}

// NewHandler wraps base. A nil bus makes the handler a plain pass-through.
func NewHandler(base slog.Handler, bus *Bus) *Handler {
	return &Handler{base: base, bus: bus}
}

// Enabled follows the base handler
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle writes r to the base handler and publishes it.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)
	if h.bus == nil {
		return err
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	e := Entry{
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Level:     r.Level.String(),
		Message:   r.Message,
	}
	if n := len(h.attrs) + r.NumAttrs(); n > 0 {
		e.Attrs = make(map[string]any, n)
		for _, a := range h.attrs {
			flatten(e.Attrs, "", a)
		}
		r.Attrs(func(a slog.Attr) bool {
			flatten(e.Attrs, h.prefix, a)
			return true
		})
	}
	h.bus.emit(e)
	return err
}

// WithAttrs returns a handler that adds attrs to every record
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	out := *h
	out.base = h.base.WithAttrs(attrs)
	out.attrs = make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(out.attrs, h.attrs)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		out.attrs = append(out.attrs, a)
	}
	return &out
}

// WithGroup returns a handler that qualifies later attributes with name
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := *h
	out.base = h.base.WithGroup(name)
	out.prefix = h.prefix + name + "."
	return &out
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	dst[strings.TrimSuffix(prefix+a.Key, ".")] = plain(v)
}

// plain converts a value into something JSON can carry.
func plain(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case interface{ String() string }:
			return x.String()
		default:
			return x
		}
	default:
		return v.Any()
	}
}
