package logbus

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epeer1/axon-vision-ha/channel"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/transport"
)

// Collector subscribes to the log channels of the stages and re-emits
// their entries through one logger.
type Collector struct {
	logger  *slog.Logger
	opts    channel.Options
	onEntry func(Entry)

	received  atomic.Uint64
	malformed atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector. onEntry, if set, sees every entry after
// it was logged.
func NewCollector(logger *slog.Logger, opts channel.Options, onEntry func(Entry)) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		logger:  logger,
		opts:    opts,
		onEntry: onEntry,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Watch starts collecting the log channel of stage at ep. It returns at
// once; the subscription is retried in the background.
func (c *Collector) Watch(stage string, ep transport.Endpoint) {
	c.wg.Add(1)
	go c.run(stage, ep)
}

// Received returns the number of entries collected
func (c *Collector) Received() uint64 {
	return c.received.Load()
}

// Malformed returns the number of messages that were not log entries
func (c *Collector) Malformed() uint64 {
	return c.malformed.Load()
}

// Close stops every subscription after emitting what was already received.
func (c *Collector) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Collector) run(stage string, ep transport.Endpoint) {
	defer c.wg.Done()

	opts := c.opts
	opts.Logger = c.logger
	sub, err := channel.Subscribe(c.ctx, ChannelName(stage), ep, opts)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("Log channel unavailable", "stage", stage, "error", err)
		}
		return
	}
	defer sub.Close()

	poll := 50 * time.Millisecond
	for c.ctx.Err() == nil {
		if m, ok := sub.Receive(poll); ok {
			c.handle(stage, m)
		}
	}
	for {
		m, ok := sub.Receive(0)
		if !ok {
			return
		}
		c.handle(stage, m)
	}
}

func (c *Collector) handle(stage string, m message.Message) {
	e, err := Decode(m)
	if err != nil {
		c.malformed.Add(1)
		c.logger.Debug("Discarding log message", "stage", stage, "error", err)
		return
	}
	c.received.Add(1)
	c.emit(e)
	if c.onEntry != nil {
		c.onEntry(e)
	}
}

func (c *Collector) emit(e Entry) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.Level)); err != nil {
		level = slog.LevelInfo
	}
	if !c.logger.Enabled(c.ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, len(e.Attrs)+2)
	attrs = append(attrs, slog.String("stage", e.Stage), slog.Uint64("seq", e.Seq))
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		if k == "stage" {
			continue
		}
		attrs = append(attrs, slog.Any(k, e.Attrs[k]))
	}
	c.logger.LogAttrs(context.Background(), level, e.Message, attrs...)
}
