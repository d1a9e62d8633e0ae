package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epeer1/axon-vision-ha/codec"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/pkg/buffer"
	"github.com/epeer1/axon-vision-ha/transport"
)

type frame struct {
	kind    byte
	head    []byte
	payload []byte
}

// Publisher is the sending end of a fan-out channel. It binds the endpoint
// and serves every subscriber that connects.
type Publisher struct {
	name    string
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics
	ln      *transport.Listener

	mu   sync.Mutex
	subs map[*subscription]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	conn  *transport.Conn
	queue buffer.Buffer[frame]
}

// Publish binds the publishing end of the fan-out channel name at ep.
func Publish(ctx context.Context, name string, ep transport.Endpoint, opts Options) (*Publisher, error) {
	opts = opts.withDefaults()
	ln, err := transport.Listen(ctx, ep, opts.Retry)
	if err != nil {
		return nil, errors.Wrap(err, "Publisher", "Publish", "bind "+name)
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		name:    name,
		opts:    opts,
		logger:  opts.Logger.With("channel", name),
		metrics: opts.metrics(),
		ln:      ln,
		subs:    make(map[*subscription]struct{}),
		ctx:     pctx,
		cancel:  cancel,
	}

	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		p.add(conn)
	}
}

func (p *Publisher) add(conn *transport.Conn) {
	conn.SetWriteTimeout(p.opts.WriteTimeout)

	queue, err := buffer.NewCircularBuffer(p.opts.HighWaterMark,
		buffer.WithOverflowPolicy[frame](buffer.DropNewest),
		buffer.WithDropCallback[frame](func(frame) {
			p.dropped.Add(1)
			if p.metrics != nil {
				p.metrics.FanoutDrops.WithLabelValues(p.name).Inc()
			}
		}),
	)
	if err != nil {
		conn.Close()
		return
	}
	sub := &subscription{conn: conn, queue: queue}

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("Subscriber connected")

	p.wg.Add(2)
	go p.writeLoop(sub)
	go p.watch(sub)
}

func (p *Publisher) remove(sub *subscription) {
	p.mu.Lock()
	_, ok := p.subs[sub]
	delete(p.subs, sub)
	p.mu.Unlock()
	if ok {
		sub.queue.Close()
		sub.conn.Close()
	}
}

func (p *Publisher) writeLoop(sub *subscription) {
	defer p.wg.Done()
	defer p.remove(sub)
	for {
		f, ok := sub.queue.ReadContext(p.ctx)
		if !ok {
			return
		}
		if err := sub.conn.WriteFrame(f.kind, f.head, f.payload); err != nil {
			p.logger.Debug("Subscriber write failed", "error", err)
			return
		}
	}
}

// watch notices a subscriber that went away while the channel is idle.
func (p *Publisher) watch(sub *subscription) {
	defer p.wg.Done()
	for {
		if _, _, err := sub.conn.ReadFrame(); err != nil {
			p.remove(sub)
			return
		}
	}
}

// Publish queues m for every current subscriber. It never blocks; a full
// subscriber queue drops m for that subscriber. The payload of a DATA
// message is shared with the queued frames and must not be modified.
func (p *Publisher) Publish(m message.Message) error {
	head, payload, err := codec.Encode(m)
	if err != nil {
		return err
	}
	f := frame{kind: byte(m.Kind), head: head, payload: payload}

	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		_ = s.queue.Write(f)
	}
	p.published.Add(1)
	return nil
}

// Subscribers returns the number of connected subscribers
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Stats returns a snapshot of the publisher
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	depth := 0
	for s := range p.subs {
		depth += s.queue.Size()
	}
	n := len(p.subs)
	p.mu.Unlock()
	return Stats{
		Name:        p.name,
		Depth:       depth,
		Capacity:    p.opts.HighWaterMark,
		Received:    p.published.Load(),
		Dropped:     p.dropped.Load(),
		Connections: n,
	}
}

// Close disconnects all subscribers and unbinds the endpoint.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	subs := make([]*subscription, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	err := p.ln.Close()
	for _, s := range subs {
		p.remove(s)
	}
	p.wg.Wait()
	return err
}

// Subscriber is the receiving end of a fan-out channel. It reconnects when
// the publisher restarts and gives up after the retry policy is exhausted.
type Subscriber struct {
	name   string
	ep     transport.Endpoint
	opts   Options
	logger *slog.Logger
	queue  buffer.Buffer[message.Message]

	mu   sync.Mutex
	conn *transport.Conn

	received  atomic.Uint64
	discarded atomic.Uint64
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Subscribe connects to the fan-out channel name at ep.
func Subscribe(ctx context.Context, name string, ep transport.Endpoint, opts Options) (*Subscriber, error) {
	opts = opts.withDefaults()

	s := &Subscriber{
		name:   name,
		ep:     ep,
		opts:   opts,
		logger: opts.Logger.With("channel", name),
	}
	queue, err := buffer.NewCircularBuffer(opts.HighWaterMark,
		buffer.WithOverflowPolicy[message.Message](buffer.DropNewest),
		buffer.WithDropCallback[message.Message](func(message.Message) { s.dropped.Add(1) }),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Subscriber", "Subscribe", "create queue")
	}
	s.queue = queue

	conn, err := transport.Dial(ctx, ep, opts.Retry)
	if err != nil {
		return nil, errors.Wrap(err, "Subscriber", "Subscribe", "dial "+name)
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.run(conn)
	return s, nil
}

func (s *Subscriber) run(conn *transport.Conn) {
	defer s.wg.Done()
	defer s.queue.Close()

	for {
		s.readLoop(conn)
		if s.ctx.Err() != nil {
			return
		}

		var err error
		conn, err = transport.Dial(s.ctx, s.ep, s.opts.Retry)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("Fan-out subscription lost", "error", err)
			}
			return
		}

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()
	}
}

func (s *Subscriber) readLoop(conn *transport.Conn) {
	defer conn.Close()
	for {
		kind, body, err := conn.ReadFrame()
		if err != nil {
			return
		}
		msg, err := codec.Decode(message.Kind(kind), body)
		if err != nil {
			s.discarded.Add(1)
			s.logger.Debug("Discarding malformed frame", "kind", kind, "error", err)
			continue
		}
		if s.queue.Write(msg) == nil {
			s.received.Add(1)
		}
	}
}

// Receive returns the next message, waiting at most timeout.
func (s *Subscriber) Receive(timeout time.Duration) (message.Message, bool) {
	return s.queue.ReadTimeout(timeout)
}

// Stats returns a snapshot of the subscriber
func (s *Subscriber) Stats() Stats {
	return Stats{
		Name:      s.name,
		Depth:     s.queue.Size(),
		Capacity:  s.queue.Capacity(),
		Received:  s.received.Load(),
		Discarded: s.discarded.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Close disconnects. Queued messages can still be received.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	conn := s.conn
	s.mu.Unlock()

	conn.Close()
	s.wg.Wait()
	return nil
}
