package channel

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epeer1/axon-vision-ha/codec"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/pkg/buffer"
	"github.com/epeer1/axon-vision-ha/transport"
)

// Receiver is the consuming end of an ordered channel. It binds the
// endpoint; the Sender connects to it and reconnects after failures.
//
// Receive must be called from a single goroutine.
type Receiver struct {
	name   string
	opts   Options
	logger *slog.Logger
	ln     *transport.Listener
	queue  buffer.Buffer[message.Message]

	// shutdown holds a pending SHUTDOWN that jumps the queue
	shutdown chan message.Message

	mu      sync.Mutex
	current *transport.Conn // connection credits are returned on
	conns   map[*transport.Conn]struct{}
	waiter  context.CancelFunc

	received  atomic.Uint64
	discarded atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen binds the receiving end of the ordered channel name at ep.
func Listen(ctx context.Context, name string, ep transport.Endpoint, opts Options) (*Receiver, error) {
	opts = opts.withDefaults()

	queue, err := buffer.NewCircularBuffer(opts.HighWaterMark,
		buffer.WithOverflowPolicy[message.Message](buffer.Block),
		buffer.WithMetrics[message.Message](opts.Registry, name),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Receiver", "Listen", "create queue")
	}

	ln, err := transport.Listen(ctx, ep, opts.Retry)
	if err != nil {
		queue.Close()
		return nil, errors.Wrap(err, "Receiver", "Listen", "bind "+name)
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &Receiver{
		name:     name,
		opts:     opts,
		logger:   opts.Logger.With("channel", name),
		ln:       ln,
		queue:    queue,
		shutdown: make(chan message.Message, 1),
		conns:    make(map[*transport.Conn]struct{}),
		ctx:      rctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go r.acceptLoop()

	return r, nil
}

// Name returns the channel name
func (r *Receiver) Name() string {
	return r.name
}

// Endpoint returns the bound endpoint
func (r *Receiver) Endpoint() transport.Endpoint {
	return r.ln.Endpoint()
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Warn("Accept failed", "error", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		r.attach(conn)
	}
}

// attach makes conn the credit connection and grants it every free slot.
// A new connection means the sender reconnected, so the previous one is dead.
func (r *Receiver) attach(conn *transport.Conn) {
	conn.SetWriteTimeout(r.opts.WriteTimeout)

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		conn.Close()
		return
	}
	old := r.current
	r.current = conn
	r.conns[conn] = struct{}{}
	// under mu: Receive pops and picks its credit connection under it too
	grant := r.queue.Capacity() - r.queue.Size()
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}

	r.logger.Debug("Sender connected", "grant", grant)
	if grant > 0 {
		if err := conn.WriteFrame(frameCredit, encodeCredit(grant)); err != nil {
			r.logger.Debug("Initial credit grant failed", "error", err)
		}
	}

	r.wg.Add(1)
	go r.readLoop(conn)
}

func (r *Receiver) detach(conn *transport.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	if r.current == conn {
		r.current = nil
	}
	r.mu.Unlock()
	conn.Close()
}

// readLoop is the receive thread of one connection.
func (r *Receiver) readLoop(conn *transport.Conn) {
	defer r.wg.Done()
	defer r.detach(conn)

	for {
		kind, body, err := conn.ReadFrame()
		if err != nil {
			if r.ctx.Err() == nil && !stderrors.Is(err, io.EOF) {
				r.logger.Debug("Connection lost", "error", err)
			}
			return
		}
		if kind == frameCredit {
			continue
		}

		msg, err := codec.Decode(message.Kind(kind), body)
		if err != nil {
			r.discarded.Add(1)
			r.logger.Warn("Discarding malformed frame", "kind", kind, "size", len(body), "error", err)
			if message.Kind(kind) != message.KindShutdown {
				r.returnCredit(conn)
			}
			continue
		}

		if msg.Kind == message.KindShutdown {
			r.preempt(msg)
			continue
		}

		if err := r.queue.WriteContext(r.ctx, msg); err != nil {
			return
		}
		r.received.Add(1)
	}
}

// preempt stores a SHUTDOWN ahead of the queue and wakes a waiting Receive.
func (r *Receiver) preempt(msg message.Message) {
	select {
	case r.shutdown <- msg:
	default:
		// one pending SHUTDOWN is enough
	}
	r.received.Add(1)

	r.mu.Lock()
	if r.waiter != nil {
		r.waiter()
	}
	r.mu.Unlock()
}

// returnCredit grants conn one more frame. With no connection the slot is
// regranted in full on the next connect.
func (r *Receiver) returnCredit(conn *transport.Conn) {
	if err := conn.WriteFrame(frameCredit, encodeCredit(1)); err != nil {
		r.logger.Debug("Credit return failed", "error", err)
	}
}

// Receive returns the next message, waiting at most timeout. A pending
// SHUTDOWN is returned before any queued message. It reports false when
// nothing arrived in time or the receiver is closed and drained.
func (r *Receiver) Receive(timeout time.Duration) (message.Message, bool) {
	select {
	case m := <-r.shutdown:
		return m, true
	default:
	}

	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	r.mu.Lock()
	if len(r.shutdown) > 0 {
		r.mu.Unlock()
		return <-r.shutdown, true
	}
	r.waiter = cancel
	r.mu.Unlock()

	ready := r.queue.WaitContext(ctx)

	// Popping and choosing the credit connection happen under mu, the lock
	// attach computes its grant under, so a freed slot is credited once:
	// either in a new connection's grant or as a return, never both.
	r.mu.Lock()
	r.waiter = nil
	var (
		m    message.Message
		ok   bool
		conn *transport.Conn
	)
	if ready {
		m, ok = r.queue.Read()
		conn = r.current
	}
	r.mu.Unlock()

	if ok {
		if conn != nil {
			r.returnCredit(conn)
		}
		return m, true
	}

	select {
	case m := <-r.shutdown:
		return m, true
	default:
		return message.Message{}, false
	}
}

// Depth returns the number of queued messages
func (r *Receiver) Depth() int {
	return r.queue.Size() + len(r.shutdown)
}

// Stats returns a snapshot of the receiver
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	conns := len(r.conns)
	r.mu.Unlock()
	return Stats{
		Name:        r.name,
		Depth:       r.Depth(),
		Capacity:    r.queue.Capacity(),
		Received:    r.received.Load(),
		Discarded:   r.discarded.Load(),
		Connections: conns,
	}
}

// Close unbinds the endpoint and drops all connections. Messages already
// queued can still be received.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	conns := make([]*transport.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	err := r.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	r.wg.Wait()
	r.queue.Close()
	return err
}
