package channel

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/epeer1/axon-vision-ha/codec"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/transport"
)

// Sender is the producing end of an ordered channel.
type Sender struct {
	name    string
	ep      transport.Endpoint
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics

	sendMu sync.Mutex // serializes Send so frames keep their order

	mu           sync.Mutex
	conn         *transport.Conn
	credits      int
	reconnecting bool
	err          error // set when reconnecting was exhausted
	closed       bool
	wake         chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects the sending end of the ordered channel name to ep.
func Dial(ctx context.Context, name string, ep transport.Endpoint, opts Options) (*Sender, error) {
	opts = opts.withDefaults()
	s := &Sender{
		name:    name,
		ep:      ep,
		opts:    opts,
		logger:  opts.Logger.With("channel", name),
		metrics: opts.metrics(),
		wake:    make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.connect(ctx); err != nil {
		s.cancel()
		return nil, err
	}
	return s, nil
}

// Name returns the channel name
func (s *Sender) Name() string {
	return s.name
}

func (s *Sender) connect(ctx context.Context) error {
	cfg := s.opts.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		if s.metrics != nil {
			s.metrics.Reconnects.WithLabelValues(s.name).Inc()
		}
		s.logger.Debug("Connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	conn, err := transport.Dial(ctx, s.ep, cfg)
	if err != nil {
		return errors.Wrap(err, "Sender", "connect", "dial "+s.name)
	}
	conn.SetWriteTimeout(s.opts.WriteTimeout)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return errors.WrapInvalid(errors.ErrChannelClosed, "Sender", "connect", "check state")
	}
	s.conn = conn
	s.credits = 0
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(conn)
	s.signal()
	return nil
}

// readLoop collects credit grants until the connection fails.
func (s *Sender) readLoop(conn *transport.Conn) {
	defer s.wg.Done()
	for {
		kind, body, err := conn.ReadFrame()
		if err != nil {
			s.drop(conn)
			return
		}
		if kind != frameCredit {
			continue
		}
		n, ok := decodeCredit(body)
		if !ok {
			s.logger.Warn("Ignoring malformed credit frame", "size", len(body))
			continue
		}

		s.mu.Lock()
		if s.conn == conn {
			s.credits += n
		}
		s.mu.Unlock()
		s.signal()
	}
}

// drop forgets a failed connection and starts reconnecting in the
// background, so a Send waiting for it stays bounded by its own context.
func (s *Sender) drop(conn *transport.Conn) {
	s.mu.Lock()
	start := false
	if s.conn == conn {
		s.conn = nil
		s.credits = 0
		if !s.closed && !s.reconnecting && s.err == nil {
			s.reconnecting = true
			start = true
			s.wg.Add(1)
		}
	}
	s.mu.Unlock()
	conn.Close()
	s.signal()

	if start {
		go s.reconnect()
	}
}

func (s *Sender) reconnect() {
	defer s.wg.Done()

	s.logger.Info("Connection lost, reconnecting")
	err := s.connect(s.ctx)

	s.mu.Lock()
	s.reconnecting = false
	if err != nil && !s.closed {
		s.err = err
	}
	s.mu.Unlock()
	s.signal()

	if err != nil && s.ctx.Err() == nil {
		s.logger.Error("Reconnect failed", "error", err)
	}
}

func (s *Sender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Send writes m, waiting for a credit unless m is SHUTDOWN. A broken
// connection is redialed and the frame resent; when reconnecting is
// exhausted the returned error is a fatal transport error.
func (s *Sender) Send(ctx context.Context, m message.Message) error {
	head, payload, err := codec.Encode(m)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	credited := m.Kind != message.KindShutdown
	var lastErr error
	for attempt := 0; attempt < s.opts.Retry.MaxAttempts; attempt++ {
		conn, err := s.acquire(ctx, credited)
		if err != nil {
			return err
		}

		if err := conn.WriteFrame(byte(m.Kind), head, payload); err != nil {
			if errors.IsInvalid(err) {
				// nothing reached the socket, the connection is fine
				if credited {
					s.refund(conn)
				}
				return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrSerialization, err), "Sender", "Send", "write "+s.name)
			}
			lastErr = err
			s.logger.Debug("Write failed, reconnecting", "message", m.String(), "error", err)
			s.drop(conn)
			continue
		}

		if s.metrics != nil {
			s.metrics.MessagesSent.WithLabelValues(s.name, m.Kind.String()).Inc()
		}
		return nil
	}

	return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrMaxRetriesExceeded, lastErr), "Sender", "Send", "write "+s.name)
}

// acquire returns a live connection, spending a credit when credited is set.
func (s *Sender) acquire(ctx context.Context, credited bool) (*transport.Conn, error) {
	waited := false
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, errors.WrapInvalid(errors.ErrChannelClosed, "Sender", "Send", "check state")
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		conn := s.conn
		if conn != nil && (!credited || s.credits > 0) {
			if credited {
				s.credits--
			}
			s.mu.Unlock()
			return conn, nil
		}
		s.mu.Unlock()

		if conn != nil && !waited {
			waited = true
			if s.metrics != nil {
				s.metrics.CreditWaits.WithLabelValues(s.name).Inc()
			}
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "Sender", "Send", "wait for credit")
		}
	}
}

// refund gives back a credit spent on a frame that was never written.
func (s *Sender) refund(conn *transport.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.credits++
	}
	s.mu.Unlock()
	s.signal()
}

// SendTimeout is Send bounded by d. It returns ErrSendTimeout when the
// receiver granted no credit in time; the caller may retry the same message.
func (s *Sender) SendTimeout(m message.Message, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	err := s.Send(ctx, m)
	if err != nil && stderrors.Is(err, context.DeadlineExceeded) && !errors.IsFatal(err) {
		return ErrSendTimeout
	}
	return err
}

// Credits returns the credits currently held
func (s *Sender) Credits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits
}

// Close drops the connection. Frames already written are still delivered.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.signal()
	s.wg.Wait()
	return err
}
