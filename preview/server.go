// Package preview serves the rendered frames of a running pipeline to
// browsers over WebSocket.
//
// The renderer publishes every rendered envelope on the "preview" fan-out
// channel. The preview Server subscribes to that channel, encodes each frame
// once as JPEG and broadcasts it to all connected clients. Each client has a
// small queue that drops its oldest frames when the client falls behind, so
// a slow browser never slows the pipeline or the other clients.
//
// Protocol, per frame:
//
//	text:   {"type":"frame","frame_id":7,"width":320,"height":240,"detections":[...],"format":"jpeg"}
//	binary: JPEG image
//
// and once at the end of the stream:
//
//	text:   {"type":"end","frame_id":99,"reason":"end-of-stream"}
package preview

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/pkg/buffer"
)

// Config configures the preview server.
type Config struct {
	Addr         string        `json:"addr"          yaml:"addr"`
	Path         string        `json:"path"          yaml:"path"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	ClientQueue  int           `json:"client_queue"  yaml:"client_queue"`
	Quality      int           `json:"quality"       yaml:"quality"`
}

// DefaultConfig returns the default preview configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8090",
		Path:         "/preview",
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ClientQueue:  4,
		Quality:      80,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ClientQueue <= 0 {
		c.ClientQueue = d.ClientQueue
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = d.Quality
	}
	return c
}

// Source is the receiving end of the preview fan-out channel.
type Source interface {
	Receive(timeout time.Duration) (message.Message, bool)
}

// Metrics holds Prometheus metrics for the preview server
type Metrics struct {
	clientsConnected prometheus.Gauge
	framesSent       prometheus.Counter
	framesDropped    prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "preview",
			Name:      "clients",
			Help:      "Connected preview clients",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "preview",
			Name:      "frames_sent_total",
			Help:      "Frames written to preview clients",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "preview",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped for slow preview clients",
		}),
	}
	// a second server on one registry runs without metrics
	if registry.Register("preview", "clients", m.clientsConnected) != nil ||
		registry.Register("preview", "frames_sent", m.framesSent) != nil ||
		registry.Register("preview", "frames_dropped", m.framesDropped) != nil {
		return nil
	}
	return m
}

type client struct {
	conn      *websocket.Conn
	queue     buffer.Buffer[*encoded]
	done      chan struct{}
	closeOnce sync.Once
}

// Server broadcasts preview frames to WebSocket clients.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	lifecycleMu sync.Mutex
	server      *http.Server
	ln          net.Listener

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	frames  atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64
	invalid atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. registry may be nil.
func NewServer(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "preview"),
		metrics: newMetrics(registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// preview is served on loopback to any local page
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listen address and serves clients in the background.
func (s *Server) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "preview", "Start", "check state")
	}
	if s.ctx.Err() != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "preview", "Start", "check state")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "preview", "Start", "listen on "+s.cfg.Addr)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.ln = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Preview server failed", "error", err)
		}
	}()
	s.logger.Info("Preview server listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Stats returns frames received, frames written to clients, frames dropped
// for slow clients and frames that could not be encoded.
func (s *Server) Stats() (frames, sent, dropped, invalid uint64) {
	return s.frames.Load(), s.sent.Load(), s.dropped.Load(), s.invalid.Load()
}

// Run broadcasts everything src delivers until ctx is done. An EOS or
// SHUTDOWN on the channel is forwarded to clients as an end update.
func (s *Server) Run(ctx context.Context, src Source) error {
	var last uint64
	for ctx.Err() == nil && s.ctx.Err() == nil {
		m, ok := src.Receive(100 * time.Millisecond)
		if !ok {
			continue
		}
		switch m.Kind {
		case message.KindData:
			last = m.Envelope.FrameID
			s.Broadcast(m.Envelope)
		case message.KindEndOfStream, message.KindShutdown:
			reason := m.Reason
			if m.Kind == message.KindEndOfStream {
				reason = "end-of-stream"
			}
			if e, err := encodeEnd(last, reason); err == nil {
				s.broadcast(e)
			}
		}
	}
	return nil
}

// Broadcast encodes env once and queues it for every client.
func (s *Server) Broadcast(env *message.Envelope) {
	s.frames.Add(1)
	e, err := encodeFrame(env, s.cfg.Quality)
	if err != nil {
		s.invalid.Add(1)
		s.logger.Debug("Skipping frame", "frame_id", env.FrameID, "error", err)
		return
	}
	s.broadcast(e)
}

func (s *Server) broadcast(e *encoded) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		_ = c.queue.Write(e)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	queue, err := buffer.NewCircularBuffer(s.cfg.ClientQueue,
		buffer.WithOverflowPolicy[*encoded](buffer.DropOldest),
		buffer.WithDropCallback[*encoded](func(*encoded) {
			s.dropped.Add(1)
			if s.metrics != nil {
				s.metrics.framesDropped.Inc()
			}
		}),
	)
	if err != nil {
		_ = conn.Close()
		return
	}
	c := &client{conn: conn, queue: queue, done: make(chan struct{})}

	s.clientsMu.Lock()
	if s.ctx.Err() != nil {
		s.clientsMu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.wg.Add(2)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.clientsConnected.Set(float64(n))
	}
	s.logger.Debug("Preview client connected", "remote", r.RemoteAddr, "clients", n)

	go s.writeLoop(c)
	go s.readLoop(c)
}

// readLoop discards client messages; it notices closed connections and
// answers pings.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	for {
		e, ok := c.queue.ReadTimeout(s.cfg.PingInterval)
		if s.ctx.Err() != nil {
			return
		}
		if !ok {
			select {
			case <-c.done:
				return
			default:
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := s.write(c, e); err != nil {
			s.logger.Debug("Preview client write failed", "error", err)
			return
		}
	}
}

func (s *Server) write(c *client, e *encoded) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, e.header); err != nil {
		return err
	}
	if e.image != nil {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, e.image); err != nil {
			return err
		}
		s.sent.Add(1)
		if s.metrics != nil {
			s.metrics.framesSent.Inc()
		}
	}
	return nil
}

func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.clientsMu.Unlock()

		close(c.done)
		_ = c.queue.Close()
		_ = c.conn.Close()
		if s.metrics != nil {
			s.metrics.clientsConnected.Set(float64(n))
		}
	})
}

// Stop closes every client and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.ctx.Err() != nil {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.cancel()
	server := s.server
	s.lifecycleMu.Unlock()

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		s.removeClient(c)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "preview", "Stop", "wait for clients")
	}
	if err != nil {
		return errors.WrapTransient(err, "preview", "Stop", "shutdown http server")
	}
	return nil
}
