// Package lifecycle owns the pipeline-wide shutdown state machine.
//
// The Controller moves through ACTIVE -> END_DETECTED -> DRAINING -> TERMINATED.
// It reacts to control messages the stages send (END_OF_STREAM, SHUTDOWN,
// ACK), to process exits observed by the supervisor and to the passage of
// time, and acts on the pipeline only through an Actuator.
//
// A Controller is driven by a single goroutine and is not safe for
// concurrent use. Every method takes the current time so that tests can
// drive the grace period deterministically.
package lifecycle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/stage"
)

// State is the pipeline state.
type State int

const (
	StateActive State = iota
	StateEndDetected
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateEndDetected:
		return "END_DETECTED"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// DefaultGracePeriod is how long stages get to acknowledge a cascade.
const DefaultGracePeriod = 5 * time.Second

// Actuator carries out the controller's decisions.
type Actuator interface {
	// Send delivers m on the command channel of the named stage.
	Send(stageName string, m message.Message) error
	// Kill forcibly terminates the process of the named stage.
	Kill(stageName string) error
	// Reap releases every process handle once the pipeline terminated.
	Reap()
}

// StageStatus is what the controller knows about one stage.
type StageStatus struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Ready       bool   `json:"ready"`
	Acked       bool   `json:"acked"`
	Forced      bool   `json:"forced"`
	Exited      bool   `json:"exited"`
	Frames      uint64 `json:"frames"`
	LastFrameID int64  `json:"last_frame_id"`

	state stage.State
}

// Config configures a Controller.
type Config struct {
	GracePeriod time.Duration
}

// Controller drives the cascading end-of-stream and shutdown protocol.
type Controller struct {
	cfg      Config
	actuator Actuator
	logger   *slog.Logger
	metrics  *metric.Metrics

	state    State
	order    []string
	stages   map[string]*StageStatus
	cascade  time.Time // when END_DETECTED or the first SHUTDOWN happened
	reason   string    // why the cascade started
	lastEOS  int64
	shutdown bool
	forced   []string
}

// NewController creates a controller for stages in pipeline order. The
// first stage is the source.
func NewController(cfg Config, stages []string, actuator Actuator, logger *slog.Logger, metrics *metric.Metrics) (*Controller, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("lifecycle: no stages")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:      cfg,
		actuator: actuator,
		logger:   logger,
		metrics:  metrics,
		stages:   make(map[string]*StageStatus, len(stages)),
		lastEOS:  message.NoFrames,
	}
	for _, name := range stages {
		if _, dup := c.stages[name]; dup {
			return nil, fmt.Errorf("lifecycle: duplicate stage %q", name)
		}
		c.order = append(c.order, name)
		c.stages[name] = &StageStatus{Name: name, LastFrameID: message.NoFrames, state: stage.StateInit}
	}
	c.setState(StateActive)
	return c, nil
}

// State returns the pipeline state
func (c *Controller) State() State {
	return c.state
}

// Terminated reports whether every stage has stopped
func (c *Controller) Terminated() bool {
	return c.state == StateTerminated
}

// Reason returns why the cascade started, empty while ACTIVE
func (c *Controller) Reason() string {
	return c.reason
}

// LastFrameID returns K of the END_OF_STREAM that started the cascade,
// or message.NoFrames.
func (c *Controller) LastFrameID() int64 {
	return c.lastEOS
}

// Forced returns the stages that were killed after the grace period
func (c *Controller) Forced() []string {
	return append([]string(nil), c.forced...)
}

// Deadline returns when the grace period of the running cascade expires.
// ok is false while no cascade is running.
func (c *Controller) Deadline() (deadline time.Time, ok bool) {
	if c.cascade.IsZero() || c.state == StateTerminated {
		return time.Time{}, false
	}
	return c.cascade.Add(c.cfg.GracePeriod), true
}

// Statuses returns a snapshot of every stage in pipeline order.
func (c *Controller) Statuses() []StageStatus {
	out := make([]StageStatus, 0, len(c.order))
	for _, name := range c.order {
		s := *c.stages[name]
		s.State = s.state.String()
		out = append(out, s)
	}
	return out
}

// Status returns the status of one stage.
func (c *Controller) Status(name string) (StageStatus, bool) {
	s, ok := c.stages[name]
	if !ok {
		return StageStatus{}, false
	}
	out := *s
	out.State = s.state.String()
	return out, true
}

// Stopped reports whether the named stage reached STOPPED.
func (c *Controller) Stopped(name string) bool {
	s, ok := c.stages[name]
	return ok && s.state == stage.StateStopped
}

// HandleControl processes a message received on the control channel of
// the named stage.
func (c *Controller) HandleControl(now time.Time, from string, m message.Message) {
	switch m.Kind {
	case message.KindEndOfStream:
		c.EndOfStream(now, m.LastFrameID)
	case message.KindShutdown:
		c.Shutdown(now, m.Reason, from)
	case message.KindAck:
		c.handleAck(now, m)
	case message.KindReady:
		if s := c.lookup(m.StageName, "READY"); s != nil {
			s.Ready = true
			if s.state == stage.StateInit {
				s.state = stage.StateRunning
			}
			c.logger.Debug("Stage ready", "stage", s.Name)
		}
	case message.KindHeartbeat:
		// liveness is tracked by the supervisor
	default:
		c.logger.Warn("Unexpected control message", "from", from, "message", m.String())
	}
}

// EndOfStream starts the graceful cascade on the first END_OF_STREAM. Later
// ones are ignored.
func (c *Controller) EndOfStream(now time.Time, lastFrameID int64) {
	if c.state != StateActive {
		c.logger.Debug("Ignoring end of stream", "state", c.state.String(), "last_frame_id", lastFrameID)
		return
	}
	c.setState(StateEndDetected)
	c.lastEOS = lastFrameID
	c.cascade = now
	c.reason = "end-of-stream"
	c.logger.Info("End of stream detected", "last_frame_id", lastFrameID)

	eos := message.EndOfStream(lastFrameID)
	for _, name := range c.order[1:] {
		s := c.stages[name]
		if s.state == stage.StateStopped {
			continue
		}
		c.send(name, eos)
		if s.state == stage.StateRunning {
			s.state = stage.StateDraining
		}
	}
	c.setState(StateDraining)
	c.checkTerminated()
}

// Shutdown broadcasts SHUTDOWN to every stage that is not STOPPED and
// moves to DRAINING. from names the stage or "supervisor" that asked.
func (c *Controller) Shutdown(now time.Time, reason, from string) {
	if c.state == StateTerminated {
		return
	}
	if c.shutdown {
		c.logger.Debug("Shutdown already broadcast", "reason", reason, "from", from)
		return
	}
	c.shutdown = true
	if c.cascade.IsZero() {
		c.cascade = now
		c.reason = reason
	}
	c.logger.Warn("Pipeline shutdown", "reason", reason, "from", from, "state", c.state.String())

	msg := message.Shutdown(reason)
	for _, name := range c.order {
		s := c.stages[name]
		if s.state == stage.StateStopped {
			continue
		}
		c.send(name, msg)
		s.state = stage.StateDraining
	}
	c.setState(StateDraining)
	c.checkTerminated()
}

// ProcessExited records that the process of the named stage is gone. It
// reports whether the exit was unexpected, that is the stage never
// acknowledged a stop.
func (c *Controller) ProcessExited(now time.Time, name string, err error) bool {
	s := c.lookup(name, "exit")
	if s == nil {
		return false
	}
	s.Exited = true
	if s.state == stage.StateStopped {
		return false
	}
	c.logger.Warn("Stage exited without acknowledging", "stage", name, "error", err)
	s.state = stage.StateStopped
	c.checkTerminated()
	return true
}

// Tick kills every stage that has not stopped when the grace period of
// the cascade has expired.
func (c *Controller) Tick(now time.Time) {
	deadline, ok := c.Deadline()
	if !ok || c.state != StateDraining || now.Before(deadline) {
		return
	}
	for _, name := range c.order {
		s := c.stages[name]
		if s.state == stage.StateStopped {
			continue
		}
		c.logger.Error("Forced shutdown", "stage", name, "grace_period", c.cfg.GracePeriod, "reason", c.reason)
		if err := c.actuator.Kill(name); err != nil {
			c.logger.Warn("Kill failed", "stage", name, "error", err)
		}
		s.state = stage.StateStopped
		s.Forced = true
		c.forced = append(c.forced, name)
		if c.metrics != nil {
			c.metrics.ForcedKills.Inc()
		}
	}
	c.checkTerminated()
}

func (c *Controller) handleAck(now time.Time, m message.Message) {
	s := c.lookup(m.StageName, "ACK")
	if s == nil {
		return
	}
	if m.FinalState != stage.StateStopped.String() {
		c.logger.Debug("Ignoring ACK", "stage", s.Name, "final_state", m.FinalState)
		return
	}
	s.Acked = true
	s.Frames = m.Frames
	s.LastFrameID = m.LastFrameID
	s.state = stage.StateStopped
	c.logger.Info("Stage stopped", "stage", s.Name, "frames", m.Frames, "last_frame_id", m.LastFrameID,
		"elapsed", c.elapsed(now))
	c.checkTerminated()
}

func (c *Controller) checkTerminated() {
	if c.state == StateTerminated {
		return
	}
	for _, s := range c.stages {
		if s.state != stage.StateStopped {
			return
		}
	}
	c.setState(StateTerminated)
	c.logger.Info("Pipeline terminated", "reason", c.reason, "forced", len(c.forced))
	c.actuator.Reap()
}

func (c *Controller) send(name string, m message.Message) {
	if err := c.actuator.Send(name, m); err != nil {
		// the grace period catches a stage that never hears it
		c.logger.Warn("Command not delivered", "stage", name, "message", m.String(), "error", err)
	}
}

func (c *Controller) lookup(name, what string) *StageStatus {
	s, ok := c.stages[name]
	if !ok {
		c.logger.Warn("Control message from unknown stage", "stage", name, "kind", what)
	}
	return s
}

func (c *Controller) elapsed(now time.Time) time.Duration {
	if c.cascade.IsZero() {
		return 0
	}
	return now.Sub(c.cascade)
}

func (c *Controller) setState(s State) {
	if c.state != s {
		c.logger.Debug("Pipeline state change", "from", c.state.String(), "to", s.String())
	}
	c.state = s
	if c.metrics != nil {
		c.metrics.PipelineState.Set(float64(s))
	}
}
