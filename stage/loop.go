package stage

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/epeer1/axon-vision-ha/channel"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
)

// loop holds what the Runner and the Source share: state bookkeeping,
// bounded sends, heartbeats, failure escalation and the final ACK.
type loop struct {
	cfg     Config
	ports   Ports
	logger  *slog.Logger
	metrics *metric.Metrics
	stats   *Stats

	state       State
	frames      uint64
	lastFrameID int64 // last frame forwarded
	stopReason  string
	err         error

	lastHeartbeat time.Time
	lastStats     time.Time
}

func newLoop(cfg Config, ports Ports, logger *slog.Logger, metrics *metric.Metrics) loop {
	if logger == nil {
		logger = slog.Default()
	}
	return loop{
		cfg:         cfg.withDefaults(),
		ports:       ports,
		logger:      logger,
		metrics:     metrics,
		stats:       NewStats(),
		lastFrameID: message.NoFrames,
	}
}

// State returns the current lifecycle state
func (l *loop) State() State {
	return l.state
}

// Stats returns the stage statistics
func (l *loop) Stats() *Stats {
	return l.stats
}

// StopReason returns why the stage stopped
func (l *loop) StopReason() string {
	return l.stopReason
}

func (l *loop) setState(s State) {
	if l.state == s {
		return
	}
	l.logger.Debug("Stage state change", "from", l.state.String(), "to", s.String())
	l.state = s
	if l.metrics != nil {
		l.metrics.StageState.WithLabelValues(l.cfg.Name).Set(float64(s))
	}
}

func (l *loop) start() {
	l.setState(StateInit)
	if err := l.sendControl(message.Ready(l.cfg.Name)); err != nil {
		l.logger.Warn("Failed to report ready", "error", err)
	}
	now := time.Now()
	l.lastHeartbeat, l.lastStats = now, now
	l.setState(StateRunning)
	l.logger.Info("Stage running", "features", l.cfg.Features)
}

// sendControl delivers m on the control channel, giving up after AckTimeout.
func (l *loop) sendControl(m message.Message) error {
	if l.ports.Control == nil {
		return nil
	}
	deadline := time.Now().Add(l.cfg.AckTimeout)
	for {
		err := l.ports.Control.SendTimeout(m, l.cfg.PollInterval)
		if err == nil || !stderrors.Is(err, channel.ErrSendTimeout) || time.Now().After(deadline) {
			return err
		}
	}
}

// pollCommand handles at most one pending command without waiting.
func (l *loop) pollCommand(handle func(message.Message)) {
	if l.ports.Commands == nil {
		return
	}
	if m, ok := l.ports.Commands.Receive(0); ok {
		handle(m)
	}
}

// forward sends m downstream. While the receiver withholds credit it keeps
// handling commands and heartbeats between poll-sized waits. It reports
// false if m was not sent: either the stage stopped, or m could not be
// encoded and was discarded.
func (l *loop) forward(m message.Message, handle func(message.Message)) bool {
	if l.ports.Output == nil {
		return true
	}
	for {
		err := l.ports.Output.SendTimeout(m, l.cfg.PollInterval)
		if err == nil {
			return true
		}
		if stderrors.Is(err, errors.ErrSerialization) {
			l.logger.Warn("Dropping unencodable message", "message", m.String(), "error", err)
			if m.Envelope != nil {
				l.discard(m.Envelope.FrameID, "unencodable")
			}
			return false
		}
		if !stderrors.Is(err, channel.ErrSendTimeout) {
			l.fail(message.ReasonTransport, err)
			return false
		}

		l.pollCommand(handle)
		if l.state == StateStopped {
			return false
		}
		l.tick(time.Now())
	}
}

func (l *loop) publish(m message.Message) {
	if l.ports.Tap == nil {
		return
	}
	if err := l.ports.Tap.Publish(m); err != nil {
		l.logger.Debug("Tap publish failed", "error", err)
	}
}

// tick emits a heartbeat and periodic statistics when they are due.
func (l *loop) tick(now time.Time) {
	if now.Sub(l.lastHeartbeat) >= l.cfg.HeartbeatInterval {
		l.lastHeartbeat = now
		if l.ports.Control != nil {
			err := l.ports.Control.SendTimeout(message.Heartbeat(l.cfg.Name), l.cfg.PollInterval)
			if err != nil && !stderrors.Is(err, channel.ErrSendTimeout) {
				l.logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
	if l.cfg.StatsInterval > 0 && now.Sub(l.lastStats) >= l.cfg.StatsInterval {
		l.lastStats = now
		l.logStats("Stage statistics")
	}
}

func (l *loop) logStats(msg string) {
	s := l.stats.Snapshot()
	l.logger.Info(msg,
		"state", l.state.String(),
		"frames", s.Frames,
		"detections", s.Detections,
		"discarded", s.Discarded,
		"avg_processing_ms", s.AvgProcessingMS,
		"p95_processing_ms", s.P95ProcessingMS,
		"fps", s.FPS,
	)
}

func (l *loop) observe(d time.Duration, env *message.Envelope) {
	l.stats.Record(d, int(env.DetectionCount))
	if l.metrics != nil {
		l.metrics.ProcessingDuration.WithLabelValues(l.cfg.Name).Observe(d.Seconds())
		l.metrics.FramesProcessed.WithLabelValues(l.cfg.Name).Inc()
	}
}

func (l *loop) discard(frameID uint64, reason string) {
	l.stats.Discard()
	if l.metrics != nil {
		l.metrics.FramesDiscarded.WithLabelValues(l.cfg.Name, reason).Inc()
	}
	l.logger.Debug("Discarding frame", "frame_id", frameID, "reason", reason)
}

// shutdown stops without draining and passes SHUTDOWN downstream.
func (l *loop) shutdown(reason string) {
	if l.state == StateStopped {
		return
	}
	l.logger.Info("Shutting down", "reason", reason, "state", l.state.String())
	l.stopReason = reason
	l.setState(StateStopped)

	if l.ports.Output != nil {
		if err := l.ports.Output.SendTimeout(message.Shutdown(reason), l.cfg.PollInterval); err != nil {
			l.logger.Debug("Could not forward shutdown", "error", err)
		}
	}
}

// fail escalates an unrecoverable error to a pipeline-wide SHUTDOWN.
func (l *loop) fail(reason string, cause error) {
	if l.state == StateStopped {
		return
	}
	l.logger.Error("Stage failed", "reason", reason, "error", cause)
	if l.metrics != nil {
		l.metrics.StageErrors.WithLabelValues(l.cfg.Name, reason).Inc()
	}

	if err := l.sendControl(message.Shutdown(reason)); err != nil {
		l.logger.Warn("Could not report failure", "error", err)
	}
	l.shutdown(reason)

	kind := errors.ErrStageCrash
	if reason == message.ReasonTransport {
		kind = errors.ErrTransport
	}
	l.err = errors.WrapFatal(fmt.Errorf("%w: %w", kind, cause), "Stage", "Run", reason)
}

// finish sends the final ACK and returns the run error.
func (l *loop) finish() error {
	l.setState(StateStopped)
	ack := message.Ack(l.cfg.Name, StateStopped.String(), l.frames, l.lastFrameID)
	if err := l.sendControl(ack); err != nil {
		l.logger.Warn("Could not acknowledge stop", "error", err)
	}
	l.logStats("Stage stopped")
	return l.err
}

// safeCall runs fn, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
