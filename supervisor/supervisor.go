// Package supervisor starts the stage processes of a pipeline, feeds what
// they report into the lifecycle Controller and guarantees that no stage
// process outlives the pipeline.
//
// The supervisor owns the receiving end of every control channel
// (ctl.<stage>) and the sending end of every command channel (cmd.<stage>).
// A single event loop serializes control messages, process exits, command
// channel connections and timer ticks, so the Controller needs no locks.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/epeer1/axon-vision-ha/channel"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/health"
	"github.com/epeer1/axon-vision-ha/lifecycle"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/transport"
	"golang.org/x/sync/errgroup"
)

// ControlName and CommandName name the per-stage channels.
func ControlName(stage string) string { return "ctl." + stage }

// CommandName names the command channel of a stage.
func CommandName(stage string) string { return "cmd." + stage }

// Defaults for Config.
const (
	DefaultPollInterval     = 50 * time.Millisecond
	DefaultHeartbeatTimeout = 5 * time.Second
	DefaultCommandTimeout   = time.Second

	// exitSettle is how long an exit waits for the stage's last control
	// messages to be read before it counts as unacknowledged.
	exitSettle = 200 * time.Millisecond
)

// Config configures a Supervisor.
type Config struct {
	// Stages in pipeline order; the first is the source.
	Stages []StageSpec

	// Endpoints resolves ControlName and CommandName of every stage.
	Endpoints transport.Table

	Channel     channel.Options
	GracePeriod time.Duration

	// HeartbeatTimeout shuts the pipeline down when a stage stays silent
	// that long. Negative disables the check.
	HeartbeatTimeout time.Duration
	PollInterval     time.Duration
	CommandTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = lifecycle.DefaultGracePeriod
	}
	return c
}

// Validate checks that every stage has its control and command endpoints.
func (c Config) Validate() error {
	if len(c.Stages) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Supervisor", "Validate", "check stages")
	}
	seen := make(map[string]bool, len(c.Stages))
	for _, s := range c.Stages {
		if s.Name == "" || seen[s.Name] {
			return errors.WrapInvalid(fmt.Errorf("%w: stage name %q", errors.ErrInvalidConfig, s.Name),
				"Supervisor", "Validate", "check stages")
		}
		seen[s.Name] = true
		for _, name := range []string{ControlName(s.Name), CommandName(s.Name)} {
			if _, ok := c.Endpoints.Endpoint(name); !ok {
				return errors.WrapInvalid(fmt.Errorf("%w: no endpoint for %s", errors.ErrMissingConfig, name),
					"Supervisor", "Validate", "check endpoints")
			}
		}
	}
	return nil
}

// Report is the outcome of a supervised run.
type Report struct {
	State       string                  `json:"state"`
	Reason      string                  `json:"reason"`
	LastFrameID int64                   `json:"last_frame_id"`
	Stages      []lifecycle.StageStatus `json:"stages"`
	Forced      []string                `json:"forced,omitempty"`
	// LiveProcesses is the number of stage processes still running when
	// Run returned. It is always zero.
	LiveProcesses int           `json:"live_processes"`
	Duration      time.Duration `json:"duration"`
}

// Graceful reports whether the pipeline ended by draining the whole stream.
func (r Report) Graceful() bool {
	return r.Reason == "end-of-stream" && len(r.Forced) == 0
}

// Supervisor runs one pipeline.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	logger   *slog.Logger
	metrics  *metric.Metrics
	monitor  *health.Monitor

	helpers  *errgroup.Group
	ctrl     *lifecycle.Controller
	events   chan event
	procs    map[string]Process
	controls map[string]*channel.Receiver
	commands map[string]*channel.Sender
	pending  map[string][]message.Message // commands waiting for their channel
	dialErr  map[string]error
	lastSeen map[string]time.Time
	exits    map[string]exitInfo
}

type eventKind int

const (
	eventControl eventKind = iota
	eventExit
	eventDialed
)

type event struct {
	kind   eventKind
	stage  string
	msg    message.Message
	sender *channel.Sender
	err    error
	at     time.Time
}

type exitInfo struct {
	at  time.Time
	err error
}

// New creates a supervisor. monitor and metrics may be nil.
func New(cfg Config, launcher Launcher, logger *slog.Logger, metrics *metric.Metrics, monitor *health.Monitor) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		logger:   logger,
		metrics:  metrics,
		monitor:  monitor,
		events:   make(chan event, 64),
		procs:    make(map[string]Process),
		controls: make(map[string]*channel.Receiver),
		commands: make(map[string]*channel.Sender),
		pending:  make(map[string][]message.Message),
		dialErr:  make(map[string]error),
		lastSeen: make(map[string]time.Time),
		exits:    make(map[string]exitInfo),
	}, nil
}

// Run starts the pipeline and returns once it terminated and every stage
// process is gone. Cancelling ctx shuts the pipeline down with reason
// "signal". The error is nil for a graceful end or a signal, wraps
// errors.ErrShutdownTimeout if a stage had to be killed, and wraps
// errors.ErrStageCrash for any other failure.
func (s *Supervisor) Run(ctx context.Context) (Report, error) {
	started := time.Now()

	names := make([]string, len(s.cfg.Stages))
	for i, st := range s.cfg.Stages {
		names[i] = st.Name
	}
	ctrl, err := lifecycle.NewController(lifecycle.Config{GracePeriod: s.cfg.GracePeriod}, names, (*actuator)(s), s.logger, s.metrics)
	if err != nil {
		return Report{}, errors.WrapInvalid(err, "Supervisor", "Run", "create controller")
	}
	s.ctrl = ctrl

	// helpers outlive ctx so that a signal still runs the cascade
	base, stop := context.WithCancel(context.Background())
	defer stop()
	helpers, loopCtx := errgroup.WithContext(base)
	s.helpers = helpers

	if err := s.bindControls(ctx); err != nil {
		s.closeChannels()
		return Report{}, err
	}
	for _, name := range names {
		s.helpers.Go(func() error {
			s.pump(loopCtx, name, s.controls[name])
			return nil
		})
	}

	s.spawn(loopCtx, started)
	s.loop(ctx)

	stop()
	s.reap()
	// pumps, watchers and dialers are done before their channels close
	_ = s.helpers.Wait()
	s.closeChannels()

	report := s.report(started)
	s.logger.Info("Pipeline finished",
		"state", report.State,
		"reason", report.Reason,
		"forced", report.Forced,
		"duration", report.Duration)
	return report, s.runError(report)
}

func (s *Supervisor) bindControls(ctx context.Context) error {
	for _, st := range s.cfg.Stages {
		name := ControlName(st.Name)
		r, err := channel.Listen(ctx, name, s.cfg.Endpoints.MustEndpoint(name), s.channelOptions())
		if err != nil {
			return errors.Wrap(err, "Supervisor", "Run", "bind "+name)
		}
		s.controls[st.Name] = r
	}
	return nil
}

// spawn starts the stages in pipeline order. A stage that cannot be
// started, and every stage after it, count as exited.
func (s *Supervisor) spawn(ctx context.Context, now time.Time) {
	for i, st := range s.cfg.Stages {
		proc, err := s.launcher.Launch(ctx, st)
		if err != nil {
			s.logger.Error("Failed to start stage", "stage", st.Name, "error", err)
			for _, rest := range s.cfg.Stages[i:] {
				s.ctrl.ProcessExited(now, rest.Name, err)
				s.updateHealth(rest.Name, health.LevelUnhealthy, "not started")
			}
			s.ctrl.Shutdown(now, message.ReasonStartupFailed, "supervisor")
			return
		}

		s.procs[st.Name] = proc
		s.lastSeen[st.Name] = now
		if s.metrics != nil {
			s.metrics.LiveProcesses.Inc()
		}
		s.logger.Info("Stage started", "stage", st.Name, "pid", proc.Pid())
		s.updateHealth(st.Name, health.LevelDegraded, "starting")

		s.helpers.Go(func() error {
			s.watch(ctx, st.Name, proc)
			return nil
		})
		s.helpers.Go(func() error {
			s.dialCommand(ctx, st.Name)
			return nil
		})
	}
}

// loop is the only goroutine that touches the controller.
func (s *Supervisor) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	for !s.ctrl.Terminated() {
		select {
		case <-done:
			done = nil
			s.logger.Info("Received shutdown signal")
			s.ctrl.Shutdown(time.Now(), message.ReasonSignal, "supervisor")
		case ev := <-s.events:
			s.handle(ev)
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Supervisor) handle(ev event) {
	switch ev.kind {
	case eventControl:
		s.lastSeen[ev.stage] = ev.at
		switch ev.msg.Kind {
		case message.KindReady:
			s.updateHealth(ev.stage, health.LevelHealthy, "running")
		case message.KindAck:
			s.updateHealth(ev.stage, health.LevelHealthy, "stopped")
		case message.KindShutdown:
			s.updateHealth(ev.stage, health.LevelUnhealthy, ev.msg.Reason)
		}
		s.ctrl.HandleControl(ev.at, ev.stage, ev.msg)

	case eventExit:
		if s.metrics != nil {
			s.metrics.LiveProcesses.Dec()
		}
		s.logger.Info("Stage process exited", "stage", ev.stage, "error", ev.err)
		s.exits[ev.stage] = exitInfo{at: ev.at, err: ev.err}

	case eventDialed:
		if ev.err != nil {
			s.logger.Error("Command channel unavailable", "stage", ev.stage, "error", ev.err)
			s.dialErr[ev.stage] = ev.err
			delete(s.pending, ev.stage)
			return
		}
		s.commands[ev.stage] = ev.sender
		queued := s.pending[ev.stage]
		delete(s.pending, ev.stage)
		for _, m := range queued {
			if err := (*actuator)(s).Send(ev.stage, m); err != nil {
				s.logger.Warn("Queued command not delivered", "stage", ev.stage, "message", m.String(), "error", err)
			}
		}
	}
}

func (s *Supervisor) tick(now time.Time) {
	for name, exit := range s.exits {
		if now.Sub(exit.at) < exitSettle {
			continue
		}
		delete(s.exits, name)
		if s.ctrl.ProcessExited(now, name, exit.err) {
			s.updateHealth(name, health.LevelUnhealthy, "exited unexpectedly")
			s.ctrl.Shutdown(now, message.ReasonStageExited, "supervisor")
		}
	}

	if s.cfg.HeartbeatTimeout > 0 && s.ctrl.State() == lifecycle.StateActive {
		for _, st := range s.cfg.Stages {
			if s.ctrl.Stopped(st.Name) {
				continue
			}
			if last, ok := s.lastSeen[st.Name]; ok && now.Sub(last) > s.cfg.HeartbeatTimeout {
				s.logger.Error("Stage unresponsive", "stage", st.Name, "silent_for", now.Sub(last))
				s.updateHealth(st.Name, health.LevelUnhealthy, "unresponsive")
				s.ctrl.Shutdown(now, message.ReasonUnresponsive, "supervisor")
				break
			}
		}
	}

	s.ctrl.Tick(now)
}

// pump forwards control messages of one stage into the event loop.
func (s *Supervisor) pump(ctx context.Context, stage string, r *channel.Receiver) {
	for ctx.Err() == nil {
		m, ok := r.Receive(s.cfg.PollInterval)
		if !ok {
			continue
		}
		select {
		case s.events <- event{kind: eventControl, stage: stage, msg: m, at: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) watch(ctx context.Context, stage string, p Process) {
	<-p.Done()
	select {
	case s.events <- event{kind: eventExit, stage: stage, err: p.Err(), at: time.Now()}:
	case <-ctx.Done():
	}
}

func (s *Supervisor) dialCommand(ctx context.Context, stage string) {
	name := CommandName(stage)
	sender, err := channel.Dial(ctx, name, s.cfg.Endpoints.MustEndpoint(name), s.channelOptions())
	select {
	case s.events <- event{kind: eventDialed, stage: stage, sender: sender, err: err}:
	case <-ctx.Done():
		if sender != nil {
			sender.Close()
		}
	}
}

// reap kills whatever is still running and waits for every process.
func (s *Supervisor) reap() {
	for name, p := range s.procs {
		select {
		case <-p.Done():
			continue
		default:
		}
		s.logger.Warn("Killing leftover stage process", "stage", name, "pid", p.Pid())
		if err := p.Kill(); err != nil {
			s.logger.Error("Kill failed", "stage", name, "error", err)
		}
	}
	for _, p := range s.procs {
		<-p.Done()
	}
	if s.metrics != nil {
		s.metrics.LiveProcesses.Set(0)
	}
}

func (s *Supervisor) closeChannels() {
	for _, snd := range s.commands {
		snd.Close()
	}
	for _, r := range s.controls {
		r.Close()
	}
}

func (s *Supervisor) report(started time.Time) Report {
	live := 0
	for _, p := range s.procs {
		select {
		case <-p.Done():
		default:
			live++
		}
	}
	return Report{
		State:         s.ctrl.State().String(),
		Reason:        s.ctrl.Reason(),
		LastFrameID:   s.ctrl.LastFrameID(),
		Stages:        s.ctrl.Statuses(),
		Forced:        s.ctrl.Forced(),
		LiveProcesses: live,
		Duration:      time.Since(started),
	}
}

func (s *Supervisor) runError(r Report) error {
	switch {
	case len(r.Forced) > 0:
		return errors.WrapFatal(fmt.Errorf("%w: killed %v", errors.ErrShutdownTimeout, r.Forced),
			"Supervisor", "Run", "shutdown cascade")
	case r.Reason == "end-of-stream" || r.Reason == message.ReasonSignal:
		return nil
	default:
		return errors.WrapFatal(fmt.Errorf("%w: pipeline shut down: %s", errors.ErrStageCrash, r.Reason),
			"Supervisor", "Run", "shutdown cascade")
	}
}

func (s *Supervisor) channelOptions() channel.Options {
	opts := s.cfg.Channel
	opts.Logger = s.logger
	return opts
}

func (s *Supervisor) updateHealth(stage string, level health.Level, msg string) {
	if s.monitor != nil {
		s.monitor.Set(stage, level, msg)
	}
}

// actuator is the Supervisor as seen by the Controller. Its methods run on
// the event loop goroutine.
type actuator Supervisor

func (a *actuator) Send(stage string, m message.Message) error {
	if err, failed := a.dialErr[stage]; failed {
		return err
	}
	snd, ok := a.commands[stage]
	if !ok {
		a.pending[stage] = append(a.pending[stage], m)
		return nil
	}
	return snd.SendTimeout(m, a.cfg.CommandTimeout)
}

func (a *actuator) Kill(stage string) error {
	p, ok := a.procs[stage]
	if !ok {
		return nil
	}
	return p.Kill()
}

// Reap is a no-op: Run reaps every process once the event loop sees
// TERMINATED, including processes of stages that never started a cascade.
func (a *actuator) Reap() {
	a.logger.Debug("Pipeline terminated, reaping stage processes", "processes", len(a.procs))
}
