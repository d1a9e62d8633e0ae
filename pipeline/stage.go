package pipeline

import (
	"context"
	"io"
	"log/slog"

	"github.com/epeer1/axon-vision-ha/channel"
	"github.com/epeer1/axon-vision-ha/config"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/logbus"
	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/natsclient"
	"github.com/epeer1/axon-vision-ha/stage"
	"github.com/epeer1/axon-vision-ha/supervisor"
	"github.com/epeer1/axon-vision-ha/vision"
)

// ChannelOptions derives the channel settings of a run from cfg.
func ChannelOptions(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) channel.Options {
	return channel.Options{
		HighWaterMark: cfg.Channel.HighWaterMark,
		Retry:         cfg.Channel.Retry.ToRetryConfig(),
		WriteTimeout:  cfg.Channel.WriteTimeout,
		Logger:        logger,
		Registry:      registry,
	}
}

// RunStage runs the stage described by w in the calling process until it
// stops. Channels are set up in a fixed order: the stage binds what it
// receives on before it connects to anything, so that a pipeline whose
// stages start in order never waits on a later stage.
//
// The returned error wraps errors.ErrStageCrash, or errors.ErrTransport,
// when the stage stopped because of a failure. registry may be nil.
func RunStage(ctx context.Context, w *Wiring, base slog.Handler, registry *metric.MetricsRegistry) error {
	cfg := w.Config
	base = base.WithAttrs([]slog.Attr{slog.String("stage", w.Stage), slog.String("run_id", w.RunID)})
	// channel internals log locally only; their records must not feed back
	// into the log channel
	local := slog.New(base)
	opts := ChannelOptions(cfg, local, registry)

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	var ports stage.Ports
	cmd, err := channel.Listen(ctx, supervisor.CommandName(w.Stage), w.Endpoint(supervisor.CommandName(w.Stage)), opts)
	if err != nil {
		return errors.Wrap(err, "Stage", "Run", "bind command channel")
	}
	closers = append(closers, cmd)
	ports.Commands = cmd

	if w.Input != "" {
		in, err := channel.Listen(ctx, w.Input, w.Endpoint(w.Input), opts)
		if err != nil {
			return errors.Wrap(err, "Stage", "Run", "bind "+w.Input)
		}
		closers = append(closers, in)
		ports.Input = in
	}

	logs, err := channel.Publish(ctx, logbus.ChannelName(w.Stage), w.Endpoint(logbus.ChannelName(w.Stage)), opts)
	if err != nil {
		return errors.Wrap(err, "Stage", "Run", "bind log channel")
	}
	closers = append(closers, logs)

	var mirror logbus.Mirror
	if client := connectNATS(ctx, cfg.NATS, "vidpipe-"+w.Stage, local); client != nil {
		closers = append(closers, closerFunc(func() error { return client.Close(context.Background()) }))
		mirror = logbus.NewNATSMirror(client)
	}
	logger := slog.New(logbus.NewHandler(base, logbus.NewBus(w.Stage, w.RunID, logs, mirror)))

	if w.Tap != "" {
		tap, err := channel.Publish(ctx, w.Tap, w.Endpoint(w.Tap), opts)
		if err != nil {
			return errors.Wrap(err, "Stage", "Run", "bind "+w.Tap)
		}
		closers = append(closers, tap)
		ports.Tap = tap
	}

	ctl, err := channel.Dial(ctx, supervisor.ControlName(w.Stage), w.Endpoint(supervisor.ControlName(w.Stage)), opts)
	if err != nil {
		return errors.Wrap(err, "Stage", "Run", "connect control channel")
	}
	closers = append(closers, ctl)
	ports.Control = ctl

	if w.Output != "" {
		out, err := channel.Dial(ctx, w.Output, w.Endpoint(w.Output), opts)
		if err != nil {
			return errors.Wrap(err, "Stage", "Run", "connect "+w.Output)
		}
		closers = append(closers, out)
		ports.Output = out
	}

	var metrics *metric.Metrics
	if registry != nil {
		metrics = registry.Metrics
	}
	st, err := buildStage(w, ports, logger, metrics)
	if err != nil {
		return err
	}
	if c, ok := st.(io.Closer); ok {
		closers = append(closers, c)
	}
	return st.Run(ctx)
}

type runnable interface {
	Run(ctx context.Context) error
}

// sourceLoop closes the decoder along with the loop.
type sourceLoop struct {
	*stage.Source
	decoder stage.Decoder
}

func (s sourceLoop) Close() error {
	if c, ok := s.decoder.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func buildStage(w *Wiring, ports stage.Ports, logger *slog.Logger, metrics *metric.Metrics) (runnable, error) {
	cfg := w.Config
	features := stage.Features{
		Blur:      cfg.Renderer.Blur,
		Annotate:  cfg.Renderer.Annotate,
		Threshold: cfg.Analyzer.Threshold,
		MinArea:   cfg.Analyzer.MinArea,
	}
	scfg := stage.Config{
		Name:              w.Stage,
		PollInterval:      cfg.Lifecycle.PollInterval,
		HeartbeatInterval: cfg.Lifecycle.HeartbeatInterval,
		StatsInterval:     cfg.Lifecycle.StatsInterval,
		AckTimeout:        cfg.Lifecycle.CommandTimeout,
		Features:          features,
	}

	switch w.Stage {
	case StageSource:
		decoder, err := NewDecoder(cfg.Source)
		if err != nil {
			return nil, err
		}
		return sourceLoop{
			Source:  stage.NewSource(scfg, cfg.Source.FPS, decoder, ports, logger, metrics),
			decoder: decoder,
		}, nil
	case StageAnalyzer:
		analyzer := vision.NewMotionAnalyzer(cfg.Analyzer.Threshold, cfg.Analyzer.MinArea,
			vision.WithDilation(cfg.Analyzer.DilateIterations))
		return stage.NewRunner(scfg, stage.AnalyzerProcessor(analyzer, features), ports, logger, metrics), nil
	case StageRenderer:
		renderer := vision.NewBlurRenderer(cfg.Renderer.Blur, cfg.Renderer.Annotate)
		return stage.NewRunner(scfg, stage.RendererProcessor(renderer, features), ports, logger, metrics), nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Stage", "Run", "unknown stage "+w.Stage)
	}
}

// NewDecoder opens the frame source described by cfg.
func NewDecoder(cfg config.SourceConfig) (stage.Decoder, error) {
	switch cfg.Kind {
	case config.SourceRaw:
		d, err := vision.NewRawFileDecoder(cfg.Path, cfg.Width, cfg.Height)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.SourceSynthetic, "":
		return vision.NewSyntheticDecoder(cfg.Width, cfg.Height, cfg.Frames), nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Stage", "NewDecoder", "unknown source "+cfg.Kind)
	}
}

// connectNATS returns a connected client, or nil when NATS is not
// configured or unreachable. The log mirror is best effort.
func connectNATS(ctx context.Context, cfg config.NATSConfig, name string, logger *slog.Logger) *natsclient.Client {
	if cfg.URL == "" {
		return nil
	}
	client, err := natsclient.NewClient(cfg.URL,
		natsclient.WithName(name),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithLogger(logger),
	)
	if err == nil {
		err = client.Connect(ctx)
	}
	if err != nil {
		logger.Warn("NATS log mirror disabled", "url", cfg.URL, "error", err)
		return nil
	}
	return client
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
