package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epeer1/axon-vision-ha/channel"
	"github.com/epeer1/axon-vision-ha/config"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/health"
	"github.com/epeer1/axon-vision-ha/logbus"
	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/preview"
	"github.com/epeer1/axon-vision-ha/supervisor"
)

// RunOptions are the collaborators of Run. Only Launcher is required.
type RunOptions struct {
	Launcher supervisor.Launcher
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
	// RunID defaults to a random UUID.
	RunID string
	// OnLog sees every log entry collected from the stages.
	OnLog func(logbus.Entry)
}

const stopTimeout = 5 * time.Second

// Run supervises one pipeline run from start to the last process exit.
// Besides the stages it runs the log collector and, when enabled, the
// metrics endpoint and the preview server.
func Run(ctx context.Context, cfg *config.Config, opts RunOptions) (supervisor.Report, error) {
	if opts.Launcher == nil {
		return supervisor.Report{}, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "Run", "check launcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = metric.NewMetricsRegistry()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With("run_id", runID)

	plan := NewPlan(cfg, runID)
	if err := plan.Prepare(); err != nil {
		return supervisor.Report{}, err
	}
	defer func() {
		if err := plan.Cleanup(); err != nil {
			logger.Warn("Failed to remove socket dir", "dir", plan.SocketDir, "error", err)
		}
	}()
	logger.Info("Starting pipeline",
		"transport", string(plan.Kind),
		"stages", Stages,
		"high_water_mark", cfg.Channel.HighWaterMark,
		"grace_period", cfg.Lifecycle.GracePeriod)

	chOpts := ChannelOptions(cfg, logger, registry)
	monitor := health.NewMonitor()

	if cfg.Metrics.Enabled {
		srv := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry, monitor)
		if err := srv.Start(); err != nil {
			return supervisor.Report{}, err
		}
		defer func() { _ = srv.Stop(stopTimeout) }()
		logger.Info("Metrics available", "url", srv.Address())
	}

	collector := logbus.NewCollector(logger.With("component", "logbus"), chOpts, opts.OnLog)
	for _, name := range Stages {
		collector.Watch(name, plan.Endpoints.MustEndpoint(logbus.ChannelName(name)))
	}
	defer collector.Close()

	if cfg.Preview.Enabled {
		stop, err := startPreview(cfg, plan, chOpts, logger, registry)
		if err != nil {
			return supervisor.Report{}, err
		}
		defer stop()
	}

	specs := make([]supervisor.StageSpec, len(Stages))
	for i, name := range Stages {
		data, err := plan.Wiring(i, cfg).Marshal()
		if err != nil {
			return supervisor.Report{}, err
		}
		specs[i] = supervisor.StageSpec{Name: name, Wiring: data}
	}

	sup, err := supervisor.New(supervisor.Config{
		Stages:           specs,
		Endpoints:        plan.Endpoints,
		Channel:          chOpts,
		GracePeriod:      cfg.Lifecycle.GracePeriod,
		HeartbeatTimeout: cfg.Lifecycle.HeartbeatTimeout,
		PollInterval:     cfg.Lifecycle.PollInterval,
		CommandTimeout:   cfg.Lifecycle.CommandTimeout,
	}, opts.Launcher, logger, registry.Metrics, monitor)
	if err != nil {
		return supervisor.Report{}, err
	}
	return sup.Run(ctx)
}

// startPreview serves the renderer's preview channel over WebSocket.
func startPreview(cfg *config.Config, plan *Plan, opts channel.Options, logger *slog.Logger,
	registry *metric.MetricsRegistry) (func(), error) {
	pcfg := preview.DefaultConfig()
	pcfg.Addr = cfg.Preview.Addr
	pcfg.Path = cfg.Preview.Path

	srv := preview.NewServer(pcfg, logger.With("component", "preview"), registry)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	logger.Info("Preview available", "addr", srv.Addr().String(), "path", pcfg.Path)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sub, err := channel.Subscribe(ctx, PreviewChannel, plan.Endpoints.MustEndpoint(PreviewChannel), opts)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Preview channel unavailable", "error", err)
			}
			return
		}
		defer sub.Close()
		if err := srv.Run(ctx, sub); err != nil {
			logger.Warn("Preview stopped", "error", err)
		}
	}()

	return func() {
		cancel()
		wg.Wait()
		stopCtx, done := context.WithTimeout(context.Background(), stopTimeout)
		defer done()
		_ = srv.Stop(stopCtx)
	}, nil
}
