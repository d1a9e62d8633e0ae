package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/epeer1/axon-vision-ha/config"
	"github.com/epeer1/axon-vision-ha/pipeline"
	"github.com/epeer1/axon-vision-ha/supervisor"
)

// RunFlags override single configuration values for one run
type RunFlags struct {
	ForceTCP      bool
	HighWaterMark int
	GracePeriod   time.Duration
	Source        string
	Frames        int
	FPS           float64
	Blur          bool
	Preview       bool
	Metrics       bool
	StageOutput   bool
	ReportPath    string
}

var runFlags RunFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline until the input ends",
	Long: `Starts the source, analyzer and renderer stages as separate processes and
supervises them. The exit code is 0 when the stream was drained completely
or the run was interrupted, and 1 when a stage failed or had to be killed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyRunFlags(cfg, runFlags); err != nil {
			return err
		}
		return runPipeline(cmd.Context(), cfg, runFlags)
	},
}

func init() {
	flags := runCmd.Flags()
	flags.BoolVar(&runFlags.ForceTCP, "force-tcp",
		getEnvBool("FORCE_TCP", false),
		"Use loopback TCP even where Unix sockets are available (env: FORCE_TCP)")
	flags.IntVar(&runFlags.HighWaterMark, "hwm",
		getEnvInt("VIDPIPE_HWM", 0),
		"Channel high-water mark, 0 keeps the configured value (env: VIDPIPE_HWM)")
	flags.DurationVar(&runFlags.GracePeriod, "grace-period",
		getEnvDuration("VIDPIPE_GRACE_PERIOD", 0),
		"Shutdown grace period before stages are killed (env: VIDPIPE_GRACE_PERIOD)")
	flags.StringVar(&runFlags.Source, "source", "",
		"Raw gray8 video file; synthetic frames when empty")
	flags.IntVar(&runFlags.Frames, "frames", 0, "Number of synthetic frames")
	flags.Float64Var(&runFlags.FPS, "fps", 0, "Target source frame rate")
	flags.BoolVar(&runFlags.Blur, "blur", false, "Pixelate detected regions")
	flags.BoolVar(&runFlags.Preview, "preview", false, "Serve the rendered frames over WebSocket")
	flags.BoolVar(&runFlags.Metrics, "metrics", false, "Serve /metrics and /health")
	flags.BoolVar(&runFlags.StageOutput, "stage-output", false,
		"Also print the stages' own log output; by default only the collected logs are shown")
	flags.StringVar(&runFlags.ReportPath, "report", "", "Write the run report as JSON to this file")

	rootCmd.AddCommand(runCmd)
}

func applyRunFlags(cfg *config.Config, f RunFlags) error {
	if f.ForceTCP {
		cfg.Transport.ForceTCP = true
	}
	if f.HighWaterMark > 0 {
		cfg.Channel.HighWaterMark = f.HighWaterMark
	}
	if f.GracePeriod > 0 {
		cfg.Lifecycle.GracePeriod = f.GracePeriod
	}
	if f.Source != "" {
		cfg.Source.Kind = config.SourceRaw
		cfg.Source.Path = f.Source
	}
	if f.Frames > 0 {
		cfg.Source.Frames = f.Frames
	}
	if f.FPS > 0 {
		cfg.Source.FPS = f.FPS
	}
	if f.Blur {
		cfg.Renderer.Blur = true
	}
	if f.Preview {
		cfg.Preview.Enabled = true
	}
	if f.Metrics {
		cfg.Metrics.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func runPipeline(ctx context.Context, cfg *config.Config, f RunFlags) error {
	logger := newLogger(cfg.Logging)
	logger.Info("Starting vidpipe", "version", Version, "build_time", BuildTime, "config", cli.ConfigPaths)

	launcher, err := supervisor.NewSelfLauncher(stageCmd.Name())
	if err != nil {
		return err
	}
	// the collector re-emits stage logs; stderr stays attached for crashes
	if !f.StageOutput {
		launcher.Stdout = io.Discard
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := pipeline.Run(ctx, cfg, pipeline.RunOptions{Launcher: launcher, Logger: logger})

	if f.ReportPath != "" {
		if err := writeReport(f.ReportPath, report); err != nil {
			logger.Error("Failed to write report", "path", f.ReportPath, "error", err)
		}
	}
	if runErr != nil {
		logger.Error("Pipeline failed", "reason", report.Reason, "forced", report.Forced, "error", runErr)
		return runErr
	}
	logger.Info("Pipeline finished", "reason", report.Reason, "last_frame_id", report.LastFrameID)
	return nil
}

func writeReport(path string, report supervisor.Report) error {
	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
