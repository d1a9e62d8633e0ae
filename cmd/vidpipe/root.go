package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/epeer1/axon-vision-ha/config"
)

// CLIConfig holds the flags shared by every command
type CLIConfig struct {
	ConfigPaths []string
	LogLevel    string
	LogFormat   string
	Debug       bool
}

var cli CLIConfig

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Multi-process video analytics pipeline",
	Long: `vidpipe runs a video source, a motion analyzer and a renderer as separate
processes connected by flow-controlled channels, and stops all of them
cleanly when the input ends or any of them fails.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		return 1
	}
	return 0
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVarP(&cli.ConfigPaths, "config", "c",
		splitList(getEnv("VIDPIPE_CONFIG", "")),
		"Configuration files, later ones override earlier ones (env: VIDPIPE_CONFIG)")
	flags.StringVar(&cli.LogLevel, "log-level",
		getEnv("VIDPIPE_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: VIDPIPE_LOG_LEVEL)")
	flags.StringVar(&cli.LogFormat, "log-format",
		getEnv("VIDPIPE_LOG_FORMAT", ""),
		"Log format: json, text (env: VIDPIPE_LOG_FORMAT)")
	flags.BoolVar(&cli.Debug, "debug",
		getEnvBool("VIDPIPE_DEBUG", false),
		"Enable debug logging (env: VIDPIPE_DEBUG)")
}

// loadConfig layers the configured files over the defaults and applies the
// logging flags.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	if cli.Debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger and makes it the default.
func newLogger(cfg config.LogConfig) *slog.Logger {
	logger := slog.New(setupHandler(cfg.Level, cfg.Format, os.Stdout)).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
	slog.SetDefault(logger)
	return logger
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
