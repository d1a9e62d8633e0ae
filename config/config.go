package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/pkg/retry"
)

// Source kinds
const (
	SourceSynthetic = "synthetic"
	SourceRaw       = "raw"
)

// Config represents the complete pipeline configuration
type Config struct {
	Version   string          `json:"version"   yaml:"version"   split_words:"true"`
	Transport TransportConfig `json:"transport" yaml:"transport" split_words:"true"`
	Channel   ChannelConfig   `json:"channel"   yaml:"channel"   split_words:"true"`
	Lifecycle LifecycleConfig `json:"lifecycle" yaml:"lifecycle" split_words:"true"`
	Source    SourceConfig    `json:"source"    yaml:"source"    split_words:"true"`
	Analyzer  AnalyzerConfig  `json:"analyzer"  yaml:"analyzer"  split_words:"true"`
	Renderer  RendererConfig  `json:"renderer"  yaml:"renderer"  split_words:"true"`
	Preview   PreviewConfig   `json:"preview"   yaml:"preview"   split_words:"true"`
	Metrics   MetricsConfig   `json:"metrics"   yaml:"metrics"   split_words:"true"`
	NATS      NATSConfig      `json:"nats"      yaml:"nats"      split_words:"true"`
	Logging   LogConfig       `json:"logging"   yaml:"logging"   split_words:"true"`
}

// TransportConfig selects how stages talk to each other
type TransportConfig struct {
	// ForceTCP uses loopback TCP even where Unix sockets are available
	ForceTCP  bool   `json:"force_tcp"  yaml:"force_tcp"  split_words:"true"`
	SocketDir string `json:"socket_dir" yaml:"socket_dir" split_words:"true"` // empty: per-run temp dir
	Host      string `json:"host"       yaml:"host"       split_words:"true"`
	BasePort  int    `json:"base_port"  yaml:"base_port"  split_words:"true"`
}

// ChannelConfig holds the flow-control settings shared by every channel
type ChannelConfig struct {
	HighWaterMark int           `json:"high_water_mark" yaml:"high_water_mark" split_words:"true"`
	WriteTimeout  time.Duration `json:"write_timeout"   yaml:"write_timeout"   split_words:"true"`
	Retry         RetryConfig   `json:"retry"           yaml:"retry"           split_words:"true"`
}

// RetryConfig is the reconnect policy of channel endpoints
type RetryConfig struct {
	MaxRetries   int           `json:"max_retries"   yaml:"max_retries"   split_words:"true"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" split_words:"true"`
	MaxDelay     time.Duration `json:"max_delay"     yaml:"max_delay"     split_words:"true"`
	Multiplier   float64       `json:"multiplier"    yaml:"multiplier"    split_words:"true"`
}

// ToRetryConfig converts to the retry package's Config
func (r RetryConfig) ToRetryConfig() retry.Config {
	return errors.RetryConfig{
		MaxRetries:    r.MaxRetries,
		InitialDelay:  r.InitialDelay,
		MaxDelay:      r.MaxDelay,
		BackoffFactor: r.Multiplier,
	}.ToRetryConfig()
}

// LifecycleConfig holds the supervisor and stage timing
type LifecycleConfig struct {
	GracePeriod       time.Duration `json:"grace_period"       yaml:"grace_period"       split_words:"true"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" split_words:"true"`
	// HeartbeatTimeout < 0 disables the liveness check
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" split_words:"true"`
	PollInterval     time.Duration `json:"poll_interval"     yaml:"poll_interval"     split_words:"true"`
	CommandTimeout   time.Duration `json:"command_timeout"   yaml:"command_timeout"   split_words:"true"`
	StatsInterval    time.Duration `json:"stats_interval"    yaml:"stats_interval"    split_words:"true"`
}

// SourceConfig describes where frames come from
type SourceConfig struct {
	Kind   string  `json:"kind"   yaml:"kind"   split_words:"true"`
	Path   string  `json:"path"   yaml:"path"   split_words:"true"`
	Width  int     `json:"width"  yaml:"width"  split_words:"true"`
	Height int     `json:"height" yaml:"height" split_words:"true"`
	Frames int     `json:"frames" yaml:"frames" split_words:"true"` // synthetic only
	FPS    float64 `json:"fps"    yaml:"fps"    split_words:"true"` // 0: as fast as possible
}

// AnalyzerConfig holds the motion detector parameters
type AnalyzerConfig struct {
	Threshold int `json:"threshold" yaml:"threshold" split_words:"true"`
	MinArea   int `json:"min_area"  yaml:"min_area"  split_words:"true"`

	// DilateIterations passes of a 3x3 kernel close gaps in the change mask
	DilateIterations int `json:"dilate_iterations" yaml:"dilate_iterations" split_words:"true"`
}

// RendererConfig holds the renderer features
type RendererConfig struct {
	Blur     bool `json:"blur"     yaml:"blur"     split_words:"true"`
	Annotate bool `json:"annotate" yaml:"annotate" split_words:"true"`
}

// PreviewConfig configures the WebSocket preview sink
type PreviewConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" split_words:"true"`
	Addr    string `json:"addr"    yaml:"addr"    split_words:"true"`
	Path    string `json:"path"    yaml:"path"    split_words:"true"`
}

// MetricsConfig configures the supervisor's /metrics and /health endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" split_words:"true"`
	Addr    string `json:"addr"    yaml:"addr"    split_words:"true"`
	Path    string `json:"path"    yaml:"path"    split_words:"true"`
}

// NATSConfig enables the optional NATS log mirror
type NATSConfig struct {
	URL           string        `json:"url"            yaml:"url"            split_words:"true"` // empty: disabled
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects" split_words:"true"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait" split_words:"true"`
}

// LogConfig selects the log output
type LogConfig struct {
	Level  string `json:"level"  yaml:"level"  split_words:"true"`
	Format string `json:"format" yaml:"format" split_words:"true"`
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() *Config {
	rc := errors.DefaultRetryConfig()
	return &Config{
		Version: "1.0.0",
		Transport: TransportConfig{
			Host:     "127.0.0.1",
			BasePort: 5555,
		},
		Channel: ChannelConfig{
			HighWaterMark: 8,
			WriteTimeout:  5 * time.Second,
			Retry: RetryConfig{
				MaxRetries:   rc.MaxRetries,
				InitialDelay: rc.InitialDelay,
				MaxDelay:     rc.MaxDelay,
				Multiplier:   rc.BackoffFactor,
			},
		},
		Lifecycle: LifecycleConfig{
			GracePeriod:       5 * time.Second,
			HeartbeatInterval: time.Second,
			HeartbeatTimeout:  5 * time.Second,
			PollInterval:      50 * time.Millisecond,
			CommandTimeout:    time.Second,
			StatsInterval:     10 * time.Second,
		},
		Source: SourceConfig{
			Kind:   SourceSynthetic,
			Width:  320,
			Height: 240,
			Frames: 300,
			FPS:    30,
		},
		Analyzer: AnalyzerConfig{
			Threshold:        25,
			MinArea:          500,
			DilateIterations: 2,
		},
		Renderer: RendererConfig{
			Annotate: true,
		},
		Preview: PreviewConfig{
			Addr: "127.0.0.1:8090",
			Path: "/preview",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
			Path: "/metrics",
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Transport.BasePort < 1 || c.Transport.BasePort > 65535-64 {
		add("transport.base_port %d out of range", c.Transport.BasePort)
	}
	if c.Transport.Host == "" {
		add("transport.host is required")
	}

	if c.Channel.HighWaterMark < 1 {
		add("channel.high_water_mark must be at least 1")
	}
	if c.Channel.WriteTimeout <= 0 {
		add("channel.write_timeout must be positive")
	}
	if r := c.Channel.Retry; r.MaxRetries < 0 || r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay || r.Multiplier < 1 {
		add("channel.retry is inconsistent")
	}

	l := c.Lifecycle
	if l.GracePeriod <= 0 {
		add("lifecycle.grace_period must be positive")
	}
	if l.HeartbeatInterval <= 0 || l.PollInterval <= 0 || l.CommandTimeout <= 0 {
		add("lifecycle intervals must be positive")
	}
	if l.HeartbeatTimeout > 0 && l.HeartbeatTimeout <= l.HeartbeatInterval {
		add("lifecycle.heartbeat_timeout must exceed heartbeat_interval")
	}

	switch c.Source.Kind {
	case SourceSynthetic:
		if c.Source.Frames < 0 {
			add("source.frames must not be negative")
		}
	case SourceRaw:
		if c.Source.Path == "" {
			add("source.path is required for raw sources")
		}
	default:
		add("source.kind %q unknown", c.Source.Kind)
	}
	if c.Source.Width <= 0 || c.Source.Height <= 0 {
		add("source frame size must be positive")
	}
	if c.Source.FPS < 0 {
		add("source.fps must not be negative")
	}

	if c.Analyzer.Threshold < 1 || c.Analyzer.Threshold > 254 {
		add("analyzer.threshold must be within 1..254")
	}
	if c.Analyzer.MinArea < 1 {
		add("analyzer.min_area must be at least 1")
	}
	if c.Analyzer.DilateIterations < 0 {
		add("analyzer.dilate_iterations must not be negative")
	}

	if c.Preview.Enabled && c.Preview.Addr == "" {
		add("preview.addr is required when preview is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level %q unknown", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format %q unknown", c.Logging.Format)
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "check fields")
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, err := sonic.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
