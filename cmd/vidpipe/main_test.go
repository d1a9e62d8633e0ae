package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epeer1/axon-vision-ha/config"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/supervisor"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cli = CLIConfig{}
	printEffective, printSchema = false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "vidpipe version "+Version+" (build "+BuildTime+")\n", out)
}

func TestValidate_Defaults(t *testing.T) {
	out, err := execute(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
}

func TestValidate_PrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channel:\n  high_water_mark: 12\n"), 0o600))

	out, err := execute(t, "validate", "--config", path, "--print", "--log-format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"high_water_mark": 12`)
	assert.Contains(t, out, `"format": "json"`)
}

func TestValidate_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"channels": {}}`), 0o600))

	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = execute(t, "validate", "--log-level", "trace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_Schema(t *testing.T) {
	out, err := execute(t, "validate", "--schema")
	require.NoError(t, err)
	assert.Equal(t, string(config.Schema()), out)
}

func TestStage_RequiresWiring(t *testing.T) {
	t.Setenv(supervisor.WiringEnv, "")
	_, err := execute(t, "stage")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestApplyRunFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, applyRunFlags(cfg, RunFlags{}))
	assert.Equal(t, config.DefaultConfig(), cfg, "zero flags change nothing")

	err := applyRunFlags(cfg, RunFlags{
		ForceTCP:      true,
		HighWaterMark: 3,
		GracePeriod:   time.Second,
		Source:        "/data/clip.raw",
		FPS:           15,
		Blur:          true,
		Preview:       true,
		Metrics:       true,
	})
	require.NoError(t, err)
	assert.True(t, cfg.Transport.ForceTCP)
	assert.Equal(t, 3, cfg.Channel.HighWaterMark)
	assert.Equal(t, time.Second, cfg.Lifecycle.GracePeriod)
	assert.Equal(t, config.SourceRaw, cfg.Source.Kind)
	assert.Equal(t, "/data/clip.raw", cfg.Source.Path)
	assert.Equal(t, 15.0, cfg.Source.FPS)
	assert.True(t, cfg.Renderer.Blur)
	assert.True(t, cfg.Preview.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("VIDPIPE_TEST_INT", "7")
	t.Setenv("VIDPIPE_TEST_BAD", "x")
	t.Setenv("VIDPIPE_TEST_DUR", "1500ms")
	t.Setenv("VIDPIPE_TEST_BOOL", "true")

	assert.Equal(t, 7, getEnvInt("VIDPIPE_TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("VIDPIPE_TEST_BAD", 1))
	assert.Equal(t, 1500*time.Millisecond, getEnvDuration("VIDPIPE_TEST_DUR", 0))
	assert.True(t, getEnvBool("VIDPIPE_TEST_BOOL", false))
	assert.Equal(t, "fallback", getEnv("VIDPIPE_TEST_UNSET", "fallback"))
	assert.Equal(t, []string{"a.yaml", "b.json"}, splitList(" a.yaml, ,b.json "))
	assert.Nil(t, splitList(""))
}

func TestSetupHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(setupHandler("debug", "json", &buf))
	logger.Debug("hello", "frame_id", 3)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"frame_id":3`)

	buf.Reset()
	logger = slog.New(setupHandler("warn", "text", &buf))
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}
