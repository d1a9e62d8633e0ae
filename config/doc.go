// Package config loads and validates the pipeline configuration.
//
// A configuration is built in layers. DefaultConfig supplies every value;
// each file added with Loader.AddLayer overrides only the keys it names;
// environment variables prefixed with VIDPIPE_ override last.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/local.json")
//	cfg, err := loader.Load()
//
// Files may be JSON or YAML, chosen by extension. Every layer is checked
// against the embedded JSON Schema before it is merged, so unknown keys are
// rejected instead of silently ignored. Durations may be written as Go
// duration strings ("250ms", "1d") or as integer nanoseconds.
//
// Environment keys follow the field names split on word boundaries:
//
//	VIDPIPE_TRANSPORT_FORCE_TCP=true
//	VIDPIPE_CHANNEL_HIGH_WATER_MARK=16
//	VIDPIPE_LIFECYCLE_GRACE_PERIOD=10s
//
// File access goes through size, depth and path checks so a hostile or
// corrupt file cannot exhaust memory during parsing.
package config
