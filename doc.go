// Package vidpipe is a multi-process video analytics pipeline.
//
// A source, an analyzer and a renderer run as separate OS processes and
// exchange frames over flow-controlled channels. A supervisor starts them,
// watches them and drives the shutdown cascade when the input ends or any
// stage fails, leaving no process behind.
//
// # Layout
//
//   - message, codec: the frame envelope, control messages and their wire format
//   - transport: endpoint resolution (Unix sockets or loopback TCP) and framed connections
//   - channel: ordered credit-based channels and drop-for-slow fan-out channels
//   - stage: the stage loop (INIT, RUNNING, DRAINING, STOPPED) and capability adapters
//   - lifecycle, supervisor: the pipeline state machine and process supervision
//   - vision: default decoder, motion analyzer and renderer
//   - logbus, preview: centralized stage logs and the WebSocket preview sink
//   - config, pipeline, cmd/vidpipe: configuration, composition and the CLI
//
// # Guarantees
//
// Frames on an ordered channel arrive in order, without loss or duplicates.
// Memory stays bounded when a consumer is slow: ordered channels block the
// sender, fan-out channels drop for the slow subscriber only. Every stage
// process ends exactly once, within the configured grace period.
package vidpipe
