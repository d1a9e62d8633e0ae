// Package errors provides the error taxonomy for the pipeline.
//
// # Classes
//
// Every error a process handles falls into one of three classes:
//
//   - Transient: endpoint bind or connect failures, connection resets. Retried
//     with capped exponential backoff (see RetryConfig and pkg/retry).
//   - Invalid: a malformed envelope or control message. The message is
//     discarded, the failure is logged and counted, and the stage continues.
//   - Fatal: a crash inside a stage capability, exhausted retries, or a stage
//     that missed the shutdown grace period. These become a pipeline-wide
//     SHUTDOWN.
//
// # Wrapping
//
// Errors are wrapped with component and operation context:
//
//	return errors.WrapTransient(err, "Sender", "Dial", "connect endpoint")
//	// Sender.Dial: connect endpoint failed: dial unix /tmp/x.sock: connection refused
//
// The taxonomy sentinels (ErrTransport, ErrSerialization, ErrStageCrash,
// ErrShutdownTimeout) stay reachable through errors.Is after wrapping.
package errors
