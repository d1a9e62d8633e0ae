package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/epeer1/axon-vision-ha/pkg/retry"
)

// ErrorClass decides how a caller reacts to an error: retry, reject the
// input, or stop.
type ErrorClass int

// Error classes
const (
	ErrorTransient ErrorClass = iota
	ErrorInvalid
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Pipeline error taxonomy.
var (
	// ErrTransport is a bind, connect, read or write failure on a channel endpoint.
	ErrTransport = errors.New("transport failure")
	// ErrSerialization is a malformed envelope or control message.
	ErrSerialization = errors.New("serialization failure")
	// ErrStageCrash is an unrecovered failure inside a stage capability.
	ErrStageCrash = errors.New("stage crashed")
	// ErrShutdownTimeout is a stage that did not acknowledge shutdown within the grace period.
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
)

// Lifecycle and channel state errors.
var (
	ErrAlreadyStarted = errors.New("already started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrChannelClosed  = errors.New("channel closed")

	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	ErrInvalidData   = errors.New("invalid data format")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// ClassifiedError carries the class of an error plus where it happened.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

// transientHints are substrings of OS and network errors that clear up on
// their own, such as a peer that has not bound its socket yet.
var transientHints = []string{"timeout", "connection refused", "connection reset", "broken pipe", "no such file"}

// classOf resolves the class of err. The outermost ClassifiedError wins;
// otherwise sentinels decide, and anything unrecognized is transient.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	for _, fatal := range []error{ErrStageCrash, ErrShutdownTimeout, ErrInvalidConfig, ErrMissingConfig, ErrMaxRetriesExceeded} {
		if errors.Is(err, fatal) {
			return ErrorFatal, true
		}
	}
	if errors.Is(err, ErrSerialization) || errors.Is(err, ErrInvalidData) {
		return ErrorInvalid, true
	}
	for _, transient := range []error{ErrTransport, ErrConnectionTimeout, ErrConnectionLost, context.DeadlineExceeded} {
		if errors.Is(err, transient) {
			return ErrorTransient, true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return ErrorTransient, true
		}
	}
	return ErrorTransient, false
}

// IsTransient reports whether err is worth retrying. Unrecognized errors
// are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	class, known := classOf(err)
	return known && class == ErrorTransient
}

// IsFatal reports whether err must stop the pipeline
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	class, _ := classOf(err)
	return class == ErrorFatal
}

// IsInvalid reports whether err stems from bad input or configuration
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	class, _ := classOf(err)
	return class == ErrorInvalid
}

// Classify returns the class of err. Unknown errors count as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	class, _ := classOf(err)
	return class
}

// Wrap adds context in the form "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient is Wrap plus the transient class.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal is Wrap plus the fatal class.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid is Wrap plus the invalid class.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// Transport marks cause as a transport failure of the given endpoint.
// The result matches both ErrTransport and cause with errors.Is.
func Transport(cause error, component, method, endpoint string) error {
	if cause == nil {
		return nil
	}
	return WrapTransient(fmt.Errorf("%w: %s: %w", ErrTransport, endpoint, cause), component, method, "transport")
}

// RetryConfig is the reconnect policy of channel endpoints.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the reconnect policy used by channel endpoints.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    8,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry reports whether attempt may be followed by another one.
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	return IsTransient(err)
}

// ToRetryConfig converts to the retry package's Config.
// MaxRetries counts attempts after the first, so one is added.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}

// BackoffDelay returns the capped delay before the given retry attempt.
func (rc RetryConfig) BackoffDelay(attempt int) time.Duration {
	return retry.Backoff(rc.InitialDelay, rc.MaxDelay, rc.BackoffFactor, attempt)
}
