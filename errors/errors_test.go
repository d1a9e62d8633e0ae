package errors

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestClassify_Taxonomy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"transport", ErrTransport, ErrorTransient},
		{"serialization", ErrSerialization, ErrorInvalid},
		{"stage crash", ErrStageCrash, ErrorFatal},
		{"shutdown timeout", ErrShutdownTimeout, ErrorFatal},
		{"wrapped serialization", fmt.Errorf("decode: %w", ErrSerialization), ErrorInvalid},
		{"wrapped crash", Wrap(ErrStageCrash, "Runner", "Run", "process frame"), ErrorFatal},
		{"connection refused", syscall.ECONNREFUSED, ErrorTransient},
		{"unknown", errors.New("something odd"), ErrorTransient},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: errors.New("x")}, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"reset by peer", errors.New("read: connection reset by peer"), true},
		{"invalid data", ErrInvalidData, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: errors.New("x")}, true},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: errors.New("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestWrap_Format(t *testing.T) {
	base := errors.New("boom")

	err := Wrap(base, "Sender", "Send", "write frame")
	assert.Equal(t, "Sender.Send: write frame failed: boom", err.Error())
	assert.ErrorIs(t, err, base)

	assert.Nil(t, Wrap(nil, "a", "b", "c"))
	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	transient := WrapTransient(base, "Receiver", "Bind", "listen")
	fatal := WrapFatal(base, "Runner", "Run", "process")
	invalid := WrapInvalid(base, "codec", "Decode", "read header")

	assert.True(t, IsTransient(transient))
	assert.True(t, IsFatal(fatal))
	assert.True(t, IsInvalid(invalid))

	var ce *ClassifiedError
	require.True(t, errors.As(fatal, &ce))
	assert.Equal(t, "Runner", ce.Component)
	assert.Equal(t, "Run", ce.Operation)
	assert.ErrorIs(t, fatal, base)
}

func TestTransport(t *testing.T) {
	cause := syscall.ECONNREFUSED
	err := Transport(cause, "Sender", "Dial", "src->analyzer")

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "src->analyzer")
	assert.Nil(t, Transport(nil, "a", "b", "c"))
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3}

	assert.True(t, cfg.ShouldRetry(ErrTransport, 0))
	assert.True(t, cfg.ShouldRetry(ErrTransport, 2))
	assert.False(t, cfg.ShouldRetry(ErrTransport, 3))
	assert.False(t, cfg.ShouldRetry(ErrSerialization, 0))
	assert.False(t, cfg.ShouldRetry(nil, 0))
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	rc := cfg.ToRetryConfig()

	assert.Equal(t, cfg.MaxRetries+1, rc.MaxAttempts)
	assert.Equal(t, cfg.InitialDelay, rc.InitialDelay)
	assert.Equal(t, cfg.MaxDelay, rc.MaxDelay)
	assert.Equal(t, cfg.BackoffFactor, rc.Multiplier)
	assert.True(t, rc.AddJitter)
}

func TestRetryConfig_BackoffDelay(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, cfg.BackoffDelay(0))
	assert.Equal(t, 200*time.Millisecond, cfg.BackoffDelay(1))
	assert.Equal(t, 400*time.Millisecond, cfg.BackoffDelay(2))
	assert.Equal(t, 800*time.Millisecond, cfg.BackoffDelay(3))
	assert.Equal(t, 1*time.Second, cfg.BackoffDelay(4))
	assert.Equal(t, 1*time.Second, cfg.BackoffDelay(20))
}
