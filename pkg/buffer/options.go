package buffer

import (
	"github.com/epeer1/axon-vision-ha/metric"
)

// Option customizes a buffer at construction.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	policy   OverflowPolicy
	onDrop   DropCallback[T]
	registry *metric.MetricsRegistry
	prefix   string
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	o := &bufferOptions[T]{policy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// WithOverflowPolicy picks the full-buffer behavior. DropOldest is the default.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *bufferOptions[T]) { o.policy = policy }
}

// WithDropCallback observes every discarded item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(o *bufferOptions[T]) { o.onDrop = callback }
}

// WithMetrics exports queue depth and traffic under prefix. Without a
// registry or prefix the option does nothing.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(o *bufferOptions[T]) {
		if registry == nil || prefix == "" {
			return
		}
		o.registry, o.prefix = registry, prefix
	}
}
