package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/epeer1/axon-vision-ha/errors"
)

// circularBuffer is a ring of fixed capacity guarded by one mutex. Waiters
// block on the changed channel, which is closed and replaced on every state
// change, so a wait can be combined with a timer or a context.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool
	changed  chan struct{}

	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.registry != nil {
		var err error
		metrics, err = newBufferMetrics(opts.registry, opts.prefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "Buffer", "newCircularBuffer", "metrics registration")
		}
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		changed:  make(chan struct{}),
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// notifyLocked wakes every waiter. Caller holds mu.
func (cb *circularBuffer[T]) notifyLocked() {
	close(cb.changed)
	cb.changed = make(chan struct{})
}

func (cb *circularBuffer[T]) pushLocked(item T) {
	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	cb.notifyLocked()
}

func (cb *circularBuffer[T]) popLocked() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}
	cb.notifyLocked()
	return item
}

func (cb *circularBuffer[T]) recordDropLocked() {
	cb.stats.Overflow()
	cb.stats.Drop()
	if cb.metrics != nil {
		cb.metrics.recordDrop()
	}
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	return cb.WriteContext(context.Background(), item)
}

// WriteContext adds an item; with the Block policy it waits for space until ctx is done.
func (cb *circularBuffer[T]) WriteContext(ctx context.Context, item T) error {
	cb.mu.Lock()
	for {
		if cb.closed {
			cb.mu.Unlock()
			return errors.WrapInvalid(errors.ErrChannelClosed, "Buffer", "Write", "buffer closed")
		}
		if cb.size < cb.capacity {
			cb.pushLocked(item)
			cb.mu.Unlock()
			return nil
		}

		switch cb.opts.policy {
		case DropNewest:
			cb.recordDropLocked()
			cb.mu.Unlock()
			if cb.opts.onDrop != nil {
				cb.opts.onDrop(item)
			}
			return nil

		case DropOldest:
			dropped := cb.popLocked()
			cb.recordDropLocked()
			cb.pushLocked(item)
			cb.mu.Unlock()
			if cb.opts.onDrop != nil {
				cb.opts.onDrop(dropped)
			}
			return nil
		}

		// Block
		wait := cb.changed
		cb.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		cb.mu.Lock()
	}
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.popLocked(), true
}

// ReadTimeout waits up to timeout for an item.
func (cb *circularBuffer[T]) ReadTimeout(timeout time.Duration) (T, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return cb.ReadContext(ctx)
}

// ReadContext waits until an item arrives, the buffer is closed and empty, or ctx is done.
func (cb *circularBuffer[T]) ReadContext(ctx context.Context) (T, bool) {
	var zero T
	cb.mu.Lock()
	for {
		if cb.size > 0 {
			item := cb.popLocked()
			cb.mu.Unlock()
			return item, true
		}
		if cb.closed {
			cb.mu.Unlock()
			return zero, false
		}

		wait := cb.changed
		cb.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return zero, false
		}
		cb.mu.Lock()
	}
}

// WaitContext waits for the buffer to become non-empty.
func (cb *circularBuffer[T]) WaitContext(ctx context.Context) bool {
	cb.mu.Lock()
	for {
		if cb.size > 0 {
			cb.mu.Unlock()
			return true
		}
		if cb.closed {
			cb.mu.Unlock()
			return false
		}

		wait := cb.changed
		cb.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false
		}
		cb.mu.Lock()
	}
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}
	result := make([]T, n)
	for i := range result {
		result[i] = cb.popLocked()
	}
	return result
}

// Peek retrieves one item without removing it from the buffer.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	cb.stats.Peek()
	return cb.items[cb.tail], true
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == 0
}

// Clear removes all items from the buffer.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	var dropped []T
	if cb.opts.onDrop != nil {
		dropped = make([]T, 0, cb.size)
	}
	for cb.size > 0 {
		item := cb.popLocked()
		if dropped != nil {
			dropped = append(dropped, item)
		}
	}
	cb.head, cb.tail = 0, 0
	cb.mu.Unlock()

	for _, item := range dropped {
		cb.opts.onDrop(item)
	}
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer and wakes all waiters.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.notifyLocked()
	return nil
}
