// Package buffer provides the bounded, thread-safe queues behind every channel.
//
// A CircularBuffer holds at most Capacity items. What happens when it is full
// is decided by its OverflowPolicy:
//   - Block: writers wait for space (ordered channels, never lose data)
//   - DropNewest: the incoming item is discarded (fan-out subscribers)
//   - DropOldest: the oldest item is evicted
//
// Every blocking operation has a bounded variant (timeout or context) so that
// callers can keep checking for shutdown while they wait. Statistics are always
// collected; Prometheus metrics are enabled with WithMetrics.
package buffer

import (
	"context"
	"fmt"
	"time"
)

// Buffer is a bounded FIFO of T.
type Buffer[T any] interface {
	// Write enqueues item, applying the overflow policy when full. Under
	// Block it waits forever; channel code uses WriteContext instead.
	Write(item T) error
	// WriteContext is Write with the Block wait bounded by ctx.
	WriteContext(ctx context.Context, item T) error

	Read() (T, bool)
	ReadTimeout(timeout time.Duration) (T, bool)
	ReadContext(ctx context.Context) (T, bool)
	// WaitContext blocks until an item is queued, reporting false when ctx
	// ends or the buffer is closed and empty. It removes nothing.
	WaitContext(ctx context.Context) bool
	// ReadBatch dequeues at most max items and never waits.
	ReadBatch(max int) []T
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear empties the queue; every removed item goes to the drop callback.
	Clear()
	Stats() *Statistics

	// Close releases waiters. Later writes fail, reads drain the remainder.
	Close() error
}

// OverflowPolicy selects what a full buffer does with a new item.
type OverflowPolicy int

// Overflow policies
const (
	DropOldest OverflowPolicy = iota // evict the head
	DropNewest                       // discard the incoming item
	Block                            // wait for room
)

var policyNames = [...]string{"DropOldest", "DropNewest", "Block"}

func (p OverflowPolicy) String() string {
	if p < 0 || int(p) >= len(policyNames) {
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
	return policyNames[p]
}

// DropCallback receives each item an overflow policy or Clear discards. It
// runs without the buffer lock held.
type DropCallback[T any] func(item T)

// NewCircularBuffer returns a ring buffer holding at most capacity items.
// The only error is a failed metrics registration.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newCircularBuffer(capacity, applyOptions(options...))
}
