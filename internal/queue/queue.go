// Package queue provides the bounded in-process work queue between the
// fetchers and the worker pool, with the backpressure accounting the
// orchestrator uses to pause and resume discovery.
package queue

import (
	"context"
	"errors"
)

// DefaultCapacity bounds the queue when configuration does not.
const DefaultCapacity = 512

// Backpressure thresholds as fractions of capacity: pause the fetcher when
// remaining capacity drops below PauseBelow, resume above ResumeAbove.
const (
	DefaultPauseBelowPct  = 0.05
	DefaultResumeAbovePct = 0.30
)

// ErrClosed is returned by Take once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// OfferResult reports the outcome of a non-blocking enqueue.
type OfferResult int

const (
	Accepted OfferResult = iota
	RejectedFull
	RejectedClosed
)

// Queue is a bounded FIFO of work items. Offer never blocks; Take blocks
// until an item, close, or context cancellation.
type Queue[T any] struct {
	ch chan T
}

// New creates a queue of the given capacity (DefaultCapacity when <= 0).
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Offer enqueues without blocking. Fetchers must react to RejectedFull by
// pausing themselves.
func (q *Queue[T]) Offer(item T) (res OfferResult) {
	defer func() {
		if recover() != nil {
			res = RejectedClosed
		}
	}()
	select {
	case q.ch <- item:
		return Accepted
	default:
		return RejectedFull
	}
}

// Take blocks until an item is available. Returns ErrClosed after the
// queue is closed and empty, or ctx.Err on cancellation.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close stops accepting items; pending items remain takeable.
func (q *Queue[T]) Close() { close(q.ch) }

func (q *Queue[T]) Size() int              { return len(q.ch) }
func (q *Queue[T]) Capacity() int          { return cap(q.ch) }
func (q *Queue[T]) RemainingCapacity() int { return cap(q.ch) - len(q.ch) }

// ShouldPause reports whether remaining capacity has dropped below the
// pause threshold.
func (q *Queue[T]) ShouldPause(pauseBelowPct float64) bool {
	if pauseBelowPct <= 0 {
		pauseBelowPct = DefaultPauseBelowPct
	}
	return float64(q.RemainingCapacity()) < float64(q.Capacity())*pauseBelowPct
}

// ShouldResume reports whether remaining capacity has recovered above the
// resume threshold.
func (q *Queue[T]) ShouldResume(resumeAbovePct float64) bool {
	if resumeAbovePct <= 0 {
		resumeAbovePct = DefaultResumeAbovePct
	}
	return float64(q.RemainingCapacity()) > float64(q.Capacity())*resumeAbovePct
}
