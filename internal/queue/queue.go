// Package queue provides the bounded FIFO dispatch queue between job
// submission and the worker pool.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned in reject mode when the queue has no space.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrTimeout is returned in block mode when no space frees up before the
	// enqueue deadline.
	ErrTimeout = errors.New("enqueue timed out")
	// ErrShutdown is returned once the queue no longer accepts work.
	ErrShutdown = errors.New("dispatch queue shut down")
)

// Backpressure selects how Enqueue behaves when the queue is at capacity.
type Backpressure int

const (
	// Block suspends the caller until space frees up or the enqueue deadline
	// elapses. This is the default.
	Block Backpressure = iota
	// Reject fails immediately with ErrQueueFull.
	Reject
)

// Queue is a bounded, ordered queue of pending job ids. Ids come out in the
// order they went in. Safe for concurrent use.
type Queue struct {
	ch             chan uuid.UUID
	done           chan struct{}
	shutdown       sync.Once
	mode           Backpressure
	enqueueTimeout time.Duration
}

// New creates a queue with the given capacity and backpressure mode.
// enqueueTimeout bounds how long Enqueue blocks in Block mode; non-positive
// means no deadline. It is ignored in Reject mode.
func New(capacity int, mode Backpressure, enqueueTimeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:             make(chan uuid.UUID, capacity),
		done:           make(chan struct{}),
		mode:           mode,
		enqueueTimeout: enqueueTimeout,
	}
}

// Enqueue adds a job id. In Reject mode a full queue fails with ErrQueueFull;
// in Block mode the caller suspends until space is available, the enqueue
// timeout elapses (ErrTimeout), or ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	select {
	case <-q.done:
		return ErrShutdown
	default:
	}

	if q.mode == Reject {
		select {
		case q.ch <- id:
			return nil
		default:
			return ErrQueueFull
		}
	}

	// A nil channel never fires, so a non-positive timeout blocks without a
	// deadline instead of racing an already-expired timer.
	var deadline <-chan time.Time
	if q.enqueueTimeout > 0 {
		timer := time.NewTimer(q.enqueueTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case q.ch <- id:
		return nil
	case <-deadline:
		return ErrTimeout
	case <-q.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an id is available or the queue is shut down. After
// shutdown it keeps draining buffered ids; ok is false only once the queue is
// both shut down and empty, or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (uuid.UUID, bool) {
	select {
	case id := <-q.ch:
		return id, true
	case <-q.done:
		// Drain whatever was enqueued before shutdown.
		select {
		case id := <-q.ch:
			return id, true
		default:
			return uuid.Nil, false
		}
	case <-ctx.Done():
		return uuid.Nil, false
	}
}

// Shutdown stops accepting new work. Idempotent. Items already enqueued are
// still delivered to dequeuers.
func (q *Queue) Shutdown() {
	q.shutdown.Do(func() { close(q.done) })
}

// Len returns the number of ids currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}
