package wire

import (
	"context"
	"sync"
)

// Queue is the outbound message queue of one transport. Any number of
// sessions push into it; a single writer loop drains it, so per-producer
// order is preserved.
type Queue struct {
	ch        chan any
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a Queue buffering up to size messages.
func NewQueue(size int) *Queue {
	return &Queue{
		ch:     make(chan any, size),
		closed: make(chan struct{}),
	}
}

// Push enqueues v, blocking while the queue is full. It returns false, and
// drops v, once the queue is closed.
func (q *Queue) Push(v any) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.ch <- v:
		return true
	case <-q.closed:
		return false
	}
}

// Close stops accepting messages. WriteLoop still flushes what was queued
// before Close.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// C returns the receive side of the queue, for consumers other than
// WriteLoop.
func (q *Queue) C() <-chan any { return q.ch }

// WriteLoop writes queued messages to conn until ctx ends, a write fails or
// the queue is closed and flushed.
func (q *Queue) WriteLoop(ctx context.Context, conn *Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return q.flush(ctx, conn)
		case v := <-q.ch:
			if err := conn.Write(ctx, v); err != nil {
				return err
			}
		}
	}
}

func (q *Queue) flush(ctx context.Context, conn *Conn) error {
	for {
		select {
		case v := <-q.ch:
			if err := conn.Write(ctx, v); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
