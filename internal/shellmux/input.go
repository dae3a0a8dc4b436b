package shellmux

import "sync"

// inputQueue is an unbounded FIFO of input chunks for one session.
type inputQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	notify chan struct{}
}

func newInputQueue() *inputQueue {
	return &inputQueue{notify: make(chan struct{}, 1)}
}

func (q *inputQueue) push(b []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, b)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *inputQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// wait blocks until chunks are available and returns all of them, or
// returns ok=false once the queue is closed.
func (q *inputQueue) wait() (chunks [][]byte, ok bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			chunks = q.items
			q.items = nil
			q.mu.Unlock()
			return chunks, true
		}
		q.mu.Unlock()
		<-q.notify
	}
}
