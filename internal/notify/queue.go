package notify

import "sync"

// queue is an unbounded FIFO. Push never blocks; the notify channel
// (capacity 1) wakes the single consumer when entries are available.
type queue struct {
	mu      sync.Mutex
	entries []Message
	notify  chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(m Message) {
	q.mu.Lock()
	q.entries = append(q.entries, m)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far.
func (q *queue) drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
