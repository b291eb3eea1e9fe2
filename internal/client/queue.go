package client

import (
	"sync"

	"github.com/parleychat/parley/internal/protocol"
)

// responseQueue buffers push events between the receiver and the
// dispatcher. A push identical to one already waiting (same kind and
// payload) is dropped, so a burst of duplicate events collapses into one.
type responseQueue struct {
	mu      sync.Mutex
	entries []protocol.Response

	// notify carries at most one wakeup; the dispatcher drains the queue
	// fully on each one.
	notify chan struct{}
}

func newResponseQueue() *responseQueue {
	return &responseQueue{notify: make(chan struct{}, 1)}
}

func (q *responseQueue) add(resp protocol.Response) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, queued := range q.entries {
		if queued.Kind == resp.Kind && queued.Data == resp.Data {
			return
		}
	}
	q.entries = append(q.entries, resp)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns every waiting entry in arrival order.
func (q *responseQueue) drain() []protocol.Response {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.entries
	q.entries = nil
	return entries
}

func (q *responseQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
