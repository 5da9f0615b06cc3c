package node

import (
	"context"
	"sync"

	"github.com/relves/colog/pkg/protocol"
)

// outgoingQueue is an unbounded FIFO of messages for one peer. Pushing never
// blocks, so the sync manager can enqueue while holding its lock; a writer
// goroutine drains it into the connection.
type outgoingQueue struct {
	mu     sync.Mutex
	items  []protocol.Message
	ready  chan struct{}
	closed bool
}

func newOutgoingQueue() *outgoingQueue {
	return &outgoingQueue{ready: make(chan struct{}, 1)}
}

func (q *outgoingQueue) push(msg protocol.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a message is available. It returns false once the queue
// is closed and drained, or ctx is done.
func (q *outgoingQueue) pop(ctx context.Context) (protocol.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// close stops accepting messages; queued ones are still handed out.
func (q *outgoingQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *outgoingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
