package stream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrQueueClosed = errors.New("pending queue closed")

// PendingQueue buffers inbound replies between the receive goroutine, which
// only appends, and the pacing loop, which only takes from the head. It is
// unbounded so a reply is never dropped.
type PendingQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool

	ready  chan struct{}
	done   chan struct{}
	closer sync.Once
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends msg. It returns false once the queue is closed.
func (q *PendingQueue) Push(msg []byte) bool {
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

// Pop removes and returns the oldest message, waiting until one is available.
// Messages queued before Close are still handed out; after that Pop returns
// ErrQueueClosed. ctx bounds the wait.
func (q *PendingQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further appends and wakes a waiting Pop. Safe to call more than once.
func (q *PendingQueue) Close() {
	q.closer.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}
