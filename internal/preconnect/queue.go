package preconnect

import (
	"context"
	"errors"
	"sync"
)

// errQueueClosed is returned by pop once the queue is closed and drained.
var errQueueClosed = errors.New("preconnect: queue closed")

// chunkQueue is an unbounded FIFO of byte chunks with a single consumer.
// Pushes never block; pop blocks until a chunk is available, the queue is
// closed and empty, or the context is cancelled.
type chunkQueue struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool

	// signal wakes the consumer. Capacity 1 is enough: the consumer always
	// re-checks the slice before sleeping.
	signal chan struct{}
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{signal: make(chan struct{}, 1)}
}

// push appends chunk to the queue. Returns false if the queue is closed.
func (q *chunkQueue) push(chunk []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop removes and returns the oldest chunk. It returns [errQueueClosed] once
// the queue is closed and fully drained, or ctx.Err() on cancellation.
func (q *chunkQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		// Cancellation wins over queued data, so a cancelled consumer stops
		// promptly even with a backlog.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		q.mu.Lock()
		if len(q.chunks) > 0 {
			chunk := q.chunks[0]
			q.chunks = q.chunks[1:]
			q.mu.Unlock()
			return chunk, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, errQueueClosed
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// close marks the queue closed. Queued chunks remain poppable; further pushes
// are rejected. Safe to call more than once.
func (q *chunkQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// len reports the number of queued chunks.
func (q *chunkQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}
