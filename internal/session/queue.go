package session

import "sync"

// outputQueue is an unbounded FIFO of output chunks. The PTY reader pushes
// without ever blocking, so a slow client grows the queue instead of
// stalling the shell or losing bytes.
type outputQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	size   int
	closed bool
}

func newOutputQueue() *outputQueue {
	q := &outputQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push copies data onto the tail of the queue. Pushing to a closed queue
// is a no-op.
func (q *outputQueue) push(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.chunks = append(q.chunks, chunk)
	q.size += len(chunk)
	q.cond.Signal()
}

// pop blocks until a chunk is available. It returns false once the queue
// is closed and fully drained.
func (q *outputQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.chunks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.chunks) == 0 {
		return nil, false
	}
	chunk := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	q.size -= len(chunk)
	return chunk, true
}

// close marks the end of the stream. Queued chunks remain poppable.
func (q *outputQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// pending reports the number of queued bytes.
func (q *outputQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
