package session

import "sync"

// RingBuffer is a fixed-capacity circular byte buffer holding the most
// recent terminal output of a session.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []byte
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest bytes once full.
func (rb *RingBuffer) Write(data []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if n >= rb.capacity {
		copy(rb.buf, data[n-rb.capacity:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	copied := copy(rb.buf[rb.pos:], data)
	if copied < n {
		copy(rb.buf, data[copied:])
	}
	next := rb.pos + n
	if next >= rb.capacity {
		rb.full = true
	}
	rb.pos = next % rb.capacity
	return n, nil
}

// Bytes returns the buffered output in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]byte, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]byte, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// Len reports how many bytes are buffered.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}
