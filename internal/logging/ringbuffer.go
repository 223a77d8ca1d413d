package logging

import (
	"os"
	"sync"
)

// RingBuffer is a fixed-capacity byte buffer that keeps the newest bytes
// written to it. It implements io.Writer and is safe for concurrent use.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	next int  // write offset
	full bool // buf has wrapped at least once
}

// NewRingBuffer creates a ring buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10 * 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails; old data is overwritten.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	size := len(rb.buf)
	if n >= size {
		copy(rb.buf, p[n-size:])
		rb.next = 0
		rb.full = true
		return n, nil
	}

	k := copy(rb.buf[rb.next:], p)
	if k < n {
		copy(rb.buf, p[k:])
	}
	end := rb.next + n
	if end >= size {
		rb.full = true
	}
	rb.next = end % size
	return n, nil
}

// Len reports how many bytes are currently retained.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buf)
	}
	return rb.next
}

// Bytes returns a copy of the retained data, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		return append([]byte(nil), rb.buf[:rb.next]...)
	}
	out := make([]byte, 0, len(rb.buf))
	out = append(out, rb.buf[rb.next:]...)
	return append(out, rb.buf[:rb.next]...)
}

// DumpToFile writes the retained data to path, oldest first.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
