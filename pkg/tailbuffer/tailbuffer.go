// Package tailbuffer provides a bounded writer that retains only the most
// recent bytes written to it. It is used to capture the combined output of
// external processes without holding unbounded amounts of memory.
package tailbuffer

import (
	"sync"
)

// TailBuffer is an io.Writer that keeps the last capacity bytes written. It is
// safe for concurrent use, which matters because exec.Cmd may write stdout and
// stderr from separate goroutines.
type TailBuffer struct {
	lock     sync.Mutex
	buf      []byte
	capacity int
	// start is the index of the oldest retained byte once the buffer wraps.
	start int
	// full indicates that buf has wrapped at least once.
	full bool
	// total is the number of bytes ever written.
	total int64
}

// New creates a tail buffer retaining at most capacity bytes.
func New(capacity int) *TailBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &TailBuffer{
		buf:      make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Write implements io.Writer. It never fails; bytes that don't fit push out
// the oldest retained bytes.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	n := len(p)
	b.total += int64(n)
	if b.capacity == 0 {
		return n, nil
	}
	if len(p) > b.capacity {
		p = p[len(p)-b.capacity:]
	}

	// Fill remaining room before wrapping.
	if !b.full {
		room := b.capacity - len(b.buf)
		if len(p) <= room {
			b.buf = append(b.buf, p...)
			return n, nil
		}
		b.buf = append(b.buf, p[:room]...)
		p = p[room:]
		b.full = true
		b.start = 0
	}

	for len(p) > 0 {
		copied := copy(b.buf[b.start:], p)
		p = p[copied:]
		b.start = (b.start + copied) % b.capacity
	}
	return n, nil
}

// Bytes returns a copy of the retained bytes in write order.
func (b *TailBuffer) Bytes() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()

	out := make([]byte, 0, len(b.buf))
	if !b.full {
		return append(out, b.buf...)
	}
	out = append(out, b.buf[b.start:]...)
	return append(out, b.buf[:b.start]...)
}

// String returns the retained bytes as a string.
func (b *TailBuffer) String() string {
	return string(b.Bytes())
}

// Dropped reports how many bytes were discarded because they no longer fit.
func (b *TailBuffer) Dropped() int64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.total - int64(len(b.buf))
}
