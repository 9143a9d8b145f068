package pty

import "sync"

// DefaultScrollbackSize is the scrollback kept per terminal when none is configured.
const DefaultScrollbackSize = 256 * 1024

// Scrollback keeps the most recent output of a terminal. Once full, new
// writes overwrite the oldest bytes.
type Scrollback struct {
	mu    sync.Mutex
	buf   []byte
	start int
	size  int
}

// NewScrollback allocates a scrollback of capacity bytes.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollbackSize
	}
	return &Scrollback{buf: make([]byte, capacity)}
}

// Write implements io.Writer.
func (s *Scrollback) Write(p []byte) (int, error) {
	n := len(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := len(s.buf)
	if n >= capacity {
		copy(s.buf, p[n-capacity:])
		s.start, s.size = 0, capacity
		return n, nil
	}
	end := (s.start + s.size) % capacity
	copied := copy(s.buf[end:], p)
	copy(s.buf, p[copied:])

	s.size += n
	if s.size > capacity {
		s.start = (s.start + s.size - capacity) % capacity
		s.size = capacity
	}
	return n, nil
}

// Bytes returns the buffered output, oldest first.
func (s *Scrollback) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.size)
	n := copy(out, s.buf[s.start:min(s.start+s.size, len(s.buf))])
	copy(out[n:], s.buf[:s.size-n])
	return out
}

// Len returns the number of buffered bytes.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
