package automaton

import "sync"

// Source is a lazy, chainable, peekable stream of symbols (bytes). It never
// discards a symbol except via Take, and once Close has been called and its
// buffered bytes are drained, it stays exhausted: callers may still Append,
// but a Source that is both empty and closed never again yields a symbol.
type Source interface {
	// Peek returns the next unconsumed symbol without consuming it. ok is
	// false if none is currently buffered (the caller should check Closed
	// to distinguish "more is coming" from "this is the end").
	Peek() (sym byte, ok bool)
	// Take consumes and returns the next symbol, advancing Consumed().
	Take() (sym byte, ok bool)
	// Append appends more symbols to the tail of the stream. Safe to call
	// after a Suspended outcome to resume a parse.
	Append(data []byte)
	// Consumed returns the count of symbols taken so far.
	Consumed() int
	// Close signals that no further bytes will ever be appended: once the
	// buffered bytes are drained, the Source reports Closed() == true and
	// Peek/Take return ok == false permanently.
	Close()
	// Closed reports whether Close has been called and no buffered bytes
	// remain.
	Closed() bool
}

// ByteSource is the canonical Source implementation: an in-memory buffer
// with a read cursor, growable via Append, terminated via Close.
type ByteSource struct {
	mu       sync.Mutex
	buf      []byte
	off      int
	consumed int
	closed   bool
}

// NewByteSource returns a Source pre-loaded with initial bytes. Further
// bytes may be appended with Append before Close is called.
func NewByteSource(initial []byte) *ByteSource {
	b := &ByteSource{}
	if len(initial) > 0 {
		b.buf = append(b.buf, initial...)
	}
	return b
}

func (s *ByteSource) Peek() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.off >= len(s.buf) {
		return 0, false
	}
	return s.buf[s.off], true
}

func (s *ByteSource) Take() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.off >= len(s.buf) {
		return 0, false
	}
	b := s.buf[s.off]
	s.off++
	s.consumed++
	// Compact occasionally so a long-lived connection's buffer doesn't
	// grow unboundedly; cheap because it only happens once fully drained.
	if s.off == len(s.buf) {
		s.buf = s.buf[:0]
		s.off = 0
	}
	return b, true
}

func (s *ByteSource) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && s.off >= len(s.buf) {
		return
	}
	s.buf = append(s.buf, data...)
}

func (s *ByteSource) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

func (s *ByteSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *ByteSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && s.off >= len(s.buf)
}
