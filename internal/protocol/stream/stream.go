// Package stream wraps one logical payload's bytes for chunked transfer.
package stream

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var ErrInvalidChunkSize = errors.New("stream: chunk size must be positive")

// Stream is a byte source of known or unknown length. It is owned by
// whichever packet carries it until it is fully consumed or the carrying
// send fails.
type Stream struct {
	mu       sync.Mutex
	r        io.Reader
	length   int64
	bounded  bool
	consumed int64
	closed   atomic.Bool
}

// New wraps r, which is expected to yield exactly length bytes.
func New(r io.Reader, length int64) *Stream {
	if length < 0 {
		length = 0
	}
	return &Stream{r: r, length: length, bounded: true}
}

// Unbounded wraps r whose length is only known once it reports io.EOF.
func Unbounded(r io.Reader) *Stream {
	return &Stream{r: r}
}

func FromBytes(b []byte) *Stream {
	return New(bytes.NewReader(b), int64(len(b)))
}

func FromString(s string) *Stream {
	return FromBytes([]byte(s))
}

// Length reports the declared total length, if known.
func (s *Stream) Length() (int64, bool) {
	return s.length, s.bounded
}

// Remaining reports bytes not yet read, if known.
func (s *Stream) Remaining() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bounded {
		return 0, false
	}
	return s.length - s.consumed, true
}

// Consumed reports bytes read so far.
func (s *Stream) Consumed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// Read implements io.Reader. A bounded stream never yields more than its
// declared length.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if s.bounded {
		left := s.length - s.consumed
		if left <= 0 {
			return 0, io.EOF
		}
		if int64(len(p)) > left {
			p = p[:left]
		}
	}
	n, err := s.r.Read(p)
	s.consumed += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadChunk returns up to max bytes. It returns fewer only at the end of
// the source, and an empty chunk with io.EOF once nothing is left.
func (s *Stream) ReadChunk(max int) ([]byte, error) {
	if max <= 0 {
		return nil, ErrInvalidChunkSize
	}
	buf := make([]byte, max)
	n, err := io.ReadFull(s, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	default:
		return buf[:n], err
	}
}

// Bytes drains the remaining content.
func (s *Stream) Bytes() ([]byte, error) {
	return io.ReadAll(s)
}

// Close releases the underlying source if it is an io.Closer. It is safe
// to call more than once.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
