package memlink

import (
	"bytes"
	"io"
	"sync"
)

// halfPipe is one direction of an in-memory stream: a bounded buffer with
// blocking reads and writes.
type halfPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	max    int
	closed bool  // write side closed; readers drain then see EOF
	err    error // hard failure, wins over closed
}

func newHalfPipe(max int) *halfPipe {
	h := &halfPipe{max: max}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *halfPipe) write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for len(p) > 0 {
		for h.buf.Len() >= h.max && h.err == nil && !h.closed {
			h.cond.Wait()
		}
		if h.err != nil {
			return n, h.err
		}
		if h.closed {
			return n, io.ErrClosedPipe
		}
		k := h.max - h.buf.Len()
		if k > len(p) {
			k = len(p)
		}
		h.buf.Write(p[:k])
		p = p[k:]
		n += k
		h.cond.Broadcast()
	}
	return n, nil
}

func (h *halfPipe) read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.buf.Len() == 0 && h.err == nil && !h.closed {
		h.cond.Wait()
	}
	if h.buf.Len() > 0 {
		n, _ := h.buf.Read(p)
		h.cond.Broadcast()
		return n, nil
	}
	if h.err != nil {
		return 0, h.err
	}
	return 0, io.EOF
}

// closeWrite ends the direction cleanly; queued bytes still drain.
func (h *halfPipe) closeWrite() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// fail poisons the direction and drops queued bytes.
func (h *halfPipe) fail(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.buf.Reset()
	h.cond.Broadcast()
	h.mu.Unlock()
}

// stream is one end of an in-memory stream pair.
type stream struct {
	in  *halfPipe // peer to us
	out *halfPipe // us to peer
}

func newStreamPair(buf int) (a, b *stream) {
	d1 := newHalfPipe(buf)
	d2 := newHalfPipe(buf)
	return &stream{in: d2, out: d1}, &stream{in: d1, out: d2}
}

func (s *stream) Read(p []byte) (int, error)  { return s.in.read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.out.write(p) }

func (s *stream) CloseWrite() error {
	s.out.closeWrite()
	return nil
}

// Close tears the stream down: the peer's reads drain then hit EOF, its
// writes fail.
func (s *stream) Close() error {
	s.out.closeWrite()
	s.in.fail(io.ErrClosedPipe)
	return nil
}

func (s *stream) failBoth(err error) {
	s.in.fail(err)
	s.out.fail(err)
}
