// Package streaming duplicates a single-consumption byte stream into
// independently drainable copies. The origin response is read exactly once
// into a shared append-only buffer; each consumer holds its own cursor over
// that buffer, so the client connection and the cache writer can drain at
// their own pace without blocking or corrupting each other.
package streaming

import (
	"io"
	"sync"
)

const fillChunkSize = 32 * 1024

// Tee reads src to completion and exposes independent readers over its
// bytes. The fill loop keeps draining src even after individual readers are
// closed, so a client disconnect never truncates the copy being persisted.
type Tee struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	done bool
	err  error
}

// NewTee starts draining src in the background and returns two independent
// readers over its content. src is closed once fully drained.
func NewTee(src io.ReadCloser) (*Reader, *Reader) {
	t := &Tee{}
	t.cond = sync.NewCond(&t.mu)

	go t.fill(src)

	return &Reader{tee: t}, &Reader{tee: t}
}

func (t *Tee) fill(src io.ReadCloser) {
	defer src.Close()

	chunk := make([]byte, fillChunkSize)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			t.mu.Lock()
			t.buf = append(t.buf, chunk[:n]...)
			t.cond.Broadcast()
			t.mu.Unlock()
		}
		if err != nil {
			t.mu.Lock()
			t.done = true
			if err != io.EOF {
				t.err = err
			}
			t.cond.Broadcast()
			t.mu.Unlock()
			return
		}
	}
}

// Bytes returns the content drained so far. Safe to call after both readers
// have finished to obtain the complete payload.
func (t *Tee) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out
}

// Reader is one cursor over a Tee's shared buffer.
type Reader struct {
	tee    *Tee
	offset int
	closed bool
}

// Read blocks until bytes beyond the cursor are available, the source is
// exhausted, or the reader is closed.
func (r *Reader) Read(p []byte) (int, error) {
	t := r.tee

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if r.closed {
			return 0, io.ErrClosedPipe
		}
		if r.offset < len(t.buf) {
			n := copy(p, t.buf[r.offset:])
			r.offset += n
			return n, nil
		}
		if t.done {
			if t.err != nil {
				return 0, t.err
			}
			return 0, io.EOF
		}
		t.cond.Wait()
	}
}

// Close detaches the cursor. The fill loop and the sibling reader are
// unaffected.
func (r *Reader) Close() error {
	t := r.tee

	t.mu.Lock()
	r.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}
