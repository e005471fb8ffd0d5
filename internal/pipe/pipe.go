// Package pipe implements the pipe IPC primitive (spec.md §3 "Pipe",
// §4.5): one writer endpoint and one reader endpoint sharing a bounded
// byte buffer. It is grounded on biscuit's src/circbuf.Circbuf_t consumer
// pattern, generalized to a pair of Fdops_i-implementing endpoints instead
// of being embedded directly in the fs package.
package pipe

import (
	"sync"
	"sync/atomic"

	"github.com/marrow-os/marrow/internal/circbuf"
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fdops"
	"github.com/marrow-os/marrow/internal/stat"
	"github.com/marrow-os/marrow/internal/ustr"
)

const DefaultSize = 4096

// Pipe_t is the shared state between a pipe's two endpoints.
type Pipe_t struct {
	buf        circbuf.Circbuf_t
	writerOpen int32
	readerOpen int32
}

// New creates a connected pipe and returns its reader and writer
// endpoints. blocking selects the discipline both ends use.
func New(size int, blocking bool) (*Reader, *Writer) {
	p := &Pipe_t{writerOpen: 1, readerOpen: 1}
	if size <= 0 {
		size = DefaultSize
	}
	p.buf.Init(size, blocking)
	return &Reader{p: p}, &Writer{p: p}
}

// Reader is the reading end of a pipe.
type Reader struct {
	fdops.BaseFdops
	mu     sync.Mutex
	p      *Pipe_t
	closed bool
}

func (r *Reader) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]byte, dst.Remain())
	n, err := r.p.buf.Read(buf)
	if err != 0 {
		return 0, err
	}
	if n == 0 {
		return 0, 0
	}
	wrote, werr := dst.Uiowrite(buf[:n])
	if werr != 0 {
		return 0, werr
	}
	return wrote, 0
}

func (r *Reader) Close() defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	if atomic.AddInt32(&r.p.readerOpen, -1) == 0 {
		r.closed = true
		r.p.buf.Break()
	}
	return 0
}

func (r *Reader) Reopen() defs.Err_t {
	atomic.AddInt32(&r.p.readerOpen, 1)
	return 0
}

func (r *Reader) Stat() (stat.Stat_t, defs.Err_t) {
	return stat.Stat_t{Type: 0}, 0
}

func (r *Reader) Path() (ustr.Ustr, bool) { return nil, false }

// Poll reports readability/writability/hangup for this endpoint, per
// spec.md §8 scenario 6.
func (r *Reader) Poll() (readable, writable, broken bool) { return r.p.buf.Pollable() }

// Writer is the writing end of a pipe.
type Writer struct {
	fdops.BaseFdops
	mu     sync.Mutex
	p      *Pipe_t
	closed bool
}

func (w *Writer) Write(src fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]byte, src.Remain())
	n, rerr := src.Uioread(buf)
	if rerr != 0 {
		return 0, rerr
	}
	wrote, err := w.p.buf.Write(buf[:n])
	return wrote, err
}

func (w *Writer) Close() defs.Err_t {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0
	}
	if atomic.AddInt32(&w.p.writerOpen, -1) == 0 {
		w.closed = true
		w.p.buf.Break()
	}
	return 0
}

func (w *Writer) Reopen() defs.Err_t {
	atomic.AddInt32(&w.p.writerOpen, 1)
	return 0
}

func (w *Writer) Stat() (stat.Stat_t, defs.Err_t) {
	return stat.Stat_t{Type: 0}, 0
}

func (w *Writer) Path() (ustr.Ustr, bool) { return nil, false }

func (w *Writer) Poll() (readable, writable, broken bool) { return w.p.buf.Pollable() }
