// Package circbuf implements a bounded circular byte buffer with blocking
// and non-blocking read/write discipline, the shared backing for pipes and
// PTYs (spec.md §4.5). It is adapted from biscuit's src/circbuf package
// (Circbuf_t), but replaces the "lazily allocate a physical page, busy-yield
// until ready" discipline the teacher documents as a known TODO (spec.md
// §9) with a plain host-backed []byte guarded by a sync.Cond, so waiters
// block instead of spinning.
package circbuf

import (
	"sync"

	"github.com/marrow-os/marrow/internal/defs"
)

// Circbuf_t is a fixed-capacity ring buffer shared between a single writer
// and a single reader.
type Circbuf_t struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []byte
	head     int // write position, monotonically increasing
	tail     int // read position, monotonically increasing
	broken   bool
	blocking bool
}

// Init allocates a buffer of sz bytes. blocking selects whether Read/Write
// suspend the caller when the buffer is empty/full, per spec.md §4.5.
func (cb *Circbuf_t) Init(sz int, blocking bool) {
	cb.buf = make([]byte, sz)
	cb.blocking = blocking
	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)
}

func (cb *Circbuf_t) bufsz() int { return len(cb.buf) }

// full reports whether the buffer has no spare capacity.
func (cb *Circbuf_t) full() bool { return cb.head-cb.tail == cb.bufsz() }

// empty reports whether the buffer holds no data.
func (cb *Circbuf_t) empty() bool { return cb.head == cb.tail }

// Used returns the number of unread bytes currently buffered.
func (cb *Circbuf_t) Used() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.head - cb.tail
}

// Left returns the remaining free capacity in bytes.
func (cb *Circbuf_t) Left() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.bufsz() - (cb.head - cb.tail)
}

// Break marks the buffer broken: writers fail, readers drain remaining
// bytes and then observe EOF (spec.md §3, "Pipe").
func (cb *Circbuf_t) Break() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.broken = true
	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()
}

// Broken reports whether Break has been called.
func (cb *Circbuf_t) Broken() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.broken
}

// Write copies bytes from src into the buffer. When the buffer is full:
// blocking buffers suspend the caller until space frees; non-blocking
// buffers return would_block immediately. Writing to a broken buffer
// fails, per spec.md §4.5.
func (cb *Circbuf_t) Write(src []byte) (int, defs.Err_t) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	written := 0
	for len(src) > 0 {
		if cb.broken {
			return written, -defs.EIO
		}
		if cb.full() {
			if !cb.blocking {
				if written > 0 {
					return written, 0
				}
				return 0, -defs.EWOULDBLOCK
			}
			cb.notFull.Wait()
			continue
		}
		hi := cb.head % cb.bufsz()
		space := cb.bufsz() - (cb.head - cb.tail)
		run := len(cb.buf) - hi
		if run > space {
			run = space
		}
		n := copy(cb.buf[hi:hi+run], src)
		cb.head += n
		src = src[n:]
		written += n
		cb.notEmpty.Signal()
	}
	return written, 0
}

// Read copies buffered bytes into dst. A blocking buffer with no data
// waits for at least one byte; a broken-and-empty buffer returns 0 (EOF); a
// non-blocking buffer with no data returns would_block immediately
// (spec.md §4.5).
func (cb *Circbuf_t) Read(dst []byte) (int, defs.Err_t) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	for cb.empty() {
		if cb.broken {
			return 0, 0
		}
		if !cb.blocking {
			return 0, -defs.EWOULDBLOCK
		}
		cb.notEmpty.Wait()
	}
	n := 0
	for n < len(dst) && !cb.empty() {
		ti := cb.tail % cb.bufsz()
		used := cb.head - cb.tail
		run := len(cb.buf) - ti
		if run > used {
			run = used
		}
		if run > len(dst)-n {
			run = len(dst) - n
		}
		c := copy(dst[n:], cb.buf[ti:ti+run])
		cb.tail += c
		n += c
	}
	cb.notFull.Signal()
	return n, 0
}

// Pollable reports, without blocking, whether the buffer currently has
// data to read and/or space to write, and whether it is broken — the
// building block poll(2) (spec.md §6, §8 scenario 6) is implemented on.
func (cb *Circbuf_t) Pollable() (readable, writable, broken bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !cb.empty() || cb.broken, !cb.full() && !cb.broken, cb.broken
}
