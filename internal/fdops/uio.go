package fdops

import "github.com/marrow-os/marrow/internal/defs"

// Fakeubuf_t is a Userio_i backed by a plain kernel-owned byte slice,
// mirroring biscuit's Fakeubuf_t: used wherever a Fdops_i call is driven by
// the kernel itself rather than real user memory (the builtin exec loader
// writing a program's output, constructing an initial environment, etc).
type Fakeubuf_t struct {
	buf []byte
	off int
}

// NewFakeubuf wraps buf as a source (Uioread copies out of it).
func NewFakeubuf(buf []byte) *Fakeubuf_t { return &Fakeubuf_t{buf: buf} }

// NewFakeubufSink returns an empty, growable Fakeubuf_t suitable as a
// write destination; Bytes() retrieves whatever was written to it.
func NewFakeubufSink() *Fakeubuf_t { return &Fakeubuf_t{} }

func (f *Fakeubuf_t) Uioread(dst []byte) (int, defs.Err_t) {
	n := copy(dst, f.buf[f.off:])
	f.off += n
	return n, 0
}

func (f *Fakeubuf_t) Uiowrite(src []byte) (int, defs.Err_t) {
	f.buf = append(f.buf, src...)
	f.off += len(src)
	return len(src), 0
}

func (f *Fakeubuf_t) Remain() int  { return len(f.buf) - f.off }
func (f *Fakeubuf_t) Totalsz() int { return len(f.buf) }

// Bytes returns everything written into a sink Fakeubuf_t so far.
func (f *Fakeubuf_t) Bytes() []byte { return f.buf }

var _ Userio_i = (*Fakeubuf_t)(nil)
