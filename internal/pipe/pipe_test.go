package pipe

import (
	"testing"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fdops"
)

// fixedSink is a fixed-capacity Userio_i destination: Uiowrite copies into
// place rather than appending, the shape a real vm.UserIO_t presents to
// Fdops_i.Read.
type fixedSink struct {
	buf []byte
	off int
}

func newFixedSink(n int) *fixedSink { return &fixedSink{buf: make([]byte, n)} }

func (s *fixedSink) Uioread([]byte) (int, defs.Err_t) { return 0, -defs.ENOTSUP }
func (s *fixedSink) Uiowrite(src []byte) (int, defs.Err_t) {
	n := copy(s.buf[s.off:], src)
	s.off += n
	return n, 0
}
func (s *fixedSink) Remain() int  { return len(s.buf) - s.off }
func (s *fixedSink) Totalsz() int { return len(s.buf) }

func TestWriteThenRead(t *testing.T) {
	r, w := New(16, true)

	n, err := w.Write(fdops.NewFakeubuf([]byte("hello")))
	if err != 0 || n != 5 {
		t.Fatalf("Write: n=%d err=%d", n, err)
	}

	dst := newFixedSink(5)
	n, err = r.Read(dst)
	if err != 0 || n != 5 || string(dst.buf) != "hello" {
		t.Fatalf("Read: n=%d err=%d buf=%q", n, err, dst.buf)
	}
}

func TestReaderCloseBreaksBuffer(t *testing.T) {
	r, w := New(16, true)
	w.Write(fdops.NewFakeubuf([]byte("x")))

	if err := r.Close(); err != 0 {
		t.Fatalf("Close: err=%d", err)
	}
	readable, _, broken := r.Poll()
	if !broken {
		t.Fatal("expected pipe broken once the only reader closes")
	}
	if !readable {
		t.Fatal("expected remaining buffered byte to still be readable")
	}

	if err := w.Close(); err != 0 {
		t.Fatalf("Writer Close after reader close: err=%d", err)
	}
}

func TestWriterCloseBreaksBuffer(t *testing.T) {
	r, w := New(16, true)
	if err := w.Close(); err != 0 {
		t.Fatalf("Close: err=%d", err)
	}
	_, _, broken := r.Poll()
	if !broken {
		t.Fatal("expected pipe broken once the only writer closes")
	}
}

func TestReopenKeepsPipeOpenUntilAllRefsClose(t *testing.T) {
	r, w := New(16, true)
	if err := w.Reopen(); err != 0 {
		t.Fatalf("Reopen: err=%d", err)
	}

	w.Close()
	_, _, broken := r.Poll()
	if broken {
		t.Fatal("pipe should stay open while a duplicated writer ref remains")
	}

	w.Close()
	_, _, broken = r.Poll()
	if !broken {
		t.Fatal("expected pipe broken once every writer ref has closed")
	}
}

func TestDoubleCloseIsIdempotent(t *testing.T) {
	r, _ := New(16, true)
	if err := r.Close(); err != 0 {
		t.Fatalf("first Close: err=%d", err)
	}
	if err := r.Close(); err != 0 {
		t.Fatalf("second Close: err=%d, want no-op success", err)
	}
}

func TestEmptyReadNonBlockingReturnsWouldBlock(t *testing.T) {
	r, _ := New(16, false)
	dst := newFixedSink(4)
	if _, err := r.Read(dst); err != -defs.EWOULDBLOCK {
		t.Fatalf("Read on empty non-blocking pipe: err=%d, want EWOULDBLOCK", err)
	}
}
