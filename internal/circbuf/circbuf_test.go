package circbuf

import (
	"testing"
	"time"

	"github.com/marrow-os/marrow/internal/defs"
)

func TestWriteReadRoundtrip(t *testing.T) {
	var cb Circbuf_t
	cb.Init(16, true)

	n, err := cb.Write([]byte("hello"))
	if err != 0 || n != 5 {
		t.Fatalf("Write: n=%d err=%d", n, err)
	}
	if cb.Used() != 5 {
		t.Fatalf("Used() = %d, want 5", cb.Used())
	}

	dst := make([]byte, 5)
	n, err = cb.Read(dst)
	if err != 0 || n != 5 || string(dst) != "hello" {
		t.Fatalf("Read: n=%d err=%d dst=%q", n, err, dst)
	}
	if cb.Used() != 0 {
		t.Fatalf("Used() = %d, want 0", cb.Used())
	}
}

func TestWraparound(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4, true)

	cb.Write([]byte("ab"))
	dst := make([]byte, 2)
	cb.Read(dst)
	n, err := cb.Write([]byte("cdef"))
	if err != 0 || n != 4 {
		t.Fatalf("Write across wraparound: n=%d err=%d", n, err)
	}
	out := make([]byte, 4)
	n, err = cb.Read(out)
	if err != 0 || n != 4 || string(out) != "cdef" {
		t.Fatalf("Read across wraparound: n=%d err=%d out=%q", n, err, out)
	}
}

func TestNonBlockingWouldBlock(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4, false)

	_, err := cb.Read(make([]byte, 1))
	if err != -defs.EWOULDBLOCK {
		t.Fatalf("expected EWOULDBLOCK on empty read, got %d", err)
	}

	cb.Write([]byte("abcd"))
	_, err = cb.Write([]byte("x"))
	if err != -defs.EWOULDBLOCK {
		t.Fatalf("expected EWOULDBLOCK on full write, got %d", err)
	}
}

func TestBreak(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4, true)

	cb.Write([]byte("ab"))
	cb.Break()

	if !cb.Broken() {
		t.Fatal("expected Broken() true")
	}
	_, err := cb.Write([]byte("c"))
	if err != -defs.EIO {
		t.Fatalf("expected EIO writing to broken buffer, got %d", err)
	}

	dst := make([]byte, 2)
	n, err := cb.Read(dst)
	if err != 0 || n != 2 {
		t.Fatalf("expected to drain remaining bytes, got n=%d err=%d", n, err)
	}
	n, err = cb.Read(dst)
	if err != 0 || n != 0 {
		t.Fatalf("expected EOF (0, nil) after drain, got n=%d err=%d", n, err)
	}
}

func TestBlockingReadWakesOnWrite(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4, true)

	done := make(chan struct{})
	go func() {
		dst := make([]byte, 3)
		n, err := cb.Read(dst)
		if err != 0 || n != 3 || string(dst) != "hey" {
			t.Errorf("blocked Read: n=%d err=%d dst=%q", n, err, dst)
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cb.Write([]byte("hey"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked reader never woke up")
	}
}

func TestPollable(t *testing.T) {
	var cb Circbuf_t
	cb.Init(2, true)

	readable, writable, broken := cb.Pollable()
	if readable || !writable || broken {
		t.Fatalf("empty buffer: readable=%v writable=%v broken=%v", readable, writable, broken)
	}

	cb.Write([]byte("ab"))
	readable, writable, broken = cb.Pollable()
	if !readable || writable || broken {
		t.Fatalf("full buffer: readable=%v writable=%v broken=%v", readable, writable, broken)
	}

	cb.Break()
	readable, writable, broken = cb.Pollable()
	if !readable || writable || !broken {
		t.Fatalf("broken buffer: readable=%v writable=%v broken=%v", readable, writable, broken)
	}
}
