package vfs

import (
	"testing"

	"github.com/marrow-os/marrow/internal/defs"
)

func TestReadAtWriteAtRoundtrip(t *testing.T) {
	n := newInode(defs.T_REGULAR)
	off := n.Append([]byte("hello"))
	if off != 0 {
		t.Fatalf("first Append offset = %d, want 0", off)
	}
	n.Append([]byte(" world"))

	buf := make([]byte, 11)
	if got := n.ReadAt(buf, 0); got != 11 || string(buf) != "hello world" {
		t.Fatalf("ReadAt = %d %q", got, buf)
	}
}

func TestWriteAtExtendsWithZeroGap(t *testing.T) {
	n := newInode(defs.T_REGULAR)
	n.WriteAt([]byte("x"), 4)
	if n.Size() != 5 {
		t.Fatalf("Size = %d, want 5", n.Size())
	}
	buf := make([]byte, 5)
	n.ReadAt(buf, 0)
	if string(buf) != "\x00\x00\x00\x00x" {
		t.Fatalf("ReadAt = %q, want zero-filled gap", buf)
	}
}

func TestReadAtPastEndReturnsZero(t *testing.T) {
	n := newInode(defs.T_REGULAR)
	n.WriteAt([]byte("abc"), 0)
	if got := n.ReadAt(make([]byte, 4), 10); got != 0 {
		t.Fatalf("ReadAt past end = %d, want 0", got)
	}
}

func TestTruncateShrinksAndGrows(t *testing.T) {
	n := newInode(defs.T_REGULAR)
	n.WriteAt([]byte("hello world"), 0)
	n.Truncate(5)
	if n.Size() != 5 {
		t.Fatalf("Size after shrink = %d, want 5", n.Size())
	}
	n.Truncate(8)
	if n.Size() != 8 {
		t.Fatalf("Size after grow = %d, want 8", n.Size())
	}
	buf := make([]byte, 8)
	n.ReadAt(buf, 0)
	if string(buf[:5]) != "hello" || buf[5] != 0 || buf[6] != 0 || buf[7] != 0 {
		t.Fatalf("ReadAt after grow = %q", buf)
	}
}

func TestDirLinkLookupUnlinkEntries(t *testing.T) {
	dir := newDir()
	child := newInode(defs.T_REGULAR)

	if err := dir.link("a", child); err != 0 {
		t.Fatalf("link: err=%d", err)
	}
	if err := dir.link("a", newInode(defs.T_REGULAR)); err != -defs.EEXIST {
		t.Fatalf("duplicate link: err=%d, want EEXIST", err)
	}

	got, ok := dir.lookup("a")
	if !ok || got != child {
		t.Fatalf("lookup: got=%v ok=%v", got, ok)
	}
	if _, ok := dir.lookup("missing"); ok {
		t.Fatal("lookup of missing name should fail")
	}

	if entries := dir.entries(); len(entries) != 1 || entries[0] != "a" {
		t.Fatalf("entries = %v, want [a]", entries)
	}
	if dir.empty() {
		t.Fatal("dir with one child should not be empty")
	}

	if !dir.unlink("a") {
		t.Fatal("unlink of existing name should report true")
	}
	if dir.unlink("a") {
		t.Fatal("unlink of already-removed name should report false")
	}
	if !dir.empty() {
		t.Fatal("dir should be empty after removing its only child")
	}
}

func TestStatReflectsSizeAndType(t *testing.T) {
	n := newInode(defs.T_REGULAR)
	n.WriteAt([]byte("abcdefgh"), 0)

	st := n.Stat(4)
	if st.Type != defs.T_REGULAR || st.ByteSize != 8 || st.IoBlockSize != 4 || st.IoBlockCount != 2 {
		t.Fatalf("Stat = %+v", st)
	}
}

func TestRdevSetOnCharBlockNodes(t *testing.T) {
	n := newInode(defs.T_CHAR)
	n.mu.Lock()
	n.rdev = 7
	n.mu.Unlock()
	if n.Rdev() != 7 {
		t.Fatalf("Rdev() = %d, want 7", n.Rdev())
	}
}

func TestInodeIDsAreUnique(t *testing.T) {
	a := newInode(defs.T_REGULAR)
	b := newInode(defs.T_REGULAR)
	if a.id == b.id {
		t.Fatal("expected distinct inode IDs")
	}
}
