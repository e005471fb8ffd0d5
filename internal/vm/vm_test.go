package vm

import (
	"bytes"
	"testing"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/mem"
)

func newManager(npages int) *Manager_t {
	return NewManager(mem.NewPhysmem(npages, PageSize))
}

func TestMapRangeRejectsMisaligned(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	if err := as.MapRange(1, 0, PageSize, PTE_U, false); err != -defs.EINVAL {
		t.Fatalf("unaligned virt: err=%d, want EINVAL", err)
	}
	if err := as.MapRange(0, 0, 1, PTE_U, false); err != -defs.EINVAL {
		t.Fatalf("unaligned length: err=%d, want EINVAL", err)
	}
}

func TestMapRangeRejectsKernelHalf(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	if err := as.MapRange(KernelHalfStart, 0, PageSize, PTE_U, false); err != -defs.EFAULT {
		t.Fatalf("kernel half mapping: err=%d, want EFAULT", err)
	}
}

func TestMapRangeRejectsOverlap(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	if err := as.MapRange(0, 0, PageSize, PTE_U, false); err != 0 {
		t.Fatalf("first map: err=%d", err)
	}
	if err := as.MapRange(0, mem.Pa_t(PageSize), PageSize, PTE_U, false); err != -defs.EINVAL {
		t.Fatalf("overlap: err=%d, want EINVAL", err)
	}
}

func TestCopyOutCopyInRoundtrip(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	phys, err := m.phys.Alloc(1)
	if err != 0 {
		t.Fatalf("Alloc: err=%d", err)
	}
	if err := as.MapRange(0, phys, PageSize, PTE_U, true); err != 0 {
		t.Fatalf("MapRange: err=%d", err)
	}

	want := []byte("hello, virtual memory")
	n, err := as.CopyOut(0, want)
	if err != 0 || n != len(want) {
		t.Fatalf("CopyOut: n=%d err=%d", n, err)
	}

	got := make([]byte, len(want))
	n, err = as.CopyIn(0, got)
	if err != 0 || n != len(got) || !bytes.Equal(got, want) {
		t.Fatalf("CopyIn: n=%d err=%d got=%q", n, err, got)
	}
}

func TestCopyOutRejectsReadOnly(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	phys, _ := m.phys.Alloc(1)
	as.MapRange(0, phys, PageSize, PTE_U|PTE_RO, true)

	if _, err := as.CopyOut(0, []byte("x")); err != -defs.EFAULT {
		t.Fatalf("CopyOut to read-only range: err=%d, want EFAULT", err)
	}
}

func TestCopyInStringStopsAtNUL(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	phys, _ := m.phys.Alloc(1)
	as.MapRange(0, phys, PageSize, PTE_U, true)

	as.CopyOut(0, []byte("abc\x00ignored"))
	s, err := as.CopyInString(0, 64)
	if err != 0 || s != "abc" {
		t.Fatalf("CopyInString: s=%q err=%d", s, err)
	}
}

func TestCopyInStringTooLong(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	phys, _ := m.phys.Alloc(1)
	as.MapRange(0, phys, PageSize, PTE_U, true)

	as.CopyOut(0, bytes.Repeat([]byte("a"), 16))
	if _, err := as.CopyInString(0, 8); err != -defs.ENAMETOOLONG {
		t.Fatalf("CopyInString overflow: err=%d, want ENAMETOOLONG", err)
	}
}

func TestUnmapRangeClearsPTEsAndFreesFrames(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	phys, _ := m.phys.Alloc(1)
	as.MapRange(0, phys, PageSize, PTE_U, true)

	if !as.CheckUserlandAccess(0, PageSize) {
		t.Fatal("expected range to be accessible before unmap")
	}
	if err := as.UnmapRange(0, PageSize); err != 0 {
		t.Fatalf("UnmapRange: err=%d", err)
	}
	if as.CheckUserlandAccess(0, PageSize) {
		t.Fatal("expected range to be inaccessible after unmap")
	}
	if len(as.Ranges()) != 0 {
		t.Fatalf("expected no ranges left, got %d", len(as.Ranges()))
	}

	if _, err := m.phys.Alloc(16); err != 0 {
		t.Fatalf("expected the freed frame back in the pool, Alloc: err=%d", err)
	}
}

func TestRemapRangeUpdatesPermissions(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	phys, _ := m.phys.Alloc(1)
	as.MapRange(0, phys, PageSize, PTE_U, true)

	if err := as.RemapRange(0, PageSize, PTE_U|PTE_RO); err != 0 {
		t.Fatalf("RemapRange: err=%d", err)
	}
	if _, err := as.CopyOut(0, []byte("x")); err != -defs.EFAULT {
		t.Fatalf("expected remapped range to be read-only, CopyOut err=%d", err)
	}
}

func TestForkMapDeepCopies(t *testing.T) {
	m := newManager(16)
	parent := m.NewMap()
	phys, _ := m.phys.Alloc(1)
	parent.MapRange(0, phys, PageSize, PTE_U, true)
	parent.CopyOut(0, []byte("parent data"))

	child, err := m.ForkMap(parent)
	if err != 0 {
		t.Fatalf("ForkMap: err=%d", err)
	}

	got := make([]byte, len("parent data"))
	child.CopyIn(0, got)
	if string(got) != "parent data" {
		t.Fatalf("child did not inherit parent's bytes, got %q", got)
	}

	child.CopyOut(0, []byte("child edit!"))
	gotParent := make([]byte, len("parent data"))
	parent.CopyIn(0, gotParent)
	if string(gotParent) != "parent data" {
		t.Fatalf("parent mutated by child write: %q", gotParent)
	}
}

func TestCheckUserlandMappability(t *testing.T) {
	if !CheckUserlandMappability(0, PageSize) {
		t.Fatal("expected low address to be mappable")
	}
	if CheckUserlandMappability(KernelHalfStart, PageSize) {
		t.Fatal("expected kernel half address to be unmappable")
	}
	if CheckUserlandMappability(1, PageSize) {
		t.Fatal("expected misaligned address to be unmappable")
	}
}

func TestVirtualToPhysical(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	phys, _ := m.phys.Alloc(1)
	as.MapRange(0, phys, PageSize, PTE_U, true)

	if got := as.VirtualToPhysical(10); got != phys+10 {
		t.Fatalf("VirtualToPhysical(10) = %#x, want %#x", got, phys+10)
	}
	if got := as.VirtualToPhysical(PageSize * 5); got != 0 {
		t.Fatalf("VirtualToPhysical(unmapped) = %#x, want 0", got)
	}
}

func TestDeleteMapFreesAllocatedFrames(t *testing.T) {
	m := newManager(4)
	as := m.NewMap()
	phys, err := m.phys.Alloc(4)
	if err != 0 {
		t.Fatalf("Alloc: err=%d", err)
	}
	as.MapRange(0, phys, 4*PageSize, PTE_U, true)
	as.DeleteMap()

	if _, err := m.phys.Alloc(4); err != 0 {
		t.Fatalf("expected all frames freed by DeleteMap, Alloc: err=%d", err)
	}
}

func TestUnmapRangeMidRangeSplitsAndKeepsSurvivors(t *testing.T) {
	m := newManager(16)
	as := m.NewMap()
	phys, _ := m.phys.Alloc(4)
	as.MapRange(PageSize, phys, 4*PageSize, PTE_U, true)
	for i := uintptr(0); i < 4; i++ {
		if _, err := as.CopyOut(PageSize*(1+i), []byte{byte(0xA0 + i)}); err != 0 {
			t.Fatalf("CopyOut page %d: err=%d", i, err)
		}
	}

	// Punch a one-page hole in the middle: [0x2000, 0x3000) out of
	// [0x1000, 0x5000).
	if err := as.UnmapRange(2*PageSize, PageSize); err != 0 {
		t.Fatalf("UnmapRange: err=%d", err)
	}

	if as.CheckUserlandAccess(2*PageSize, PageSize) {
		t.Fatal("expected the hole to be inaccessible")
	}
	if as.VirtualToPhysical(2*PageSize) != 0 {
		t.Fatal("expected the hole's PTE to be cleared")
	}
	ranges := as.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("expected 2 surviving ranges, got %d", len(ranges))
	}

	// The survivors' pages must still be mapped, own their frames, and
	// hold their contents; only the hole's frame may have returned to the
	// allocator pool.
	for _, i := range []uintptr{0, 2, 3} {
		virt := PageSize * (1 + i)
		if as.VirtualToPhysical(virt) != phys+mem.Pa_t(i*PageSize) {
			t.Fatalf("page %d translation lost after mid-range unmap", i)
		}
		var b [1]byte
		if _, err := as.CopyIn(virt, b[:]); err != 0 || b[0] != byte(0xA0+i) {
			t.Fatalf("page %d content = %#x err=%d, want %#x", i, b[0], err, 0xA0+i)
		}
	}
	if st := m.phys.Stats(); st.Free != 13 {
		t.Fatalf("free pages = %d, want 13 (only the hole's frame freed)", st.Free)
	}
	if m.phys.Refcnt(phys+mem.Pa_t(PageSize)) != 0 {
		t.Fatal("the hole's frame should be back in the pool")
	}
	for _, i := range []uintptr{0, 2, 3} {
		if m.phys.Refcnt(phys+mem.Pa_t(i*PageSize)) == 0 {
			t.Fatalf("survivor frame %d must still be owned by the mapping", i)
		}
	}
}
