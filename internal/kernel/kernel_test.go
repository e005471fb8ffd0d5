package kernel

import (
	"testing"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/device"
	"github.com/marrow-os/marrow/internal/kconfig"
	"github.com/marrow-os/marrow/internal/ustr"
	"github.com/marrow-os/marrow/internal/vm"
)

func TestNewRegistersBuiltinDevicesUnderStableNames(t *testing.T) {
	k := New(kconfig.Small())
	for name, want := range map[string]device.Handle_t{
		"null": k.NullDev, "zero": k.ZeroDev, "urandom": k.UrandomDev,
		"console": k.ConsoleDev, "prof": k.ProfDev,
	} {
		h, err := k.Devices.Fetch(name)
		if err != 0 {
			t.Fatalf("Fetch(%q): err=%d", name, err)
		}
		if h != want {
			t.Fatalf("Fetch(%q) = %d, want %d", name, h, want)
		}
	}
}

func TestBootSpawnsInitWithConsoleStdio(t *testing.T) {
	k := New(kconfig.Small())
	init, err := k.Boot("/bin/true")
	if err != 0 {
		t.Fatalf("Boot: err=%d", err)
	}
	defer k.Shutdown()
	if init.Pid == 0 {
		t.Fatal("expected a non-zero init pid")
	}
	for fdn := 0; fdn < 3; fdn++ {
		if _, ferr := init.GetFile(defs.Fdnum_t(fdn)); ferr != 0 {
			t.Fatalf("init fd %d: err=%d, want an open console fd", fdn, ferr)
		}
	}
}

func TestBootFailsOnUnknownInitPath(t *testing.T) {
	k := New(kconfig.Small())
	if _, err := k.Boot("/bin/nope"); err != -defs.ENOENT {
		t.Fatalf("Boot unknown path: err=%d, want ENOENT", err)
	}
}

func TestOpenCreatesFileAndFlagsZeroMeansReadonly(t *testing.T) {
	k := New(kconfig.Small())
	p, _ := k.Procs.CreateProcess(0)

	fdn, err := k.Open(p, nil, int(defs.AT_FDCWD), "/greeting", defs.O_CREAT|defs.O_WRONLY, true)
	if err != 0 {
		t.Fatalf("open(O_CREAT|O_WRONLY): err=%d", err)
	}
	f, _ := p.GetFile(fdn)
	if _, werr := f.Fops.Write(fakeSrc("hi")); werr != 0 {
		t.Fatalf("write: err=%d", werr)
	}
	p.RemoveFile(fdn)

	// flags == 0 is silently treated as O_RDONLY (spec.md §9).
	fdn2, err := k.Open(p, nil, int(defs.AT_FDCWD), "/greeting", 0, true)
	if err != 0 {
		t.Fatalf("open(flags=0): err=%d", err)
	}
	f2, _ := p.GetFile(fdn2)
	if _, werr := f2.Fops.Write(fakeSrc("x")); werr != -defs.EPERM {
		t.Fatalf("write on flags=0 open: err=%d, want EPERM", werr)
	}
}

func TestOpenDispatchesDeviceNodesToRegistry(t *testing.T) {
	k := New(kconfig.Small())
	p, _ := k.Procs.CreateProcess(0)

	k.VFS.Create(ustr.Mk("/dev"), defs.T_DIR)
	if _, err := k.VFS.CreateNode(ustr.Mk("/dev/null"), defs.T_CHAR, int(k.NullDev)); err != 0 {
		t.Fatalf("CreateNode: err=%d", err)
	}
	fdn, err := k.Open(p, nil, int(defs.AT_FDCWD), "/dev/null", defs.O_RDWR, true)
	if err != 0 {
		t.Fatalf("open(/dev/null): err=%d", err)
	}
	f, _ := p.GetFile(fdn)
	n, werr := f.Fops.Write(fakeSrc("discarded"))
	if werr != 0 || n != len("discarded") {
		t.Fatalf("write to /dev/null: n=%d err=%d", n, werr)
	}
}

// TestMmapAnonymousRoundtripThenMunmap is spec.md §8 scenario 2, exercised
// directly against Kernel_t.Mmap/Munmap rather than through the syscall
// dispatcher (covered separately in internal/sys).
func TestMmapAnonymousRoundtripThenMunmap(t *testing.T) {
	k := New(kconfig.Small())
	p, _ := k.Procs.CreateProcess(0)

	addr, err := k.Mmap(p, 0, 8192, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANON, -1, 0)
	if err != 0 {
		t.Fatalf("Mmap: err=%d", err)
	}
	if addr%uintptr(vm.PageSize) != 0 {
		t.Fatalf("Mmap returned unaligned address %#x", addr)
	}
	if !p.AS.CheckUserlandAccess(addr, 8192) {
		t.Fatal("expected the mapped range to be user-accessible")
	}

	if err := k.Munmap(p, addr, 8192); err != 0 {
		t.Fatalf("Munmap: err=%d", err)
	}
	if p.AS.CheckUserlandAccess(addr, 1) {
		t.Fatal("expected Munmap to fully clear the mapping (spec.md §9)")
	}
}

func TestMmapRejectsNonPositiveLength(t *testing.T) {
	k := New(kconfig.Small())
	p, _ := k.Procs.CreateProcess(0)
	if _, err := k.Mmap(p, 0, 0, defs.PROT_READ, defs.MAP_ANON, -1, 0); err != -defs.EINVAL {
		t.Fatalf("Mmap(length=0): err=%d, want EINVAL", err)
	}
}

func TestMmapRejectsHintIntoKernelHalf(t *testing.T) {
	k := New(kconfig.Small())
	p, _ := k.Procs.CreateProcess(0)
	if _, err := k.Mmap(p, vm.KernelHalfStart, 4096, defs.PROT_READ, defs.MAP_ANON|defs.MAP_FIXED, -1, 0); err != -defs.EFAULT {
		t.Fatalf("Mmap(MAP_FIXED into kernel half): err=%d, want EFAULT", err)
	}
}

type fakeSrc string

func (f fakeSrc) Uioread(dst []byte) (int, defs.Err_t) {
	n := copy(dst, []byte(f))
	return n, 0
}
func (fakeSrc) Uiowrite([]byte) (int, defs.Err_t) { return 0, -defs.ENOTSUP }
func (f fakeSrc) Remain() int                     { return len(f) }
func (f fakeSrc) Totalsz() int                    { return len(f) }
