package device

import (
	"sync"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fdops"
	"github.com/marrow-os/marrow/internal/stat"
	"github.com/marrow-os/marrow/internal/ustr"
)

// File_t adapts an opened device special file to fdops.Fdops_i, forwarding
// every operation to the registry's per-handle dispatch methods the way
// vfs.File_t forwards to an Inode_t (spec.md §4.4, open() on a char/block
// node). The offset it tracks is the file description's own, independent
// of any other description open on the same device.
type File_t struct {
	fdops.BaseFdops
	mu   sync.Mutex
	reg  *Registry_t
	h    Handle_t
	off  int64
	path ustr.Ustr
}

// Open returns a File_t bound to h, the registry-backed counterpart to
// vfs.OpenFile.
func Open(reg *Registry_t, h Handle_t, path ustr.Ustr) *File_t {
	return &File_t{reg: reg, h: h, path: path}
}

func (f *File_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, dst.Remain())
	n, err := f.reg.Read(f.h, buf, f.off)
	if err != 0 {
		return 0, err
	}
	if f.reg.IsBlock(f.h) {
		f.off += int64(n)
	}
	wn, werr := dst.Uiowrite(buf[:n])
	if werr != 0 {
		return wn, werr
	}
	return wn, 0
}

func (f *File_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, src.Remain())
	n, rerr := src.Uioread(buf)
	if rerr != 0 {
		return 0, rerr
	}
	wn, err := f.reg.Write(f.h, buf[:n], f.off)
	if err != 0 {
		return wn, err
	}
	if f.reg.IsBlock(f.h) {
		f.off += int64(wn)
	}
	return wn, 0
}

func (f *File_t) Close() defs.Err_t { return 0 }

func (f *File_t) Reopen() defs.Err_t { return 0 }

func (f *File_t) Stat() (stat.Stat_t, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return stat.Stat_t{
		Type:         deviceStatType(f.reg, f.h),
		Mode:         0644,
		IoBlockSize:  uint32(f.reg.BlockSize(f.h)),
		IoBlockCount: uint64(f.reg.BlockCount(f.h)),
		Rdev:         uint64(f.h),
	}, 0
}

func deviceStatType(reg *Registry_t, h Handle_t) defs.Ftype_t {
	if reg.IsBlock(h) {
		return defs.T_BLOCK
	}
	return defs.T_CHAR
}

func (f *File_t) Lseek(off int, whence int) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reg.IsBlock(f.h) {
		return 0, -defs.ESPIPE
	}
	switch whence {
	case defs.SEEK_SET:
		f.off = int64(off)
	case defs.SEEK_CUR:
		f.off += int64(off)
	case defs.SEEK_END:
		f.off = int64(f.reg.BlockCount(f.h)*f.reg.BlockSize(f.h)) + int64(off)
	default:
		return 0, -defs.EINVAL
	}
	return int(f.off), 0
}

func (f *File_t) Ioctl(cmd int, arg uintptr) (int, defs.Err_t) {
	return f.reg.Ioctl(f.h, cmd, arg)
}

func (f *File_t) Mmap(off int64, length int, _ defs.Flags_t) ([]byte, defs.Err_t) {
	return f.reg.Mmap(f.h, off, length)
}

func (f *File_t) Munmap(off int64, length int) defs.Err_t {
	return f.reg.Munmap(f.h, off, length)
}

func (f *File_t) Truncate(int64) defs.Err_t { return -defs.ENOTSUP }

func (f *File_t) Path() (ustr.Ustr, bool) { return f.path, f.path != nil }

var _ fdops.Fdops_i = (*File_t)(nil)
