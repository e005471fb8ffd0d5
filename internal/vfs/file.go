package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fdops"
	"github.com/marrow-os/marrow/internal/stat"
	"github.com/marrow-os/marrow/internal/ustr"
)

// File_t is an open file description backed by a vfs.Inode_t, implementing
// fdops.Fdops_i the way biscuit's src/fs file descriptions wrap a path's
// Imemnode_t, except the inode lives entirely in host memory.
type File_t struct {
	fdops.BaseFdops
	mu     sync.Mutex
	fs     Backend_i
	node   *Inode_t
	path   ustr.Ustr
	off    int64
	access defs.AccessMode_t
	refs   int32
}

// OpenFile wraps an already-resolved inode as an open file description,
// the step the syscall layer's open(2) takes after VFS_t.Resolve succeeds.
func OpenFile(fs Backend_i, node *Inode_t, path ustr.Ustr, access defs.AccessMode_t) *File_t {
	return &File_t{fs: fs, node: node, path: path, access: access, refs: 1}
}

func (f *File_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if f.access == defs.ACC_W {
		return 0, -defs.EPERM
	}
	f.mu.Lock()
	off := f.off
	f.mu.Unlock()

	buf := make([]byte, dst.Remain())
	n := f.node.ReadAt(buf, off)
	if n == 0 {
		return 0, 0
	}
	wrote, err := dst.Uiowrite(buf[:n])
	if err != 0 {
		return 0, err
	}
	f.mu.Lock()
	f.off += int64(wrote)
	f.mu.Unlock()
	return wrote, 0
}

func (f *File_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	if f.access == defs.ACC_R {
		return 0, -defs.EPERM
	}
	buf := make([]byte, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	f.mu.Lock()
	off := f.off
	f.off += int64(n)
	f.mu.Unlock()
	written := f.node.WriteAt(buf[:n], off)
	return written, 0
}

func (f *File_t) Close() defs.Err_t {
	if atomic.AddInt32(&f.refs, -1) > 0 {
		return 0
	}
	return 0
}

func (f *File_t) Reopen() defs.Err_t {
	atomic.AddInt32(&f.refs, 1)
	return 0
}

func (f *File_t) Stat() (stat.Stat_t, defs.Err_t) {
	return f.node.Stat(f.fs.BlockSize()), 0
}

func (f *File_t) Lseek(off int, whence int) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case defs.SEEK_SET:
		f.off = int64(off)
	case defs.SEEK_CUR:
		f.off += int64(off)
	case defs.SEEK_END:
		f.off = f.node.Size() + int64(off)
	default:
		return 0, -defs.EINVAL
	}
	if f.off < 0 {
		f.off = 0
		return 0, -defs.EINVAL
	}
	return int(f.off), 0
}

func (f *File_t) Truncate(size int64) defs.Err_t {
	if f.access == defs.ACC_R {
		return -defs.EPERM
	}
	f.node.Truncate(size)
	return 0
}

// Mmap returns the file bytes covering [off, off+length) so kernel.Mmap
// can copy them into the new mapping's frames when it is created; this
// kernel has no unified page cache to map the inode's pages directly into,
// so file-backed mappings are copy-in, not share-backed (spec.md §4.2
// notes private-file mappings needn't be written back).
func (f *File_t) Mmap(off int64, length int, flags defs.Flags_t) ([]byte, defs.Err_t) {
	if f.node.Type != defs.T_REGULAR {
		return nil, -defs.ENOTSUP
	}
	buf := make([]byte, length)
	f.node.ReadAt(buf, off)
	return buf, 0
}

func (f *File_t) Path() (ustr.Ustr, bool) { return f.path, true }

// ReadDirEntries lists a directory file's children, the backing call for
// getdents(2).
func (f *File_t) ReadDirEntries() ([]string, defs.Err_t) {
	if f.node.Type != defs.T_DIR {
		return nil, -defs.ENOTDIR
	}
	return f.node.entries(), 0
}
