package vfs

import (
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/ustr"
)

// MemFS is the ext-style backend (MNT_EXT): an in-memory tree supporting
// symlinks and hard links, grounded on biscuit's src/ufs.Ufs_t naming
// (MkFile/MkDir/Rename/Unlink/Stat/Read/Ls) but holding its tree as Go
// values instead of biscuit's on-disk block log, since this kernel has no
// AHCI-backed disk to journal against.
type MemFS struct {
	*treeFS
}

// NewMemFS returns an empty ext-style backend.
func NewMemFS() *MemFS {
	return &MemFS{treeFS: newTreeFS(identity, 4096)}
}

func (m *MemFS) Lookup(path ustr.Ustr) (*Inode_t, defs.Err_t) { return m.lookup(path) }

func (m *MemFS) Create(path ustr.Ustr, typ defs.Ftype_t) (*Inode_t, defs.Err_t) {
	return m.create(path, typ)
}

func (m *MemFS) CreateNode(path ustr.Ustr, typ defs.Ftype_t, rdev int) (*Inode_t, defs.Err_t) {
	return m.createNode(path, typ, rdev)
}

func (m *MemFS) CreateSymlink(path ustr.Ustr, target string) defs.Err_t {
	n, err := m.create(path, defs.T_SYMLINK)
	if err != 0 {
		return err
	}
	n.mu.Lock()
	n.target = target
	n.mu.Unlock()
	return 0
}

func (m *MemFS) CreateHardLink(path, existing ustr.Ustr) defs.Err_t {
	target, err := m.lookup(existing)
	if err != 0 {
		return err
	}
	if target.Type == defs.T_DIR {
		return -defs.EINVAL
	}
	dirs, name := m.split(path)
	parent, err := m.walkDir(dirs)
	if err != 0 {
		return err
	}
	if lerr := parent.link(name, target); lerr != 0 {
		return lerr
	}
	target.mu.Lock()
	target.links++
	target.mu.Unlock()
	return 0
}

func (m *MemFS) ReadSymlink(path ustr.Ustr) (string, defs.Err_t) {
	n, err := m.lookup(path)
	if err != 0 {
		return "", err
	}
	if n.Type != defs.T_SYMLINK {
		return "", -defs.EINVAL
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target, 0
}

func (m *MemFS) Unlink(path ustr.Ustr) defs.Err_t             { return m.unlink(path) }
func (m *MemFS) Rename(oldp, newp ustr.Ustr) defs.Err_t       { return m.rename(oldp, newp) }
func (m *MemFS) ReadEntries(path ustr.Ustr) ([]string, defs.Err_t) { return m.readEntries(path) }
func (m *MemFS) Synchronize() defs.Err_t                      { return 0 } // nothing durable to flush
func (m *MemFS) Kind() int                                    { return defs.MNT_EXT }
func (m *MemFS) BlockSize() uint32                             { return m.blockSize }
