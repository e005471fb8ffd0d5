package vfs

import (
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/ustr"
)

// FatFS is the FAT-style backend (MNT_FAT): a flat, 8.3-uppercase-named
// tree with neither symlinks nor hard links, matching the real filesystem
// it is named after (spec.md §4.4 lists MNT_FAT as a distinct, more
// restrictive backend from the ext-style one). It shares treeFS with
// MemFS; only the naming discipline and the unsupported operations
// differ.
type FatFS struct {
	*treeFS
}

// NewFatFS returns an empty FAT-style backend.
func NewFatFS() *FatFS {
	return &FatFS{treeFS: newTreeFS(fatName, 512)}
}

func (f *FatFS) Lookup(path ustr.Ustr) (*Inode_t, defs.Err_t) { return f.lookup(path) }

func (f *FatFS) Create(path ustr.Ustr, typ defs.Ftype_t) (*Inode_t, defs.Err_t) {
	if typ == defs.T_SYMLINK {
		return nil, -defs.ENOTSUP
	}
	return f.create(path, typ)
}

func (f *FatFS) CreateNode(path ustr.Ustr, typ defs.Ftype_t, rdev int) (*Inode_t, defs.Err_t) {
	return f.createNode(path, typ, rdev)
}

func (f *FatFS) CreateSymlink(ustr.Ustr, string) defs.Err_t { return -defs.ENOTSUP }
func (f *FatFS) CreateHardLink(ustr.Ustr, ustr.Ustr) defs.Err_t { return -defs.ENOTSUP }
func (f *FatFS) ReadSymlink(ustr.Ustr) (string, defs.Err_t) { return "", -defs.ENOTSUP }

func (f *FatFS) Unlink(path ustr.Ustr) defs.Err_t             { return f.unlink(path) }
func (f *FatFS) Rename(oldp, newp ustr.Ustr) defs.Err_t       { return f.rename(oldp, newp) }
func (f *FatFS) ReadEntries(path ustr.Ustr) ([]string, defs.Err_t) { return f.readEntries(path) }
func (f *FatFS) Synchronize() defs.Err_t                      { return 0 }
func (f *FatFS) Kind() int                                    { return defs.MNT_FAT }
func (f *FatFS) BlockSize() uint32                             { return f.blockSize }
