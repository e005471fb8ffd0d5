package vfs

import (
	"strings"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/ustr"
)

// Backend_i is the polymorphic filesystem interface a mount point binds a
// path prefix to (spec.md §4.4): every operation a resolved path can
// require, independent of whatever on-disk (or in-memory) layout the
// backend actually uses.
type Backend_i interface {
	Lookup(path ustr.Ustr) (*Inode_t, defs.Err_t)
	Create(path ustr.Ustr, typ defs.Ftype_t) (*Inode_t, defs.Err_t)
	CreateNode(path ustr.Ustr, typ defs.Ftype_t, rdev int) (*Inode_t, defs.Err_t)
	CreateSymlink(path ustr.Ustr, target string) defs.Err_t
	CreateHardLink(path, existing ustr.Ustr) defs.Err_t
	ReadSymlink(path ustr.Ustr) (string, defs.Err_t)
	Unlink(path ustr.Ustr) defs.Err_t
	Rename(oldp, newp ustr.Ustr) defs.Err_t
	ReadEntries(path ustr.Ustr) ([]string, defs.Err_t)
	Synchronize() defs.Err_t
	Kind() int
	BlockSize() uint32
}

// nameTransform maps a path component as the user supplied it to the name
// the backend actually stores, letting the FAT backend fold names to 8.3
// uppercase while the ext-style backend stores names verbatim.
type nameTransform func(string) string

// treeFS is the shared directory-walking engine both backends embed; only
// naming discipline and the symlink/hard-link capability differ between
// them.
type treeFS struct {
	root      *Inode_t
	xform     nameTransform
	blockSize uint32
}

func newTreeFS(xform nameTransform, blockSize uint32) *treeFS {
	return &treeFS{root: newDir(), xform: xform, blockSize: blockSize}
}

func identity(s string) string { return s }

// split returns the parent directory's component list and the final
// component name, both passed through xform.
func (t *treeFS) split(path ustr.Ustr) ([]string, string) {
	comps := path.Components()
	xformed := make([]string, len(comps))
	for i, c := range comps {
		xformed[i] = t.xform(c)
	}
	if len(xformed) == 0 {
		return nil, ""
	}
	return xformed[:len(xformed)-1], xformed[len(xformed)-1]
}

// walkDir descends from root through dirs, failing with not_directory or
// no_entity as appropriate.
func (t *treeFS) walkDir(dirs []string) (*Inode_t, defs.Err_t) {
	cur := t.root
	for _, d := range dirs {
		next, ok := cur.lookup(d)
		if !ok {
			return nil, -defs.ENOENT
		}
		if next.Type != defs.T_DIR {
			return nil, -defs.ENOTDIR
		}
		cur = next
	}
	return cur, 0
}

func (t *treeFS) lookup(path ustr.Ustr) (*Inode_t, defs.Err_t) {
	if len(path.Components()) == 0 {
		return t.root, 0
	}
	dirs, name := t.split(path)
	parent, err := t.walkDir(dirs)
	if err != 0 {
		return nil, err
	}
	n, ok := parent.lookup(name)
	if !ok {
		return nil, -defs.ENOENT
	}
	return n, 0
}

func (t *treeFS) create(path ustr.Ustr, typ defs.Ftype_t) (*Inode_t, defs.Err_t) {
	dirs, name := t.split(path)
	if name == "" {
		return nil, -defs.EINVAL
	}
	parent, err := t.walkDir(dirs)
	if err != 0 {
		return nil, err
	}
	var n *Inode_t
	if typ == defs.T_DIR {
		n = newDir()
	} else {
		n = newInode(typ)
	}
	if err := parent.link(name, n); err != 0 {
		return nil, err
	}
	return n, 0
}

// createNode creates a T_CHAR/T_BLOCK special file bound to rdev, the
// tree-walking half of create_node() (spec.md §4.4).
func (t *treeFS) createNode(path ustr.Ustr, typ defs.Ftype_t, rdev int) (*Inode_t, defs.Err_t) {
	n, err := t.create(path, typ)
	if err != 0 {
		return nil, err
	}
	n.mu.Lock()
	n.rdev = uint64(rdev)
	n.mu.Unlock()
	return n, 0
}

func (t *treeFS) unlink(path ustr.Ustr) defs.Err_t {
	dirs, name := t.split(path)
	parent, err := t.walkDir(dirs)
	if err != 0 {
		return err
	}
	child, ok := parent.lookup(name)
	if !ok {
		return -defs.ENOENT
	}
	if child.Type == defs.T_DIR && !child.empty() {
		return -defs.EINVAL
	}
	child.mu.Lock()
	child.links--
	child.mu.Unlock()
	parent.unlink(name)
	return 0
}

func (t *treeFS) rename(oldp, newp ustr.Ustr) defs.Err_t {
	oldDirs, oldName := t.split(oldp)
	oldParent, err := t.walkDir(oldDirs)
	if err != 0 {
		return err
	}
	n, ok := oldParent.lookup(oldName)
	if !ok {
		return -defs.ENOENT
	}
	newDirs, newName := t.split(newp)
	newParent, err := t.walkDir(newDirs)
	if err != 0 {
		return err
	}
	if lerr := newParent.link(newName, n); lerr != 0 {
		return lerr
	}
	oldParent.unlink(oldName)
	return 0
}

func (t *treeFS) readEntries(path ustr.Ustr) ([]string, defs.Err_t) {
	n, err := t.lookup(path)
	if err != 0 {
		return nil, err
	}
	if n.Type != defs.T_DIR {
		return nil, -defs.ENOTDIR
	}
	return n.entries(), 0
}

// fatName folds an arbitrary component into FAT's flat 8.3 uppercase
// naming, the constraint MNT_FAT mounts enforce. Names already in that
// shape pass through unchanged.
func fatName(name string) string {
	name = strings.ToUpper(name)
	base, ext, _ := strings.Cut(name, ".")
	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}
