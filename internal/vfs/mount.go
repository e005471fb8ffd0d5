package vfs

import (
	"sort"
	"sync"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/ustr"
)

// maxSymlinkHops bounds symlink chain resolution, per spec.md §4.4's
// "symlink chains are bounded to 8 hops" invariant.
const maxSymlinkHops = 8

type mountpoint struct {
	prefix ustr.Ustr
	fs     Backend_i
}

// VFS_t is the global namespace: the mount table plus path resolution,
// generalizing biscuit's single hardcoded Ufs_t root into the multi-backend
// tree spec.md §4.4 describes.
type VFS_t struct {
	mu        sync.RWMutex
	mounts    []mountpoint
	maxMounts int
}

// NewVFS returns a namespace with an ext-style filesystem mounted at "/",
// bounded to maxMounts total entries (spec.md §3, "the mount table is
// bounded"). maxMounts <= 0 means unbounded, for callers that construct a
// VFS_t directly in tests without a kconfig.Limits to hand.
func NewVFS(maxMounts int) *VFS_t {
	v := &VFS_t{maxMounts: maxMounts}
	v.mounts = append(v.mounts, mountpoint{prefix: ustr.MkUstrRoot(), fs: NewMemFS()})
	return v
}

// Mount binds fs at prefix, rejecting a prefix that already has a mount
// (spec.md §4.4, mount()) or a full mount table.
func (v *VFS_t) Mount(prefix ustr.Ustr, fs Backend_i) defs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.maxMounts > 0 && len(v.mounts) >= v.maxMounts {
		return -defs.EMFILE
	}
	for _, m := range v.mounts {
		if m.prefix.Eq(prefix) {
			return -defs.EBUSY
		}
	}
	v.mounts = append(v.mounts, mountpoint{prefix: prefix, fs: fs})
	v.sortMountsLocked()
	return 0
}

// Unmount removes the mount at prefix (spec.md §4.4, unmount()). The root
// mount can never be removed. isOpenUnder, when non-nil, is consulted
// unless force is set; a true return fails the unmount with EBUSY, the
// "fails if any file is open under it" clause.
func (v *VFS_t) Unmount(prefix ustr.Ustr, force bool, isOpenUnder func(ustr.Ustr) bool) defs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if prefix.Eq(ustr.MkUstrRoot()) {
		return -defs.EINVAL
	}
	for i, m := range v.mounts {
		if m.prefix.Eq(prefix) {
			if !force && isOpenUnder != nil && isOpenUnder(prefix) {
				return -defs.EBUSY
			}
			v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
			return 0
		}
	}
	return -defs.ENOENT
}

// sortMountsLocked orders mounts by descending prefix length so resolve's
// linear scan finds the longest match first.
func (v *VFS_t) sortMountsLocked() {
	sort.Slice(v.mounts, func(i, j int) bool {
		return len(v.mounts[i].prefix) > len(v.mounts[j].prefix)
	})
}

// resolveMount returns the backend governing path and path's remainder
// relative to that backend's root, via longest-prefix match.
func (v *VFS_t) resolveMount(path ustr.Ustr) (Backend_i, ustr.Ustr) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, m := range v.mounts {
		if m.prefix.Eq(ustr.MkUstrRoot()) {
			continue
		}
		p := path.String()
		mp := m.prefix.String()
		if p == mp || (len(p) > len(mp) && p[:len(mp)] == mp && p[len(mp)] == '/') {
			return m.fs, ustr.Mk(p[len(mp):])
		}
	}
	// fall through to root
	for _, m := range v.mounts {
		if m.prefix.Eq(ustr.MkUstrRoot()) {
			return m.fs, path
		}
	}
	return nil, nil
}

// Resolve walks path to its target inode, following symlinks up to
// maxSymlinkHops times (spec.md §4.4).
func (v *VFS_t) Resolve(path ustr.Ustr, followFinal bool) (Backend_i, *Inode_t, defs.Err_t) {
	cur := path
	for hop := 0; hop < maxSymlinkHops; hop++ {
		fs, rel := v.resolveMount(cur)
		if fs == nil {
			return nil, nil, -defs.ENOENT
		}
		n, err := fs.Lookup(rel)
		if err != 0 {
			return nil, nil, err
		}
		if n.Type != defs.T_SYMLINK || !followFinal {
			return fs, n, 0
		}
		target, rerr := fs.ReadSymlink(rel)
		if rerr != 0 {
			return nil, nil, rerr
		}
		// Relative symlink targets are resolved against the containing
		// mount's root; this kernel does not track a per-symlink parent
		// directory the way a real resolver would.
		cur = ustr.Mk(target)
	}
	return nil, nil, -defs.ENOTSUP // loop: too many symlink hops
}

// Create resolves path's mount and creates a new node of typ there, the
// namespace-wide entry point open(2)'s O_CREAT path and mkdir(2) both use.
func (v *VFS_t) Create(path ustr.Ustr, typ defs.Ftype_t) (Backend_i, *Inode_t, defs.Err_t) {
	fs, rel := v.resolveMount(path)
	if fs == nil {
		return nil, nil, -defs.ENOENT
	}
	n, err := fs.Create(rel, typ)
	return fs, n, err
}

// CreateNode creates a device special file (spec.md §4.4, create_node()),
// binding rdev — the registered device's handle — to the new inode so
// Open can dispatch reads/writes to the device registry instead of the
// backing filesystem.
func (v *VFS_t) CreateNode(path ustr.Ustr, typ defs.Ftype_t, rdev int) (*Inode_t, defs.Err_t) {
	fs, rel := v.resolveMount(path)
	if fs == nil {
		return nil, -defs.ENOENT
	}
	n, err := fs.CreateNode(rel, typ, rdev)
	return n, err
}

// CreateSymlink and CreateHardLink are namespace-wide wrappers over the
// resolved mount's Backend_i methods (spec.md §4.4).
func (v *VFS_t) CreateSymlink(path ustr.Ustr, target string) defs.Err_t {
	fs, rel := v.resolveMount(path)
	if fs == nil {
		return -defs.ENOENT
	}
	return fs.CreateSymlink(rel, target)
}

func (v *VFS_t) CreateHardLink(path, existing ustr.Ustr) defs.Err_t {
	fs, rel := v.resolveMount(path)
	if fs == nil {
		return -defs.ENOENT
	}
	fs2, existingRel := v.resolveMount(existing)
	if fs2 != fs {
		return -defs.ENOTSUP // hard links cannot cross mounts
	}
	return fs.CreateHardLink(rel, existingRel)
}

// Unlink, Rename, and ReadEntries are namespace-wide wrappers, resolving
// path(s) to their mount before delegating (spec.md §4.4).
func (v *VFS_t) Unlink(path ustr.Ustr) defs.Err_t {
	fs, rel := v.resolveMount(path)
	if fs == nil {
		return -defs.ENOENT
	}
	return fs.Unlink(rel)
}

func (v *VFS_t) Rename(oldp, newp ustr.Ustr) defs.Err_t {
	fs, oldRel := v.resolveMount(oldp)
	if fs == nil {
		return -defs.ENOENT
	}
	fs2, newRel := v.resolveMount(newp)
	if fs2 != fs {
		return -defs.ENOTSUP // rename cannot cross mounts
	}
	return fs.Rename(oldRel, newRel)
}

func (v *VFS_t) ReadEntries(path ustr.Ustr) ([]string, defs.Err_t) {
	fs, rel := v.resolveMount(path)
	if fs == nil {
		return nil, -defs.ENOENT
	}
	return fs.ReadEntries(rel)
}

// ReadSymlink resolves path's mount and reads the link target without
// following it, the backing call open(path, mode, follow=false) uses.
func (v *VFS_t) ReadSymlink(path ustr.Ustr) (string, defs.Err_t) {
	fs, rel := v.resolveMount(path)
	if fs == nil {
		return "", -defs.ENOENT
	}
	return fs.ReadSymlink(rel)
}

// SyncAll synchronizes every mounted backend (spec.md §6's sync syscall).
func (v *VFS_t) SyncAll() defs.Err_t {
	v.mu.RLock()
	mounts := append([]mountpoint(nil), v.mounts...)
	v.mu.RUnlock()
	for _, m := range mounts {
		if err := m.fs.Synchronize(); err != 0 {
			return err
		}
	}
	return 0
}
