// Package vfs implements path resolution, the mount table, and the two
// filesystem backends named in spec.md §4.4: an ext-style tree filesystem
// supporting symlinks and hard links, and a FAT-style filesystem with flat
// 8.3 naming and neither. It is grounded on biscuit's src/ufs package
// (Ufs_t's Mk/Rename/Unlink/Stat/Read/Ls naming) generalized from a single
// disk-backed tree into a Backend_i any in-memory or disk-backed filesystem
// can implement.
package vfs

import (
	"sync"
	"time"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/stat"
)

// nextInodeID hands out unique_identifier values across every backend, so
// stat's UniqueIdentifier is never reused within a boot.
var inodeSeq struct {
	mu sync.Mutex
	n  uint64
}

func nextInodeID() uint64 {
	inodeSeq.mu.Lock()
	defer inodeSeq.mu.Unlock()
	inodeSeq.n++
	return inodeSeq.n
}

// Inode_t is one filesystem object: a regular file's bytes, a directory's
// children, or a symlink's target, depending on Type.
type Inode_t struct {
	mu       sync.Mutex
	id       uint64
	Type     defs.Ftype_t
	data     []byte            // T_REGULAR
	children map[string]*Inode_t // T_DIR
	target   string            // T_SYMLINK
	links    int               // hard-link count
	rdev     uint64            // T_CHAR/T_BLOCK: registered device.Handle_t
	atime    time.Time
	mtime    time.Time
	ctime    time.Time
}

func newInode(typ defs.Ftype_t) *Inode_t {
	now := timeNow()
	return &Inode_t{
		id:       nextInodeID(),
		Type:     typ,
		children: nil,
		links:    1,
		atime:    now,
		mtime:    now,
		ctime:    now,
	}
}

// timeNow is the single place the vfs package reads wall-clock time, so a
// future deterministic-clock test hook has one seam to replace.
func timeNow() time.Time { return time.Now() }

func newDir() *Inode_t {
	n := newInode(defs.T_DIR)
	n.children = make(map[string]*Inode_t)
	return n
}

// Stat renders the inode's metadata into the ABI-facing Stat_t.
func (n *Inode_t) Stat(ioBlockSize uint32) stat.Stat_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	return stat.Stat_t{
		UniqueIdentifier: n.id,
		Mode:             0644,
		Type:             n.Type,
		HardLinkCount:    uint32(n.links),
		ByteSize:         int64(len(n.data)),
		AccessTime:       n.atime,
		ModifyTime:       n.mtime,
		CreateTime:       n.ctime,
		IoBlockSize:      ioBlockSize,
		IoBlockCount:     uint64((len(n.data) + int(ioBlockSize) - 1) / int(ioBlockSize)),
		Rdev:             n.rdev,
	}
}

func (n *Inode_t) touch() { n.mtime = timeNow() }

// Rdev returns the device handle a T_CHAR/T_BLOCK inode was created with.
func (n *Inode_t) Rdev() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rdev
}

// ReadAt copies up to len(dst) bytes starting at off; it never blocks and
// never extends the file.
func (n *Inode_t) ReadAt(dst []byte, off int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if off >= int64(len(n.data)) {
		return 0
	}
	return copy(dst, n.data[off:])
}

// WriteAt copies src into the file at off, extending it (zero-filling any
// gap) as needed.
func (n *Inode_t) WriteAt(src []byte, off int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	need := off + int64(len(src))
	if need > int64(len(n.data)) {
		grown := make([]byte, need)
		copy(grown, n.data)
		n.data = grown
	}
	c := copy(n.data[off:], src)
	n.touch()
	return c
}

// Append writes src to the end of the file, returning the offset it was
// written at.
func (n *Inode_t) Append(src []byte) int64 {
	n.mu.Lock()
	off := int64(len(n.data))
	n.mu.Unlock()
	n.WriteAt(src, off)
	return off
}

// Truncate sets the file's length, zero-extending or discarding data.
func (n *Inode_t) Truncate(size int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	n.touch()
}

// Size returns the file's current byte length.
func (n *Inode_t) Size() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return int64(len(n.data))
}

// lookup finds a direct child by name.
func (n *Inode_t) lookup(name string) (*Inode_t, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.children[name]
	return c, ok
}

// link inserts child under name, failing if the name is already taken.
func (n *Inode_t) link(name string, child *Inode_t) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.children[name]; ok {
		return -defs.EEXIST
	}
	n.children[name] = child
	n.touch()
	return 0
}

// unlink removes the child named name; reports whether it existed.
func (n *Inode_t) unlink(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.children[name]; !ok {
		return false
	}
	delete(n.children, name)
	n.touch()
	return true
}

// entries lists the directory's child names.
func (n *Inode_t) entries() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	return out
}

func (n *Inode_t) empty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.children) == 0
}
