// Package fd implements the open file descriptor wrapper and the
// per-process current-working-directory tracker, adapted from biscuit's
// src/fd package (Fd_t, Cwd_t).
package fd

import (
	"sync"

	"github.com/marrow-os/marrow/internal/bpath"
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fdops"
	"github.com/marrow-os/marrow/internal/ustr"
)

// Permission bits on a file descriptor slot.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fd_t is one entry in a process's file descriptor table: a reference to
// a shared file description plus this slot's own permission bits
// (spec.md §3, "File description" / "Ownership").
type Fd_t struct {
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates an open file descriptor by bumping the underlying
// description's reference count, the discipline dup(2)/fork(2) both rely
// on (spec.md §8's dup invariant).
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{Fops: f.Fops, Perms: f.Perms}
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// CloseOnExec reports whether this slot should be closed across exec.
func (f *Fd_t) CloseOnExec() bool { return f.Perms&FD_CLOEXEC != 0 }

// Cwd_t tracks a process's current working directory: both the open
// directory fd and its canonical path, serialized by its own mutex since
// sibling threads of one process may chdir concurrently.
type Cwd_t struct {
	mu   sync.Mutex
	Fd   *Fd_t
	Path ustr.Ustr
}

// MkRootCwd constructs a Cwd_t rooted at "/".
func MkRootCwd(f *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: f, Path: ustr.MkUstrRoot()}
}

// CwdPath returns the current working directory path, implementing
// bpath.Dirfd so path compounding can resolve AT_FDCWD without a direct
// import cycle back into the process manager.
func (c *Cwd_t) CwdPath() ustr.Ustr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Path
}

// SetPath updates the canonical working directory path and fd, used by
// chdir(2).
func (c *Cwd_t) SetPath(f *Fd_t, p ustr.Ustr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fd = f
	c.Path = p
}

// Fullpath joins the cwd with p unless p is already absolute.
func (c *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	cur := c.CwdPath()
	if p.IsAbsolute() {
		return p
	}
	return cur.Extend(p)
}

// Canonicalpath resolves "." and ".." components in p relative to cwd.
func (c *Cwd_t) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return bpath.Canonicalize(c.Fullpath(p))
}
