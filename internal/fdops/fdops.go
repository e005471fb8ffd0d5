// Package fdops defines the operation set every open file description
// implements, adapted from biscuit's src/fdops (Fdops_i) and the
// Userio_i interface biscuit's circbuf.Copyin/Copyout take. spec.md §3 describes the
// file description as "a tagged variant"; Fdops_i is the interface that
// lets regular files, pipe endpoints, and PTY endpoints share the same FD
// table slot despite differing wildly in implementation.
package fdops

import (
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/stat"
	"github.com/marrow-os/marrow/internal/ustr"
)

// Userio_i abstracts a copy target/source: either real user memory
// (vm.Vm_t via an adapter) or, as in biscuit's Fakeubuf_t, a plain kernel
// buffer used when no process context is involved (e.g. building an
// initial ramdisk).
type Userio_i interface {
	Uioread(dst []byte) (int, defs.Err_t)
	Uiowrite(src []byte) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Fdops_i is the capability set an open file description exposes to the
// syscall layer.
type Fdops_i interface {
	Read(dst Userio_i) (int, defs.Err_t)
	Write(src Userio_i) (int, defs.Err_t)
	Close() defs.Err_t
	Reopen() defs.Err_t // bumps refcounts on dup/fork
	Stat() (stat.Stat_t, defs.Err_t)
	Lseek(off int, whence int) (int, defs.Err_t)
	Ioctl(cmd int, arg uintptr) (int, defs.Err_t)
	Mmap(off int64, length int, flags defs.Flags_t) ([]byte, defs.Err_t)
	Munmap(off int64, length int) defs.Err_t
	Truncate(size int64) defs.Err_t
	Path() (ustr.Ustr, bool)
}

// Pollable_i is implemented by file descriptions whose readiness can
// change asynchronously — pipes and PTYs — so the poll(2) dispatcher can
// check readability without blocking (spec.md §8 scenario 6). Regular
// files are always ready and need not implement it.
type Pollable_i interface {
	Poll() (readable, writable, broken bool)
}

// BaseFdops provides defaults for every Fdops_i method so concrete file
// descriptions only need to override the operations they actually
// support, matching spec.md §9's "absent operations represented
// explicitly" rule: Close and Reopen succeed as no-ops, Lseek reports
// invalid_seek, Ioctl reports not_tty, Path reports no path, and every
// other operation reports not_supported rather than silently succeeding.
type BaseFdops struct{}

func (BaseFdops) Read(Userio_i) (int, defs.Err_t)  { return 0, -defs.ENOTSUP }
func (BaseFdops) Write(Userio_i) (int, defs.Err_t) { return 0, -defs.ENOTSUP }
func (BaseFdops) Close() defs.Err_t                { return 0 }
func (BaseFdops) Reopen() defs.Err_t               { return 0 }
func (BaseFdops) Stat() (stat.Stat_t, defs.Err_t)  { return stat.Stat_t{}, -defs.ENOTSUP }
func (BaseFdops) Lseek(int, int) (int, defs.Err_t) { return 0, -defs.ESPIPE }
func (BaseFdops) Ioctl(int, uintptr) (int, defs.Err_t) { return 0, -defs.ENOTTY }
func (BaseFdops) Mmap(int64, int, defs.Flags_t) ([]byte, defs.Err_t) {
	return nil, -defs.ENOTSUP
}
func (BaseFdops) Munmap(int64, int) defs.Err_t  { return -defs.ENOTSUP }
func (BaseFdops) Truncate(int64) defs.Err_t     { return -defs.ENOTSUP }
func (BaseFdops) Path() (ustr.Ustr, bool)       { return nil, false }
