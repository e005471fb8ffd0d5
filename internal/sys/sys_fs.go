package sys

import (
	"github.com/marrow-os/marrow/internal/bpath"
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fdops"
	"github.com/marrow-os/marrow/internal/kernel"
	"github.com/marrow-os/marrow/internal/mac"
	"github.com/marrow-os/marrow/internal/proc"
	"github.com/marrow-os/marrow/internal/sched"
	"github.com/marrow-os/marrow/internal/ustr"
	"github.com/marrow-os/marrow/internal/vfs"
	"github.com/marrow-os/marrow/internal/vm"
)

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func vmFlagsFromProt(prot defs.Flags_t) vm.Flags_t {
	f := vm.PTE_U
	if prot&defs.PROT_WRITE == 0 {
		f |= vm.PTE_RO
	}
	if prot&defs.PROT_EXEC != 0 {
		f |= vm.PTE_X
	}
	return f
}

func copyInPath(p *proc.Proc_t, uva uintptr) (string, defs.Err_t) {
	return p.AS.CopyInString(uva, maxPathLen)
}

// sysOpen implements open(2). A0 is dirfd, A1 a user pointer to the
// NUL-terminated path, A2 the open flags.
func sysOpen(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) (uintptr, defs.Err_t) {
	path, err := copyInPath(p, r.A1)
	if err != 0 {
		return 0, err
	}
	flags := int(r.A2)
	follow := flags&defs.O_NOFOLLOW == 0
	fdn, err := k.Open(p, self, int(int32(r.A0)), path, flags, follow)
	return uintptr(fdn), err
}

func sysClose(p *proc.Proc_t, fdn defs.Fdnum_t) defs.Err_t {
	f, err := p.GetFile(fdn)
	if err != 0 {
		return err
	}
	if err := p.RemoveFile(fdn); err != 0 {
		return err
	}
	return f.Fops.Close()
}

func sysRead(p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	f, err := p.GetFile(defs.Fdnum_t(int(int32(r.A0))))
	if err != 0 {
		return 0, err
	}
	uio := vm.NewUserIO(p.AS, r.A1, int(r.A2))
	n, err := f.Fops.Read(uio)
	return uintptr(n), err
}

func sysWrite(p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	f, err := p.GetFile(defs.Fdnum_t(int(int32(r.A0))))
	if err != 0 {
		return 0, err
	}
	uio := vm.NewUserIO(p.AS, r.A1, int(r.A2))
	n, err := f.Fops.Write(uio)
	return uintptr(n), err
}

func sysSeek(p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	f, err := p.GetFile(defs.Fdnum_t(int(int32(r.A0))))
	if err != 0 {
		return 0, err
	}
	n, err := f.Fops.Lseek(int(int32(r.A1)), int(r.A2))
	return uintptr(n), err
}

func statOut(p *proc.Proc_t, uva uintptr, f fdops.Fdops_i) defs.Err_t {
	st, err := f.Stat()
	if err != 0 {
		return err
	}
	b := st.Bytes()
	if _, werr := p.AS.CopyOut(uva, b); werr != 0 {
		return werr
	}
	return 0
}

// sysFstat implements fstat(2): A0 the fd, A1 the user buffer.
func sysFstat(p *proc.Proc_t, r Regs_t) defs.Err_t {
	f, err := p.GetFile(defs.Fdnum_t(int(int32(r.A0))))
	if err != 0 {
		return err
	}
	return statOut(p, r.A1, f.Fops)
}

// sysLstat implements lstat(2): A0 is dirfd, A1 the path pointer, A2 the
// user buffer, resolved without following a final symlink component.
func sysLstat(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) defs.Err_t {
	path, err := copyInPath(p, r.A1)
	if err != 0 {
		return err
	}
	full, ok := bpath.CompoundAt(p, int(int32(r.A0)), ustr.Mk(path))
	if !ok {
		return -defs.EBADF
	}
	_, node, rerr := k.VFS.Resolve(full, false)
	if rerr != 0 {
		return rerr
	}
	st := node.Stat(uint32(k.Limits.PageSize))
	b := st.Bytes()
	if _, werr := p.AS.CopyOut(r.A2, b); werr != 0 {
		return werr
	}
	return 0
}

// sysGetcwd implements getcwd(2): A0 the destination buffer, A1 its size.
func sysGetcwd(p *proc.Proc_t, r Regs_t) defs.Err_t {
	s := p.Cwd().CwdPath().String()
	if len(s)+1 > int(r.A1) {
		return -defs.ERANGE
	}
	buf := append([]byte(s), 0)
	_, err := p.AS.CopyOut(r.A0, buf)
	return err
}

// sysChdir implements chdir(2): A0/A1 are dirfd/path, following the same
// compounding rule open(2) uses.
func sysChdir(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) defs.Err_t {
	path, err := copyInPath(p, r.A1)
	if err != 0 {
		return err
	}
	full, ok := bpath.CompoundAt(p, int(int32(r.A0)), ustr.Mk(path))
	if !ok {
		return -defs.EBADF
	}
	_, node, rerr := k.VFS.Resolve(full, true)
	if rerr != 0 {
		return rerr
	}
	if node.Type != defs.T_DIR {
		return -defs.ENOTDIR
	}
	p.Cwd().SetPath(p.Cwd().Fd, full)
	return 0
}

// sysRename implements rename(2): A0/A1 are the old path's dirfd/pointer,
// A2/A3 the new path's.
func sysRename(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) defs.Err_t {
	oldp, err := copyInPath(p, r.A1)
	if err != 0 {
		return err
	}
	newp, err := copyInPath(p, r.A3)
	if err != 0 {
		return err
	}
	oldFull, ok := bpath.CompoundAt(p, int(int32(r.A0)), ustr.Mk(oldp))
	if !ok {
		return -defs.EBADF
	}
	newFull, ok := bpath.CompoundAt(p, int(int32(r.A2)), ustr.Mk(newp))
	if !ok {
		return -defs.EBADF
	}
	return k.VFS.Rename(oldFull, newFull)
}

// sysReadlink implements readlink(2): A0/A1 are dirfd/path, A2/A3 the
// destination buffer and its size.
func sysReadlink(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	path, err := copyInPath(p, r.A1)
	if err != 0 {
		return 0, err
	}
	full, ok := bpath.CompoundAt(p, int(int32(r.A0)), ustr.Mk(path))
	if !ok {
		return 0, -defs.EBADF
	}
	target, rerr := k.VFS.ReadSymlink(full)
	if rerr != 0 {
		return 0, rerr
	}
	if len(target) > int(r.A3) {
		target = target[:r.A3]
	}
	n, werr := p.AS.CopyOut(r.A2, []byte(target))
	return uintptr(n), werr
}

// sysGetdents implements getdents(2): A0 the fd of an open directory, A1
// a user pointer receiving a NUL-separated list of child names.
func sysGetdents(p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	f, err := p.GetFile(defs.Fdnum_t(int(int32(r.A0))))
	if err != 0 {
		return 0, err
	}
	vf, ok := f.Fops.(interface {
		ReadDirEntries() ([]string, defs.Err_t)
	})
	if !ok {
		return 0, -defs.ENOTDIR
	}
	names, derr := vf.ReadDirEntries()
	if derr != 0 {
		return 0, derr
	}
	var out []byte
	for _, n := range names {
		out = append(out, []byte(n)...)
		out = append(out, 0)
	}
	if len(out) > int(r.A2) {
		return 0, -defs.ERANGE
	}
	n, werr := p.AS.CopyOut(r.A1, out)
	return uintptr(n), werr
}

// sysMknod implements mknod(2): A0/A1 dirfd/path, A2 the file type
// (T_CHAR/T_BLOCK), A3 the device handle to bind (spec.md §4.4,
// create_node()).
func sysMknod(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) defs.Err_t {
	typ := defs.Ftype_t(r.A2)
	if k.IntegrityArmed() && (typ == defs.T_CHAR || typ == defs.T_BLOCK) {
		return -defs.EACCES
	}
	path, err := copyInPath(p, r.A1)
	if err != 0 {
		return err
	}
	full, ok := bpath.CompoundAt(p, int(int32(r.A0)), ustr.Mk(path))
	if !ok {
		return -defs.EBADF
	}
	_, cerr := k.VFS.CreateNode(full, typ, int(r.A3))
	return cerr
}

// sysUnlink implements unlink(2): A0/A1 dirfd/path.
func sysUnlink(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) defs.Err_t {
	path, err := copyInPath(p, r.A1)
	if err != 0 {
		return err
	}
	full, ok := bpath.CompoundAt(p, int(int32(r.A0)), ustr.Mk(path))
	if !ok {
		return -defs.EBADF
	}
	return k.VFS.Unlink(full)
}

// sysTruncate implements truncate(2): A0 the fd, A1 the new length.
func sysTruncate(p *proc.Proc_t, r Regs_t) defs.Err_t {
	f, err := p.GetFile(defs.Fdnum_t(int(int32(r.A0))))
	if err != 0 {
		return err
	}
	return f.Fops.Truncate(int64(r.A1))
}

// sysSymlink implements symlink(2): A0/A1 dirfd/path for the link itself,
// A2 a user pointer to the target string.
func sysSymlink(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) defs.Err_t {
	path, err := copyInPath(p, r.A1)
	if err != 0 {
		return err
	}
	target, terr := copyInPath(p, r.A2)
	if terr != 0 {
		return terr
	}
	full, ok := bpath.CompoundAt(p, int(int32(r.A0)), ustr.Mk(path))
	if !ok {
		return -defs.EBADF
	}
	return k.VFS.CreateSymlink(full, target)
}

// sysLink implements link(2): A0/A1 dirfd/path for the new name, A2/A3 for
// the existing file.
func sysLink(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) defs.Err_t {
	newp, err := copyInPath(p, r.A1)
	if err != 0 {
		return err
	}
	oldp, err := copyInPath(p, r.A3)
	if err != 0 {
		return err
	}
	newFull, ok := bpath.CompoundAt(p, int(int32(r.A0)), ustr.Mk(newp))
	if !ok {
		return -defs.EBADF
	}
	oldFull, ok := bpath.CompoundAt(p, int(int32(r.A2)), ustr.Mk(oldp))
	if !ok {
		return -defs.EBADF
	}
	return k.VFS.CreateHardLink(newFull, oldFull)
}

// sysFsync implements fsync(2). Regular files write straight through to
// their backing Inode_t, so there is nothing to flush per-fd; this only
// validates the fd and does not call Synchronize.
func sysFsync(p *proc.Proc_t, fdn defs.Fdnum_t) defs.Err_t {
	if _, err := p.GetFile(fdn); err != 0 {
		return err
	}
	return 0
}

// sysMount implements mount(2) (spec.md §4.4, §6): A0 a user pointer to
// the NUL-terminated source device name, A1 the target dirfd, A2 a user
// pointer to the target path, A3 the fs_type (MNT_EXT/MNT_FAT). The
// target must already exist and be a directory; the source device name
// must already be registered (spec.md §3's "Mount: {source device, ...}").
// Gated on CAP_MANAGE_MOUNTS and refused once the integrity policy is
// armed.
func sysMount(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) defs.Err_t {
	if err := requireCap(k, p, self, mac.CAP_MANAGE_MOUNTS, "mount"); err != 0 {
		return err
	}
	if k.IntegrityArmed() {
		return -defs.EACCES
	}
	source, err := copyInPath(p, r.A0)
	if err != 0 {
		return err
	}
	if _, ferr := k.Devices.Fetch(source); ferr != 0 {
		return ferr
	}
	target, err := copyInPath(p, r.A2)
	if err != 0 {
		return err
	}
	full, ok := bpath.CompoundAt(p, int(int32(r.A1)), ustr.Mk(target))
	if !ok {
		return -defs.EBADF
	}
	_, node, rerr := k.VFS.Resolve(full, true)
	if rerr != 0 {
		return rerr
	}
	if node.Type != defs.T_DIR {
		return -defs.ENOTDIR
	}

	var backend vfs.Backend_i
	switch int(r.A3) {
	case defs.MNT_EXT:
		backend = vfs.NewMemFS()
	case defs.MNT_FAT:
		backend = vfs.NewFatFS()
	default:
		return -defs.ENOTSUP
	}
	return k.VFS.Mount(full, backend)
}

// sysUmount implements umount(2): A0/A1 dirfd/path naming the mountpoint,
// A2 the WUMOUNT_FORCE flag (spec.md §4.4, unmount()). Without force, it
// fails if any process still has a regular file open under the mount.
// Gated the same way as sysMount.
func sysUmount(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) defs.Err_t {
	if err := requireCap(k, p, self, mac.CAP_MANAGE_MOUNTS, "umount"); err != 0 {
		return err
	}
	if k.IntegrityArmed() {
		return -defs.EACCES
	}
	path, err := copyInPath(p, r.A1)
	if err != 0 {
		return err
	}
	full, ok := bpath.CompoundAt(p, int(int32(r.A0)), ustr.Mk(path))
	if !ok {
		return -defs.EBADF
	}
	force := r.A2 != 0
	isOpenUnder := func(prefix ustr.Ustr) bool {
		busy := false
		k.Procs.ForEachProc(func(pp *proc.Proc_t) {
			if busy {
				return
			}
			pp.ForEachOpenPath(func(path ustr.Ustr) {
				if pathUnderPrefix(path, prefix) {
					busy = true
				}
			})
		})
		return busy
	}
	return k.VFS.Unmount(full, force, isOpenUnder)
}

// pathUnderPrefix reports whether path is prefix or lies beneath it.
func pathUnderPrefix(path, prefix ustr.Ustr) bool {
	p, m := path.String(), prefix.String()
	if p == m {
		return true
	}
	return len(p) > len(m) && p[:len(m)] == m && p[len(m)] == '/'
}
