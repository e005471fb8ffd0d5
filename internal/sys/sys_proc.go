package sys

import (
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/kernel"
	"github.com/marrow-os/marrow/internal/mac"
	"github.com/marrow-os/marrow/internal/misc"
	"github.com/marrow-os/marrow/internal/proc"
	"github.com/marrow-os/marrow/internal/sched"
)

// sysExit implements exit(2): do_exit never returns to its caller, so the
// Err_t this returns only matters when self is nil (a syscall dispatched
// outside a running thread, which tests may do directly).
func sysExit(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, code int) defs.Err_t {
	k.Procs.DoExit(p, code, self)
	return 0
}

// sysSetTCB handles the call a thread makes at startup to install its
// thread-local storage pointer (spec.md §6). It only checks that tls is 0
// or a user-accessible address; the value is stored neither per thread nor
// in the process's tls field.
func sysSetTCB(p *proc.Proc_t, tls uintptr) defs.Err_t {
	if !p.AS.CheckUserlandAccess(tls, 1) && tls != 0 {
		return -defs.EFAULT
	}
	return 0
}

func sysGetppid(p *proc.Proc_t) (uintptr, defs.Err_t) {
	return uintptr(p.ParentPid), 0
}

// sysFork implements fork(2): Manager_t.Fork does the address-space and
// FD-table cloning; the dispatcher's only job is to surface the child's
// pid to the caller.
func sysFork(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t) (uintptr, defs.Err_t) {
	if err := requireCap(k, p, self, mac.CAP_SPAWN, "fork"); err != 0 {
		return 0, err
	}
	child, err := k.Procs.Fork(p)
	if err != 0 {
		return 0, err
	}
	return uintptr(child.Pid), 0
}

// sysWait implements wait(2): A0 is the target pid (-1 for any child), A1
// is wait options, A2 is a user pointer to receive the encoded exit
// status, or 0 to discard it.
func sysWait(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	pid, status, err := k.Procs.Wait(p, defs.Pid_t(int(r.A0)), int(r.A1))
	if err != 0 {
		return 0, err
	}
	if r.A2 != 0 {
		var buf [8]byte
		putU64(buf[:], uint64(int64(status)))
		if _, werr := p.AS.CopyOut(r.A2, buf[:]); werr != 0 {
			return 0, werr
		}
	}
	return uintptr(pid), 0
}

// sysExec implements exec(2): A0/A1 are the path and argv pointers, copied
// in as NUL-terminated strings the same way spec.md §4.7 describes.
// Because this kernel's loader table is addressed by path rather than by
// walking real argv/envp arrays in user memory, only the path is actually
// copied in; a real ABI would also marshal argv/envp arrays here.
func sysExec(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) defs.Err_t {
	path, err := p.AS.CopyInString(r.A0, maxPathLen)
	if err != 0 {
		return err
	}
	return k.Procs.Exec(p, self, k.Loader, path, []string{path}, nil)
}

// sysSpawn implements spawn(2): fork plus exec in one call, the discipline
// a hosted kernel without a real fork-then-exec shell can offer directly
// rather than composing the two (spec.md §6).
func sysSpawn(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) (uintptr, defs.Err_t) {
	if err := requireCap(k, p, self, mac.CAP_SPAWN, "spawn"); err != 0 {
		return 0, err
	}
	path, err := p.AS.CopyInString(r.A0, maxPathLen)
	if err != 0 {
		return 0, err
	}
	child, err := k.Procs.Fork(p)
	if err != 0 {
		return 0, err
	}
	t, terr := k.Sched.CreateUserThread(child.Pid, func(self *sched.Thread_t) {
		k.Procs.Exec(child, self, k.Loader, path, []string{path}, nil)
	})
	if terr != 0 {
		k.Procs.DoExit(child, -1, nil)
		return 0, terr
	}
	child.AddThread(t.Tid)
	return uintptr(child.Pid), 0
}

// sysThreadSched implements thread_sched(2): A0 selects the sub-operation
// (0 = set preference, 1 = set deadlines, 2 = yield, 3 = set mono-core
// pinning), matching spec.md §6's "further numbers" note that
// thread_sched multiplexes several scheduling hints through one syscall.
// Everything but the plain yield is gated on CAP_CHANGE_SCHED.
const (
	threadSchedSetPreference = 0
	threadSchedSetDeadlines  = 1
	threadSchedYield         = 2
	threadSchedSetMono       = 3
)

func sysThreadSched(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) defs.Err_t {
	if self == nil {
		return -defs.EINVAL
	}
	if r.A0 != threadSchedYield {
		if err := requireCap(k, p, self, mac.CAP_CHANGE_SCHED, "thread_sched"); err != 0 {
			return err
		}
	}
	switch r.A0 {
	case threadSchedSetPreference:
		self.SetPreference(int(r.A1))
	case threadSchedSetDeadlines:
		self.SetDeadlines(int64(r.A1), int64(r.A2))
	case threadSchedYield:
		self.Yield()
	case threadSchedSetMono:
		self.SetMono(r.A1 != 0, int(r.A2))
	default:
		return -defs.EINVAL
	}
	return 0
}

// sysExitThread implements exit_thread(2): only the calling thread
// terminates; its process stays alive unless it was the last thread, in
// which case the process exits with status 0 for wait(2) to reap.
func sysExitThread(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t) {
	if self == nil {
		return
	}
	p.RemoveThread(self.Tid)
	if len(p.Threads()) == 0 {
		k.Procs.DoExit(p, 0, self)
	}
	self.Bail()
}

// sysGetrandom implements getrandom(2) by reading from the registered
// urandom device, the same entropy source /dev/urandom exposes (spec.md
// §6). A0 is the destination user pointer, A1 the requested length.
func sysGetrandom(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) (uintptr, defs.Err_t) {
	if err := requireCap(k, p, self, mac.CAP_ENTROPY, "getrandom"); err != 0 {
		return 0, err
	}
	n := int(r.A1)
	if n <= 0 {
		return 0, 0
	}
	buf := make([]byte, n)
	got, err := k.Devices.Read(k.UrandomDev, buf, 0)
	if err != 0 {
		return 0, err
	}
	wrote, werr := p.AS.CopyOut(r.A0, buf[:got])
	if werr != 0 {
		return 0, werr
	}
	return uintptr(wrote), 0
}

// sysMprotect implements mprotect(2): A0/A1 are the address range, A2 the
// new PROT_* bits. Gated on CAP_MODIFY_MEM.
func sysMprotect(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) defs.Err_t {
	if err := requireCap(k, p, self, mac.CAP_MODIFY_MEM, "mprotect"); err != 0 {
		return err
	}
	prot := defs.Flags_t(r.A2)
	flags := vmFlagsFromProt(prot)
	return p.AS.RemapRange(r.A0, r.A1, flags)
}

// sysPtrace implements ptrace(2): A0 is the command, A1 the target pid,
// A2 (attach only) the fd in the caller's table that receives one line
// per traced syscall (see traceToTracer). Gated on CAP_TRACE; only the
// attached tracer may detach.
func sysPtrace(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) defs.Err_t {
	if err := requireCap(k, p, self, mac.CAP_TRACE, "ptrace"); err != 0 {
		return err
	}
	target, ok := k.Procs.GetByPid(defs.Pid_t(int(r.A1)))
	if !ok {
		return -defs.ENOENT
	}
	switch r.A0 {
	case defs.PTRACE_ATTACH:
		fdn := defs.Fdnum_t(int(r.A2))
		if !p.IsValidFile(fdn) {
			return -defs.EBADF
		}
		return target.SetTracer(p.Pid, int(fdn))
	case defs.PTRACE_DETACH:
		return target.ClearTracerBy(p.Pid)
	default:
		return -defs.EINVAL
	}
}

func sysMmap(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	virt, err := k.Mmap(p, r.A0, int(r.A1), defs.Flags_t(r.A2), defs.Flags_t(r.A3), defs.Fdnum_t(int(r.A4)), int64(r.A5))
	return virt, err
}

func sysSysconf(k *kernel.Kernel_t, r Regs_t) (uintptr, defs.Err_t) {
	v, err := misc.Sysconf(int(r.A0), k.Limits.PageSize, k.Limits.MaxCores)
	return uintptr(v), err
}
