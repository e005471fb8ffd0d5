// Package sys implements the syscall dispatcher: the single stable-ABI
// entry point that maps a trapped Sysno_t (internal/defs) to the kernel
// subsystem a given syscall belongs to (spec.md §6). It is grounded on
// spec.md §6's per-syscall argument/return tables and on biscuit's
// src/syscall dispatch switch (adapted since the teacher repo's pared-down
// tree left that package an empty stub) — one big switch over the syscall
// number, with each case a thin adapter into internal/kernel, internal/proc,
// internal/vm, internal/pipe, internal/pty, and internal/mac.
package sys

import (
	"fmt"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fdops"
	"github.com/marrow-os/marrow/internal/kernel"
	"github.com/marrow-os/marrow/internal/klog"
	"github.com/marrow-os/marrow/internal/mac"
	"github.com/marrow-os/marrow/internal/proc"
	"github.com/marrow-os/marrow/internal/sched"
	"github.com/marrow-os/marrow/internal/vm"
)

// Regs_t carries the syscall number and its up-to-six argument registers,
// the hosted stand-in for a trapped register file (spec.md §6). Arguments
// documented as pointers are user virtual addresses; handlers copy
// through Proc_t.AS via vm.Vm_t's CopyIn/CopyOut/CopyInString, never by
// dereferencing them directly, per spec.md §4.2's access discipline.
type Regs_t struct {
	Sysno                  defs.Sysno_t
	A0, A1, A2, A3, A4, A5 uintptr
}

var sysNames = map[defs.Sysno_t]string{
	defs.SYS_EXIT: "exit", defs.SYS_SET_TCB: "set_tcb", defs.SYS_OPEN: "open",
	defs.SYS_CLOSE: "close", defs.SYS_READ: "read", defs.SYS_WRITE: "write",
	defs.SYS_SEEK: "seek", defs.SYS_MMAP: "mmap", defs.SYS_MUNMAP: "munmap",
	defs.SYS_GETPID: "getpid", defs.SYS_GETPPID: "getppid", defs.SYS_EXEC: "exec",
	defs.SYS_FORK: "fork", defs.SYS_WAIT: "wait", defs.SYS_UNAME: "uname",
	defs.SYS_SET_HOSTNAME: "set_hostname", defs.SYS_FSTAT: "fstat", defs.SYS_LSTAT: "lstat",
	defs.SYS_GETCWD: "getcwd", defs.SYS_CHDIR: "chdir", defs.SYS_PIPE: "pipe",
	defs.SYS_DUP: "dup", defs.SYS_IOCTL: "ioctl", defs.SYS_RENAME: "rename",
	defs.SYS_SYSCONF: "sysconf", defs.SYS_SPAWN: "spawn", defs.SYS_THREAD_SCHED: "thread_sched",
	defs.SYS_FCNTL: "fcntl", defs.SYS_EXIT_THREAD: "exit_thread", defs.SYS_GETRANDOM: "getrandom",
	defs.SYS_MPROTECT: "mprotect", defs.SYS_MAC_SET_ENFORCEMENT: "mac_set_enforcement",
	defs.SYS_MAC_ADD_FILTER: "mac_add_filter", defs.SYS_MAC_LOCK: "mac_lock",
	defs.SYS_MAC_CAPABILITIES: "mac_capabilities", defs.SYS_MOUNT: "mount", defs.SYS_UMOUNT: "umount",
	defs.SYS_READLINK: "readlink", defs.SYS_GETDENTS: "getdents", defs.SYS_SYNC: "sync",
	defs.SYS_MKNOD: "mknod", defs.SYS_UNLINK: "unlink", defs.SYS_TRUNCATE: "truncate",
	defs.SYS_SYMLINK: "symlink", defs.SYS_INTEGRITY_SETUP: "integrity_setup", defs.SYS_OPENPTY: "openpty",
	defs.SYS_FSYNC: "fsync", defs.SYS_LINK: "link", defs.SYS_PTRACE: "ptrace", defs.SYS_POLL: "poll",
}

func sysName(n defs.Sysno_t) string {
	if s, ok := sysNames[n]; ok {
		return s
	}
	return "unknown"
}

// requireCap gates a privileged syscall on a MAC capability bit. An
// unconfined context (one that never installed a capability set) passes,
// the same rule an empty filter set follows; a confined context missing
// the bit goes through the process's enforcement action, with self — the
// calling thread — threaded through so a "kill" action can terminate the
// caller instead of deadlocking on it.
func requireCap(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, want mac.Capabilities_t, name string) defs.Err_t {
	if p.MAC().Allows(want) {
		return 0
	}
	return k.EnforceMAC(p, self, name)
}

// traceToTracer forwards one syscall line to the tracee's attached
// tracer fd (spec.md §3's tracer_pid/tracer_fd pair, attached via
// ptrace(2)). A tracer that has exited or closed the recording fd
// detaches the tracee rather than failing its syscall.
func traceToTracer(k *kernel.Kernel_t, p *proc.Proc_t, name string, r Regs_t) {
	tpid, tfd, ok := p.Tracer()
	if !ok {
		return
	}
	tracer, alive := k.Procs.GetByPid(tpid)
	if !alive {
		p.ClearTracer()
		return
	}
	f, err := tracer.GetFile(defs.Fdnum_t(tfd))
	if err != 0 {
		p.ClearTracer()
		return
	}
	line := fmt.Sprintf("%d %s(%#x, %#x, %#x)\n", p.Pid, name, r.A0, r.A1, r.A2)
	f.Fops.Write(fdops.NewFakeubuf([]byte(line)))
}

// logFault reports a syscall's EFAULT the way a real page-fault trap would,
// with A1 standing in for the faulting address. A1 is the user pointer for
// open, read, write, fstat, getdents and the other dirfd/path calls; for
// handlers whose pointer arrives in another register (set_tcb, getcwd,
// uname, pipe, openpty, poll, exec, spawn, getrandom, wait's status,
// lstat's and readlink's buffers, mount's source) the logged address is
// still A1. The instruction bytes are read
// best-effort from the same address purely for the disassembly line;
// Userdmap8 failing there just means LogFault logs without a mnemonic.
func logFault(p *proc.Proc_t, self *sched.Thread_t, r Regs_t) {
	instr, _ := p.AS.Userdmap8(r.A1, false)
	vm.LogFault(int(p.Pid), int(self.Tid), r.A1, instr)
}

// Dispatch maps a trapped syscall to its handler. Every call is traced via
// klog.Tracef and recorded into the kernel's sample set, the bridge
// between the syscall ABI and the D_PROF device (internal/stats,
// internal/device.ProfDevice) SPEC_FULL.md's domain-stack wiring table
// names.
func Dispatch(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) (uintptr, defs.Err_t) {
	name := sysName(r.Sysno)
	klog.Tracef("sys: pid %d %s(%#x, %#x, %#x, %#x, %#x, %#x)", p.Pid, name, r.A0, r.A1, r.A2, r.A3, r.A4, r.A5)
	k.Samples.Record(name)
	traceToTracer(k, p, name, r)

	ret, err := dispatch1(k, p, self, r)
	if err == -defs.EFAULT {
		logFault(p, self, r)
	}
	return ret, err
}

func dispatch1(k *kernel.Kernel_t, p *proc.Proc_t, self *sched.Thread_t, r Regs_t) (uintptr, defs.Err_t) {
	switch r.Sysno {
	case defs.SYS_EXIT:
		return 0, sysExit(k, p, self, int(r.A0))
	case defs.SYS_SET_TCB:
		return 0, sysSetTCB(p, r.A0)
	case defs.SYS_OPEN:
		return sysOpen(k, p, self, r)
	case defs.SYS_CLOSE:
		return 0, sysClose(p, defs.Fdnum_t(r.A0))
	case defs.SYS_READ:
		return sysRead(p, r)
	case defs.SYS_WRITE:
		return sysWrite(p, r)
	case defs.SYS_SEEK:
		return sysSeek(p, r)
	case defs.SYS_MMAP:
		return sysMmap(k, p, r)
	case defs.SYS_MUNMAP:
		return 0, k.Munmap(p, r.A0, int(r.A1))
	case defs.SYS_GETPID:
		return uintptr(p.Pid), 0
	case defs.SYS_GETPPID:
		return sysGetppid(p)
	case defs.SYS_EXEC:
		return 0, sysExec(k, p, self, r)
	case defs.SYS_FORK:
		return sysFork(k, p, self)
	case defs.SYS_WAIT:
		return sysWait(k, p, r)
	case defs.SYS_UNAME:
		return 0, sysUname(p, r)
	case defs.SYS_SET_HOSTNAME:
		return 0, sysSetHostname(k, p, r)
	case defs.SYS_FSTAT:
		return 0, sysFstat(p, r)
	case defs.SYS_LSTAT:
		return 0, sysLstat(k, p, r)
	case defs.SYS_GETCWD:
		return 0, sysGetcwd(p, r)
	case defs.SYS_CHDIR:
		return 0, sysChdir(k, p, r)
	case defs.SYS_PIPE:
		return 0, sysPipe(p, r)
	case defs.SYS_DUP:
		return sysDup(p, r)
	case defs.SYS_IOCTL:
		return sysIoctl(p, r)
	case defs.SYS_RENAME:
		return 0, sysRename(k, p, r)
	case defs.SYS_SYSCONF:
		return sysSysconf(k, r)
	case defs.SYS_SPAWN:
		return sysSpawn(k, p, self, r)
	case defs.SYS_THREAD_SCHED:
		return 0, sysThreadSched(k, p, self, r)
	case defs.SYS_FCNTL:
		return sysFcntl(p, r)
	case defs.SYS_EXIT_THREAD:
		sysExitThread(k, p, self)
		return 0, 0
	case defs.SYS_GETRANDOM:
		return sysGetrandom(k, p, self, r)
	case defs.SYS_MPROTECT:
		return 0, sysMprotect(k, p, self, r)
	case defs.SYS_MAC_SET_ENFORCEMENT:
		return 0, p.MAC().SetEnforcement(defs.MacAction_t(r.A0))
	case defs.SYS_MAC_ADD_FILTER:
		return 0, sysMacAddFilter(k, p, r)
	case defs.SYS_MAC_LOCK:
		p.MAC().LockMAC()
		return 0, 0
	case defs.SYS_MAC_CAPABILITIES:
		return sysMacCapabilities(p, r)
	case defs.SYS_MOUNT:
		return 0, sysMount(k, p, self, r)
	case defs.SYS_UMOUNT:
		return 0, sysUmount(k, p, self, r)
	case defs.SYS_READLINK:
		return sysReadlink(k, p, r)
	case defs.SYS_GETDENTS:
		return sysGetdents(p, r)
	case defs.SYS_SYNC:
		return 0, k.VFS.SyncAll()
	case defs.SYS_MKNOD:
		return 0, sysMknod(k, p, r)
	case defs.SYS_UNLINK:
		return 0, sysUnlink(k, p, r)
	case defs.SYS_TRUNCATE:
		return 0, sysTruncate(p, r)
	case defs.SYS_SYMLINK:
		return 0, sysSymlink(k, p, r)
	case defs.SYS_INTEGRITY_SETUP:
		return 0, k.IntegritySetup()
	case defs.SYS_OPENPTY:
		return 0, sysOpenpty(p, r)
	case defs.SYS_FSYNC:
		return 0, sysFsync(p, defs.Fdnum_t(r.A0))
	case defs.SYS_LINK:
		return 0, sysLink(k, p, r)
	case defs.SYS_PTRACE:
		return 0, sysPtrace(k, p, self, r)
	case defs.SYS_POLL:
		return sysPoll(p, self, r)
	default:
		return 0, -defs.ENOSYS
	}
}

const maxPathLen = 4096
