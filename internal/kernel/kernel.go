// Package kernel wires the leaf packages (mem, vm, sched, proc, device,
// vfs, mac) into one bootable instance and hosts the handful of
// cross-cutting operations — open(2), mmap(2) — that need more than one
// subsystem at a time (spec.md §9's "global mutable kernel state...
// packaged as a single kernel context"). There is no equivalent wiring
// point in the teacher's pared-down tree; initialization ordering here
// follows spec.md §9's list directly, collapsing the hardware-only steps
// (ACPI scan, APIC, per-core init, timers) that have no hosted analogue.
package kernel

import (
	"sync"
	"time"

	"github.com/marrow-os/marrow/internal/bpath"
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/device"
	"github.com/marrow-os/marrow/internal/fd"
	"github.com/marrow-os/marrow/internal/kconfig"
	"github.com/marrow-os/marrow/internal/klog"
	"github.com/marrow-os/marrow/internal/loader"
	"github.com/marrow-os/marrow/internal/mac"
	"github.com/marrow-os/marrow/internal/mem"
	"github.com/marrow-os/marrow/internal/proc"
	"github.com/marrow-os/marrow/internal/sched"
	"github.com/marrow-os/marrow/internal/stats"
	"github.com/marrow-os/marrow/internal/ustr"
	"github.com/marrow-os/marrow/internal/vfs"
	"github.com/marrow-os/marrow/internal/vm"
)

// schedTickPeriod is the preemption quantum Boot starts the scheduler
// with, the hosted stand-in for a real timer interrupt's period.
const schedTickPeriod = 10 * time.Millisecond

// Kernel_t is the fully wired instance: every subsystem plus the device
// handles registered at boot (spec.md §9, initialization ordering).
type Kernel_t struct {
	Limits  *kconfig.Limits
	Phys    *mem.Physmem_t
	VMM     *vm.Manager_t
	Sched   *sched.Scheduler_t
	Procs   *proc.Manager_t
	Devices *device.Registry_t
	VFS     *vfs.VFS_t
	Samples *stats.SampleSet
	Loader  loader.Loader_i

	NullDev, ZeroDev, UrandomDev, ConsoleDev, ProfDev device.Handle_t

	integrityMu    sync.Mutex
	integrityArmed bool
}

// New constructs a kernel instance without starting the scheduler or
// spawning init, so tests can wire a smaller one via kconfig.Small().
func New(limits *kconfig.Limits) *Kernel_t {
	phys := mem.NewPhysmem(limits.PhysPages, limits.PageSize)
	vmm := vm.NewManager(phys)
	s := sched.NewScheduler(limits.MaxCores, limits.MaxThreads)
	procs := proc.NewManager(limits, vmm, s)
	devices := device.NewRegistry(limits.MaxDevices)
	samples := stats.NewSampleSet()

	k := &Kernel_t{
		Limits:  limits,
		Phys:    phys,
		VMM:     vmm,
		Sched:   s,
		Procs:   procs,
		Devices: devices,
		VFS:     vfs.NewVFS(limits.MaxMounts),
		Samples: samples,
		Loader:  loader.NewBuiltinLoader(),
	}
	k.registerBuiltinDevices()
	return k
}

// registerBuiltinDevices installs the devices spec.md §6 names as examples
// ("null", "zero", "urandom", "console") plus the prof device SPEC_FULL.md
// adds (§4.3).
func (k *Kernel_t) registerBuiltinDevices() {
	k.NullDev, _ = k.Devices.Register("null", device.NullDevice{}, device.Caps{Read: true, Write: true}, false, 0, 0)
	k.ZeroDev, _ = k.Devices.Register("zero", device.ZeroDevice{}, device.Caps{Read: true, Write: true}, false, 0, 0)
	k.UrandomDev, _ = k.Devices.Register("urandom", device.EntropyDevice{}, device.Caps{Read: true}, false, 0, 0)
	k.ConsoleDev, _ = k.Devices.Register("console", device.ConsoleDevice{}, device.Caps{Write: true}, false, 0, 0)
	k.ProfDev, _ = k.Devices.Register("prof", &device.ProfDevice{Samples: k.Samples}, device.Caps{Read: true}, false, 0, 0)
}

// Boot starts the scheduler's preemption loop and spawns the init process
// running the named builtin program, the hosted stand-in for spawning
// pid 1 from the root filesystem (spec.md §9's ordering terminates in
// "spawn init").
func (k *Kernel_t) Boot(initPath string) (*proc.Proc_t, defs.Err_t) {
	k.Sched.Start(schedTickPeriod)
	init, err := k.Procs.CreateProcess(0)
	if err != 0 {
		return nil, err
	}
	k.attachConsoleStdio(init)
	err = k.Procs.Exec(init, nil, k.Loader, initPath, []string{initPath}, nil)
	if err != 0 {
		return nil, err
	}
	return init, 0
}

// attachConsoleStdio opens the console device three times for stdin,
// stdout, and stderr, the hosted stand-in for init inheriting its
// controlling terminal from the bootloader.
func (k *Kernel_t) attachConsoleStdio(p *proc.Proc_t) {
	for i := 0; i < 3; i++ {
		df := device.Open(k.Devices, k.ConsoleDev, ustr.Mk("/dev/console"))
		if _, err := p.AddFile(&fd.Fd_t{Fops: df, Perms: fd.FD_READ | fd.FD_WRITE}); err != 0 {
			klog.Warnf("boot: attaching console stdio fd %d failed: %d", i, err)
			return
		}
	}
}

// Shutdown halts the scheduler's preemption loop.
func (k *Kernel_t) Shutdown() { k.Sched.Stop() }

// Open implements open(2) (spec.md §6, §4.4): path compounding, MAC
// permission check, optional creation, and dispatch to either a regular
// vfs.File_t or a device.File_t depending on the resolved node's type.
// self is the calling thread, needed so a MAC "kill" denial can terminate
// the caller without deadlocking on it.
func (k *Kernel_t) Open(p *proc.Proc_t, self *sched.Thread_t, dirfd int, path string, flags int, follow bool) (defs.Fdnum_t, defs.Err_t) {
	// flags == 0 is silently treated as O_RDONLY, a quirk spec.md §9
	// preserves rather than fixes.
	full, ok := bpath.CompoundAt(p, dirfd, ustr.Mk(path))
	if !ok {
		return -1, -defs.EBADF
	}

	perms := mac.CheckPathPermissions(p.MAC(), full)
	wantWrite := flags&(defs.O_WRONLY|defs.O_RDWR) != 0
	if (wantWrite && !perms.Write) || (!wantWrite && !perms.Read) {
		return -1, k.EnforceMAC(p, self, "open")
	}

	fs, node, err := k.VFS.Resolve(full, follow)
	if err == -defs.ENOENT && flags&defs.O_CREAT != 0 {
		fs, node, err = k.VFS.Create(full, defs.T_REGULAR)
	}
	if err != 0 {
		return -1, err
	}
	if flags&defs.O_EXCL != 0 && flags&defs.O_CREAT != 0 {
		return -1, -defs.EEXIST
	}
	if node.Type == defs.T_DIR && wantWrite {
		return -1, -defs.EINVAL
	}

	access := defs.ACC_R
	switch {
	case flags&defs.O_RDWR != 0:
		access = defs.ACC_RW
	case flags&defs.O_WRONLY != 0:
		access = defs.ACC_W
	}

	var fd_ *fd.Fd_t
	if node.Type == defs.T_CHAR || node.Type == defs.T_BLOCK {
		df := device.Open(k.Devices, device.Handle_t(node.Rdev()), full)
		fd_ = &fd.Fd_t{Fops: df}
	} else {
		vf := vfs.OpenFile(fs, node, full, access)
		if flags&defs.O_TRUNC != 0 && access != defs.ACC_R {
			vf.Truncate(0)
		}
		fd_ = &fd.Fd_t{Fops: vf}
	}

	if flags&defs.O_CLOEXEC != 0 {
		fd_.Perms |= fd.FD_CLOEXEC
	}

	return p.AddFile(fd_)
}

// killFn adapts Manager_t.DoExit to the signature mac.Enforce's "kill"
// action requires, avoiding an import cycle between mac and proc. The
// killed pid is always the calling process, so self — the calling thread,
// nil only when no thread context exists — must be threaded through to
// DoExit: otherwise FlushThreads would Wait() on the very thread running
// the enforcement check and deadlock instead of terminating.
func (k *Kernel_t) killFn(self *sched.Thread_t) func(defs.Pid_t, int) {
	return func(pid defs.Pid_t, code int) {
		if pp, ok := k.Procs.GetByPid(pid); ok {
			k.Procs.DoExit(pp, code, self)
		}
	}
}

// EnforceMAC applies p's MAC enforcement action for a denied syscall and
// returns the error to surface to the caller. The dispatcher uses this
// for its capability-bit gates; kernel.Open uses it for path permission
// denials. self is the calling thread (nil outside thread context).
func (k *Kernel_t) EnforceMAC(p *proc.Proc_t, self *sched.Thread_t, syscallName string) defs.Err_t {
	return mac.Enforce(p.MAC(), p.Pid, syscallName, k.killFn(self))
}

// IntegritySetup arms the kernel-wide integrity policy: a one-shot switch
// that freezes the kernel's global mutable state (hostname, the mount
// table, device nodes) for the rest of the boot. A second call reports
// EBUSY (spec.md §9's "global mutable kernel state... integrity policy").
func (k *Kernel_t) IntegritySetup() defs.Err_t {
	k.integrityMu.Lock()
	defer k.integrityMu.Unlock()
	if k.integrityArmed {
		return -defs.EBUSY
	}
	k.integrityArmed = true
	return 0
}

// IntegrityArmed reports whether IntegritySetup has run.
func (k *Kernel_t) IntegrityArmed() bool {
	k.integrityMu.Lock()
	defer k.integrityMu.Unlock()
	return k.integrityArmed
}

// Mmap implements the anonymous and MAP_FIXED paths of mmap(2) (spec.md
// §4.2, §6). File-backed mappings copy the backing file's bytes in rather
// than sharing pages, per vfs.File_t.Mmap's doc comment.
func (k *Kernel_t) Mmap(p *proc.Proc_t, hint uintptr, length int, prot defs.Flags_t, flags defs.Flags_t, fdn defs.Fdnum_t, off int64) (uintptr, defs.Err_t) {
	if length <= 0 {
		return 0, -defs.EINVAL
	}
	npages := (length + vm.PageSize - 1) / vm.PageSize
	alignedLen := uintptr(npages * vm.PageSize)

	virt := hint
	if flags&defs.MAP_FIXED == 0 {
		virt = p.AllocBase()
		p.RerollASLR(virt + alignedLen)
	}
	if !vm.CheckUserlandMappability(virt, alignedLen) {
		return 0, -defs.EFAULT
	}

	var content []byte
	if flags&defs.MAP_ANON != 0 {
		content = nil
	} else {
		f, err := p.GetFile(fdn)
		if err != 0 {
			return 0, err
		}
		b, err := f.Fops.Mmap(off, length, prot)
		if err != 0 {
			return 0, err
		}
		content = b
	}

	phys, err := k.Phys.Alloc(npages)
	if err != 0 {
		return 0, err
	}
	if content != nil {
		rest := content
		for i := 0; i < npages && len(rest) > 0; i++ {
			page := phys + mem.Pa_t(i*vm.PageSize)
			n := copy(k.Phys.Dmap(page), rest)
			rest = rest[n:]
		}
	}

	pteFlags := vm.PTE_U
	if prot&defs.PROT_WRITE == 0 {
		pteFlags |= vm.PTE_RO
	}
	if prot&defs.PROT_EXEC != 0 {
		pteFlags |= vm.PTE_X
	}
	if merr := p.AS.MapRange(virt, phys, alignedLen, pteFlags, true); merr != 0 {
		k.Phys.Free(phys, npages)
		return 0, merr
	}
	return virt, 0
}

// Munmap implements munmap(2).
func (k *Kernel_t) Munmap(p *proc.Proc_t, addr uintptr, length int) defs.Err_t {
	npages := (length + vm.PageSize - 1) / vm.PageSize
	return p.AS.UnmapRange(addr, uintptr(npages*vm.PageSize))
}
