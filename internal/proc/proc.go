// Package proc implements the process manager: the PID table, per-process
// FD table, children tracking, exit/wait/fork/exec discipline, and the
// bridge between a process's MAC context and the scheduler's threads
// (spec.md §3's "Process", §4.7). As with internal/sched, the teacher
// repo's pared-down tree left proc/ as an empty stub, so this is grounded
// on spec.md §4.7 directly, reusing the teacher's fd.Fd_t/Cwd_t
// (src/fd/fd.go) and vm.Manager_t (src/vm/as.go) it does carry.
package proc

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/marrow-os/marrow/internal/bpath"
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fd"
	"github.com/marrow-os/marrow/internal/fdops"
	"github.com/marrow-os/marrow/internal/kconfig"
	"github.com/marrow-os/marrow/internal/loader"
	"github.com/marrow-os/marrow/internal/mac"
	"github.com/marrow-os/marrow/internal/sched"
	"github.com/marrow-os/marrow/internal/ustr"
	"github.com/marrow-os/marrow/internal/vm"
)

// Proc_t is one process (spec.md §3, "Process").
type Proc_t struct {
	mu         sync.Mutex
	Pid        defs.Pid_t
	ParentPid  defs.Pid_t
	AS         *vm.Vm_t
	fds        []*fd.Fd_t // fixed-size; nil slot is free
	children   []defs.Pid_t
	cwd        *fd.Cwd_t
	tls        uintptr
	allocBase  uintptr
	exitCode   int
	didExit    bool
	mc         *mac.Context_t
	tracerPid  defs.Pid_t
	tracerFd   int
	threads    []defs.Tid_t
	zombieCond *sync.Cond
}

// CwdPath implements bpath.Dirfd.
func (p *Proc_t) CwdPath() ustr.Ustr { return p.cwd.CwdPath() }

// FdPath implements bpath.Dirfd: a directory fd resolves to the absolute
// path its open file description was opened with. This is the
// implementation bpath.Dirfd named but had nowhere to live until the
// process manager existed to own an FD table.
func (p *Proc_t) FdPath(fdnum int) (ustr.Ustr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fdnum < 0 || fdnum >= len(p.fds) || p.fds[fdnum] == nil {
		return nil, false
	}
	return p.fds[fdnum].Fops.Path()
}

var _ bpath.Dirfd = (*Proc_t)(nil)

// Manager_t owns the PID table and the limits every bounded table (FDs,
// children, MAC filters) is sized by (spec.md §9, "bounded tables").
type Manager_t struct {
	mu       sync.Mutex
	procs    map[defs.Pid_t]*Proc_t
	nextPid  defs.Pid_t
	limits   *kconfig.Limits
	vmm      *vm.Manager_t
	sched    *sched.Scheduler_t
	waitCond *sync.Cond
}

// NewManager constructs a process manager bound to the given VMM and
// scheduler.
func NewManager(limits *kconfig.Limits, vmm *vm.Manager_t, s *sched.Scheduler_t) *Manager_t {
	m := &Manager_t{
		procs:  make(map[defs.Pid_t]*Proc_t),
		limits: limits,
		vmm:    vmm,
		sched:  s,
	}
	m.waitCond = sync.NewCond(&m.mu)
	return m
}

// RandomASLRBase draws a fresh, page-aligned user-half address from
// crypto/rand, the same entropy source internal/device's EntropyDevice
// backs /dev/urandom with (spec.md §4.7, reroll_aslr()).
func RandomASLRBase() uintptr {
	var b [8]byte
	rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) & 0x0000_7fff_ffff_f000
	return uintptr(v)
}

func (m *Manager_t) allocPid() defs.Pid_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPid++
	return m.nextPid
}

// CreateProcess allocates a fresh process with a new address space and
// empty FD table, optionally attached to parent (spec.md §4.7,
// create_process()). Fails with EMFILE once the process table holds
// limits.MaxProcesses entries, or once parent already has
// limits.MaxChildren children (spec.md §3/§9's bounded-table discipline).
func (m *Manager_t) CreateProcess(parent defs.Pid_t) (*Proc_t, defs.Err_t) {
	var par *Proc_t
	if parent != 0 {
		par, _ = m.GetByPid(parent)
	}
	// parent.mu before m.mu, the same lock order Fork and Wait use
	// (spec.md §5's fixed lock order discipline); holding it across the
	// whole build keeps the child-count check and the append atomic.
	if par != nil {
		par.mu.Lock()
		defer par.mu.Unlock()
		if m.limits.MaxChildren > 0 && len(par.children) >= m.limits.MaxChildren {
			return nil, -defs.EMFILE
		}
	}
	m.mu.Lock()
	full := m.limits.MaxProcesses > 0 && len(m.procs) >= m.limits.MaxProcesses
	m.mu.Unlock()
	if full {
		return nil, -defs.EMFILE
	}

	p := &Proc_t{
		Pid:       m.allocPid(),
		ParentPid: parent,
		AS:        m.vmm.NewMap(),
		fds:       make([]*fd.Fd_t, m.limits.MaxFds),
		mc:        mac.NewContext(),
	}
	p.zombieCond = sync.NewCond(&p.mu)
	p.cwd = fd.MkRootCwd(nil)

	m.mu.Lock()
	m.procs[p.Pid] = p
	if par != nil {
		par.children = append(par.children, p.Pid)
	}
	m.mu.Unlock()
	return p, 0
}

// DeleteProcess releases a process's slot. It is the caller's
// responsibility to have already reaped it via Wait.
func (m *Manager_t) DeleteProcess(pid defs.Pid_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, pid)
}

// GetByPid looks up a process.
func (m *Manager_t) GetByPid(pid defs.Pid_t) (*Proc_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	return p, ok
}

// GetByThread resolves the process owning a thread (spec.md §4.7,
// get_by_thread()).
func (m *Manager_t) GetByThread(tid defs.Tid_t) (*Proc_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.procs {
		p.mu.Lock()
		for _, t := range p.threads {
			if t == tid {
				p.mu.Unlock()
				return p, true
			}
		}
		p.mu.Unlock()
	}
	return nil, false
}

// ForEachOpenPath calls fn with the path of every open regular-file
// descriptor in p's FD table (fdops.Fdops_i.Path returns ok=false for
// pipes, PTYs, and anonymous devices, which fn never sees). Used by
// unmount(2)'s "fails if any file is open under it" check (spec.md §4.4).
func (p *Proc_t) ForEachOpenPath(fn func(ustr.Ustr)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.fds {
		if f == nil {
			continue
		}
		if path, ok := f.Fops.Path(); ok {
			fn(path)
		}
	}
}

// ForEachProc calls fn once per live process, snapshotting the PID table
// first so fn may itself call back into the manager without deadlocking.
func (m *Manager_t) ForEachProc(fn func(*Proc_t)) {
	m.mu.Lock()
	procs := make([]*Proc_t, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()
	for _, p := range procs {
		fn(p)
	}
}

// IsChild reports whether child is a direct child of parent.
func (m *Manager_t) IsChild(parent, child defs.Pid_t) bool {
	p, ok := m.GetByPid(parent)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.children {
		if c == child {
			return true
		}
	}
	return false
}

// Fork creates a new process cloning parent's address space (a deep copy,
// via vm.Manager_t.ForkMap), FDs (refcount-bumped), CWD, and MAC context
// (inherited with locked_mac inherited), per spec.md §4.7. Fails with
// EMFILE once the process table holds limits.MaxProcesses entries or
// parent already has limits.MaxChildren children, the same bounded-table
// discipline CreateProcess applies.
func (m *Manager_t) Fork(parent *Proc_t) (*Proc_t, defs.Err_t) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	if m.limits.MaxChildren > 0 && len(parent.children) >= m.limits.MaxChildren {
		return nil, -defs.EMFILE
	}
	m.mu.Lock()
	full := m.limits.MaxProcesses > 0 && len(m.procs) >= m.limits.MaxProcesses
	m.mu.Unlock()
	if full {
		return nil, -defs.EMFILE
	}

	childAS, err := m.vmm.ForkMap(parent.AS)
	if err != 0 {
		return nil, err
	}

	child := &Proc_t{
		Pid:       m.allocPid(),
		ParentPid: parent.Pid,
		AS:        childAS,
		fds:       make([]*fd.Fd_t, len(parent.fds)),
		mc:        parent.mc.Fork(),
		tls:       parent.tls,
	}
	child.zombieCond = sync.NewCond(&child.mu)
	child.cwd = fd.MkRootCwd(parent.cwd.Fd)
	child.cwd.SetPath(parent.cwd.Fd, parent.CwdPath())

	for i, f := range parent.fds {
		if f == nil {
			continue
		}
		nf, ferr := fd.Copyfd(f)
		if ferr != 0 {
			continue
		}
		child.fds[i] = nf
	}

	m.mu.Lock()
	m.procs[child.Pid] = child
	parent.children = append(parent.children, child.Pid)
	m.mu.Unlock()
	return child, 0
}

// AddThread records tid as belonging to p.
func (p *Proc_t) AddThread(tid defs.Tid_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, tid)
}

// RemoveThread drops tid from p's thread list.
func (p *Proc_t) RemoveThread(tid defs.Tid_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.threads {
		if t == tid {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// Threads returns a snapshot of this process's thread IDs.
func (p *Proc_t) Threads() []defs.Tid_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]defs.Tid_t, len(p.threads))
	copy(out, p.threads)
	return out
}

// FlushThreads bans and waits for every thread belonging to p to reach
// Zombie, the discipline do_exit uses before reaping a process (spec.md
// §4.7, flush_threads()).
func (m *Manager_t) FlushThreads(p *Proc_t) {
	for _, tid := range p.Threads() {
		if t, ok := m.sched.GetThread(tid); ok {
			m.sched.BanThread(tid, true)
			t.Wait()
		}
	}
}

// FlushFiles closes every open FD (spec.md §4.7, flush_files()).
func (p *Proc_t) FlushFiles() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.fds {
		if f == nil {
			continue
		}
		f.Fops.Close()
		p.fds[i] = nil
	}
}

// FlushExecFiles closes only close_on_exec FDs, the discipline exec()
// applies before installing the new binary's address space (spec.md
// §4.7).
func (p *Proc_t) FlushExecFiles() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.fds {
		if f != nil && f.CloseOnExec() {
			f.Fops.Close()
			p.fds[i] = nil
		}
	}
}

// AddFile installs f in the first free slot, failing with too_many_files
// once the table is full (spec.md §4.7, add_file()).
func (p *Proc_t) AddFile(f *fd.Fd_t) (defs.Fdnum_t, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, slot := range p.fds {
		if slot == nil {
			p.fds[i] = f
			return defs.Fdnum_t(i), 0
		}
	}
	return -1, -defs.EMFILE
}

// RemoveFile frees fdn's slot without closing the underlying description.
func (p *Proc_t) RemoveFile(fdn defs.Fdnum_t) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.validFdLocked(fdn) {
		return -defs.EBADF
	}
	p.fds[fdn] = nil
	return 0
}

// GetFile returns the FD at fdn.
func (p *Proc_t) GetFile(fdn defs.Fdnum_t) (*fd.Fd_t, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.validFdLocked(fdn) {
		return nil, -defs.EBADF
	}
	return p.fds[fdn], 0
}

// ReplaceFile installs f at fdn (used by dup2-style calls), closing
// whatever was there first.
func (p *Proc_t) ReplaceFile(fdn defs.Fdnum_t, f *fd.Fd_t) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fdn < 0 || int(fdn) >= len(p.fds) {
		return -defs.EBADF
	}
	if old := p.fds[fdn]; old != nil {
		old.Fops.Close()
	}
	p.fds[fdn] = f
	return 0
}

// IsValidFile reports whether fdn names an open description.
func (p *Proc_t) IsValidFile(fdn defs.Fdnum_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validFdLocked(fdn)
}

func (p *Proc_t) validFdLocked(fdn defs.Fdnum_t) bool {
	return fdn >= 0 && int(fdn) < len(p.fds) && p.fds[fdn] != nil
}

// RerollASLR installs base as the process's allocation base, the step
// exec() takes before installing a new address space (spec.md §4.7,
// reroll_aslr()). It does not draw the value itself: Exec passes a fresh
// RandomASLRBase(), and kernel.Mmap passes the end of its newest mapping.
func (p *Proc_t) RerollASLR(base uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocBase = base
}

// AllocBase returns the process's current randomized allocation base.
func (p *Proc_t) AllocBase() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocBase
}

// MAC returns the process's MAC context.
func (p *Proc_t) MAC() *mac.Context_t { return p.mc }

// Cwd returns the process's working-directory tracker.
func (p *Proc_t) Cwd() *fd.Cwd_t { return p.cwd }

// SetTracer attaches a tracer to this process (spec.md §3's
// tracer_pid/tracer_fd pair): tracer is the tracing process's pid, fdn a
// slot in the tracer's FD table that receives one line per traced
// syscall. A process already being traced reports EBUSY.
func (p *Proc_t) SetTracer(tracer defs.Pid_t, fdn int) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tracerPid != 0 {
		return -defs.EBUSY
	}
	p.tracerPid = tracer
	p.tracerFd = fdn
	return 0
}

// ClearTracerBy detaches the tracer, but only for the process that
// attached it.
func (p *Proc_t) ClearTracerBy(tracer defs.Pid_t) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tracerPid == 0 {
		return -defs.EINVAL
	}
	if p.tracerPid != tracer {
		return -defs.EPERM
	}
	p.tracerPid, p.tracerFd = 0, 0
	return 0
}

// ClearTracer drops the tracer unconditionally; the dispatcher uses it
// when the tracer has exited or closed its recording fd.
func (p *Proc_t) ClearTracer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracerPid, p.tracerFd = 0, 0
}

// Tracer returns the attached tracer's pid and recording fd, if any.
func (p *Proc_t) Tracer() (defs.Pid_t, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracerPid, p.tracerFd, p.tracerPid != 0
}

// ExitCode and DidExit expose the zombie state wait(2) reaps, for tests and
// introspection.
func (p *Proc_t) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Proc_t) DidExit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.didExit
}

// DoExit flushes p's threads and open files, records its exit state, and
// wakes any waiter blocked in Wait, per spec.md §4.7's do_exit() contract.
// When self is non-nil (a thread exiting itself — including a MAC "kill"
// enforcement triggered from one of p's own threads), self is excluded
// from the thread flush and then bailed last, so do_exit never returns to
// its caller. self may only be nil when no thread of p is on the calling
// stack; passing nil from one of p's own threads would deadlock
// FlushThreads waiting on that thread.
func (m *Manager_t) DoExit(p *Proc_t, code int, self *sched.Thread_t) {
	if self != nil {
		p.RemoveThread(self.Tid)
	}
	m.FlushThreads(p)
	p.FlushFiles()

	p.mu.Lock()
	p.exitCode = code
	p.didExit = true
	p.mu.Unlock()

	m.mu.Lock()
	m.waitCond.Broadcast()
	m.mu.Unlock()

	if self != nil {
		self.Bail()
	}
}

// Wait blocks until the named child (pid == -1 means any child) has
// exited, then reaps it: frees its address space and PID slot and returns
// its PID plus the wait(2)-encoded exit status (spec.md §4.7, wait()).
// WNOHANG in opt returns immediately (pid 0, no error) if no child has
// exited yet. Waiting on a pid that is not parent's child fails with
// ECHILD. The any-child path iterates every child rather than checking
// only the first, per spec.md §9's correction of the teacher's historical
// bug.
func (m *Manager_t) Wait(parent *Proc_t, pid defs.Pid_t, opt int) (defs.Pid_t, int, defs.Err_t) {
	for {
		// Lock order matches Fork's (parent.mu before m.mu), per spec.md
		// §5's fixed lock order discipline.
		parent.mu.Lock()
		m.mu.Lock()

		if pid != -1 {
			isChild := false
			for _, c := range parent.children {
				if c == pid {
					isChild = true
					break
				}
			}
			if !isChild {
				m.mu.Unlock()
				parent.mu.Unlock()
				return 0, 0, -defs.ECHILD
			}
		} else if len(parent.children) == 0 {
			m.mu.Unlock()
			parent.mu.Unlock()
			return 0, 0, -defs.ECHILD
		}

		var target *Proc_t
		targetIdx := -1
		for i, c := range parent.children {
			if c == 0 || (pid != -1 && c != pid) {
				continue
			}
			cp, ok := m.procs[c]
			if !ok {
				continue
			}
			m.mu.Unlock()
			exited := cp.DidExit()
			m.mu.Lock()
			if exited {
				target, targetIdx = cp, i
				break
			}
		}

		if target == nil {
			if opt&defs.WNOHANG != 0 {
				m.mu.Unlock()
				parent.mu.Unlock()
				return 0, 0, 0
			}
			parent.mu.Unlock()
			m.waitCond.Wait()
			m.mu.Unlock()
			continue
		}

		parent.children = append(parent.children[:targetIdx], parent.children[targetIdx+1:]...)
		code := target.ExitCode()
		delete(m.procs, target.Pid)
		m.mu.Unlock()
		parent.mu.Unlock()

		target.AS.DeleteMap()
		return target.Pid, defs.Encode(code, true), 0
	}
}

// execRuntime implements loader.Runtime_i for a builtin program running
// as the result of Exec, bridging its Write/Exit calls back into the
// process's fd table and the process manager's exit discipline.
type execRuntime struct {
	p    *Proc_t
	self *sched.Thread_t
	m    *Manager_t
}

func (r *execRuntime) Write(fdn int, b []byte) (int, defs.Err_t) {
	f, err := r.p.GetFile(defs.Fdnum_t(fdn))
	if err != 0 {
		return 0, err
	}
	return f.Fops.Write(fdops.NewFakeubuf(b))
}

func (r *execRuntime) Exit(code int) {
	r.m.DoExit(r.p, code, r.self)
}

var _ loader.Runtime_i = (*execRuntime)(nil)

// Exec implements spec.md §4.7's exec(): it checks MAC execute permission,
// loads the binary, and — following the "abort" discipline spec.md §9
// resolves exec's ambiguous failure behavior with — builds the replacement
// address space before touching p.AS, so any failure up to that point
// leaves the old map and old threads running untouched. It also prechecks
// the scheduler's thread table before that point, since starting the
// loaded program's thread is the one step of exec that can itself fail
// with would_block (spec.md §4.6); a thread table that is already full is
// caught here, before p.FlushThreads/FlushExecFiles run, so a failed exec
// never leaves the process without its old threads. Only once the new map
// is ready does it flush close_on_exec files and threads, re-roll ASLR,
// install the new map, and start a fresh thread running the loaded
// program; the calling thread then bails and never returns.
func (m *Manager_t) Exec(p *Proc_t, self *sched.Thread_t, ld loader.Loader_i, path string, argv, envp []string) defs.Err_t {
	perms := mac.CheckPathPermissions(p.mc, ustr.Mk(path))
	if !perms.Execute {
		// self rides along so a "kill" enforcement excludes the calling
		// thread from the flush and bails it, instead of waiting on it.
		return mac.Enforce(p.mc, p.Pid, "exec", func(pid defs.Pid_t, code int) {
			if pp, ok := m.GetByPid(pid); ok {
				m.DoExit(pp, code, self)
			}
		})
	}

	prog, err := ld.Load(path)
	if err != 0 {
		return err
	}

	if m.sched.Full() {
		return -defs.EWOULDBLOCK
	}

	// Build the replacement address space now, before any of p's existing
	// state is touched; a real loader's program-header mapping would run
	// here and could fail, in which case newAS is simply discarded.
	newAS := m.vmm.NewMap()

	if self != nil {
		p.RemoveThread(self.Tid)
	}
	m.FlushThreads(p)
	p.FlushExecFiles()

	p.AS = newAS
	p.RerollASLR(RandomASLRBase())

	t, terr := m.sched.CreateUserThread(p.Pid, func(t *sched.Thread_t) {
		rt := &execRuntime{p: p, self: t, m: m}
		prog(rt, argv, envp)
	})
	if terr != 0 {
		// The precheck above passed but the table filled in the window
		// before this call; p's old threads are already flushed, so there
		// is nothing left to do but report the failure and bail self the
		// same as any other exec error.
		if self != nil {
			self.Bail()
		}
		return terr
	}
	p.AddThread(t.Tid)

	if self != nil {
		self.Bail()
	}
	return 0
}
