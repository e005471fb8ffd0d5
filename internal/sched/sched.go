// Package sched implements the pre-emptive thread scheduler: per-core
// ready queues, preference-weighted selection, deadline hints, mono-core
// pinning, and the yield/bail/idle_core primitives (spec.md §4.6). Real
// hardware preemption (timer ISR, LAPIC) has no analogue in a hosted Go
// process, so this package simulates it: each thread keeps its own
// always-running goroutine, and preference/deadline/mono are consulted only
// at the one point a thread voluntarily gives up its core, via classic
// stride scheduling over the core's ready queue (documented in
// SPEC_FULL.md §4.6 as a deliberate simulation, not a claim of real
// priority scheduling). There is no equivalent package in the teacher
// repo's pared-down tree (its proc/ and kernel/ packages are stubs); this
// is grounded on spec.md §4.6's operation list and state machine instead.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marrow-os/marrow/internal/defs"
)

// State_t is a thread's scheduling state (spec.md §3, "Thread").
type State_t int32

const (
	Ready State_t = iota
	Running
	Blocked
	Zombie
)

// Deadline_t is the optional run_time/period hint a thread can set,
// observed for deprioritization rather than enforced as a hard guarantee.
type Deadline_t struct {
	RunTimeUS int64
	PeriodUS  int64
}

// EntryFunc is a thread's body. It receives the Thread_t scheduling the
// call is running on, so get_current_thread is just the receiver rather
// than a goroutine-local lookup this host environment has no clean way to
// provide.
type EntryFunc func(self *Thread_t)

// strideBase is the numerator of the stride-scheduling stride; a thread's
// stride is strideBase/preference, so higher preference advances pass more
// slowly and wins proportionally more turns.
const strideBase = 1 << 20

// deadlinePenalty is added to a thread's effective pass, for selection
// purposes only, once it has exhausted its run_time allotment within the
// current period — enough to lose against any thread still inside its
// budget, never enough to starve it permanently against other
// already-penalized threads.
const deadlinePenalty = int64(1) << 30

// turnQuantumUS is the fixed duration a single scheduler turn is deemed to
// last, for the purpose of checking a thread's declared run_time/period
// against turn counts. There is no real wall-clock execution accounting in
// a cooperative goroutine simulation, so turns stand in for time.
const turnQuantumUS = 1000

func stride(preference int) int64 {
	if preference < 1 {
		preference = 1
	}
	return strideBase / int64(preference)
}

// Thread_t is one schedulable thread (spec.md §3, "Thread"). A bounded
// table indexed by Tid is simulated by Scheduler_t's map, since a hosted
// process has no fixed-size kernel memory region to carve a table from.
// pass, turnCount, periodStart, and runsThisPeriod are stride-scheduling
// bookkeeping, touched only while the owning Scheduler_t's mutex is held.
type Thread_t struct {
	Tid        defs.Tid_t
	Pid        defs.Pid_t
	preference int32 // atomic, 1..20
	banned     int32 // atomic bool
	isMono     int32 // atomic bool
	monoCore   int32
	isUser     bool
	state      int32        // atomic State_t
	deadline   atomic.Value // Deadline_t

	sched *Scheduler_t
	core  int
	quit  chan struct{}
	done  chan struct{}

	pass           int64
	turnCount      int64
	periodStart    int64
	runsThisPeriod int32
}

func (t *Thread_t) State() State_t     { return State_t(atomic.LoadInt32(&t.state)) }
func (t *Thread_t) setState(s State_t) { atomic.StoreInt32(&t.state, int32(s)) }

// IsUserspace reports whether this thread executes user code, per
// spec.md §4.6's is_userspace operation.
func (t *Thread_t) IsUserspace() bool { return t.isUser }

// Preference returns the thread's scheduling weight in [1, 20].
func (t *Thread_t) Preference() int { return int(atomic.LoadInt32(&t.preference)) }

// SetPreference updates the thread's scheduling weight, clamped to
// [1, 20] (spec.md §3, "Thread"). Takes effect on the thread's next stride
// advance; it does not retroactively rewrite pass already accrued.
func (t *Thread_t) SetPreference(p int) {
	if p < 1 {
		p = 1
	}
	if p > 20 {
		p = 20
	}
	atomic.StoreInt32(&t.preference, int32(p))
}

// SetDeadlines records a (run_time, period) hint used to deprioritize
// threads that violate it (spec.md §4.6).
func (t *Thread_t) SetDeadlines(runTimeUS, periodUS int64) {
	t.deadline.Store(Deadline_t{RunTimeUS: runTimeUS, PeriodUS: periodUS})
}

// Deadlines returns the thread's current (run_time, period) hint, or the
// zero value if none was ever set.
func (t *Thread_t) Deadlines() Deadline_t {
	v := t.deadline.Load()
	if v == nil {
		return Deadline_t{}
	}
	return v.(Deadline_t)
}

// SetMono pins or unpins this thread to a single core (spec.md §4.6: "mono
// ... allowed to run only on a single designated core"), migrating its
// ready-queue membership immediately if it is currently queued. A
// zero-value Thread_t not yet handed out by a Scheduler_t (as tests build
// to exercise the getter/setter alone) just records the flags.
func (t *Thread_t) SetMono(mono bool, core int) {
	s := t.sched
	if s == nil {
		if mono {
			atomic.StoreInt32(&t.isMono, 1)
			atomic.StoreInt32(&t.monoCore, int32(core))
		} else {
			atomic.StoreInt32(&t.isMono, 0)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.isReadyLocked(t)
	if queued {
		s.removeReadyLocked(t)
	}
	if mono {
		atomic.StoreInt32(&t.isMono, 1)
		atomic.StoreInt32(&t.monoCore, int32(core))
		t.core = s.normalizeCore(core)
	} else {
		atomic.StoreInt32(&t.isMono, 0)
	}
	if queued {
		s.addReadyLocked(t)
	}
}

func (t *Thread_t) isBanned() bool { return atomic.LoadInt32(&t.banned) != 0 }

// Yield voluntarily relinquishes the core, the equivalent of biscuit-style
// cooperative rescheduling (spec.md §4.6). It returns once the thread is
// re-selected to run.
func (t *Thread_t) Yield() {
	t.sched.reschedule(t)
}

// Bail self-terminates and never returns, per spec.md §4.6's bail
// operation: the thread is marked zombie and its goroutine exits.
func (t *Thread_t) Bail() {
	t.setState(Zombie)
	close(t.done)
	runtimeGoexit()
}

// runtimeGoexit is split out so tests can observe Bail without actually
// terminating the calling goroutine via runtime.Goexit; in production
// code it is runtime.Goexit.
var runtimeGoexit = defaultGoexit

// Scheduler_t owns the set of cores and the global thread table.
type Scheduler_t struct {
	mu         sync.Mutex
	ncores     int
	maxThreads int
	ready      [][]*Thread_t // per-core ready queues
	threads    map[defs.Tid_t]*Thread_t
	nextTid    defs.Tid_t
	tick       *time.Ticker
	stop       chan struct{}
}

// NewScheduler constructs a scheduler simulating ncores hardware cores with
// a thread table bounded at maxThreads (spec.md §4.6: "creation fails with
// would_block when the thread table is full"). maxThreads <= 0 leaves the
// table unbounded.
func NewScheduler(ncores, maxThreads int) *Scheduler_t {
	if ncores < 1 {
		ncores = 1
	}
	s := &Scheduler_t{
		ncores:     ncores,
		maxThreads: maxThreads,
		ready:      make([][]*Thread_t, ncores),
		threads:    make(map[defs.Tid_t]*Thread_t),
		stop:       make(chan struct{}),
	}
	return s
}

// Start runs a time.Ticker loop standing in for the timer ISR. Its ticks
// trigger no reschedule: threads contest for their core only in Yield.
func (s *Scheduler_t) Start(period time.Duration) {
	s.tick = time.NewTicker(period)
	go func() {
		for {
			select {
			case <-s.tick.C:
				// A real timer ISR forces a context switch; here, threads
				// cooperatively check in via Yield, so the tick only
				// exists to document where that hook would fire.
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the preemption-check loop.
func (s *Scheduler_t) Stop() {
	if s.tick != nil {
		s.tick.Stop()
	}
	close(s.stop)
}

func (s *Scheduler_t) addReadyLocked(t *Thread_t) {
	s.ready[t.core] = append(s.ready[t.core], t)
}

func (s *Scheduler_t) removeReadyLocked(t *Thread_t) {
	q := s.ready[t.core]
	for i, o := range q {
		if o == t {
			s.ready[t.core] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (s *Scheduler_t) isReadyLocked(t *Thread_t) bool {
	for _, o := range s.ready[t.core] {
		if o == t {
			return true
		}
	}
	return false
}

// ReadyCount reports how many threads are currently queued, not running,
// on the given core — used by tests and introspection tooling.
func (s *Scheduler_t) ReadyCount(core int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready[core])
}

func (s *Scheduler_t) normalizeCore(core int) int {
	core %= s.ncores
	if core < 0 {
		core += s.ncores
	}
	return core
}

// pickCoreLocked chooses the core a new, non-mono thread should start on:
// whichever has the shortest ready queue. Mono threads go straight to their
// designated core, migrated later by SetMono if pinned after creation.
func (s *Scheduler_t) pickCoreLocked(mono bool, monoCore int) int {
	if mono {
		return s.normalizeCore(monoCore)
	}
	best, bestLen := 0, len(s.ready[0])
	for i := 1; i < s.ncores; i++ {
		if len(s.ready[i]) < bestLen {
			best, bestLen = i, len(s.ready[i])
		}
	}
	return best
}

// minPassLocked returns the lowest pass currently queued on core, so a
// freshly spawned thread joins at the front of the stride-scheduling order
// instead of starting at zero and monopolizing the core until every
// already-queued thread's pass catches up.
func (s *Scheduler_t) minPassLocked(core int) int64 {
	q := s.ready[core]
	if len(q) == 0 {
		return 0
	}
	m := q[0].pass
	for _, o := range q[1:] {
		if o.pass < m {
			m = o.pass
		}
	}
	return m
}

func (s *Scheduler_t) spawn(pid defs.Pid_t, isUser bool, preference int, entry EntryFunc) (*Thread_t, defs.Err_t) {
	t := &Thread_t{
		Pid:        pid,
		preference: int32(preference),
		isUser:     isUser,
		sched:      s,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	t.setState(Ready)

	s.mu.Lock()
	if s.maxThreads > 0 && len(s.threads) >= s.maxThreads {
		s.mu.Unlock()
		return nil, -defs.EWOULDBLOCK
	}
	s.nextTid++
	t.Tid = s.nextTid
	t.core = s.pickCoreLocked(false, 0)
	t.pass = s.minPassLocked(t.core)
	s.threads[t.Tid] = t
	s.addReadyLocked(t)
	s.mu.Unlock()

	go func() {
		s.mu.Lock()
		s.removeReadyLocked(t)
		s.mu.Unlock()
		t.setState(Running)
		defer func() {
			t.setState(Zombie)
			s.mu.Lock()
			s.removeReadyLocked(t)
			s.mu.Unlock()
			select {
			case <-t.done:
				// Bail already closed it.
			default:
				close(t.done)
			}
		}()
		entry(t)
	}()
	return t, 0
}

// CreateKernelThread starts a thread running entry with kernel
// privilege (spec.md §4.6), failing with EWOULDBLOCK if the thread table
// is full.
func (s *Scheduler_t) CreateKernelThread(entry EntryFunc) (*Thread_t, defs.Err_t) {
	return s.spawn(0, false, 10, entry)
}

// CreateUserThread starts a thread running entry under the given pid with
// user privilege (spec.md §4.6), failing with EWOULDBLOCK if the thread
// table is full. The original signature names gp_state, map, stack, and
// tls explicitly; this simulation folds them into the closure entry
// already carries, since there is no real register file or page table to
// install them into.
func (s *Scheduler_t) CreateUserThread(pid defs.Pid_t, entry EntryFunc) (*Thread_t, defs.Err_t) {
	return s.spawn(pid, true, 10, entry)
}

// DeleteThread removes tid from the thread table once it has reached
// Zombie state.
func (s *Scheduler_t) DeleteThread(tid defs.Tid_t) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return -defs.EINVAL
	}
	if t.State() != Zombie {
		return -defs.EBUSY
	}
	delete(s.threads, tid)
	return 0
}

// BanThread sets or clears a thread's banned flag; banned threads lose
// every contest against a non-banned rival but are still selected when
// they are the only ready thread on their core, so a ban can never by
// itself deadlock a caller waiting on Wait (spec.md §4.6).
func (s *Scheduler_t) BanThread(tid defs.Tid_t, banned bool) defs.Err_t {
	s.mu.Lock()
	t, ok := s.threads[tid]
	s.mu.Unlock()
	if !ok {
		return -defs.EINVAL
	}
	if banned {
		atomic.StoreInt32(&t.banned, 1)
	} else {
		atomic.StoreInt32(&t.banned, 0)
	}
	return 0
}

// GetThread looks up a thread by tid.
func (s *Scheduler_t) GetThread(tid defs.Tid_t) (*Thread_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	return t, ok
}

// Full reports whether the thread table is at its configured capacity, for
// callers that need to check before doing work that cannot be cleanly
// undone if CreateUserThread/CreateKernelThread then failed with
// EWOULDBLOCK (spec.md §9's abort discipline).
func (s *Scheduler_t) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxThreads > 0 && len(s.threads) >= s.maxThreads
}

// deadlineExceededLocked reports whether t has used up its run_time
// allotment within the current period, per its most recently declared
// Deadline_t. Threads with no declared deadline are never penalized.
func deadlineExceededLocked(t *Thread_t) bool {
	dl := t.Deadlines()
	if dl.RunTimeUS <= 0 || dl.PeriodUS <= 0 {
		return false
	}
	turnsPerPeriod := dl.PeriodUS / turnQuantumUS
	if turnsPerPeriod < 1 {
		turnsPerPeriod = 1
	}
	if t.turnCount-t.periodStart >= turnsPerPeriod {
		return false // period has rolled over; not yet observed as a violation
	}
	allowedRuns := dl.RunTimeUS / turnQuantumUS
	if allowedRuns < 1 {
		allowedRuns = 1
	}
	return int64(t.runsThisPeriod) >= allowedRuns
}

// effectivePassLocked is t's stride-scheduling pass, penalized if t has
// run past its declared deadline within the current period.
func effectivePassLocked(t *Thread_t) int64 {
	if deadlineExceededLocked(t) {
		return t.pass + deadlinePenalty
	}
	return t.pass
}

// betterCandidateLocked reports whether cand should replace cur as the
// scheduler's pick: non-banned always beats banned, and among threads with
// the same banned status, lower effective pass wins.
func betterCandidateLocked(cand, cur *Thread_t) bool {
	candBanned, curBanned := cand.isBanned(), cur.isBanned()
	if candBanned != curBanned {
		return !candBanned
	}
	return effectivePassLocked(cand) < effectivePassLocked(cur)
}

// pickNextLocked runs one round of stride-scheduling selection over core's
// ready queue, returning nil if the queue is empty.
func (s *Scheduler_t) pickNextLocked(core int) *Thread_t {
	q := s.ready[core]
	if len(q) == 0 {
		return nil
	}
	winner := q[0]
	for _, t := range q[1:] {
		if betterCandidateLocked(t, winner) {
			winner = t
		}
	}
	return winner
}

// recordRunLocked advances t's stride-scheduling bookkeeping for the turn
// it is about to run: pass moves forward by stride(preference), and the
// deadline run-count resets at each period boundary.
func recordRunLocked(t *Thread_t) {
	dl := t.Deadlines()
	if dl.RunTimeUS > 0 && dl.PeriodUS > 0 {
		turnsPerPeriod := dl.PeriodUS / turnQuantumUS
		if turnsPerPeriod < 1 {
			turnsPerPeriod = 1
		}
		if t.turnCount-t.periodStart >= turnsPerPeriod {
			t.periodStart = t.turnCount
			t.runsThisPeriod = 0
		}
		t.runsThisPeriod++
	}
	t.turnCount++
	t.pass += stride(t.Preference())
}

// reschedule implements voluntary yield: the thread re-enters its core's
// ready queue and contests for re-selection via stride scheduling, weighted
// by preference and deprioritized by deadline violation (spec.md §4.6).
// Concurrency among non-contesting threads is otherwise provided by the Go
// runtime itself, so this is only a real contest when multiple threads on
// the same core are yielding at once.
func (s *Scheduler_t) reschedule(t *Thread_t) {
	if t.State() == Zombie {
		return
	}
	t.setState(Ready)
	s.mu.Lock()
	s.addReadyLocked(t)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.pickNextLocked(t.core) == t {
			s.removeReadyLocked(t)
			recordRunLocked(t)
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		runtimeGosched()
	}
	t.setState(Running)
}

var runtimeGosched = defaultGosched

// IdleCore stands in for a core halting with interrupts enabled while its
// ready queue is empty (spec.md §4.6): it sleeps for one millisecond and
// returns.
func (s *Scheduler_t) IdleCore(core int) {
	time.Sleep(time.Millisecond)
}

// Wait blocks until tid reaches Zombie state.
func (t *Thread_t) Wait() {
	<-t.done
}
