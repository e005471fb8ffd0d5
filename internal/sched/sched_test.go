package sched

import (
	"testing"
	"time"

	"github.com/marrow-os/marrow/internal/defs"
)

func TestCreateKernelThreadRunsAndReachesZombie(t *testing.T) {
	s := NewScheduler(2, 0)
	ran := make(chan struct{})
	th, err := s.CreateKernelThread(func(self *Thread_t) {
		close(ran)
	})
	if err != 0 {
		t.Fatalf("CreateKernelThread: err=%d", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("entry never ran")
	}
	th.Wait()
	if th.State() != Zombie {
		t.Fatalf("State() = %v, want Zombie", th.State())
	}
}

func TestCreateUserThreadIsUserspace(t *testing.T) {
	s := NewScheduler(1, 0)
	var isUser bool
	th, err := s.CreateUserThread(5, func(self *Thread_t) {
		isUser = self.IsUserspace()
	})
	if err != 0 {
		t.Fatalf("CreateUserThread: err=%d", err)
	}
	th.Wait()
	if !isUser {
		t.Fatal("expected CreateUserThread's entry to see IsUserspace() true")
	}
	if th.Pid != 5 {
		t.Fatalf("Pid = %d, want 5", th.Pid)
	}
}

func TestSetPreferenceClamps(t *testing.T) {
	s := NewScheduler(1, 0)
	th, err := s.CreateKernelThread(func(self *Thread_t) { <-self.quit })
	if err != 0 {
		t.Fatalf("CreateKernelThread: err=%d", err)
	}
	defer close(th.quit)

	th.SetPreference(0)
	if th.Preference() != 1 {
		t.Fatalf("Preference() = %d, want clamped to 1", th.Preference())
	}
	th.SetPreference(99)
	if th.Preference() != 20 {
		t.Fatalf("Preference() = %d, want clamped to 20", th.Preference())
	}
	th.SetPreference(10)
	if th.Preference() != 10 {
		t.Fatalf("Preference() = %d, want 10", th.Preference())
	}
}

func TestSetDeadlines(t *testing.T) {
	var th Thread_t
	if d := th.Deadlines(); d != (Deadline_t{}) {
		t.Fatalf("zero-value Deadlines() = %+v, want zero", d)
	}
	th.SetDeadlines(100, 1000)
	if d := th.Deadlines(); d.RunTimeUS != 100 || d.PeriodUS != 1000 {
		t.Fatalf("Deadlines() = %+v, want {100 1000}", d)
	}
}

func TestBail(t *testing.T) {
	s := NewScheduler(1, 0)
	started := make(chan struct{})
	th, err := s.CreateKernelThread(func(self *Thread_t) {
		close(started)
		self.Bail()
		t.Fatal("Bail must not return")
	})
	if err != 0 {
		t.Fatalf("CreateKernelThread: err=%d", err)
	}
	<-started
	th.Wait()
	if th.State() != Zombie {
		t.Fatalf("State() after Bail = %v, want Zombie", th.State())
	}
}

func TestDeleteThreadRequiresZombie(t *testing.T) {
	s := NewScheduler(1, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	th, err := s.CreateKernelThread(func(self *Thread_t) {
		close(started)
		<-release
	})
	if err != 0 {
		t.Fatalf("CreateKernelThread: err=%d", err)
	}
	<-started

	if err := s.DeleteThread(th.Tid); err != -defs.EBUSY {
		t.Fatalf("DeleteThread on running thread: err=%d, want EBUSY", err)
	}

	close(release)
	th.Wait()
	if err := s.DeleteThread(th.Tid); err != 0 {
		t.Fatalf("DeleteThread on zombie thread: err=%d", err)
	}
	if _, ok := s.GetThread(th.Tid); ok {
		t.Fatal("expected thread removed from table")
	}
}

func TestDeleteThreadUnknownTid(t *testing.T) {
	s := NewScheduler(1, 0)
	if err := s.DeleteThread(9999); err != -defs.EINVAL {
		t.Fatalf("DeleteThread(unknown): err=%d, want EINVAL", err)
	}
}

func TestBanThread(t *testing.T) {
	s := NewScheduler(1, 0)
	release := make(chan struct{})
	th, err := s.CreateKernelThread(func(self *Thread_t) { <-release })
	if err != 0 {
		t.Fatalf("CreateKernelThread: err=%d", err)
	}

	if err := s.BanThread(th.Tid, true); err != 0 {
		t.Fatalf("BanThread: err=%d", err)
	}
	if !th.isBanned() {
		t.Fatal("expected thread banned")
	}
	if err := s.BanThread(th.Tid, false); err != 0 {
		t.Fatalf("BanThread unban: err=%d", err)
	}
	if th.isBanned() {
		t.Fatal("expected thread unbanned")
	}
	close(release)
	th.Wait()
}

func TestBanThreadUnknownTid(t *testing.T) {
	s := NewScheduler(1, 0)
	if err := s.BanThread(9999, true); err != -defs.EINVAL {
		t.Fatalf("BanThread(unknown): err=%d, want EINVAL", err)
	}
}

func TestSetMono(t *testing.T) {
	var th Thread_t
	th.SetMono(true, 3)
	if th.isMono == 0 || th.monoCore != 3 {
		t.Fatalf("SetMono(true, 3): isMono=%d monoCore=%d", th.isMono, th.monoCore)
	}
	th.SetMono(false, 3)
	if th.isMono != 0 {
		t.Fatal("SetMono(false, ...) should clear isMono")
	}
}

func TestSetMonoMigratesQueuedThread(t *testing.T) {
	s := NewScheduler(3, 0)
	release := make(chan struct{})
	started := make(chan struct{})
	th, err := s.CreateKernelThread(func(self *Thread_t) {
		close(started)
		self.Yield()
		<-release
	})
	if err != 0 {
		t.Fatalf("CreateKernelThread: err=%d", err)
	}
	<-started

	// Start a second thread; spawn places it on the core with the shortest
	// ready queue.
	blocker, err := s.CreateKernelThread(func(self *Thread_t) { <-release })
	if err != 0 {
		t.Fatalf("CreateKernelThread: err=%d", err)
	}
	_ = blocker

	th.SetMono(true, 2)
	if th.core != 2 {
		t.Fatalf("core after SetMono(true, 2) = %d, want 2", th.core)
	}

	close(release)
	th.Wait()
}

func TestThreadTableFullReturnsEWouldBlock(t *testing.T) {
	s := NewScheduler(1, 1)
	release := make(chan struct{})
	defer close(release)

	_, err := s.CreateKernelThread(func(self *Thread_t) { <-release })
	if err != 0 {
		t.Fatalf("first CreateKernelThread: err=%d", err)
	}
	if _, err := s.CreateKernelThread(func(self *Thread_t) { <-release }); err != -defs.EWOULDBLOCK {
		t.Fatalf("CreateKernelThread over table limit: err=%d, want EWOULDBLOCK", err)
	}
}

func TestYieldReturnsAfterReschedule(t *testing.T) {
	s := NewScheduler(1, 0)
	done := make(chan struct{})
	_, err := s.CreateKernelThread(func(self *Thread_t) {
		self.Yield()
		close(done)
	})
	if err != 0 {
		t.Fatalf("CreateKernelThread: err=%d", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Yield never returned")
	}
}

func TestPickNextLockedPrefersHigherPreference(t *testing.T) {
	s := NewScheduler(1, 0)
	low := &Thread_t{Tid: 1, sched: s, core: 0}
	low.SetPreference(1)
	high := &Thread_t{Tid: 2, sched: s, core: 0}
	high.SetPreference(20)

	s.ready[0] = []*Thread_t{low, high}

	wins := map[defs.Tid_t]int{}
	for i := 0; i < 40; i++ {
		s.mu.Lock()
		winner := s.pickNextLocked(0)
		recordRunLocked(winner)
		s.mu.Unlock()
		wins[winner.Tid]++
	}
	if wins[high.Tid] <= wins[low.Tid] {
		t.Fatalf("higher-preference thread won %d times, lower won %d times; want high > low", wins[high.Tid], wins[low.Tid])
	}
}

func TestPickNextLockedDeprioritizesDeadlineViolator(t *testing.T) {
	s := NewScheduler(1, 0)
	a := &Thread_t{Tid: 1, sched: s, core: 0}
	a.SetPreference(10)
	a.SetDeadlines(turnQuantumUS, turnQuantumUS*4)
	b := &Thread_t{Tid: 2, sched: s, core: 0}
	b.SetPreference(10)

	s.ready[0] = []*Thread_t{a, b}

	s.mu.Lock()
	recordRunLocked(a) // a has now used its one allowed run this period
	s.mu.Unlock()

	s.mu.Lock()
	winner := s.pickNextLocked(0)
	s.mu.Unlock()
	if winner != b {
		t.Fatalf("pickNextLocked winner = tid %d, want b (tid %d) once a exceeded its deadline", winner.Tid, b.Tid)
	}
}

func TestPickNextLockedStillSelectsSoleBannedThread(t *testing.T) {
	s := NewScheduler(1, 0)
	only := &Thread_t{Tid: 1, sched: s, core: 0}
	atomicStoreBanned(only)
	s.ready[0] = []*Thread_t{only}

	s.mu.Lock()
	winner := s.pickNextLocked(0)
	s.mu.Unlock()
	if winner != only {
		t.Fatal("a lone banned thread must still be selected")
	}
}

func atomicStoreBanned(t *Thread_t) { t.banned = 1 }

func TestStartStop(t *testing.T) {
	s := NewScheduler(1, 0)
	s.Start(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	s.Stop()
}
