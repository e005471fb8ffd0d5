package sched

import "runtime"

// defaultGoexit and defaultGosched are the real hooks Bail and reschedule
// use; split into vars so a future test can substitute a fake without a
// goroutine actually unwinding.
func defaultGoexit() { runtime.Goexit() }
func defaultGosched() { runtime.Gosched() }
