// Package caller tracks distinct call chains, adapted from biscuit's
// src/caller package. The kernel uses it to rate-limit repeated warnings
// (for example the MAC "scream" action) so a spinning caller doesn't flood
// the log with an identical backtrace on every iteration.
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Distinct_caller_t tracks whether a call chain has been seen before.
type Distinct_caller_t struct {
	sync.Mutex
	Enabled bool
	did     map[uintptr]bool
	Whitel  map[string]bool
}

func (dc *Distinct_caller_t) pchash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len returns the number of unique caller paths recorded.
func (dc *Distinct_caller_t) Len() int {
	dc.Lock()
	defer dc.Unlock()
	return len(dc.did)
}

// Distinct reports whether the current call chain (starting three frames up
// from the caller of Distinct) has been seen before. When it hasn't, it
// returns true along with a formatted stack trace.
func (dc *Distinct_caller_t) Distinct() (bool, string) {
	dc.Lock()
	defer dc.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.did == nil {
		dc.did = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, sz)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			return false, ""
		}
		pcs = pcs[:got]
	}
	h := dc.pchash(pcs)
	if dc.did[h] {
		return false, ""
	}
	dc.did[h] = true

	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if dc.Whitel[fr.Function] {
			return false, ""
		}
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}
