// Package stats implements the kernel's statistical counters, adapted
// from biscuit's src/stats package (Counter_t, Cycles_t, Stats2String).
// Unlike the teacher, whose counters are compiled out entirely when the
// Stats/Timing consts are false, SampleSet always collects call-site
// sample counts so the D_PROF device (internal/device.ProfDevice) has
// something real to export through google/pprof.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/google/pprof/profile"
)

// Counter_t is a simple atomic counter, as in biscuit's src/stats.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() { atomic.AddInt64((*int64)(c), 1) }

// Value reads the counter.
func (c *Counter_t) Value() int64 { return atomic.LoadInt64((*int64)(c)) }

// SampleSet accumulates named call-site sample counts, the profiling data
// the D_PROF device serializes.
type SampleSet struct {
	mu      sync.Mutex
	samples map[string]int64
}

// NewSampleSet returns an empty sample set.
func NewSampleSet() *SampleSet {
	return &SampleSet{samples: make(map[string]int64)}
}

// Record increments the sample count for the named call site (typically a
// syscall name, as recorded by the dispatcher's tracing hook).
func (s *SampleSet) Record(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[site]++
}

// ToProfile renders the accumulated samples into a pprof profile.Profile
// with a single "samples" value type, suitable for `go tool pprof`.
func (s *SampleSet) ToProfile() *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
	}
	locByName := make(map[string]*profile.Location)
	var nextID uint64 = 1
	for name, count := range s.samples {
		fn := &profile.Function{ID: nextID, Name: name}
		p.Function = append(p.Function, fn)
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		locByName[name] = loc
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{count},
		})
		nextID++
	}
	return p
}
