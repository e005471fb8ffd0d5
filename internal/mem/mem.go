// Package mem implements the physical page allocator (spec.md §4.1) and the
// "direct map" that lets the kernel address physical frames as ordinary Go
// byte slices. It is adapted from biscuit's src/mem package, with the
// patched-runtime fast paths (runtime.CPUHint, runtime.Get_phys,
// runtime.MAXCPUS) replaced by a host-backed byte arena behind a single
// lock, since a hosted Go program cannot address real physical memory or a
// custom scheduler hook.
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/marrow-os/marrow/internal/defs"
)

// Pa_t is a physical address: an offset into the arena.
type Pa_t uintptr

// physpg_t is the per-frame bookkeeping entry, mirroring biscuit's
// Physpg_t refcount field; the free-list link biscuit threads through
// Physpg_t.nexti is replaced by a plain scan (see Alloc) since there is no
// per-CPU fast path to feed without the patched runtime's CPUHint().
type physpg_t struct {
	refcnt int32
}

// Physmem_t is the global physical memory allocator: a refcounted bank of
// fixed-size frames plus statistics, per spec.md §4.1 and §3 ("Physical
// frame"). biscuit shards its free list per-CPU via runtime.CPUHint();
// that fast path depends on a patched runtime this host build does not
// have, so all frames share one coarse lock instead.
type Physmem_t struct {
	arena    []byte
	pageSize int
	pgs      []physpg_t
	mu       sync.Mutex
	total    int
}

// NewPhysmem allocates a fresh arena of npages frames of pagesize bytes
// each, the hosted equivalent of biscuit's Phys_init walking the
// bootloader memory map.
func NewPhysmem(npages, pagesize int) *Physmem_t {
	return &Physmem_t{
		arena:    make([]byte, npages*pagesize),
		pageSize: pagesize,
		pgs:      make([]physpg_t, npages),
		total:    npages,
	}
}

// Alloc reserves n contiguous pages and returns the base physical address
// of a zeroed region. It fails with ENOMEM when no contiguous run of that
// length is free (spec.md §4.1).
func (p *Physmem_t) Alloc(n int) (Pa_t, defs.Err_t) {
	if n <= 0 {
		panic("bad page count")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// Simple first-fit scan across the frame table; biscuit's allocator
	// only ever hands out single frames via the free list fast path, so
	// multi-page regions fall back to a linear scan here too.
	run := 0
	start := -1
	for i := 0; i < p.total; i++ {
		if p.pgs[i].refcnt == 0 {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					p.pgs[j].refcnt = 1
				}
				base := Pa_t(start * p.pageSize)
				clear(p.frame(base, n*p.pageSize))
				return base, 0
			}
		} else {
			run = 0
		}
	}
	return 0, -defs.ENOMEM
}

// Free releases the n pages beginning at base back to the allocator.
func (p *Physmem_t) Free(base Pa_t, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := int(base) / p.pageSize
	for j := start; j < start+n; j++ {
		if p.pgs[j].refcnt <= 0 {
			panic("double free")
		}
		p.pgs[j].refcnt = 0
	}
}

// Refup increments a single frame's reference count, for copy-on-write
// sharing across fork.
func (p *Physmem_t) Refup(base Pa_t) {
	idx := int(base) / p.pageSize
	atomic.AddInt32(&p.pgs[idx].refcnt, 1)
}

// Refdown decrements a frame's reference count and frees it when it hits
// zero, returning whether it was freed.
func (p *Physmem_t) Refdown(base Pa_t) bool {
	idx := int(base) / p.pageSize
	c := atomic.AddInt32(&p.pgs[idx].refcnt, -1)
	if c < 0 {
		panic("refcount underflow")
	}
	return c == 0
}

// Refcnt returns a frame's current reference count.
func (p *Physmem_t) Refcnt(base Pa_t) int {
	idx := int(base) / p.pageSize
	return int(atomic.LoadInt32(&p.pgs[idx].refcnt))
}

// Dmap returns the direct-mapped byte slice backing the single page at
// base, the hosted stand-in for biscuit's Dmap() pointer arithmetic into
// the recursive mapping.
func (p *Physmem_t) Dmap(base Pa_t) []byte {
	return p.frame(base, p.pageSize)
}

func (p *Physmem_t) frame(base Pa_t, n int) []byte {
	return p.arena[int(base) : int(base)+n]
}

// PageSize returns the configured page size in bytes.
func (p *Physmem_t) PageSize() int { return p.pageSize }

// Stats_t reports the allocator's current statistics (spec.md §4.1's
// stats() operation).
type Stats_t struct {
	Total int
	Free  int
	Used  int
}

// Stats returns a snapshot of page usage.
func (p *Physmem_t) Stats() Stats_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := 0
	for i := range p.pgs {
		if p.pgs[i].refcnt == 0 {
			free++
		}
	}
	return Stats_t{Total: p.total, Free: free, Used: p.total - free}
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
