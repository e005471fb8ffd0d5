// Package vm implements the per-process virtual memory manager: address
// spaces, mapping ranges, fork/map/unmap/remap, and user-pointer
// validation (spec.md §4.2). It is adapted from biscuit's src/vm package
// (Vm_t, Vmregion_t, Userdmap8_inner/Userbuf_t); the real x86_64 page
// table walk is replaced by a sparse map[uintptr]*pte keyed by page-aligned
// virtual address, since a hosted Go program has no access to CR3 or the MMU.
package vm

import (
	"sync"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/mem"
	"github.com/marrow-os/marrow/internal/util"
)

// PageSize is the page size every address space uses.
const PageSize = 4096

// Flags_t is the permission/attribute bitset for a mapping range
// (spec.md §4.2).
type Flags_t uint

const (
	PTE_U  Flags_t = 1 << iota // user_accessible
	PTE_RO                     // read_only
	PTE_X                      // executable
	PTE_G                      // global
	PTE_WT                     // write_through
)

// KernelHalfStart is the lowest virtual address of the shared kernel
// mapping; everything below it is user space, mirroring biscuit's
// mem.USERMIN split between kernel and user halves.
const KernelHalfStart = uintptr(1) << 46

// pte is one simulated page table entry.
type pte struct {
	phys    mem.Pa_t
	flags   Flags_t
	present bool
}

// Range_t is a contiguous, permission-uniform mapping inside an address
// space (spec.md §3, "mapping range").
type Range_t struct {
	VirtStart    uintptr
	PhysStart    mem.Pa_t
	Length       uintptr
	Flags        Flags_t
	IsAllocated  bool
}

func (r *Range_t) end() uintptr { return r.VirtStart + r.Length }
func (r *Range_t) overlaps(start, length uintptr) bool {
	return start < r.end() && r.VirtStart < start+length
}

// Vm_t is a process address space: a page-table wrapper plus the list of
// mapping ranges that own it (spec.md §3, "Address space"). The list has
// no size limit; MapRange rejects only misaligned, kernel-half or
// overlapping ranges.
type Vm_t struct {
	mu       sync.Mutex
	phys     *mem.Physmem_t
	kernel   *kernelHalf
	ranges   []*Range_t
	ptes     map[uintptr]*pte // keyed by page-aligned virtual address
}

// kernelHalf is the mapping shared by reference across every address
// space, mirroring biscuit's shared kernel Pmap half: device MMIO windows,
// the boot-time identity map, and anything else every process must see at
// the same virtual address without paying for a private copy.
type kernelHalf struct {
	mu     sync.Mutex
	ranges []*Range_t
	ptes   map[uintptr]*pte
}

// mapKernel installs a mapping visible from every address space backed by
// this half, such as a device/MMIO window (spec.md §4.2's "shared kernel
// half").
func (k *kernelHalf) mapKernel(virt uintptr, phys mem.Pa_t, length uintptr, flags Flags_t) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ptes == nil {
		k.ptes = make(map[uintptr]*pte)
	}
	k.ranges = append(k.ranges, &Range_t{VirtStart: virt, PhysStart: phys, Length: length, Flags: flags})
	for off := uintptr(0); off < length; off += PageSize {
		k.ptes[virt+off] = &pte{phys: phys + mem.Pa_t(off), flags: flags, present: true}
	}
}

func (k *kernelHalf) lookup(page uintptr) (*pte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.ptes[page]
	return p, ok
}

// Manager_t owns the physical allocator and the one shared kernel half
// every Vm_t references.
type Manager_t struct {
	phys   *mem.Physmem_t
	kernel *kernelHalf
}

// NewManager constructs a VMM bound to the given physical allocator.
func NewManager(phys *mem.Physmem_t) *Manager_t {
	return &Manager_t{phys: phys, kernel: &kernelHalf{}}
}

// MapKernel installs a mapping visible from every address space this
// manager produces, such as a device/MMIO window (spec.md §4.2). Nothing in
// this tree calls it, so the kernel half starts and stays empty.
func (m *Manager_t) MapKernel(virt uintptr, phys mem.Pa_t, length uintptr, flags Flags_t) {
	m.kernel.mapKernel(virt, phys, length, flags)
}

// NewMap returns a fresh address space with the shared kernel mapping
// installed (spec.md §4.2, new_map()).
func (m *Manager_t) NewMap() *Vm_t {
	return &Vm_t{
		phys:   m.phys,
		kernel: m.kernel,
		ptes:   make(map[uintptr]*pte),
	}
}

func pageAligned(v uintptr) bool { return v%PageSize == 0 }

func inKernelHalf(virt, length uintptr) bool {
	return virt >= KernelHalfStart || virt+length > KernelHalfStart
}

// MapRange inserts a non-overlapping mapping range backed by phys, the
// hosted equivalent of biscuit's map_range() (spec.md §4.2).
func (as *Vm_t) MapRange(virt uintptr, phys mem.Pa_t, length uintptr, flags Flags_t, allocated bool) defs.Err_t {
	if !pageAligned(virt) || !pageAligned(length) || length == 0 {
		return -defs.EINVAL
	}
	if inKernelHalf(virt, length) {
		return -defs.EFAULT
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.ranges {
		if r.overlaps(virt, length) {
			return -defs.EINVAL
		}
	}
	r := &Range_t{VirtStart: virt, PhysStart: phys, Length: length, Flags: flags, IsAllocated: allocated}
	as.ranges = append(as.ranges, r)
	for off := uintptr(0); off < length; off += PageSize {
		as.ptes[virt+off] = &pte{phys: phys + mem.Pa_t(off), flags: flags, present: true}
	}
	return 0
}

// findRange returns the range containing the full interval, or nil.
func (as *Vm_t) findRange(virt, length uintptr) *Range_t {
	for _, r := range as.ranges {
		if virt >= r.VirtStart && virt+length <= r.end() {
			return r
		}
	}
	return nil
}

// RemapRange updates permissions on an existing, fully-mapped range
// (spec.md §4.2, remap_range()).
func (as *Vm_t) RemapRange(virt, length uintptr, flags Flags_t) defs.Err_t {
	if !pageAligned(virt) || !pageAligned(length) {
		return -defs.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	r := as.findRange(virt, length)
	if r == nil {
		return -defs.EINVAL
	}
	r.Flags = flags
	for off := uintptr(0); off < length; off += PageSize {
		if p, ok := as.ptes[virt+off]; ok {
			p.flags = flags
		}
	}
	return 0
}

// UnmapRange removes entries over [virt, virt+length) and frees backing
// frames where the owning range has IsAllocated set. It always clears the
// simulated page-table entries — resolving the teacher's open TODO that
// munmap freed frames without clearing the PTEs (spec.md §9).
func (as *Vm_t) UnmapRange(virt, length uintptr) defs.Err_t {
	if !pageAligned(virt) || !pageAligned(length) {
		return -defs.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	// A mid-range hole splits one range into two, so the survivor list can
	// outgrow the original; it must not share the original's backing array.
	remaining := make([]*Range_t, 0, len(as.ranges)+1)
	for _, r := range as.ranges {
		switch {
		case r.VirtStart >= virt && r.end() <= virt+length:
			// fully covered: drop the range entirely
			if r.IsAllocated {
				as.freeRange(r)
			}
		case r.overlaps(virt, length):
			// partial unmap: clip the unmapped interval to this range,
			// free only the clipped span, and keep whatever survives on
			// either side.
			start := virt
			if r.VirtStart > start {
				start = r.VirtStart
			}
			end := virt + length
			if r.end() < end {
				end = r.end()
			}
			if r.IsAllocated {
				as.freePhysRange(r.PhysStart+mem.Pa_t(start-r.VirtStart), end-start)
			}
			if start > r.VirtStart {
				remaining = append(remaining, &Range_t{
					VirtStart:   r.VirtStart,
					PhysStart:   r.PhysStart,
					Length:      start - r.VirtStart,
					Flags:       r.Flags,
					IsAllocated: r.IsAllocated,
				})
			}
			if end < r.end() {
				remaining = append(remaining, &Range_t{
					VirtStart:   end,
					PhysStart:   r.PhysStart + mem.Pa_t(end-r.VirtStart),
					Length:      r.end() - end,
					Flags:       r.Flags,
					IsAllocated: r.IsAllocated,
				})
			}
		default:
			remaining = append(remaining, r)
		}
	}
	as.ranges = remaining
	for off := uintptr(0); off < length; off += PageSize {
		delete(as.ptes, virt+off)
	}
	return 0
}

func (as *Vm_t) freeRange(r *Range_t) {
	as.freePhysRange(r.PhysStart, r.Length)
}

func (as *Vm_t) freePhysRange(phys mem.Pa_t, length uintptr) {
	npages := int(length) / PageSize
	if npages == 0 {
		return
	}
	as.phys.Free(phys, npages)
}

// VirtualToPhysical page-walks the address space, returning 0 when
// unmapped (spec.md §4.2).
func (as *Vm_t) VirtualToPhysical(v uintptr) mem.Pa_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	page := util.Rounddown(v, uintptr(PageSize))
	off := v - page
	p, ok := as.ptes[page]
	if !ok {
		p, ok = as.kernel.lookup(page)
	}
	if !ok || !p.present {
		return 0
	}
	return p.phys + mem.Pa_t(off)
}

// CheckUserlandAccess returns true iff [addr, addr+length) is entirely
// mapped and user-accessible in this address space (spec.md §4.2).
func (as *Vm_t) CheckUserlandAccess(addr, length uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if length == 0 {
		return true
	}
	start := util.Rounddown(addr, uintptr(PageSize))
	end := util.Roundup(addr+length, uintptr(PageSize))
	for page := start; page < end; page += PageSize {
		p, ok := as.ptes[page]
		if !ok {
			p, ok = as.kernel.lookup(page)
		}
		if !ok || !p.present || p.flags&PTE_U == 0 {
			return false
		}
	}
	return true
}

// CheckUserlandMappability reports whether [addr, addr+length) lies wholly
// inside user space, independent of any particular address space
// (spec.md §4.2) — used to reject mmap hints that land in the kernel half.
func CheckUserlandMappability(addr, length uintptr) bool {
	if !pageAligned(addr) || !pageAligned(length) {
		return false
	}
	return !inKernelHalf(addr, length)
}

// DeleteMap releases every range with IsAllocated set and clears the page
// table. Deleting the currently loaded map is undefined behavior under
// spec.md §4.2's delete_map() contract; a hosted Vm_t has no notion of
// being loaded, so DeleteMap does not check for it.
func (as *Vm_t) DeleteMap() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.ranges {
		if r.IsAllocated {
			as.freeRange(r)
		}
	}
	as.ranges = nil
	as.ptes = make(map[uintptr]*pte)
}

// ForkMap deep-copies every user range: new frames are allocated and
// byte-copied, and permissions are replicated (spec.md §4.2, fork_map()).
// The shared kernel half is not duplicated.
func (m *Manager_t) ForkMap(src *Vm_t) (*Vm_t, defs.Err_t) {
	src.mu.Lock()
	defer src.mu.Unlock()

	child := m.NewMap()
	for _, r := range src.ranges {
		nr := &Range_t{VirtStart: r.VirtStart, Length: r.Length, Flags: r.Flags, IsAllocated: r.IsAllocated}
		if r.IsAllocated {
			npages := int(r.Length) / PageSize
			newphys, err := m.phys.Alloc(npages)
			if err != 0 {
				child.DeleteMap()
				return nil, err
			}
			copy(m.phys.Dmap(newphys)[:r.Length], src.phys.Dmap(r.PhysStart)[:r.Length])
			nr.PhysStart = newphys
		} else {
			nr.PhysStart = r.PhysStart
		}
		child.ranges = append(child.ranges, nr)
		for off := uintptr(0); off < r.Length; off += PageSize {
			child.ptes[nr.VirtStart+off] = &pte{phys: nr.PhysStart + mem.Pa_t(off), flags: nr.Flags, present: true}
		}
	}
	return child, 0
}

// Userdmap8 returns a slice mapping the user address va for reading (or
// writing, when forWrite is set), the equivalent of biscuit's
// Userdmap8_inner for a single page's worth of bytes.
func (as *Vm_t) Userdmap8(va uintptr, forWrite bool) ([]byte, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	page := util.Rounddown(va, uintptr(PageSize))
	off := va - page
	p, ok := as.ptes[page]
	if !ok {
		p, ok = as.kernel.lookup(page)
	}
	if !ok || !p.present {
		return nil, -defs.EFAULT
	}
	if forWrite && p.flags&PTE_RO != 0 {
		return nil, -defs.EFAULT
	}
	bpg := as.phys.Dmap(p.phys)
	return bpg[off:], 0
}

// CopyOut copies src into user memory starting at uva, looping across page
// boundaries (spec.md §4.2's Userbuf-style access, §7's "partial reads
// return what was transferred").
func (as *Vm_t) CopyOut(uva uintptr, src []byte) (int, defs.Err_t) {
	n := 0
	for len(src) > 0 {
		dst, err := as.Userdmap8(uva+uintptr(n), true)
		if err != 0 {
			return n, err
		}
		c := copy(dst, src)
		src = src[c:]
		n += c
	}
	return n, 0
}

// CopyIn copies len(dst) bytes from user memory at uva into dst.
func (as *Vm_t) CopyIn(uva uintptr, dst []byte) (int, defs.Err_t) {
	n := 0
	for len(dst) > 0 {
		src, err := as.Userdmap8(uva+uintptr(n), false)
		if err != 0 {
			return n, err
		}
		c := copy(dst, src)
		dst = dst[c:]
		n += c
	}
	return n, 0
}

// CopyInString copies a NUL-terminated string from user memory, up to
// lenmax bytes, mirroring biscuit's Userstr.
func (as *Vm_t) CopyInString(uva uintptr, lenmax int) (string, defs.Err_t) {
	var out []byte
	for i := 0; i < lenmax; {
		src, err := as.Userdmap8(uva+uintptr(i), false)
		if err != 0 {
			return "", err
		}
		for _, c := range src {
			if c == 0 {
				return string(out), 0
			}
			out = append(out, c)
			i++
			if i >= lenmax {
				return "", -defs.ENAMETOOLONG
			}
		}
	}
	return "", -defs.ENAMETOOLONG
}

// Ranges returns a snapshot of the current mapping ranges, for /proc-style
// introspection and tests.
func (as *Vm_t) Ranges() []Range_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]Range_t, len(as.ranges))
	for i, r := range as.ranges {
		out[i] = *r
	}
	return out
}
