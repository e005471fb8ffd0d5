// Package device implements the device registry: a bounded name→resource
// table reached through a uniform read/write/ioctl/mmap/munmap/sync
// vtable (spec.md §4.3). It generalizes biscuit's ad-hoc device constants
// (src/defs/device.go) and the Disk_i/Blockmem_i interfaces scattered
// through src/fs/blk.go into one polymorphic Ops_i per spec.md §9's note
// that vtables should expose an explicit capability union rather than nil
// function pointers.
package device

import (
	"sync"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"unicode"

	"github.com/marrow-os/marrow/internal/defs"
)

// Handle_t is the small integer identifying a registered device. Zero is
// reserved for "no device" / error.
type Handle_t int

const maxNameLen = 64

// Ops_i is the capability union a device resource may implement. A device
// provides every method, but the registry only dispatches to the ones whose
// Caps bit is set: an absent Read, Write, Ioctl or Mmap reports ENOTSUP,
// and an absent Sync or Munmap is a silent no-op returning 0.
type Ops_i interface {
	Sync() defs.Err_t
	Read(buf []byte, off int64) (int, defs.Err_t)
	Write(buf []byte, off int64) (int, defs.Err_t)
	Ioctl(cmd int, arg uintptr) (int, defs.Err_t)
	Mmap(off int64, length int) ([]byte, defs.Err_t)
	Munmap(off int64, length int) defs.Err_t
}

// Caps describes which of Ops_i's operations a resource actually
// implements, since spec.md §3 requires absent capabilities to be
// represented explicitly rather than left to a nil check.
type Caps struct {
	Sync, Read, Write, Ioctl, Mmap, Munmap bool
}

// Resource is a registered device: capability set, geometry, and the
// concrete Ops_i plus its serializing mutex (spec.md §3, "Device
// resource").
type Resource struct {
	mu         sync.Mutex
	Name       string
	Ops        Ops_i
	Caps       Caps
	IsBlock    bool
	BlockSize  int
	BlockCount int
	handle     Handle_t
}

// Handle returns the resource's stable small-integer ID.
func (r *Resource) Handle() Handle_t { return r.handle }

// Registry_t is the bounded device table (spec.md §4.3).
type Registry_t struct {
	mu        sync.Mutex
	byHandle  map[Handle_t]*Resource
	byName    map[string]Handle_t
	nextH     Handle_t
	maxDevices int
}

// NewRegistry constructs an empty registry bounded to maxDevices entries.
func NewRegistry(maxDevices int) *Registry_t {
	return &Registry_t{
		byHandle:   make(map[Handle_t]*Resource),
		byName:     make(map[string]Handle_t),
		nextH:      1,
		maxDevices: maxDevices,
	}
}

// sanitizeName enforces "printable ASCII" on a device name using a real
// transform pipeline (golang.org/x/text/runes) rather than a hand-rolled
// byte loop, per SPEC_FULL.md's domain-stack wiring.
func sanitizeName(name string) (string, bool) {
	t := runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII || !unicode.IsPrint(r)
	}))
	out, _, err := transform.String(t, name)
	if err != nil {
		return "", false
	}
	return out, out == name
}

// Register adds a device under name, enforcing the uniqueness and length
// constraints spec.md §4.3 specifies.
func (reg *Registry_t) Register(name string, ops Ops_i, caps Caps, isBlock bool, blockSize, blockCount int) (Handle_t, defs.Err_t) {
	clean, ok := sanitizeName(name)
	if !ok || len(clean) == 0 || len(clean) > maxNameLen {
		return 0, -defs.EINVAL
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.byName[clean]; exists {
		return 0, -defs.EEXIST
	}
	if len(reg.byHandle) >= reg.maxDevices {
		return 0, -defs.EMFILE
	}
	h := reg.nextH
	reg.nextH++
	r := &Resource{Name: clean, Ops: ops, Caps: caps, IsBlock: isBlock, BlockSize: blockSize, BlockCount: blockCount, handle: h}
	reg.byHandle[h] = r
	reg.byName[clean] = h
	return h, 0
}

// Fetch performs the linear scan by name spec.md §4.3 describes.
func (reg *Registry_t) Fetch(name string) (Handle_t, defs.Err_t) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if h, ok := reg.byName[name]; ok {
		return h, 0
	}
	return 0, -defs.ENOENT
}

func (reg *Registry_t) resource(h Handle_t) (*Resource, defs.Err_t) {
	reg.mu.Lock()
	r, ok := reg.byHandle[h]
	reg.mu.Unlock()
	if !ok {
		return nil, -defs.ENOENT
	}
	return r, 0
}

// IsBlock, BlockSize, BlockCount, and ID are the per-handle accessors
// spec.md §4.3 lists.
func (reg *Registry_t) IsBlock(h Handle_t) bool {
	r, err := reg.resource(h)
	return err == 0 && r.IsBlock
}

func (reg *Registry_t) BlockSize(h Handle_t) int {
	r, err := reg.resource(h)
	if err != 0 {
		return 0
	}
	return r.BlockSize
}

func (reg *Registry_t) BlockCount(h Handle_t) int {
	r, err := reg.resource(h)
	if err != 0 {
		return 0
	}
	return r.BlockCount
}

func (reg *Registry_t) ID(h Handle_t) int { return int(h) }

// Sync dispatches to the resource's Sync, acquiring its per-device mutex
// across the call as spec.md §5 requires. It returns 0 without calling the
// device when the capability is absent.
func (reg *Registry_t) Sync(h Handle_t) defs.Err_t {
	r, err := reg.resource(h)
	if err != 0 {
		return err
	}
	if !r.Caps.Sync {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Ops.Sync()
}

// Read dispatches to the resource's Read under its mutex.
func (reg *Registry_t) Read(h Handle_t, buf []byte, off int64) (int, defs.Err_t) {
	r, err := reg.resource(h)
	if err != 0 {
		return 0, err
	}
	if !r.Caps.Read {
		return 0, -defs.ENOTSUP
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Ops.Read(buf, off)
}

// Write dispatches to the resource's Write under its mutex.
func (reg *Registry_t) Write(h Handle_t, buf []byte, off int64) (int, defs.Err_t) {
	r, err := reg.resource(h)
	if err != 0 {
		return 0, err
	}
	if !r.Caps.Write {
		return 0, -defs.ENOTSUP
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Ops.Write(buf, off)
}

// Ioctl dispatches to the resource's Ioctl under its mutex.
func (reg *Registry_t) Ioctl(h Handle_t, cmd int, arg uintptr) (int, defs.Err_t) {
	r, err := reg.resource(h)
	if err != 0 {
		return 0, err
	}
	if !r.Caps.Ioctl {
		return 0, -defs.ENOTSUP
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Ops.Ioctl(cmd, arg)
}

// Mmap dispatches to the resource's Mmap under its mutex.
func (reg *Registry_t) Mmap(h Handle_t, off int64, length int) ([]byte, defs.Err_t) {
	r, err := reg.resource(h)
	if err != 0 {
		return nil, err
	}
	if !r.Caps.Mmap {
		return nil, -defs.ENOTSUP
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Ops.Mmap(off, length)
}

// Munmap dispatches to the resource's Munmap under its mutex.
func (reg *Registry_t) Munmap(h Handle_t, off int64, length int) defs.Err_t {
	r, err := reg.resource(h)
	if err != 0 {
		return err
	}
	if !r.Caps.Munmap {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Ops.Munmap(off, length)
}
