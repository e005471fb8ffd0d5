// Package mac implements the mandatory access control layer: capability
// bits, path/device filters, and the three enforcement actions (spec.md
// §4.8, §3's "MAC context"). There is no MAC analogue in the teacher
// repo's pared-down tree; this is grounded on spec.md §4.8 directly and on
// the teacher's caller-dedup discipline (internal/caller, adapted from
// src/caller/caller.go) for the "scream" enforcement action's logging.
package mac

import (
	"fmt"
	"sync"

	"github.com/marrow-os/marrow/internal/caller"
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/klog"
	"github.com/marrow-os/marrow/internal/ustr"
)

// denyLogCapacity bounds the deny_log ring SPEC_FULL.md adds to the MAC
// context so "deny_and_scream" denials are observable without parsing log
// output.
const denyLogCapacity = 32

// Capabilities_t is the bitset of privileged operations a MAC context may
// grant (spec.md §3, "MAC context").
type Capabilities_t uint32

const (
	CAP_CHANGE_SCHED Capabilities_t = 1 << iota
	CAP_SPAWN
	CAP_ENTROPY
	CAP_MODIFY_MEM
	CAP_USE_NET
	CAP_MANAGE_NET
	CAP_MANAGE_MOUNTS
	CAP_MANAGE_POWER
	CAP_TRACE
)

// Perms_t is the permission set a path or device filter grants.
type Perms_t struct {
	Read             bool
	Write            bool
	Execute          bool
	AppendOnly       bool
	Lock             bool
	IncludesContents bool
	DenyInstead      bool
}

// Filter_t matches either a path prefix or a device handle, never both
// (spec.md §3: "a filter is {path_prefix,...} or {device_handle,...}").
type Filter_t struct {
	PathPrefix   ustr.Ustr
	DeviceHandle int
	IsDevice     bool
	Perms        Perms_t
}

// Context_t is one process's MAC state (spec.md §3, "MAC context").
type Context_t struct {
	mu           sync.Mutex
	action       defs.MacAction_t
	capabilities Capabilities_t
	confined     bool
	filters      []Filter_t
	locked       bool
	denyLog      []string
}

// NewContext returns a context with the deny action, no filters and no
// capability set installed. Such a context is unconfined: Allows permits
// every capability until the first SetCapabilities call.
func NewContext() *Context_t {
	return &Context_t{action: defs.MAC_DENY}
}

// Fork returns a child context inheriting capabilities, filters, action,
// and the locked flag itself, per spec.md §4.7's fork() contract ("MAC
// context inherited with locked_mac inherited").
func (c *Context_t) Fork() *Context_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	child := &Context_t{
		action:       c.action,
		capabilities: c.capabilities,
		confined:     c.confined,
		locked:       c.locked,
	}
	child.filters = append(child.filters, c.filters...)
	return child
}

// SetCapabilities replaces the capability set when unlocked; once locked,
// it bitwise-ANDs with the existing set so capabilities only ever shrink
// (spec.md §4.8, monotonic weakening).
func (c *Context_t) SetCapabilities(bits Capabilities_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confined = true
	if c.locked {
		c.capabilities &= bits
		return
	}
	c.capabilities = bits
}

// Capabilities returns the currently granted capability bits.
func (c *Context_t) Capabilities() Capabilities_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Has reports whether every bit in want is granted.
func (c *Context_t) Has(want Capabilities_t) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities&want == want
}

// Allows reports whether a capability-gated syscall may proceed. A context
// that never had a capability set installed is unconfined and permits
// everything, the same rule an empty filter set follows; once
// SetCapabilities has run, the named bits are the whole grant.
func (c *Context_t) Allows(want Capabilities_t) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.confined {
		return true
	}
	return c.capabilities&want == want
}

// LockMAC freezes the enforcement action and enables monotonic capability
// weakening (spec.md §4.8).
func (c *Context_t) LockMAC() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
}

// Locked reports whether LockMAC has been called.
func (c *Context_t) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// SetEnforcement sets the action taken on denial; it fails once the
// context is locked (spec.md §4.8).
func (c *Context_t) SetEnforcement(action defs.MacAction_t) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return -defs.EPERM
	}
	c.action = action
	return 0
}

// Action returns the enforcement action this context is currently set to.
func (c *Context_t) Action() defs.MacAction_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.action
}

// AddFilter appends a path or device filter to the context, rejected with
// EMFILE once the filter set holds maxFilters entries (spec.md §3's
// `filters[0..K)` bound, §9's bounded-table discipline). maxFilters <= 0
// leaves the filter set unbounded, the convention internal/vfs's mount
// table and internal/sched's thread table also use for "no limit
// configured."
func (c *Context_t) AddFilter(f Filter_t, maxFilters int) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxFilters > 0 && len(c.filters) >= maxFilters {
		return -defs.EMFILE
	}
	c.filters = append(c.filters, f)
	return 0
}

// CheckPathPermissions selects the longest matching filter by path
// prefix — honoring IncludesContents so a prefix filter can choose whether
// it governs only the exact path or everything beneath it — and returns
// its permissions, inverted if DenyInstead is set. With no matching
// filter: permit everything if the filter set is empty, otherwise deny
// everything (spec.md §4.8).
func CheckPathPermissions(c *Context_t, path ustr.Ustr) Perms_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.filters) == 0 {
		return Perms_t{Read: true, Write: true, Execute: true}
	}

	var best *Filter_t
	bestLen := -1
	ps := path.String()
	for i := range c.filters {
		f := &c.filters[i]
		if f.IsDevice {
			continue
		}
		prefix := f.PathPrefix.String()
		if !matchesPrefix(ps, prefix, f.Perms.IncludesContents) {
			continue
		}
		if len(prefix) > bestLen {
			best = f
			bestLen = len(prefix)
		}
	}
	if best == nil {
		return Perms_t{}
	}
	perms := best.Perms
	if perms.DenyInstead {
		return invert(perms)
	}
	return perms
}

func matchesPrefix(path, prefix string, includesContents bool) bool {
	if path == prefix {
		return true
	}
	if !includesContents {
		return false
	}
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return prefix == "/" || path[len(prefix)] == '/'
	}
	return false
}

func invert(p Perms_t) Perms_t {
	return Perms_t{
		Read:       !p.Read,
		Write:      !p.Write,
		Execute:    !p.Execute,
		AppendOnly: p.AppendOnly,
		Lock:       p.Lock,
	}
}

// CheckDevicePermissions matches filters by device handle equality
// (spec.md §4.8's "device checks match by handle equality").
func CheckDevicePermissions(c *Context_t, handle int) Perms_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) == 0 {
		return Perms_t{Read: true, Write: true, Execute: true}
	}
	for i := range c.filters {
		f := &c.filters[i]
		if f.IsDevice && f.DeviceHandle == handle {
			if f.Perms.DenyInstead {
				return invert(f.Perms)
			}
			return f.Perms
		}
	}
	return Perms_t{}
}

var screamDedup = caller.Distinct_caller_t{Enabled: true}

// Enforce applies a context's enforcement action on denial: silent deny
// returns the error; deny_and_scream records the denial into the
// context's deny_log and logs pid+syscall once per distinct call site
// before denying; kill terminates the process via killFn with
// KillExitCode (spec.md §4.8). killFn is supplied by the process manager
// to avoid an import cycle between mac and proc.
func Enforce(c *Context_t, pid defs.Pid_t, syscallName string, killFn func(defs.Pid_t, int)) defs.Err_t {
	switch c.Action() {
	case defs.MAC_DENY:
		return -defs.EACCES
	case defs.MAC_DENY_AND_SCREAM:
		msg := fmt.Sprintf("mac: pid %d denied syscall %s", pid, syscallName)
		c.mu.Lock()
		c.denyLog = append(c.denyLog, msg)
		if len(c.denyLog) > denyLogCapacity {
			c.denyLog = c.denyLog[len(c.denyLog)-denyLogCapacity:]
		}
		c.mu.Unlock()
		if distinct, _ := screamDedup.Distinct(); distinct {
			klog.Warnf("%s", msg)
		}
		return -defs.EACCES
	case defs.MAC_KILL:
		killFn(pid, defs.KillExitCode)
		return -defs.EACCES
	default:
		return -defs.EACCES
	}
}

// DenyLog returns a snapshot of the most recent deny_and_scream denials
// recorded against this context, oldest first, capped at
// denyLogCapacity entries (SPEC_FULL.md's deny_log ring).
func (c *Context_t) DenyLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.denyLog))
	copy(out, c.denyLog)
	return out
}
