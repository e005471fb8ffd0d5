package sys

import (
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/kernel"
	"github.com/marrow-os/marrow/internal/mac"
	"github.com/marrow-os/marrow/internal/proc"
	"github.com/marrow-os/marrow/internal/ustr"
)

// Perms_t bits as packed into a single register for mac_add_filter(2),
// since the ABI has no struct-passing convention (spec.md §6).
const (
	MacPermRead = 1 << iota
	MacPermWrite
	MacPermExecute
	MacPermAppendOnly
	MacPermLock
	MacPermIncludesContents
	MacPermDenyInstead
)

func decodeMacPerms(bits uintptr) mac.Perms_t {
	return mac.Perms_t{
		Read:             bits&MacPermRead != 0,
		Write:            bits&MacPermWrite != 0,
		Execute:          bits&MacPermExecute != 0,
		AppendOnly:       bits&MacPermAppendOnly != 0,
		Lock:             bits&MacPermLock != 0,
		IncludesContents: bits&MacPermIncludesContents != 0,
		DenyInstead:      bits&MacPermDenyInstead != 0,
	}
}

// sysMacAddFilter implements mac_add_filter(2): A0 selects path (0) or
// device (1) filters, A1 is either a path pointer or a device handle, A2
// the packed Perms_t bits. Rejected with EMFILE once the calling
// process's filter set reaches kconfig.Limits.MaxMacFilters (spec.md §3's
// `filters[0..K)` bound).
func sysMacAddFilter(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) defs.Err_t {
	perms := decodeMacPerms(r.A2)
	if r.A0 != 0 {
		return p.MAC().AddFilter(mac.Filter_t{DeviceHandle: int(r.A1), IsDevice: true, Perms: perms}, k.Limits.MaxMacFilters)
	}
	path, err := copyInPath(p, r.A1)
	if err != 0 {
		return err
	}
	return p.MAC().AddFilter(mac.Filter_t{PathPrefix: ustr.Mk(path), Perms: perms}, k.Limits.MaxMacFilters)
}

const (
	macCapGet = 0
	macCapSet = 1
)

// sysMacCapabilities implements mac_capabilities(2): A0 selects get/set,
// A1 carries the capability bits to install on a set.
func sysMacCapabilities(p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	switch r.A0 {
	case macCapGet:
		return uintptr(p.MAC().Capabilities()), 0
	case macCapSet:
		p.MAC().SetCapabilities(mac.Capabilities_t(r.A1))
		return 0, 0
	default:
		return 0, -defs.EINVAL
	}
}
