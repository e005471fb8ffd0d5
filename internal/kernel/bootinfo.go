package kernel

import "runtime"

// BootInfo_t is the hosted stand-in for the structure a real bootloader
// hands the kernel at entry: a physical memory map, a framebuffer
// descriptor, an ACPI RSDP pointer, and the kernel's own load address
// range (spec.md §1's "bootloader handoff", explicitly out of scope as a
// parsed wire format — SPEC_FULL.md §6 keeps the shape of the interface
// and synthesizes its fields from runtime.MemStats instead of a real
// Limine/Stivale2/Multiboot2 tag list).
type BootInfo_t struct {
	TotalMemBytes uint64
	FreeMemBytes  uint64
	// FramebufferAddr and RSDPAddr are always zero in this hosted build;
	// there is no framebuffer or ACPI table to point at, only the fields
	// a real arch layer would fill in.
	FramebufferAddr uintptr
	RSDPAddr        uintptr
	KernelBase      uintptr
	KernelEnd       uintptr
}

// GatherBootInfo synthesizes a BootInfo_t from the host runtime's memory
// statistics, the hosted analogue of parsing the bootloader's memory map.
func GatherBootInfo() BootInfo_t {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return BootInfo_t{
		TotalMemBytes: ms.Sys,
		FreeMemBytes:  ms.HeapIdle,
	}
}
