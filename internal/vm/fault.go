package vm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/marrow-os/marrow/internal/klog"
)

// LogFault decodes the few bytes around a faulting instruction and writes
// a diagnostic line to the kernel log, the hosted analogue of a real page
// fault handler annotating its report with the RIP disassembly. instr
// should be the bytes at the thread's saved instruction pointer; a decode
// failure (not enough bytes, or data rather than code) is logged without
// a mnemonic rather than treated as an error.
func LogFault(pid, tid int, addr uintptr, instr []byte) {
	inst, err := x86asm.Decode(instr, 64)
	if err != nil {
		klog.Warnf("pgfault pid=%d tid=%d addr=%#x (undecodable instruction)", pid, tid, addr)
		return
	}
	klog.Warnf("pgfault pid=%d tid=%d addr=%#x instr=%q", pid, tid, addr, x86asm.GNUSyntax(inst, 0, nil))
}
