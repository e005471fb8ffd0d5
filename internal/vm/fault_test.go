package vm

import "testing"

func TestLogFaultDoesNotPanic(t *testing.T) {
	// a valid x86-64 "nop" encoding
	LogFault(1, 2, 0xdeadbeef, []byte{0x90})
	// garbage that x86asm cannot decode
	LogFault(1, 2, 0xdeadbeef, []byte{0x0f, 0xff})
	// empty instruction bytes, as Userdmap8 failing would yield
	LogFault(1, 2, 0xdeadbeef, nil)
}
