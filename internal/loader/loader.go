// Package loader models the binary-loading half of exec(2). Real ELF
// parsing, program-header mapping, and auxv construction are explicitly
// out of scope per spec.md §1 ("architecture hook files... ELF loader
// details" are external collaborators whose interface alone appears
// here). Marrow supplies a host-backed reference Loader_i so exec() is
// runnable and testable end to end without a real loader: a small table of
// builtin programs, addressed by path, stands in for the binaries a real
// root filesystem would carry.
package loader

import (
	"fmt"
	"strings"

	"github.com/marrow-os/marrow/internal/defs"
)

// Program is a builtin program's entry point. It receives argv/envp and a
// Runtime_i through which it performs the handful of syscalls a trivial
// coreutil needs (write, exit), letting exec() exercise the real process
// and scheduler machinery without a real instruction stream to execute.
type Program func(rt Runtime_i, argv, envp []string)

// Runtime_i is the minimal syscall surface a builtin Program needs. The
// concrete implementation lives in internal/proc, which already owns the
// process's fd table and the scheduler handle exit requires.
type Runtime_i interface {
	Write(fd int, p []byte) (int, defs.Err_t)
	Exit(code int)
}

// Loader_i resolves a path to a runnable entry point, the contract exec()
// depends on (spec.md §4.7). ENOENT is returned for anything not in the
// table, the hosted stand-in for "no such binary on disk".
type Loader_i interface {
	Load(path string) (Program, defs.Err_t)
}

// BuiltinLoader is a fixed table of reference programs, grounded on the
// handful of coreutils spec.md §8's end-to-end scenarios exercise (the
// pipe+fork+exec scenario execs "/bin/echo").
type BuiltinLoader struct {
	programs map[string]Program
}

// NewBuiltinLoader returns a loader pre-populated with the reference
// programs Marrow's tests exec against.
func NewBuiltinLoader() *BuiltinLoader {
	b := &BuiltinLoader{programs: make(map[string]Program)}
	b.Register("/bin/echo", echoProgram)
	b.Register("/bin/true", func(rt Runtime_i, argv, envp []string) { rt.Exit(0) })
	b.Register("/bin/false", func(rt Runtime_i, argv, envp []string) { rt.Exit(1) })
	return b
}

// Register installs (or replaces) a builtin program at path, letting a
// test harness exec its own fixtures without touching the VFS.
func (b *BuiltinLoader) Register(path string, p Program) {
	b.programs[path] = p
}

func (b *BuiltinLoader) Load(path string) (Program, defs.Err_t) {
	p, ok := b.programs[path]
	if !ok {
		return nil, -defs.ENOENT
	}
	return p, 0
}

// echoProgram writes its arguments space-joined, newline-terminated, to
// fd 1 and exits 0 — the binary spec.md §8 scenario 1 execs.
func echoProgram(rt Runtime_i, argv, envp []string) {
	args := argv
	if len(args) > 0 {
		args = args[1:]
	}
	rt.Write(1, []byte(fmt.Sprintf("%s\n", strings.Join(args, " "))))
	rt.Exit(0)
}
