// Package misc holds the kernel-wide facilities spec.md §2 calls out as a
// separate component: the hostname, uname/sysconf reporting, and the
// hard_panic path for invariant violations detected during early boot.
// There is no analogue in the teacher repo's pared-down tree; naming and
// hostname sanitization follow internal/device's register() discipline,
// since both enforce the same "printable ASCII, bounded length" rule.
package misc

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"unicode"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/klog"
)

const maxHostnameLen = 64

// Uname_t mirrors the handful of fields uname(2) reports.
type Uname_t struct {
	Sysname string
	Release string
	Version string
	Machine string
}

var (
	mu       sync.Mutex
	hostname = "marrow"
)

// sanitizeHostname applies the same printable-ASCII transform
// internal/device's sanitizeName does, per SPEC_FULL.md's domain-stack
// wiring table.
func sanitizeHostname(name string) (string, bool) {
	t := runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII || !unicode.IsPrint(r)
	}))
	out, _, err := transform.String(t, name)
	if err != nil {
		return "", false
	}
	return out, out == name
}

// SetHostname implements sethostname(2) (spec.md §6).
func SetHostname(name string) defs.Err_t {
	clean, ok := sanitizeHostname(name)
	if !ok || len(clean) == 0 || len(clean) > maxHostnameLen {
		return -defs.EINVAL
	}
	mu.Lock()
	defer mu.Unlock()
	hostname = clean
	return 0
}

// Hostname returns the current kernel hostname.
func Hostname() string {
	mu.Lock()
	defer mu.Unlock()
	return hostname
}

// Uname implements uname(2), reporting the hosted Go runtime's version and
// GOARCH in place of real architecture detection.
func Uname() Uname_t {
	return Uname_t{
		Sysname: "marrow",
		Release: "0",
		Version: runtime.Version(),
		Machine: runtime.GOARCH,
	}
}

// Sysconf keys (spec.md §6's "further numbers" list names sysconf without
// assigning keys; these mirror the handful of values a libc typically
// queries at startup).
const (
	SC_PAGESIZE = iota
	SC_NPROCESSORS_ONLN
)

// Sysconf implements sysconf(2) for the small set of keys Marrow supports.
func Sysconf(key int, pageSize, ncores int) (int, defs.Err_t) {
	switch key {
	case SC_PAGESIZE:
		return pageSize, 0
	case SC_NPROCESSORS_ONLN:
		return ncores, 0
	default:
		return 0, -defs.EINVAL
	}
}

// HardPanic implements hard_panic(), reserved for invariant violations
// detected during early boot (spec.md §7). It demangles each stack frame's
// symbol before logging — a no-op for ordinary Go symbols, but a real call
// into the corpus's transitive demangle dependency, per SPEC_FULL.md's
// domain-stack wiring table — then panics.
func HardPanic(reason string) {
	stack := string(debug.Stack())
	for _, line := range splitLines(stack) {
		klog.Errorf("panic: %s", demangleLine(line))
	}
	panic(fmt.Sprintf("hard_panic: %s", reason))
}

func demangleLine(line string) string {
	if d, err := demangle.ToString(line, demangle.NoParams); err == nil {
		return d
	}
	return line
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
