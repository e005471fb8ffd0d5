// Package ustr implements the immutable path/string value used throughout
// the kernel, adapted from biscuit's src/ustr package.
package ustr

import "strings"

// Ustr is a path or string used by kernel interfaces that would, in the
// original, copy bytes directly from user memory.
type Ustr []byte

// MkUstr returns an empty Ustr.
func MkUstr() Ustr { return Ustr{} }

// MkUstrRoot returns a Ustr for "/".
func MkUstrRoot() Ustr { return Ustr("/") }

// MkUstrDot returns a Ustr for ".".
func MkUstrDot() Ustr { return Ustr(".") }

// DotDot is a reusable Ustr containing "..".
var DotDot = Ustr("..")

// Mk builds a Ustr from a Go string, a convenience the host environment
// affords that the original (which only ever saw raw user bytes) did not
// need.
func Mk(s string) Ustr { return Ustr(s) }

// Isdot reports whether the string equals ".".
func (us Ustr) Isdot() bool { return len(us) == 1 && us[0] == '.' }

// Isdotdot reports whether the string equals "..".
func (us Ustr) Isdotdot() bool { return len(us) == 2 && us[0] == '.' && us[1] == '.' }

// Eq reports byte-for-byte equality.
func (us Ustr) Eq(s Ustr) bool { return string(us) == string(s) }

// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool { return len(us) > 0 && us[0] == '/' }

// IndexByte returns the index of b, or -1.
func (us Ustr) IndexByte(b byte) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

// Extend appends '/' and p.
func (us Ustr) Extend(p Ustr) Ustr {
	out := make(Ustr, 0, len(us)+1+len(p))
	out = append(out, us...)
	out = append(out, '/')
	out = append(out, p...)
	return out
}

// ExtendStr is Extend for a plain string.
func (us Ustr) ExtendStr(p string) Ustr { return us.Extend(Ustr(p)) }

// String renders the Ustr as a Go string.
func (us Ustr) String() string { return string(us) }

// Components splits the path on '/' and drops empty segments, so both
// "/a/b" and "a//b/" yield ["a", "b"].
func (us Ustr) Components() []string {
	parts := strings.Split(us.String(), "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
