// Package bpath implements path compounding: joining a base directory with
// an extension path while respecting absolute paths, "." and "..", and
// collapsing duplicate separators. It generalizes the join logic inlined in
// biscuit's fd.Cwd_t.Fullpath/Canonicalpath (src/fd/fd.go) into the
// standalone compound()/compound_at() operations spec.md §4.4 names.
package bpath

import "github.com/marrow-os/marrow/internal/ustr"

// Compound concatenates base and extension. An absolute extension (starting
// with '/') replaces base entirely; otherwise the two are joined and the
// result is canonicalized: ".." pops a component, "." is a no-op, and
// repeated separators collapse.
func Compound(base, extension ustr.Ustr) ustr.Ustr {
	if extension.IsAbsolute() {
		return Canonicalize(extension)
	}
	joined := base.Extend(extension)
	return Canonicalize(joined)
}

// Canonicalize resolves "." and ".." components and collapses duplicate
// separators in an absolute path, returning a path that always begins with
// '/' and never ends with one (unless it is exactly "/").
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	comps := p.Components()
	out := make([]string, 0, len(comps))
	for _, c := range comps {
		switch c {
		case ".":
			// no-op
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return ustr.MkUstrRoot()
	}
	s := ""
	for _, c := range out {
		s += "/" + c
	}
	return ustr.Mk(s)
}

// Dirfd names the directory a relative path resolution is anchored to: a
// process's current working directory, or the path an already-open file
// descriptor refers to.
type Dirfd interface {
	// CwdPath returns the calling process's current working directory.
	CwdPath() ustr.Ustr
	// FdPath returns the absolute path backing an open file descriptor,
	// or ok=false if the fd does not refer to a path-addressable file.
	FdPath(fd int) (ustr.Ustr, bool)
}

// AT_FDCWD mirrors defs.AT_FDCWD without importing defs, to keep bpath free
// of a dependency cycle; callers pass the same sentinel value.
const AT_FDCWD = -100

// CompoundAt resolves ext relative to either the calling process's CWD
// (dirfd == AT_FDCWD) or the absolute path behind dirfd.
func CompoundAt(d Dirfd, dirfd int, ext ustr.Ustr) (ustr.Ustr, bool) {
	if ext.IsAbsolute() {
		return Canonicalize(ext), true
	}
	var base ustr.Ustr
	if dirfd == AT_FDCWD {
		base = d.CwdPath()
	} else {
		b, ok := d.FdPath(dirfd)
		if !ok {
			return nil, false
		}
		base = b
	}
	return Compound(base, ext), true
}
