package vm

import "github.com/marrow-os/marrow/internal/defs"

// UserIO_t adapts a span of one address space's user memory to the
// fdops.Userio_i shape (structurally, without vm importing fdops — the
// syscall dispatcher is the only caller that needs both types at once).
// It is the hosted replacement for biscuit's Userbuf_t, which walked the
// real page tables a byte range at a time the same way CopyIn/CopyOut do
// here.
type UserIO_t struct {
	as   *Vm_t
	uva  uintptr
	len  int
	off  int
}

// NewUserIO returns an adapter over [uva, uva+length) in as.
func NewUserIO(as *Vm_t, uva uintptr, length int) *UserIO_t {
	return &UserIO_t{as: as, uva: uva, len: length}
}

// Uioread copies from user memory into dst, advancing the cursor.
func (u *UserIO_t) Uioread(dst []byte) (int, defs.Err_t) {
	if len(dst) > u.Remain() {
		dst = dst[:u.Remain()]
	}
	n, err := u.as.CopyIn(u.uva+uintptr(u.off), dst)
	u.off += n
	return n, err
}

// Uiowrite copies src into user memory, advancing the cursor.
func (u *UserIO_t) Uiowrite(src []byte) (int, defs.Err_t) {
	if len(src) > u.Remain() {
		src = src[:u.Remain()]
	}
	n, err := u.as.CopyOut(u.uva+uintptr(u.off), src)
	u.off += n
	return n, err
}

// Remain reports how many bytes are left in the span.
func (u *UserIO_t) Remain() int { return u.len - u.off }

// Totalsz reports the span's full length.
func (u *UserIO_t) Totalsz() int { return u.len }
