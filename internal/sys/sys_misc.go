package sys

import (
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/kernel"
	"github.com/marrow-os/marrow/internal/misc"
	"github.com/marrow-os/marrow/internal/proc"
)

const unameFieldLen = 65

func packUnameField(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// sysUname implements uname(2): A0 is a user buffer receiving four
// fixed-width NUL-padded fields (sysname, release, version, machine), the
// layout a libc's struct utsname expects.
func sysUname(p *proc.Proc_t, r Regs_t) defs.Err_t {
	u := misc.Uname()
	buf := make([]byte, 4*unameFieldLen)
	packUnameField(buf[0*unameFieldLen:1*unameFieldLen], u.Sysname)
	packUnameField(buf[1*unameFieldLen:2*unameFieldLen], u.Release)
	packUnameField(buf[2*unameFieldLen:3*unameFieldLen], u.Version)
	packUnameField(buf[3*unameFieldLen:4*unameFieldLen], u.Machine)
	_, err := p.AS.CopyOut(r.A0, buf)
	return err
}

// sysSetHostname implements sethostname(2): A0/A1 are a user pointer and
// length for the new name. Refused once the integrity policy is armed,
// since the hostname is kernel-global mutable state.
func sysSetHostname(k *kernel.Kernel_t, p *proc.Proc_t, r Regs_t) defs.Err_t {
	if k.IntegrityArmed() {
		return -defs.EACCES
	}
	name, err := p.AS.CopyInString(r.A0, int(r.A1))
	if err != 0 {
		return err
	}
	return misc.SetHostname(name)
}
