package sys

import (
	"time"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fd"
	"github.com/marrow-os/marrow/internal/fdops"
	"github.com/marrow-os/marrow/internal/pipe"
	"github.com/marrow-os/marrow/internal/proc"
	"github.com/marrow-os/marrow/internal/pty"
	"github.com/marrow-os/marrow/internal/sched"
)

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// sysPipe implements pipe(2): A0 is a user pointer to a two-element int32
// array receiving [readfd, writefd].
func sysPipe(p *proc.Proc_t, r Regs_t) defs.Err_t {
	rd, wr := pipe.New(pipe.DefaultSize, true)
	rfdn, err := p.AddFile(&fd.Fd_t{Fops: rd, Perms: fd.FD_READ})
	if err != 0 {
		return err
	}
	wfdn, err := p.AddFile(&fd.Fd_t{Fops: wr, Perms: fd.FD_WRITE})
	if err != 0 {
		p.RemoveFile(rfdn)
		rd.Close()
		return err
	}
	var buf [8]byte
	putU32(buf[0:4], uint32(rfdn))
	putU32(buf[4:8], uint32(wfdn))
	_, werr := p.AS.CopyOut(r.A0, buf[:])
	return werr
}

// sysDup implements dup(2)/dup2(2): A0 the fd to duplicate, A1 the target
// slot (or -1 for the lowest free slot, the plain dup(2) path), A2 the
// FD_CLOEXEC flag to apply to the new slot.
func sysDup(p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	src, err := p.GetFile(defs.Fdnum_t(int(int32(r.A0))))
	if err != 0 {
		return 0, err
	}
	nf, ferr := fd.Copyfd(src)
	if ferr != 0 {
		return 0, ferr
	}
	if r.A2 != 0 {
		nf.Perms |= fd.FD_CLOEXEC
	}
	target := int(int32(r.A1))
	if target < 0 {
		n, aerr := p.AddFile(nf)
		return uintptr(n), aerr
	}
	if rerr := p.ReplaceFile(defs.Fdnum_t(target), nf); rerr != 0 {
		return 0, rerr
	}
	return uintptr(target), 0
}

// winsizeable is implemented by pty.Primary, the only Fdops_i conformer
// that needs a marshaled ioctl payload rather than a bare int argument.
type winsizeable interface {
	Winsize() pty.Winsize_t
	SetWinsize(pty.Winsize_t)
}

// sysIoctl implements ioctl(2): A0 the fd, A1 the command, A2 an argument
// that is either an immediate value or a user pointer, depending on cmd.
// TIOCGWINSZ/TIOCSWINSZ are handled here because they marshal a struct
// through user memory rather than fitting in Ioctl's plain arg/return.
func sysIoctl(p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	f, err := p.GetFile(defs.Fdnum_t(int(int32(r.A0))))
	if err != 0 {
		return 0, err
	}
	cmd := int(r.A1)
	if ws, ok := f.Fops.(winsizeable); ok {
		switch cmd {
		case pty.TIOCGWINSZ:
			w := ws.Winsize()
			var buf [4]byte
			buf[0], buf[1] = byte(w.Rows), byte(w.Rows>>8)
			buf[2], buf[3] = byte(w.Cols), byte(w.Cols>>8)
			_, werr := p.AS.CopyOut(r.A2, buf[:])
			return 0, werr
		case pty.TIOCSWINSZ:
			buf := make([]byte, 4)
			if _, rerr := p.AS.CopyIn(r.A2, buf); rerr != 0 {
				return 0, rerr
			}
			w := pty.Winsize_t{
				Rows: uint16(buf[0]) | uint16(buf[1])<<8,
				Cols: uint16(buf[2]) | uint16(buf[3])<<8,
			}
			ws.SetWinsize(w)
			return 0, 0
		}
	}
	n, ierr := f.Fops.Ioctl(cmd, r.A2)
	return uintptr(n), ierr
}

// sysOpenpty implements openpty(2): A0 is a user pointer to a two-element
// int32 array receiving [primaryfd, secondaryfd] (spec.md §4.5).
func sysOpenpty(p *proc.Proc_t, r Regs_t) defs.Err_t {
	pr, se := pty.New()
	prfdn, err := p.AddFile(&fd.Fd_t{Fops: pr, Perms: fd.FD_READ | fd.FD_WRITE})
	if err != 0 {
		return err
	}
	sefdn, err := p.AddFile(&fd.Fd_t{Fops: se, Perms: fd.FD_READ | fd.FD_WRITE})
	if err != 0 {
		p.RemoveFile(prfdn)
		pr.Close()
		return err
	}
	var buf [8]byte
	putU32(buf[0:4], uint32(prfdn))
	putU32(buf[4:8], uint32(sefdn))
	_, werr := p.AS.CopyOut(r.A0, buf[:])
	return werr
}

// sysFcntl implements fcntl(2)'s descriptor-table operations: A0 the fd,
// A1 the command, A2 its argument.
func sysFcntl(p *proc.Proc_t, r Regs_t) (uintptr, defs.Err_t) {
	fdn := defs.Fdnum_t(int(int32(r.A0)))
	f, err := p.GetFile(fdn)
	if err != 0 {
		return 0, err
	}
	switch int(r.A1) {
	case defs.F_DUPFD, defs.F_DUPFD_CLOEXEC:
		nf, ferr := fd.Copyfd(f)
		if ferr != 0 {
			return 0, ferr
		}
		if int(r.A1) == defs.F_DUPFD_CLOEXEC {
			nf.Perms |= fd.FD_CLOEXEC
		}
		n, aerr := p.AddFile(nf)
		return uintptr(n), aerr
	case defs.F_GETFD:
		if f.CloseOnExec() {
			return 1, 0
		}
		return 0, 0
	case defs.F_SETFD:
		if r.A2 != 0 {
			f.Perms |= fd.FD_CLOEXEC
		} else {
			f.Perms &^= fd.FD_CLOEXEC
		}
		return 0, 0
	case defs.F_GETFL, defs.F_SETFL:
		// No separate open-flags slot is tracked beyond FD_CLOEXEC; a real
		// ABI would round-trip O_NONBLOCK/O_APPEND here.
		return 0, 0
	default:
		return 0, -defs.EINVAL
	}
}

const pollfdSize = 8 // fd int32 + events int16 + revents int16

// pollOnce evaluates readiness for every {fd, events, revents} entry in
// buf in place and returns how many entries came back with a nonzero
// revents mask.
func pollOnce(p *proc.Proc_t, buf []byte, n int) int {
	ready := 0
	for i := 0; i < n; i++ {
		entry := buf[i*pollfdSize : (i+1)*pollfdSize]
		fdn := defs.Fdnum_t(int32(uint32(entry[0]) | uint32(entry[1])<<8 | uint32(entry[2])<<16 | uint32(entry[3])<<24))
		events := uint16(entry[4]) | uint16(entry[5])<<8
		revents := uint16(0)

		f, gerr := p.GetFile(fdn)
		if gerr != 0 {
			revents = defs.POLLNVAL
		} else if pollable, ok := f.Fops.(fdops.Pollable_i); ok {
			readable, writable, broken := pollable.Poll()
			if readable && events&defs.POLLIN != 0 {
				revents |= defs.POLLIN
			}
			if writable && events&defs.POLLOUT != 0 {
				revents |= defs.POLLOUT
			}
			if broken {
				revents |= defs.POLLHUP
			}
		} else {
			revents = uint16(events &^ defs.POLLERR)
		}

		if revents != 0 {
			ready++
		}
		entry[6] = byte(revents)
		entry[7] = byte(revents >> 8)
	}
	return ready
}

// pollYieldInterval bounds how long sysPoll sleeps between readiness
// re-checks while blocked; short enough that a timeout in the tens of
// milliseconds still honours its deadline reasonably closely.
const pollYieldInterval = time.Millisecond

// sysPoll implements poll(2): A0 is a user pointer to an array of
// pollfdSize-byte {fd, events, revents} entries, A1 the count, A2 the
// timeout in milliseconds (negative blocks indefinitely, zero polls once
// without blocking), resolving spec.md §9's poll-timeout open question.
// Blocking re-checks readiness on self.Yield() rather than a true
// wait-queue wakeup, since the pollable fdops (pipe, pty) don't expose one.
func sysPoll(p *proc.Proc_t, self *sched.Thread_t, r Regs_t) (uintptr, defs.Err_t) {
	n := int(r.A1)
	if n <= 0 {
		return 0, 0
	}
	buf := make([]byte, n*pollfdSize)
	if _, err := p.AS.CopyIn(r.A0, buf); err != 0 {
		return 0, err
	}

	timeoutMs := int32(r.A2)
	ready := pollOnce(p, buf, n)
	if ready == 0 && timeoutMs != 0 {
		var deadline time.Time
		hasDeadline := timeoutMs > 0
		if hasDeadline {
			deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
		}
		for ready == 0 {
			if hasDeadline && !time.Now().Before(deadline) {
				break
			}
			self.Yield()
			time.Sleep(pollYieldInterval)
			ready = pollOnce(p, buf, n)
		}
	}

	_, werr := p.AS.CopyOut(r.A0, buf)
	if werr != 0 {
		return 0, werr
	}
	return uintptr(ready), 0
}
