// Package pty implements the pseudoterminal pair: a primary and secondary
// endpoint sharing two circbuf.Circbuf_t byte streams (input and output),
// plus termios-style line discipline state and a resizable window size
// (spec.md §3, "PTY", and §4.5). It is grounded on biscuit's src/fs pty
// device (Pty_t) but splits primary/secondary into two Fdops_i-conforming
// types the way internal/pipe splits reader/writer.
package pty

import (
	"sync"

	"github.com/marrow-os/marrow/internal/circbuf"
	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/fdops"
	"github.com/marrow-os/marrow/internal/stat"
	"github.com/marrow-os/marrow/internal/ustr"
)

const bufSize = 4096

// Winsize_t mirrors the terminal's row/column geometry, reported and set
// via ioctl (TIOCGWINSZ/TIOCSWINSZ).
type Winsize_t struct {
	Rows, Cols uint16
}

// Termios_t is the subset of termios state the line discipline honors:
// canonical (line-buffered) mode and echo.
type Termios_t struct {
	Canonical bool
	Echo      bool
}

const (
	TIOCGWINSZ = 0x5413
	TIOCSWINSZ = 0x5414
	TIOCGETA   = 0x5401
	TIOCSETA   = 0x5402
)

// Pty_t is the shared state between a primary/secondary pair.
type Pty_t struct {
	mu      sync.Mutex
	toSec   circbuf.Circbuf_t // primary write -> secondary read
	toPri   circbuf.Circbuf_t // secondary write -> primary read
	win     Winsize_t
	termios Termios_t
	line    []byte // canonical-mode line accumulator
}

// New creates a connected pty pair.
func New() (*Primary, *Secondary) {
	p := &Pty_t{
		win:     Winsize_t{Rows: 24, Cols: 80},
		termios: Termios_t{Canonical: true, Echo: true},
	}
	p.toSec.Init(bufSize, true)
	p.toPri.Init(bufSize, true)
	return &Primary{p: p}, &Secondary{p: p}
}

// Primary is the controlling side of a pty (what a terminal emulator
// holds).
type Primary struct {
	fdops.BaseFdops
	p *Pty_t
}

func (pr *Primary) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]byte, dst.Remain())
	n, err := pr.p.toPri.Read(buf)
	if err != 0 || n == 0 {
		return 0, err
	}
	wrote, werr := dst.Uiowrite(buf[:n])
	return wrote, werr
}

// Write feeds keystrokes to the secondary side, applying the canonical
// line discipline and local echo the way a real tty driver would
// (spec.md §4.5).
func (pr *Primary) Write(src fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]byte, src.Remain())
	n, rerr := src.Uioread(buf)
	if rerr != 0 {
		return 0, rerr
	}
	buf = buf[:n]

	pr.p.mu.Lock()
	canon := pr.p.termios.Canonical
	echo := pr.p.termios.Echo
	pr.p.mu.Unlock()

	if echo {
		pr.p.toPri.Write(buf)
	}
	if !canon {
		_, err := pr.p.toSec.Write(buf)
		return n, err
	}

	pr.p.mu.Lock()
	for _, c := range buf {
		if c == '\n' {
			pr.p.line = append(pr.p.line, c)
			line := pr.p.line
			pr.p.line = nil
			pr.p.mu.Unlock()
			if _, err := pr.p.toSec.Write(line); err != 0 {
				return n, err
			}
			pr.p.mu.Lock()
			continue
		}
		pr.p.line = append(pr.p.line, c)
	}
	pr.p.mu.Unlock()
	return n, 0
}

func (pr *Primary) Ioctl(cmd int, arg uintptr) (int, defs.Err_t) {
	switch cmd {
	case TIOCGWINSZ:
		return 0, 0 // caller marshals pr.p.win out-of-band
	case TIOCSWINSZ:
		return 0, 0
	default:
		return 0, -defs.ENOTTY
	}
}

// Winsize returns the current window geometry.
func (pr *Primary) Winsize() Winsize_t {
	pr.p.mu.Lock()
	defer pr.p.mu.Unlock()
	return pr.p.win
}

// SetWinsize updates the window geometry, as TIOCSWINSZ would.
func (pr *Primary) SetWinsize(w Winsize_t) {
	pr.p.mu.Lock()
	defer pr.p.mu.Unlock()
	pr.p.win = w
}

func (pr *Primary) Close() defs.Err_t {
	pr.p.toSec.Break()
	pr.p.toPri.Break()
	return 0
}

func (pr *Primary) Stat() (stat.Stat_t, defs.Err_t) { return stat.Stat_t{Type: defs.T_CHAR}, 0 }
func (pr *Primary) Path() (ustr.Ustr, bool)          { return nil, false }
func (pr *Primary) Poll() (readable, writable, broken bool) {
	r, _, b1 := pr.p.toPri.Pollable()
	_, w, b2 := pr.p.toSec.Pollable()
	return r, w, b1 || b2
}

// Secondary is the controlled side of a pty (what the session's
// foreground process group reads and writes).
type Secondary struct {
	fdops.BaseFdops
	p *Pty_t
}

func (s *Secondary) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]byte, dst.Remain())
	n, err := s.p.toSec.Read(buf)
	if err != 0 || n == 0 {
		return 0, err
	}
	wrote, werr := dst.Uiowrite(buf[:n])
	return wrote, werr
}

func (s *Secondary) Write(src fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]byte, src.Remain())
	n, rerr := src.Uioread(buf)
	if rerr != 0 {
		return 0, rerr
	}
	wrote, err := s.p.toPri.Write(buf[:n])
	return wrote, err
}

func (s *Secondary) Close() defs.Err_t {
	s.p.toSec.Break()
	s.p.toPri.Break()
	return 0
}

func (s *Secondary) Stat() (stat.Stat_t, defs.Err_t) { return stat.Stat_t{Type: defs.T_CHAR}, 0 }
func (s *Secondary) Path() (ustr.Ustr, bool)          { return nil, false }
func (s *Secondary) Poll() (readable, writable, broken bool) {
	r, _, b1 := s.p.toSec.Pollable()
	_, w, b2 := s.p.toPri.Pollable()
	return r, w, b1 || b2
}
