package device

import (
	"bytes"
	"crypto/rand"
	"os"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/stats"
)

// NullDevice implements /dev/null: reads return EOF, writes are discarded
// and report full length, matching POSIX /dev/null semantics.
type NullDevice struct{}

func (NullDevice) Sync() defs.Err_t                               { return 0 }
func (NullDevice) Read(buf []byte, off int64) (int, defs.Err_t)   { return 0, 0 }
func (NullDevice) Write(buf []byte, off int64) (int, defs.Err_t)  { return len(buf), 0 }
func (NullDevice) Ioctl(int, uintptr) (int, defs.Err_t)           { return 0, -defs.ENOTSUP }
func (NullDevice) Mmap(int64, int) ([]byte, defs.Err_t)           { return nil, -defs.ENOTSUP }
func (NullDevice) Munmap(int64, int) defs.Err_t                   { return -defs.ENOTSUP }

// ZeroDevice implements /dev/zero: reads always fill with zero bytes.
type ZeroDevice struct{}

func (ZeroDevice) Sync() defs.Err_t { return 0 }
func (ZeroDevice) Read(buf []byte, off int64) (int, defs.Err_t) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), 0
}
func (ZeroDevice) Write(buf []byte, off int64) (int, defs.Err_t) { return len(buf), 0 }
func (ZeroDevice) Ioctl(int, uintptr) (int, defs.Err_t)          { return 0, -defs.ENOTSUP }
func (ZeroDevice) Mmap(int64, int) ([]byte, defs.Err_t)          { return nil, -defs.ENOTSUP }
func (ZeroDevice) Munmap(int64, int) defs.Err_t                  { return -defs.ENOTSUP }

// EntropyDevice implements /dev/urandom, backing getrandom(2) and the
// registered "urandom" device spec.md §6 lists.
type EntropyDevice struct{}

func (EntropyDevice) Sync() defs.Err_t { return 0 }
func (EntropyDevice) Read(buf []byte, off int64) (int, defs.Err_t) {
	n, err := rand.Read(buf)
	if err != nil {
		return n, -defs.EIO
	}
	return n, 0
}
func (EntropyDevice) Write(buf []byte, off int64) (int, defs.Err_t) { return 0, -defs.ENOTSUP }
func (EntropyDevice) Ioctl(int, uintptr) (int, defs.Err_t)         { return 0, -defs.ENOTSUP }
func (EntropyDevice) Mmap(int64, int) ([]byte, defs.Err_t)         { return nil, -defs.ENOTSUP }
func (EntropyDevice) Munmap(int64, int) defs.Err_t                 { return -defs.ENOTSUP }

// ConsoleDevice implements the "console" character device: writes go to
// the process's stdout, reads are not modeled (no keyboard backend in a
// hosted build).
type ConsoleDevice struct {
	Out *os.File
}

func (c ConsoleDevice) Sync() defs.Err_t { return 0 }
func (c ConsoleDevice) Read(buf []byte, off int64) (int, defs.Err_t) {
	return 0, -defs.ENOTSUP
}
func (c ConsoleDevice) Write(buf []byte, off int64) (int, defs.Err_t) {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	n, err := out.Write(buf)
	if err != nil {
		return n, -defs.EIO
	}
	return n, 0
}
func (c ConsoleDevice) Ioctl(int, uintptr) (int, defs.Err_t) { return 0, -defs.ENOTSUP }
func (c ConsoleDevice) Mmap(int64, int) ([]byte, defs.Err_t) { return nil, -defs.ENOTSUP }
func (c ConsoleDevice) Munmap(int64, int) defs.Err_t         { return -defs.ENOTSUP }

// ProfDevice backs the D_PROF device (spec.md §4.3/§6): reading it
// serializes the kernel's sampled call-site counters (internal/stats) into
// a gzip-compressed pprof profile.Profile, so a host tool can pull it with
// `go tool pprof` the same way it would scrape runtime/pprof output.
type ProfDevice struct {
	Samples *stats.SampleSet
}

func (p *ProfDevice) Sync() defs.Err_t { return 0 }

func (p *ProfDevice) Read(buf []byte, off int64) (int, defs.Err_t) {
	prof := p.Samples.ToProfile()
	var out bytes.Buffer
	if err := prof.Write(&out); err != nil {
		return 0, -defs.EIO
	}
	data := out.Bytes()
	if off >= int64(len(data)) {
		return 0, 0
	}
	n := copy(buf, data[off:])
	return n, 0
}

func (p *ProfDevice) Write(buf []byte, off int64) (int, defs.Err_t) { return 0, -defs.ENOTSUP }
func (p *ProfDevice) Ioctl(int, uintptr) (int, defs.Err_t)          { return 0, -defs.ENOTSUP }
func (p *ProfDevice) Mmap(int64, int) ([]byte, defs.Err_t)          { return nil, -defs.ENOTSUP }
func (p *ProfDevice) Munmap(int64, int) defs.Err_t                  { return -defs.ENOTSUP }
