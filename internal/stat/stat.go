// Package stat defines the file_stat structure returned by fstat/lstat,
// expanded from biscuit's src/stat package to carry the full field set
// spec.md §4.4 requires (timestamps, file type, io block geometry) instead
// of just the raw dev/ino/mode/size/rdev words the teacher wrote directly
// to a fixed ABI buffer.
package stat

import (
	"time"

	"github.com/marrow-os/marrow/internal/defs"
)

// Stat_t mirrors a file's metadata as spec.md §4.4 describes it.
type Stat_t struct {
	UniqueIdentifier uint64
	Mode             uint32
	Type             defs.Ftype_t
	HardLinkCount    uint32
	ByteSize         int64
	AccessTime       time.Time
	ModifyTime       time.Time
	CreateTime       time.Time
	IoBlockSize      uint32
	IoBlockCount     uint64
	Rdev             uint64
}

// Rdev packs a device's major/minor pair the way biscuit's Stat_t.Wrdev did,
// for char/block special files.
func Rdev(major, minor int) uint64 {
	return uint64(major)<<32 | uint64(uint32(minor))
}

// Bytes serializes the structure into a fixed-width little-endian ABI
// buffer suitable for copying into user memory, the role biscuit's
// Stat_t.Bytes() played via unsafe.Pointer. CreateTime is not part of the
// 72-byte layout.
func (st *Stat_t) Bytes() []byte {
	b := make([]byte, 72)
	putU64(b[0:], st.UniqueIdentifier)
	putU32(b[8:], st.Mode)
	putU32(b[12:], uint32(st.Type))
	putU32(b[16:], st.HardLinkCount)
	putU64(b[24:], uint64(st.ByteSize))
	putU64(b[32:], uint64(st.AccessTime.Unix()))
	putU64(b[40:], uint64(st.ModifyTime.Unix()))
	putU32(b[48:], st.IoBlockSize)
	putU64(b[56:], st.IoBlockCount)
	putU64(b[64:], st.Rdev)
	return b
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
