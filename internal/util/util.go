// Package util contains small generic helpers shared across the kernel,
// adapted from biscuit's src/util package.
package util

import "encoding/binary"

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads n little-endian bytes from a starting at off.
//
// Unlike the teacher's unsafe-pointer version, this copy goes through
// encoding/binary so it is safe on hosts where alignment is enforced.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	var buf [8]byte
	copy(buf[:n], a[off:off+n])
	switch n {
	case 1:
		return int(buf[0])
	case 2:
		return int(binary.LittleEndian.Uint16(buf[:2]))
	case 4:
		return int(binary.LittleEndian.Uint32(buf[:4]))
	case 8:
		return int(binary.LittleEndian.Uint64(buf[:8]))
	default:
		panic("unsupported size")
	}
}

// Writen writes val using sz little-endian bytes into a starting at off.
func Writen(a []uint8, sz int, off int, val int) {
	if off < 0 || off+sz > len(a) {
		panic("Writen out of bounds")
	}
	var buf [8]byte
	switch sz {
	case 1:
		buf[0] = uint8(val)
	case 2:
		binary.LittleEndian.PutUint16(buf[:2], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(buf[:4], uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(buf[:8], uint64(val))
	default:
		panic("unsupported size")
	}
	copy(a[off:off+sz], buf[:sz])
}
