package util

import "encoding/binary"

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func Rounddown(v int, b int) int {
	return v - (v % b)
}

func Roundup(v int, b int) int {
	return Rounddown(v+b-1, b)
}

// returns the number of b-sized units needed to hold v bytes
func Howmany(v int, b int) int {
	return (v + b - 1) / b
}

// reads an n byte little-endian integer at a[off:]
func Readn(a []uint8, n int, off int) int {
	p := a[off:]
	var ret int
	switch n {
	case 8:
		ret = int(binary.LittleEndian.Uint64(p))
	case 4:
		ret = int(binary.LittleEndian.Uint32(p))
	case 2:
		ret = int(binary.LittleEndian.Uint16(p))
	case 1:
		ret = int(p[0])
	default:
		panic("no")
	}
	return ret
}

func Writen(a []uint8, sz int, off int, val int) {
	p := a[off:]
	switch sz {
	case 8:
		binary.LittleEndian.PutUint64(p, uint64(val))
	case 4:
		binary.LittleEndian.PutUint32(p, uint32(val))
	case 2:
		binary.LittleEndian.PutUint16(p, uint16(val))
	case 1:
		p[0] = uint8(val)
	default:
		panic("no")
	}
}
