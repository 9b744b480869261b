//go:build !linux

package mem

func ram_map(size int) []uint8 {
	return make([]uint8, size)
}
