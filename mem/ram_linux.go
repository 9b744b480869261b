//go:build linux

package mem

import "fmt"

import "golang.org/x/sys/unix"

// RAM is an anonymous private mapping so that untouched frames cost nothing.
// it is never unmapped.
func ram_map(size int) []uint8 {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		panic(fmt.Sprintf("couldn't map ram: %v", err))
	}
	return b
}
