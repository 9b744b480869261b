package mem

const PGSHIFT uint = 12
const PGSIZE int = 1 << PGSHIFT
const PGOFFSET Pa_t = 0xfff
const PGMASK Pa_t = ^(PGOFFSET)

// physical address in simulated RAM. 0 is never a valid frame; the kernel
// image lives in the first page.
type Pa_t uintptr

// a lookup handle from a frame back to the page-table entry that maps it: the
// address space id and page-aligned virtual address. it never keeps the
// address space alive.
type Owner_t struct {
	Asid int
	Va   uintptr
}

var Noowner = Owner_t{}

func (o Owner_t) Valid() bool {
	return o.Asid != 0
}

func Pgn(pa Pa_t) uint32 {
	return uint32(pa >> PGSHIFT)
}

func Pgaligned(pa Pa_t) bool {
	return pa&PGOFFSET == 0
}
