package mem

import "fmt"
import "sync"

// Ram_t is the machine's physical memory. the boot code discovers its bounds
// once; until the frame allocator takes over, pages are stolen from the top.
type Ram_t struct {
	sync.Mutex
	bytes      []uint8
	firstpaddr Pa_t
	lastpaddr  Pa_t
	frozen     bool
}

// size is rounded down to a page multiple. page 0 holds the kernel image.
func Ram_bootstrap(size int) *Ram_t {
	size &^= PGSIZE - 1
	if size < 4*PGSIZE {
		panic(fmt.Sprintf("ram too small: %v", size))
	}
	r := &Ram_t{}
	r.bytes = ram_map(size)
	r.firstpaddr = Pa_t(PGSIZE)
	r.lastpaddr = Pa_t(size)
	return r
}

// returns the physical bounds [lo, hi) not yet used by the kernel image or by
// stolen pages.
func (r *Ram_t) Ram_getsize() (Pa_t, Pa_t) {
	r.Lock()
	defer r.Unlock()
	return r.firstpaddr, r.lastpaddr
}

// takes npages from the top of RAM for good. returns 0 if there is not
// enough. only legal before the frame allocator is initialized.
func (r *Ram_t) Ram_stealmem(npages int) Pa_t {
	r.Lock()
	defer r.Unlock()
	if r.frozen {
		panic("stealmem after vm bootstrap")
	}
	sz := Pa_t(npages * PGSIZE)
	if npages <= 0 || r.lastpaddr-r.firstpaddr < sz {
		return 0
	}
	r.lastpaddr -= sz
	return r.lastpaddr
}

func (r *Ram_t) freeze() {
	r.Lock()
	r.frozen = true
	r.Unlock()
}

func (r *Ram_t) Size() int {
	return len(r.bytes)
}

// returns the n bytes of RAM starting at pa
func (r *Ram_t) Bytes(pa Pa_t, n int) []uint8 {
	if pa == 0 || int(pa)+n > len(r.bytes) {
		panic(fmt.Sprintf("bad physical range %#x+%v", pa, n))
	}
	return r.bytes[pa : int(pa)+n]
}
