// swap manages page-sized slots on the backing store.
package swap

import "fmt"
import "log/slog"
import "sync"

import "os161/defs"
import "os161/mem"
import "os161/stats"

type Swapstats_t struct {
	Nalloc stats.Counter_t
	Nfree  stats.Counter_t
	Nhit   stats.Counter_t
	Nread  stats.Counter_t
	Nwrite stats.Counter_t
	Nioerr stats.Counter_t
	Nnospc stats.Counter_t
}

// Swap_t hands out slots of one page each. slot offsets are byte offsets on
// the disk. the lock covers only the bitmap; transfers run without it.
type Swap_t struct {
	sync.Mutex
	disk    Disk_i
	bits    []uint64
	nslots  int
	nfree   int
	lastbit int
	Stats   Swapstats_t
}

func Mkswap(disk Disk_i) *Swap_t {
	n := int(disk.Size() / int64(mem.PGSIZE))
	sw := &Swap_t{disk: disk, nslots: n, nfree: n}
	sw.bits = make([]uint64, (n+63)/64)
	return sw
}

func (sw *Swap_t) _isset(bit int) bool {
	return sw.bits[bit/64]&(1<<uint(bit%64)) != 0
}

func (sw *Swap_t) _flip(bit int) {
	sw.bits[bit/64] ^= 1 << uint(bit%64)
}

// reserves a slot and returns its offset, or -ENOMEM if the device is full.
func (sw *Swap_t) Slot_alloc() (int64, defs.Err_t) {
	sw.Lock()
	defer sw.Unlock()
	if sw.nfree == 0 {
		sw.Stats.Nnospc.Inc()
		return 0, -defs.ENOMEM
	}
	bit := -1
	if sw.lastbit < sw.nslots && !sw._isset(sw.lastbit) {
		bit = sw.lastbit
		sw.Stats.Nhit.Inc()
	} else {
		for i := 0; i < sw.nslots; i++ {
			if !sw._isset(i) {
				bit = i
				break
			}
		}
		if bit == -1 {
			panic("swap free count is wrong")
		}
	}
	sw._flip(bit)
	sw.lastbit = bit + 1
	sw.nfree--
	sw.Stats.Nalloc.Inc()
	return int64(bit) * int64(mem.PGSIZE), 0
}

func (sw *Swap_t) _slot(off int64) int {
	if off < 0 || off%int64(mem.PGSIZE) != 0 {
		panic(fmt.Sprintf("bad swap offset %v", off))
	}
	bit := int(off / int64(mem.PGSIZE))
	if bit >= sw.nslots {
		panic(fmt.Sprintf("bad swap offset %v", off))
	}
	return bit
}

func (sw *Swap_t) Slot_free(off int64) {
	sw.Lock()
	defer sw.Unlock()
	bit := sw._slot(off)
	if !sw._isset(bit) {
		panic(fmt.Sprintf("free of free swap slot %v", off))
	}
	sw._flip(bit)
	sw.nfree++
	sw.Stats.Nfree.Inc()
}

func (sw *Swap_t) _check(off int64, pg []uint8) {
	if len(pg) != mem.PGSIZE {
		panic("swap transfer is not a page")
	}
	sw.Lock()
	defer sw.Unlock()
	if !sw._isset(sw._slot(off)) {
		panic(fmt.Sprintf("transfer to unallocated swap slot %v", off))
	}
}

// writes one page to the slot at off. device errors are -EIO.
func (sw *Swap_t) Write(off int64, pg []uint8) defs.Err_t {
	sw._check(off, pg)
	if _, err := sw.disk.WriteAt(pg, off); err != nil {
		sw.Stats.Nioerr.Inc()
		slog.Warn("swap write failed", "off", off, "err", err)
		return -defs.EIO
	}
	sw.Stats.Nwrite.Inc()
	return 0
}

func (sw *Swap_t) Read(off int64, pg []uint8) defs.Err_t {
	sw._check(off, pg)
	if _, err := sw.disk.ReadAt(pg, off); err != nil {
		sw.Stats.Nioerr.Inc()
		slog.Warn("swap read failed", "off", off, "err", err)
		return -defs.EIO
	}
	sw.Stats.Nread.Inc()
	return 0
}

func (sw *Swap_t) Nfree() int {
	sw.Lock()
	defer sw.Unlock()
	return sw.nfree
}

func (sw *Swap_t) Nslots() int {
	return sw.nslots
}
