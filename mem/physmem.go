package mem

import "fmt"
import "log/slog"
import "sync"
import "unsafe"

import "os161/defs"
import "os161/stats"
import "os161/util"

// coremap entry, one per managed frame
type Physpg_t struct {
	Owner Owner_t
	inuse bool
	// number of frames in the allocation that starts here; 0 if this frame
	// is not the head of an allocation
	runlen int32
	// set when the frame is touched; cleared by the clock hand
	lru bool
	// reserved by the evictor
	busy bool
	// contents are being moved to or from swap
	xfer bool
}

type Physstats_t struct {
	Nalloc   stats.Counter_t
	Nfree    stats.Counter_t
	Nfail    stats.Counter_t
	Nsteal   stats.Counter_t
	Nhandoff stats.Counter_t
}

// frame states reported by Iter
type Fstate_t int

const (
	F_FREE Fstate_t = iota
	F_KERNEL
	F_USER
	F_BUSY
)

// Physmem_t is the frame allocator. one per machine; it is created before
// its metadata exists, initialized once by Phys_init and never torn down.
// the embedded mutex covers every coremap scan and claim.
type Physmem_t struct {
	sync.Mutex
	ram    *Ram_t
	inited bool
	pgs    []Physpg_t
	startn uint32
	nfree  int
	nbusy  int
	// clock hand for victim selection
	hand int
	// signalled when a frame is freed or an eviction finishes
	freecv *sync.Cond
	Stats  Physstats_t
}

// the allocator serves stolen pages until Phys_init is called.
func Mkphysmem(ram *Ram_t) *Physmem_t {
	phys := &Physmem_t{ram: ram}
	phys.freecv = sync.NewCond(&phys.Mutex)
	return phys
}

// places the coremap at the low end of usable RAM and starts managing the
// rest. stealing is no longer possible afterwards.
func (phys *Physmem_t) Phys_init() {
	phys.Lock()
	defer phys.Unlock()
	if phys.inited {
		panic("phys init twice")
	}
	lo, hi := phys.ram.Ram_getsize()
	npages := int(hi-lo) >> PGSHIFT
	metasz := int(unsafe.Sizeof(Physpg_t{})) * npages
	cmpages := util.Howmany(metasz, PGSIZE)
	lo += Pa_t(cmpages * PGSIZE)
	npages -= cmpages
	if npages <= 0 {
		panic("no ram left for the coremap")
	}
	phys.ram.freeze()
	phys.pgs = make([]Physpg_t, npages)
	phys.startn = Pgn(lo)
	phys.nfree = npages
	phys.inited = true
	slog.Info("coremap initialized", "frames", npages, "metapages", cmpages,
		"lo", fmt.Sprintf("%#x", lo))
}

func (phys *Physmem_t) Inited() bool {
	phys.Lock()
	defer phys.Unlock()
	return phys.inited
}

func (phys *Physmem_t) _idx2pa(i int) Pa_t {
	return Pa_t(uint32(i)+phys.startn) << PGSHIFT
}

// returns the coremap index for pa and whether pa is a managed frame
func (phys *Physmem_t) _pa2idx(pa Pa_t) (int, bool) {
	if !Pgaligned(pa) {
		panic(fmt.Sprintf("unaligned frame %#x", pa))
	}
	pgn := Pgn(pa)
	if pgn < phys.startn {
		return 0, false
	}
	idx := int(pgn - phys.startn)
	if idx >= len(phys.pgs) {
		return 0, false
	}
	return idx, true
}

func (phys *Physmem_t) _pg(pa Pa_t) *Physpg_t {
	idx, ok := phys._pa2idx(pa)
	if !ok {
		panic(fmt.Sprintf("not a managed frame %#x", pa))
	}
	return &phys.pgs[idx]
}

// returns the first of n contiguous zero-filled frames, or -ENOMEM.
func (phys *Physmem_t) Alloc(n int) (Pa_t, defs.Err_t) {
	if n <= 0 {
		panic("bad frame count")
	}
	phys.Lock()
	if !phys.inited {
		phys.Unlock()
		pa := phys.ram.Ram_stealmem(n)
		if pa == 0 {
			phys.Stats.Nfail.Inc()
			return 0, -defs.ENOMEM
		}
		phys.Stats.Nsteal.Inc()
		phys._zero(pa, n)
		return pa, 0
	}
	start := -1
	run := 0
	for i := range phys.pgs {
		pg := &phys.pgs[i]
		if pg.inuse || pg.busy {
			run = 0
			continue
		}
		run++
		if run == n {
			start = i - n + 1
			break
		}
	}
	if start == -1 {
		phys.Unlock()
		phys.Stats.Nfail.Inc()
		return 0, -defs.ENOMEM
	}
	for i := start; i < start+n; i++ {
		pg := &phys.pgs[i]
		pg.inuse = true
		pg.Owner = Noowner
		pg.lru = false
		pg.runlen = 0
	}
	phys.pgs[start].runlen = int32(n)
	phys.nfree -= n
	phys.Unlock()

	// claimed frames are invisible to everyone else; zero without the lock
	pa := phys._idx2pa(start)
	phys._zero(pa, n)
	phys.Stats.Nalloc.Inc()
	return pa, 0
}

func (phys *Physmem_t) _zero(pa Pa_t, n int) {
	clear(phys.ram.Bytes(pa, n*PGSIZE))
}

// releases the allocation that starts at pa. freeing a frame that is not
// allocated, or one whose contents are in transfer, is fatal. stolen pages
// are never reclaimed.
func (phys *Physmem_t) Free(pa Pa_t) {
	phys.Lock()
	defer phys.Unlock()
	if !phys.inited {
		return
	}
	idx, ok := phys._pa2idx(pa)
	if !ok {
		if pa >= phys._idx2pa(len(phys.pgs)) && int(pa) < phys.ram.Size() {
			// stolen before the coremap existed
			return
		}
		panic(fmt.Sprintf("free of unmanaged frame %#x", pa))
	}
	head := &phys.pgs[idx]
	if !head.inuse {
		panic(fmt.Sprintf("free of free frame %#x", pa))
	}
	if head.runlen == 0 {
		panic(fmt.Sprintf("free of interior frame %#x", pa))
	}
	n := int(head.runlen)
	for i := idx; i < idx+n; i++ {
		pg := &phys.pgs[i]
		if pg.xfer {
			panic(fmt.Sprintf("free of frame in transfer %#x", phys._idx2pa(i)))
		}
		pg.inuse = false
		pg.Owner = Noowner
		pg.lru = false
		pg.runlen = 0
		// a reserved frame becomes allocatable once the evictor lets go
		if !pg.busy {
			phys.nfree++
		}
	}
	phys.Stats.Nfree.Inc()
	phys.freecv.Broadcast()
}

// returns the kernel view of the page containing pa
func (phys *Physmem_t) Dmap(pa Pa_t) []uint8 {
	return phys.ram.Bytes(pa&PGMASK, PGSIZE)
}

func (phys *Physmem_t) Copypg(dst, src Pa_t) {
	copy(phys.Dmap(dst), phys.Dmap(src))
}

func (phys *Physmem_t) Setowner(pa Pa_t, o Owner_t) {
	phys.Lock()
	defer phys.Unlock()
	pg := phys._pg(pa)
	if !pg.inuse || pg.runlen != 1 {
		panic("owner for a frame that is not a single allocated page")
	}
	pg.Owner = o
	pg.lru = true
}

func (phys *Physmem_t) Owner(pa Pa_t) Owner_t {
	phys.Lock()
	defer phys.Unlock()
	return phys._pg(pa).Owner
}

// records a use of pa for the recency hint
func (phys *Physmem_t) Touch(pa Pa_t) {
	phys.Lock()
	phys._pg(pa).lru = true
	phys.Unlock()
}

// chooses an owned frame to evict with the clock algorithm and reserves it.
// the last return value reports whether other evictions are outstanding,
// i.e. whether waiting may make a frame available.
func (phys *Physmem_t) Pickvictim() (Pa_t, Owner_t, bool, bool) {
	phys.Lock()
	defer phys.Unlock()
	if !phys.inited || len(phys.pgs) == 0 {
		return 0, Noowner, false, false
	}
	for tries := 0; tries < 2*len(phys.pgs); tries++ {
		i := phys.hand
		phys.hand = (phys.hand + 1) % len(phys.pgs)
		pg := &phys.pgs[i]
		if !pg.inuse || pg.busy || !pg.Owner.Valid() {
			continue
		}
		if pg.lru {
			pg.lru = false
			continue
		}
		pg.busy = true
		phys.nbusy++
		return phys._idx2pa(i), pg.Owner, true, true
	}
	return 0, Noowner, false, phys.nbusy > 0
}

// marks the start or end of a transfer of a reserved frame's contents
func (phys *Physmem_t) Setxfer(pa Pa_t, on bool) {
	phys.Lock()
	defer phys.Unlock()
	pg := phys._pg(pa)
	if !pg.busy {
		panic("transfer on unreserved frame")
	}
	pg.xfer = on
}

// drops the eviction reservation on pa
func (phys *Physmem_t) Unbusy(pa Pa_t) {
	phys.Lock()
	defer phys.Unlock()
	pg := phys._pg(pa)
	if !pg.busy || pg.xfer {
		panic("unbusy of frame not reserved or in transfer")
	}
	pg.busy = false
	phys.nbusy--
	if !pg.inuse {
		phys.nfree++
	}
	phys.freecv.Broadcast()
}

// hands a reserved frame whose contents were saved directly to the caller
// as a fresh zeroed allocation.
func (phys *Physmem_t) Handoff(pa Pa_t) Pa_t {
	phys.Lock()
	pg := phys._pg(pa)
	if !pg.inuse || !pg.busy || pg.xfer || pg.runlen != 1 {
		phys.Unlock()
		panic("handoff of bad frame")
	}
	pg.busy = false
	pg.Owner = Noowner
	pg.lru = false
	phys.nbusy--
	phys.freecv.Broadcast()
	phys.Unlock()
	phys._zero(pa, 1)
	phys.Stats.Nhandoff.Inc()
	return pa
}

// blocks until a frame is freed or an eviction finishes, if there is
// something to wait for. returns false when waiting cannot help.
func (phys *Physmem_t) Waitfree() bool {
	phys.Lock()
	defer phys.Unlock()
	if phys.nfree > 0 {
		return true
	}
	if phys.nbusy == 0 {
		return false
	}
	phys.freecv.Wait()
	return true
}

func (phys *Physmem_t) Nfree() int {
	phys.Lock()
	defer phys.Unlock()
	return phys.nfree
}

func (phys *Physmem_t) Npages() int {
	phys.Lock()
	defer phys.Unlock()
	return len(phys.pgs)
}

// calls f with the state of every managed frame, in address order
func (phys *Physmem_t) Iter(f func(Pa_t, Fstate_t)) {
	phys.Lock()
	defer phys.Unlock()
	for i := range phys.pgs {
		pg := &phys.pgs[i]
		st := F_FREE
		switch {
		case pg.busy:
			st = F_BUSY
		case pg.inuse && pg.Owner.Valid():
			st = F_USER
		case pg.inuse:
			st = F_KERNEL
		}
		f(phys._idx2pa(i), st)
	}
}

// keeps pa out of victim selection while its contents are filled in
func (phys *Physmem_t) Reserve(pa Pa_t) {
	phys.Lock()
	defer phys.Unlock()
	pg := phys._pg(pa)
	if !pg.inuse || pg.busy {
		panic("reserve of free or reserved frame")
	}
	pg.busy = true
	phys.nbusy++
}
