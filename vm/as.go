package vm

import "fmt"
import "log/slog"
import "sync"
import "sync/atomic"

import "os161/defs"
import "os161/hashtable"
import "os161/limits"
import "os161/mem"
import "os161/util"

const PGSIZE uintptr = uintptr(mem.PGSIZE)
const PGOFFSET uintptr = PGSIZE - 1
const PGMASK uintptr = ^PGOFFSET

// lowest address of the fixed stack block
const STACKBOT uintptr = defs.USERSTACK - uintptr(defs.STACKPAGES)*PGSIZE

// Vm_t is one process's address space. the page table is an ordered list of
// entries (static regions, then the heap, then the stack) plus an index by
// virtual page.
type Vm_t struct {
	// lock for ents, idx, the heap bounds and every entry's state. other
	// address spaces' evictors only ever TryLock it.
	sync.Mutex
	pgfltaken bool
	// signalled when an entry leaves PG_INFLIGHT
	xfercv *sync.Cond

	sys  *Vmsys_t
	Asid int

	ents []*Pte_t
	idx  *hashtable.Hashtable_t
	// entries in the static regions, the heap and the stack, in that order
	nstatic int
	nheap   int
	nstack  int

	heapbase uintptr
	brk      uintptr

	// number of cpus running this address space
	nactive atomic.Int32
	dead    bool
}

func (as *Vm_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

func (as *Vm_t) Trylock_pmap() bool {
	if !as.TryLock() {
		return false
	}
	as.pgfltaken = true
	return true
}

func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("pgfl lock must be held")
	}
}

// sleeps until some entry of as finishes a transfer
func (as *Vm_t) waitxfer() {
	as.Lockassert_pmap()
	as.sys.Stats.Nxwait.Inc()
	as.pgfltaken = false
	as.xfercv.Wait()
	as.pgfltaken = true
}

func (sys *Vmsys_t) _mkvm() *Vm_t {
	as := &Vm_t{sys: sys}
	as.xfercv = sync.NewCond(&as.Mutex)
	as.Asid = sys._newasid()
	as.idx = hashtable.MkHash(64)
	return as
}

// returns an empty address space
func (sys *Vmsys_t) Mkvm() *Vm_t {
	as := sys._mkvm()
	sys._register(as)
	return as
}

func (as *Vm_t) Sys() *Vmsys_t {
	return as.sys
}

func (as *Vm_t) lookup(va uintptr) (*Pte_t, bool) {
	v, ok := as.idx.Get(va & PGMASK)
	if !ok {
		return nil, false
	}
	return v.(*Pte_t), true
}

// replaces the entries in [start, end) of the table with ins
func (as *Vm_t) _splice(start, end int, ins []*Pte_t) {
	for _, p := range as.ents[start:end] {
		as.idx.Del(p.Va)
	}
	nents := make([]*Pte_t, 0, len(as.ents)-(end-start)+len(ins))
	nents = append(nents, as.ents[:start]...)
	nents = append(nents, ins...)
	nents = append(nents, as.ents[end:]...)
	as.ents = nents
	for _, p := range ins {
		if _, ok := as.idx.Set(p.Va, p); !ok {
			panic(fmt.Sprintf("page %#x defined twice", p.Va))
		}
	}
}

func (as *Vm_t) _aslimit(n int) bool {
	return len(as.ents)+n <= limits.Syslimit.Aspages
}

// defines [vbase, vbase+sz) rounded out to whole pages. regions may not
// overlap each other or the stack block and must be defined before the
// heap grows.
func (as *Vm_t) Define_region(vbase, sz uintptr, perms uint) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	if sz == 0 || vbase+sz < vbase || vbase+sz > STACKBOT {
		return -defs.EINVAL
	}
	if as.nheap != 0 || as.brk != as.heapbase {
		return -defs.EINVAL
	}
	start := vbase & PGMASK
	end := uintptr(util.Roundup(int(vbase+sz), int(PGSIZE)))
	npages := int((end - start) / PGSIZE)
	for va := start; va < end; va += PGSIZE {
		if _, ok := as.lookup(va); ok {
			return -defs.EINVAL
		}
	}
	if !as._aslimit(npages) {
		return -defs.ENOMEM
	}
	ins := make([]*Pte_t, 0, npages)
	for va := start; va < end; va += PGSIZE {
		ins = append(ins, &Pte_t{Va: va, Perms: perms})
	}
	as._splice(as.nstatic, as.nstatic, ins)
	as.nstatic += npages
	if end > as.heapbase {
		as.heapbase = end
		as.brk = end
	}
	slog.Debug("define region", "asid", as.Asid, "va", fmt.Sprintf("%#x", start),
		"pages", npages, "perms", perms)
	return 0
}

// defines the fixed stack block below USERSTACK and returns the initial
// stack pointer. the pages are faulted in on demand like any other.
func (as *Vm_t) Define_stack() (uintptr, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	if as.nstack != 0 {
		return defs.USERSTACK, 0
	}
	if as.heapbase > STACKBOT {
		return 0, -defs.EINVAL
	}
	if !as._aslimit(defs.STACKPAGES) {
		return 0, -defs.ENOMEM
	}
	ins := make([]*Pte_t, 0, defs.STACKPAGES)
	va := (defs.USERSTACK - 1) & PGMASK
	for i := 0; i < defs.STACKPAGES; i++ {
		ins = append(ins, &Pte_t{Va: va, Perms: defs.PROT_READ | defs.PROT_WRITE})
		va -= PGSIZE
	}
	as._splice(len(as.ents), len(as.ents), ins)
	as.nstack = defs.STACKPAGES
	return defs.USERSTACK, 0
}

// returns the heap base and the current break
func (as *Vm_t) Heap() (uintptr, uintptr) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.heapbase, as.brk
}

func (as *Vm_t) Npages() int {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return len(as.ents)
}

// number of heap pages a break of brk needs
func (as *Vm_t) _heappages(brk uintptr) int {
	top := uintptr(util.Roundup(int(brk), int(PGSIZE)))
	return int((top - as.heapbase) / PGSIZE)
}

// moves the break up by delta bytes. new pages are defined, not backed: the
// first touch allocates them. the table is unchanged on failure.
func (as *Vm_t) Grow_heap(delta int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as._grow(delta)
}

func (as *Vm_t) _grow(delta int) defs.Err_t {
	if delta < 0 {
		return -defs.EINVAL
	}
	if as.nstatic == 0 {
		// no static region, so no place for the heap to start
		return -defs.EINVAL
	}
	newbrk := as.brk + uintptr(delta)
	if newbrk < as.brk || newbrk > STACKBOT {
		return -defs.ENOMEM
	}
	n := as._heappages(newbrk)
	add := n - as.nheap
	if !as._aslimit(add) {
		return -defs.ENOMEM
	}
	ins := make([]*Pte_t, 0, add)
	for i := as.nheap; i < n; i++ {
		va := as.heapbase + uintptr(i)*PGSIZE
		ins = append(ins, &Pte_t{Va: va, Perms: defs.PROT_READ | defs.PROT_WRITE})
	}
	at := as.nstatic + as.nheap
	as._splice(at, at, ins)
	as.nheap = n
	as.brk = newbrk
	return 0
}

// moves the break down by delta bytes, releasing every page wholly above the
// new break. a break below the heap base is -EINVAL.
func (as *Vm_t) Shrink_heap(delta int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as._shrink(delta)
}

func (as *Vm_t) _shrink(delta int) defs.Err_t {
	if delta < 0 || uintptr(delta) > as.brk-as.heapbase {
		return -defs.EINVAL
	}
	newbrk := as.brk - uintptr(delta)
	keep := as._heappages(newbrk)
	start := as.nstatic + keep
	end := as.nstatic + as.nheap
	// an eviction may be writing one of the doomed pages out
	for as._inflight(start, end) {
		as.waitxfer()
	}
	for _, p := range as.ents[start:end] {
		as._release(p)
	}
	as._splice(start, end, nil)
	as.nheap = keep
	as.brk = newbrk
	return 0
}

// moves the break by delta and returns the old break
func (as *Vm_t) Sbrk(delta int) (uintptr, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	old := as.brk
	var err defs.Err_t
	switch {
	case delta > 0:
		err = as._grow(delta)
	case delta < 0:
		err = as._shrink(-delta)
	}
	if err != 0 {
		return 0, err
	}
	return old, 0
}

func (as *Vm_t) _inflight(start, end int) bool {
	for _, p := range as.ents[start:end] {
		if p.state == PG_INFLIGHT {
			return true
		}
	}
	return false
}

// gives back whatever backs p and leaves it unallocated
func (as *Vm_t) _release(p *Pte_t) {
	as.Lockassert_pmap()
	switch p.state {
	case PG_RESIDENT:
		as.sys.Tlbshoot(as, p.Va)
		as.sys.Phys.Free(p.pa)
	case PG_SWAPPED:
		as.sys.Swap.Slot_free(p.Swapoff())
	case PG_INFLIGHT:
		panic("release of page in transfer")
	}
	p.mkunalloc()
}

// makes a copy of as with the same layout and private copies of every
// backed page. the caller guarantees nothing faults on as meanwhile. the
// child is registered before any page is copied, so its pages can be
// evicted like anyone's while the copy runs. pages of as that are in swap
// are read straight into the child's frames and stay where they are. on
// failure the child is destroyed; as keeps its layout and contents.
func (as *Vm_t) Copy() (*Vm_t, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	sys := as.sys
	phys := sys.Phys
	nas := sys._mkvm()
	nas.ents = make([]*Pte_t, 0, len(as.ents))
	for _, p := range as.ents {
		np := &Pte_t{Va: p.Va, Perms: p.Perms}
		nas.ents = append(nas.ents, np)
		nas.idx.Set(np.Va, np)
	}
	nas.nstatic, nas.nheap, nas.nstack = as.nstatic, as.nheap, as.nstack
	nas.heapbase, nas.brk = as.heapbase, as.brk
	sys._register(nas)

	fail := func(err defs.Err_t) (*Vm_t, defs.Err_t) {
		slog.Debug("copy failed", "asid", as.Asid, "err", err)
		nas.Destroy()
		return nil, err
	}
	// the child's entry becomes resident in npa, now an eviction candidate
	install := func(np *Pte_t, npa mem.Pa_t) {
		nas.Lock_pmap()
		np.mkresident(npa)
		nas.Unlock_pmap()
		phys.Setowner(npa, mem.Owner_t{Asid: nas.Asid, Va: np.Va})
		sys.Stats.Nforkpg.Inc()
	}
	for i, p := range as.ents {
		np := nas.ents[i]
		var npa mem.Pa_t
		for done := false; !done; {
			switch p.state {
			case PG_UNALLOC:
				done = true
			case PG_INFLIGHT:
				as.waitxfer()
			case PG_SWAPPED, PG_RESIDENT:
				if npa == 0 {
					// may drop the lock and evict p; look again
					pa, err := as.pgalloc()
					if err != 0 {
						return fail(err)
					}
					npa = pa
					continue
				}
				if p.state == PG_RESIDENT {
					phys.Copypg(npa, p.Pa())
				} else {
					// only this thread moves p out of swap, so the slot
					// stays put while the lock is dropped
					off := p.Swapoff()
					as.Unlock_pmap()
					err := sys.Swap.Read(off, phys.Dmap(npa))
					as.Lock_pmap()
					if err != 0 {
						phys.Free(npa)
						sys.Stats.Nioerr.Inc()
						return fail(err)
					}
				}
				install(np, npa)
				npa = 0
				done = true
			}
		}
		if npa != 0 {
			// the page went away while a frame was found for it
			phys.Free(npa)
		}
	}
	return nas, 0
}

// returns every frame and swap slot of as to the system. as must not be
// running on any cpu.
func (as *Vm_t) Destroy() {
	if as.nactive.Load() != 0 {
		panic("destroy of active address space")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if as.dead {
		panic("destroy twice")
	}
	// no evictor starts on as after this
	as.dead = true
	as.sys.asids.Del(as.Asid)
	for as._inflight(0, len(as.ents)) {
		as.waitxfer()
	}
	for _, p := range as.ents {
		as._release(p)
	}
	as._splice(0, len(as.ents), nil)
	as.nstatic, as.nheap, as.nstack = 0, 0, 0
}

// makes as the current address space of cpu and flushes cpu's TLB.
func (as *Vm_t) Activate(cpu *Cpu_t) {
	cpu.Tlb.Splhigh()
	if old := cpu.curvm; old != nil {
		old.nactive.Add(-1)
	}
	cpu.curvm = as
	as.nactive.Add(1)
	cpu.Tlb.Flush()
	cpu.Tlb.Splx()
}

func (as *Vm_t) Deactivate(cpu *Cpu_t) {
	cpu.Tlb.Splhigh()
	if cpu.curvm != as {
		cpu.Tlb.Splx()
		panic("deactivate of address space not running here")
	}
	cpu.curvm = nil
	as.nactive.Add(-1)
	cpu.Tlb.Flush()
	cpu.Tlb.Splx()
}

// state of the page containing va, for the proc layer and tests
func (as *Vm_t) Pgstate(va uintptr) (Pgstate_t, bool) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	p, ok := as.lookup(va)
	if !ok {
		return 0, false
	}
	return p.state, true
}

// number of pages of as in each state
func (as *Vm_t) Census() map[Pgstate_t]int {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	ret := make(map[Pgstate_t]int)
	for _, p := range as.ents {
		ret[p.state]++
	}
	return ret
}
