package vm

import "sync"
import "sync/atomic"
import "testing"
import "time"

import "os161/defs"
import "os161/mem"
import "os161/swap"

func pattern(as *Vm_t, pg, round int) []uint8 {
	b := make([]uint8, 64)
	for i := range b {
		b[i] = uint8(as.Asid*31 + pg*7 + round + i)
	}
	return b
}

func fill(t *testing.T, cpu *Cpu_t, as *Vm_t, npages, round int) {
	for i := 0; i < npages; i++ {
		va := tbase + uintptr(i)*PGSIZE + uintptr(i%50)
		if err := cpu.K2user(pattern(as, i, round), va); err != 0 {
			t.Errorf("asid %v write page %v: %v", as.Asid, i, err)
			return
		}
	}
}

func check(t *testing.T, cpu *Cpu_t, as *Vm_t, npages, round int) {
	got := make([]uint8, 64)
	for i := 0; i < npages; i++ {
		va := tbase + uintptr(i)*PGSIZE + uintptr(i%50)
		if err := cpu.User2k(got, va); err != 0 {
			t.Errorf("asid %v read page %v: %v", as.Asid, i, err)
			return
		}
		want := pattern(as, i, round)
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("asid %v page %v byte %v: %v != %v", as.Asid, i, j,
					got[j], want[j])
				return
			}
		}
	}
}

func TestSwapRoundtrip(t *testing.T) {
	sys := mksys(t, 8, 64, 1)
	cpu := sys.Cpus[0]
	as := mkas(t, sys, 24)
	as.Activate(cpu)
	fill(t, cpu, as, 24, 0)
	c := as.Census()
	if c[PG_SWAPPED] == 0 || c[PG_RESIDENT]+c[PG_SWAPPED] != 24 {
		t.Fatalf("census %v", c)
	}
	check(t, cpu, as, 24, 0)
	if sys.Stats.Nswapout.Get() == 0 || sys.Stats.Nswapin.Get() == 0 {
		t.Fatalf("no paging: %v", sys)
	}
	as.Deactivate(cpu)
	as.Destroy()
	if sys.Phys.Nfree() != 8 || sys.Swap.Nfree() != 64 {
		t.Fatalf("leak: %v frames %v slots", sys.Phys.Nfree(), sys.Swap.Nfree())
	}
}

func TestShootdown(t *testing.T) {
	sys := mksys(t, 8, 16, 2)
	ac, bc := sys.Cpus[0], sys.Cpus[1]
	a := mkas(t, sys, 8)
	a.Activate(ac)
	fill(t, ac, a, 8, 0)
	b := mkas(t, sys, 1)
	b.Activate(bc)
	fill(t, bc, b, 1, 0)

	if c := a.Census(); c[PG_SWAPPED] != 1 {
		t.Fatalf("census %v", c)
	}
	for i := 0; i < 8; i++ {
		va := tbase + uintptr(i)*PGSIZE
		st, _ := a.Pgstate(va)
		ac.Tlb.Splhigh()
		slot := ac.Tlb.Probe(va)
		ac.Tlb.Splx()
		if st == PG_SWAPPED && slot >= 0 {
			t.Fatalf("stale translation for evicted page %#x", va)
		}
		if st == PG_RESIDENT && slot < 0 {
			t.Fatalf("resident page %#x shot down", va)
		}
	}
	check(t, ac, a, 8, 0)
	check(t, bc, b, 1, 0)
	a.Deactivate(ac)
	b.Deactivate(bc)
	a.Destroy()
	b.Destroy()
}

func TestNoSwap(t *testing.T) {
	sys := mksys(t, 4, 0, 1)
	cpu := sys.Cpus[0]
	as := mkas(t, sys, 6)
	as.Activate(cpu)
	for i := 0; i < 4; i++ {
		if err := cpu.Userwriten(tbase+uintptr(i)*PGSIZE, 4, i); err != 0 {
			t.Fatalf("write %v", err)
		}
	}
	if err := cpu.Userwriten(tbase+4*PGSIZE, 4, 4); err != -defs.ENOMEM {
		t.Fatalf("fifth page: %v", err)
	}
	as.Deactivate(cpu)
	as.Destroy()
}

func TestSwapFull(t *testing.T) {
	sys := mksys(t, 4, 2, 1)
	cpu := sys.Cpus[0]
	as := mkas(t, sys, 8)
	as.Activate(cpu)
	for i := 0; i < 6; i++ {
		if err := cpu.Userwriten(tbase+uintptr(i)*PGSIZE, 4, i); err != 0 {
			t.Fatalf("write %v: %v", i, err)
		}
	}
	if err := cpu.Userwriten(tbase+6*PGSIZE, 4, 6); err != -defs.ENOMEM {
		t.Fatalf("swap full: %v", err)
	}
	if c := as.Census(); c[PG_RESIDENT] != 4 || c[PG_SWAPPED] != 2 ||
		c[PG_INFLIGHT] != 0 {
		t.Fatalf("census %v", c)
	}
	as.Deactivate(cpu)
	as.Destroy()
	if sys.Phys.Nfree() != 4 || sys.Swap.Nfree() != 2 {
		t.Fatalf("leak")
	}
}

func TestSwapIOError(t *testing.T) {
	ram := mem.Ram_bootstrap(6 * mem.PGSIZE)
	phys := mem.Mkphysmem(ram)
	phys.Phys_init()
	md := swap.Mkmemdisk(int64(8 * mem.PGSIZE))
	sys := Mkvmsys(phys, swap.Mkswap(md), 1, 8, 1)
	cpu := sys.Cpus[0]
	as := mkas(t, sys, 8)
	as.Activate(cpu)
	fill(t, cpu, as, 4, 0)

	md.Failwrites(100)
	if err := cpu.K2user(pattern(as, 4, 0), tbase+4*PGSIZE+4); err != -defs.EIO {
		t.Fatalf("write with failing swap: %v", err)
	}
	if c := as.Census(); c[PG_INFLIGHT] != 0 || c[PG_RESIDENT] != 4 {
		t.Fatalf("census after failed eviction %v", c)
	}
	if sys.Swap.Nfree() != 8 {
		t.Fatalf("slot leaked")
	}
	md.Failwrites(0)
	fill(t, cpu, as, 5, 0)

	var swapped uintptr
	for i := 0; i < 5; i++ {
		va := tbase + uintptr(i)*PGSIZE
		if st, _ := as.Pgstate(va); st == PG_SWAPPED {
			swapped = va
		}
	}
	if swapped == 0 {
		t.Fatalf("nothing swapped")
	}
	md.Failreads(1)
	if _, err := cpu.Userreadn(swapped, 4); err != -defs.EIO {
		t.Fatalf("read with failing swap: %v", err)
	}
	if st, _ := as.Pgstate(swapped); st != PG_SWAPPED {
		t.Fatalf("failed swapin left %v", st)
	}
	check(t, cpu, as, 5, 0)
	as.Deactivate(cpu)
	as.Destroy()
	if phys.Nfree() != phys.Npages() || sys.Swap.Nfree() != 8 {
		t.Fatalf("leak")
	}
}

func TestCopySwapped(t *testing.T) {
	sys := mksys(t, 8, 32, 2)
	pc, xc := sys.Cpus[0], sys.Cpus[1]
	parent := mkas(t, sys, 5)
	parent.Activate(pc)
	fill(t, pc, parent, 5, 3)
	x := mkas(t, sys, 7)
	x.Activate(xc)
	fill(t, xc, x, 7, 0)
	x.Deactivate(xc)
	x.Destroy()
	if c := parent.Census(); c[PG_SWAPPED] == 0 {
		t.Fatalf("parent not swapped: %v", c)
	}

	child, err := parent.Copy()
	if err != 0 {
		t.Fatalf("copy: %v", err)
	}
	child.Activate(xc)
	// the child's pages carry the parent's bytes, not the child's asid
	got := make([]uint8, 64)
	for i := 0; i < 5; i++ {
		va := tbase + uintptr(i)*PGSIZE + uintptr(i%50)
		if err := xc.User2k(got, va); err != 0 {
			t.Fatalf("child read: %v", err)
		}
		want := pattern(parent, i, 3)
		if string(got) != string(want) {
			t.Fatalf("child page %v differs", i)
		}
	}
	check(t, pc, parent, 5, 3)
	child.Deactivate(xc)
	child.Destroy()
	parent.Deactivate(pc)
	parent.Destroy()
	if sys.Phys.Nfree() != 8 || sys.Swap.Nfree() != 32 {
		t.Fatalf("leak")
	}
}

func TestConcurrentFaults(t *testing.T) {
	const nproc = 6
	const npages = 10
	sys := mksys(t, 24, 128, nproc)
	var ases []*Vm_t
	for p := 0; p < nproc; p++ {
		ases = append(ases, mkas(t, sys, npages))
	}
	var wg sync.WaitGroup
	for p := 0; p < nproc; p++ {
		wg.Add(1)
		go func(cpu *Cpu_t, as *Vm_t) {
			defer wg.Done()
			as.Activate(cpu)
			for round := 0; round < 10; round++ {
				fill(t, cpu, as, npages, round)
				check(t, cpu, as, npages, round)
				if cpu.Id == 0 && round == 5 {
					// a fork while everyone else is paging
					child, err := as.Copy()
					if err != 0 {
						t.Errorf("copy: %v", err)
						continue
					}
					child.Destroy()
				}
			}
			as.Deactivate(cpu)
			as.Destroy()
		}(sys.Cpus[p], ases[p])
	}
	wg.Wait()
	if sys.Phys.Nfree() != 24 || sys.Swap.Nfree() != 128 {
		t.Fatalf("leak: %v frames %v slots", sys.Phys.Nfree(), sys.Swap.Nfree())
	}
	if sys.Nas() != 0 {
		t.Fatalf("%v address spaces left", sys.Nas())
	}
}

// va -> swap offset of every swapped page of as
func swapoffs(as *Vm_t) map[uintptr]int64 {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	ret := make(map[uintptr]int64)
	for _, p := range as.ents {
		if p.State() == PG_SWAPPED {
			ret[p.Va] = p.Swapoff()
		}
	}
	return ret
}

func TestCopyLargerThanRam(t *testing.T) {
	sys := mksys(t, 8, 32, 2)
	pc, cc := sys.Cpus[0], sys.Cpus[1]
	parent := mkas(t, sys, 10)
	parent.Activate(pc)
	fill(t, pc, parent, 10, 1)

	child, err := parent.Copy()
	if err != 0 {
		t.Fatalf("copy: %v", err)
	}
	if c := child.Census(); c[PG_RESIDENT]+c[PG_SWAPPED] != 10 {
		t.Fatalf("child census %v", c)
	}
	child.Activate(cc)
	got := make([]uint8, 64)
	for i := 0; i < 10; i++ {
		va := tbase + uintptr(i)*PGSIZE + uintptr(i%50)
		if err := cc.User2k(got, va); err != 0 {
			t.Fatalf("child read: %v", err)
		}
		if string(got) != string(pattern(parent, i, 1)) {
			t.Fatalf("child page %v differs", i)
		}
		if err := cc.Userwriten(va, 4, 0); err != 0 {
			t.Fatalf("child write: %v", err)
		}
	}
	check(t, pc, parent, 10, 1)
	child.Deactivate(cc)
	child.Destroy()
	parent.Deactivate(pc)
	parent.Destroy()
	if sys.Phys.Nfree() != 8 || sys.Swap.Nfree() != 32 {
		t.Fatalf("leak: %v frames %v slots", sys.Phys.Nfree(), sys.Swap.Nfree())
	}
}

func TestCopyNoSwapSpace(t *testing.T) {
	sys := mksys(t, 8, 4, 1)
	cpu := sys.Cpus[0]
	parent := mkas(t, sys, 10)
	parent.Activate(cpu)
	fill(t, cpu, parent, 10, 2)
	swapped := swapoffs(parent)
	if len(swapped) != 2 {
		t.Fatalf("%v pages swapped", len(swapped))
	}
	npages := parent.Npages()
	base, brk := parent.Heap()

	if _, err := parent.Copy(); err != -defs.ENOMEM {
		t.Fatalf("copy: %v", err)
	}
	if sys.Nas() != 1 {
		t.Fatalf("failed child still registered")
	}
	if b, k := parent.Heap(); parent.Npages() != npages || b != base || k != brk {
		t.Fatalf("failed copy changed the parent's layout")
	}
	// pages already in swap were read in place, not moved
	now := swapoffs(parent)
	for va, off := range swapped {
		if now[va] != off {
			t.Fatalf("page %#x moved from @%v to @%v", va, off, now[va])
		}
	}
	if c := parent.Census(); c[PG_RESIDENT]+c[PG_SWAPPED] != 10 {
		t.Fatalf("parent census %v", c)
	}
	check(t, cpu, parent, 10, 2)
	parent.Deactivate(cpu)
	parent.Destroy()
	if sys.Phys.Nfree() != 8 || sys.Swap.Nfree() != 4 {
		t.Fatalf("leak: %v frames %v slots", sys.Phys.Nfree(), sys.Swap.Nfree())
	}
}

// a disk whose next write, once armed, waits for release
type gatedisk_t struct {
	*swap.Memdisk_t
	armed   atomic.Bool
	started chan struct{}
	release chan struct{}
}

func (gd *gatedisk_t) WriteAt(p []byte, off int64) (int, error) {
	if gd.armed.CompareAndSwap(true, false) {
		gd.started <- struct{}{}
		<-gd.release
	}
	return gd.Memdisk_t.WriteAt(p, off)
}

func inflightva(t *testing.T, as *Vm_t) (uintptr, mem.Pa_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for _, p := range as.ents {
		if p.State() == PG_INFLIGHT {
			if p.Dir() != XFER_OUT {
				t.Fatalf("%v", p)
			}
			return p.Va, p.Pa()
		}
	}
	t.Fatalf("no page in flight")
	return 0, 0
}

func stillblocked(t *testing.T, done chan defs.Err_t, what string) {
	select {
	case err := <-done:
		t.Fatalf("%v finished (%v) while its page was in flight", what, err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInflightBlocks(t *testing.T) {
	ram := mem.Ram_bootstrap(6 * mem.PGSIZE)
	phys := mem.Mkphysmem(ram)
	phys.Phys_init()
	gd := &gatedisk_t{Memdisk_t: swap.Mkmemdisk(int64(16 * mem.PGSIZE))}
	gd.started = make(chan struct{})
	gd.release = make(chan struct{})
	sys := Mkvmsys(phys, swap.Mkswap(gd), 2, 8, 1)
	acpu, bcpu := sys.Cpus[0], sys.Cpus[1]

	a := mkas(t, sys, 1)
	a.Activate(acpu)
	heap, err := a.Sbrk(8 * mem.PGSIZE)
	if err != 0 {
		t.Fatalf("sbrk: %v", err)
	}
	touch := func(i int) {
		if err := acpu.Userwriten(heap+uintptr(i)*PGSIZE, 8, 1000+i); err != 0 {
			t.Fatalf("write heap page %v: %v", i, err)
		}
	}
	for i := 0; i < 4; i++ {
		touch(i)
	}

	// another address space takes a frame from a; the write-out of a's
	// page waits at the gate
	evictone := func() (*Vm_t, chan defs.Err_t) {
		b := mkas(t, sys, 1)
		b.Activate(bcpu)
		gd.armed.Store(true)
		bdone := make(chan defs.Err_t, 1)
		go func() {
			bdone <- bcpu.Userwriten(tbase, 4, 7)
		}()
		<-gd.started
		if c := a.Census(); c[PG_INFLIGHT] != 1 {
			t.Fatalf("census %v", c)
		}
		return b, bdone
	}
	finish := func(b *Vm_t, bdone chan defs.Err_t, done chan defs.Err_t, what string) {
		gd.release <- struct{}{}
		if err := <-bdone; err != 0 {
			t.Fatalf("evicting fault: %v", err)
		}
		if err := <-done; err != 0 {
			t.Fatalf("%v: %v", what, err)
		}
		b.Deactivate(bcpu)
		b.Destroy()
	}

	// the owner's fault on the page waits for the write-out
	b, bdone := evictone()
	va, xpa := inflightva(t, a)
	// nor is its frame picked for eviction again
	for i := 0; i < 8; i++ {
		pa, _, ok, _ := phys.Pickvictim()
		if !ok {
			break
		}
		if pa == xpa {
			t.Fatalf("frame %#x in flight picked as a victim", pa)
		}
		phys.Unbusy(pa)
	}
	xw := sys.Stats.Nxwait.Get()
	var got int
	done := make(chan defs.Err_t, 1)
	go func() {
		v, err := acpu.Userreadn(va, 8)
		got = v
		done <- err
	}()
	stillblocked(t, done, "fault")
	finish(b, bdone, done, "fault")
	if got != 1000+int((va-heap)/PGSIZE) {
		t.Fatalf("page %#x read back %v", va, got)
	}
	if sys.Stats.Nxwait.Get() == xw {
		t.Fatalf("fault did not wait")
	}

	// shrinking the heap past the page waits too
	touch(4)
	b, bdone = evictone()
	inflightva(t, a)
	xw = sys.Stats.Nxwait.Get()
	done = make(chan defs.Err_t, 1)
	go func() {
		done <- a.Shrink_heap(8 * mem.PGSIZE)
	}()
	stillblocked(t, done, "shrink")
	finish(b, bdone, done, "shrink")
	if c := a.Census(); c[PG_RESIDENT]+c[PG_SWAPPED]+c[PG_INFLIGHT] != 0 {
		t.Fatalf("census after shrink %v", c)
	}
	if sys.Stats.Nxwait.Get() == xw {
		t.Fatalf("shrink did not wait")
	}

	// and so does destroy
	if _, err := a.Sbrk(4 * mem.PGSIZE); err != 0 {
		t.Fatalf("sbrk: %v", err)
	}
	for i := 0; i < 4; i++ {
		touch(i)
	}
	b, bdone = evictone()
	inflightva(t, a)
	a.Deactivate(acpu)
	done = make(chan defs.Err_t, 1)
	go func() {
		a.Destroy()
		done <- 0
	}()
	stillblocked(t, done, "destroy")
	finish(b, bdone, done, "destroy")

	if phys.Nfree() != 4 || sys.Swap.Nfree() != 16 || sys.Nas() != 0 {
		t.Fatalf("leak: %v frames %v slots %v as", phys.Nfree(),
			sys.Swap.Nfree(), sys.Nas())
	}
}
