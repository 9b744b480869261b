package vm

import "fmt"
import "log/slog"
import "runtime"

import "os161/defs"
import "os161/mem"

// returns a zeroed frame for a page of as, evicting some resident page
// (possibly one of as's own) if memory is full. the lock on as is held on
// entry and on return but may be dropped in between, so callers must
// re-examine any entry they looked at before.
func (as *Vm_t) pgalloc() (mem.Pa_t, defs.Err_t) {
	as.Lockassert_pmap()
	for {
		if pa, err := as.sys.Phys.Alloc(1); err == 0 {
			as.sys.Stats.Nzfill.Inc()
			return pa, 0
		}
		pa, err := as.evict()
		switch err {
		case 0:
			return pa, 0
		case -defs.EAGAIN:
			// let the address space we raced with make progress, and
			// whoever wants to evict from ours
			as.Unlock_pmap()
			runtime.Gosched()
			as.Lock_pmap()
			continue
		}
		return 0, err
	}
}

// tries to free one frame by writing a victim page to swap. returns the
// frame, ready for the caller, or -EAGAIN if the attempt lost a race and
// the allocation should be retried.
func (as *Vm_t) evict() (mem.Pa_t, defs.Err_t) {
	sys := as.sys
	phys := sys.Phys
	if sys.Swap == nil {
		return 0, -defs.ENOMEM
	}
	pa, o, ok, canwait := phys.Pickvictim()
	if !ok {
		if !canwait {
			return 0, -defs.ENOMEM
		}
		// another eviction is in progress; let it finish
		as.Unlock_pmap()
		phys.Waitfree()
		as.Lock_pmap()
		return 0, -defs.EAGAIN
	}

	self := o.Asid == as.Asid
	vas := as
	if !self {
		v, ok := sys.Lookup(o.Asid)
		if !ok || !v.Trylock_pmap() {
			// taking a second address space lock could deadlock
			phys.Unbusy(pa)
			sys.Stats.Nraced.Inc()
			return 0, -defs.EAGAIN
		}
		vas = v
	}
	p, ok := vas.lookup(o.Va)
	if vas.dead || !ok || p.state != PG_RESIDENT || p.pa != pa {
		if !self {
			vas.Unlock_pmap()
		}
		phys.Unbusy(pa)
		sys.Stats.Nraced.Inc()
		return 0, -defs.EAGAIN
	}
	off, err := sys.Swap.Slot_alloc()
	if err != 0 {
		if !self {
			vas.Unlock_pmap()
		}
		phys.Unbusy(pa)
		return 0, err
	}

	p.mkinflight(XFER_OUT, pa, off)
	phys.Setxfer(pa, true)
	sys.Tlbshoot(vas, o.Va)

	// no address space lock is held across the write
	if !self {
		vas.Unlock_pmap()
	}
	as.Unlock_pmap()
	ioerr := sys.Swap.Write(off, phys.Dmap(pa))

	// finish on the victim before taking our own lock back, so that only
	// one address space lock is ever waited for at a time
	vas.Lock_pmap()
	phys.Setxfer(pa, false)
	if ioerr != 0 {
		p.mkresident(pa)
		sys.Swap.Slot_free(off)
		phys.Unbusy(pa)
	} else {
		p.mkswapped(off)
	}
	vas.xfercv.Broadcast()
	if !self {
		vas.Unlock_pmap()
		as.Lock_pmap()
	}
	if ioerr != 0 {
		sys.Stats.Nioerr.Inc()
		return 0, ioerr
	}
	sys.Stats.Nevict.Inc()
	sys.Stats.Nswapout.Inc()
	slog.Debug("evicted", "asid", o.Asid, "va", fmt.Sprintf("%#x", o.Va),
		"off", off, "for", as.Asid)
	return phys.Handoff(pa), 0
}

// brings a swapped page back into a fresh frame.
func (as *Vm_t) swapin(p *Pte_t) defs.Err_t {
	sys := as.sys
	phys := sys.Phys
	if p.state != PG_SWAPPED {
		panic("swapin of page not in swap")
	}
	off := p.Swapoff()
	pa, err := as.pgalloc()
	if err != 0 {
		return err
	}
	if p.state != PG_SWAPPED {
		// only this address space's thread moves its pages out of swap
		panic("swapped page changed during allocation")
	}
	phys.Reserve(pa)
	phys.Setxfer(pa, true)
	p.mkinflight(XFER_IN, pa, off)

	as.Unlock_pmap()
	ioerr := sys.Swap.Read(off, phys.Dmap(pa))
	as.Lock_pmap()

	phys.Setxfer(pa, false)
	phys.Unbusy(pa)
	if ioerr != 0 {
		p.mkswapped(off)
		phys.Free(pa)
		as.xfercv.Broadcast()
		sys.Stats.Nioerr.Inc()
		return ioerr
	}
	p.mkresident(pa)
	phys.Setowner(pa, mem.Owner_t{Asid: as.Asid, Va: p.Va})
	sys.Swap.Slot_free(off)
	as.xfercv.Broadcast()
	sys.Stats.Nswapin.Inc()
	return 0
}
