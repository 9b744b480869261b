package vm

import "fmt"

import "os161/mem"

type Pgstate_t int

const (
	// defined but never touched; no frame, no swap slot
	PG_UNALLOC Pgstate_t = iota
	PG_RESIDENT
	PG_SWAPPED
	// contents are moving between a frame and swap; everything else that
	// wants the page waits on the address space's xfer condition
	PG_INFLIGHT
)

func (s Pgstate_t) String() string {
	switch s {
	case PG_UNALLOC:
		return "unalloc"
	case PG_RESIDENT:
		return "resident"
	case PG_SWAPPED:
		return "swapped"
	case PG_INFLIGHT:
		return "inflight"
	}
	return "bad"
}

type Xfer_t int

const (
	XFER_OUT Xfer_t = iota + 1
	XFER_IN
)

func (d Xfer_t) String() string {
	if d == XFER_OUT {
		return "out"
	}
	return "in"
}

// Pte_t is one virtual page. the fields behind the state are only reachable
// through accessors that check the state, and only the mk* transitions
// change them, so a swapped page never carries a frame and an unallocated
// page never carries either.
type Pte_t struct {
	Va    uintptr
	Perms uint
	state Pgstate_t
	pa    mem.Pa_t
	off   int64
	dir   Xfer_t
}

func (p *Pte_t) State() Pgstate_t {
	return p.state
}

func (p *Pte_t) String() string {
	switch p.state {
	case PG_RESIDENT:
		return fmt.Sprintf("%#x resident %#x", p.Va, p.pa)
	case PG_SWAPPED:
		return fmt.Sprintf("%#x swapped @%v", p.Va, p.off)
	case PG_INFLIGHT:
		return fmt.Sprintf("%#x inflight(%v) %#x @%v", p.Va, p.dir, p.pa, p.off)
	}
	return fmt.Sprintf("%#x %v", p.Va, p.state)
}

// the frame of a resident or in-flight page
func (p *Pte_t) Pa() mem.Pa_t {
	if p.state != PG_RESIDENT && p.state != PG_INFLIGHT {
		panic("no frame: " + p.String())
	}
	return p.pa
}

// the swap offset of a swapped or in-flight page
func (p *Pte_t) Swapoff() int64 {
	if p.state != PG_SWAPPED && p.state != PG_INFLIGHT {
		panic("no swap slot: " + p.String())
	}
	return p.off
}

func (p *Pte_t) Dir() Xfer_t {
	if p.state != PG_INFLIGHT {
		panic("not in flight: " + p.String())
	}
	return p.dir
}

func (p *Pte_t) mkresident(pa mem.Pa_t) {
	if pa == 0 {
		panic("resident without frame")
	}
	*p = Pte_t{Va: p.Va, Perms: p.Perms, state: PG_RESIDENT, pa: pa}
}

func (p *Pte_t) mkswapped(off int64) {
	*p = Pte_t{Va: p.Va, Perms: p.Perms, state: PG_SWAPPED, off: off}
}

func (p *Pte_t) mkinflight(dir Xfer_t, pa mem.Pa_t, off int64) {
	if pa == 0 {
		panic("transfer without frame")
	}
	*p = Pte_t{Va: p.Va, Perms: p.Perms, state: PG_INFLIGHT, pa: pa, off: off,
		dir: dir}
}

func (p *Pte_t) mkunalloc() {
	*p = Pte_t{Va: p.Va, Perms: p.Perms}
}
