// tlb models a software-refilled translation lookaside buffer. the
// kernel fills it on a miss; the hardware never walks a page table.
package tlb

import "fmt"
import "math/rand"
import "sync"

import "os161/stats"

const NUM_TLB int = 64

const TLBHI_VPAGE uintptr = 0xfffff000
const TLBLO_PPAGE uintptr = 0xfffff000

// writes are allowed through the entry
const TLBLO_DIRTY uintptr = 0x400
const TLBLO_VALID uintptr = 0x200

// one hardware slot
type Ent_t struct {
	Ehi uintptr
	Elo uintptr
}

func (e Ent_t) Valid() bool {
	return e.Elo&TLBLO_VALID != 0
}

func (e Ent_t) String() string {
	return fmt.Sprintf("%#x -> %#x (%#x)", e.Ehi&TLBHI_VPAGE, e.Elo&TLBLO_PPAGE,
		e.Elo&^TLBLO_PPAGE)
}

type Tlbstats_t struct {
	Nhit     stats.Counter_t
	Nmiss    stats.Counter_t
	Ninstall stats.Counter_t
	// installs that had to replace a valid entry
	Nrandom stats.Counter_t
	Ninval  stats.Counter_t
	Nflush  stats.Counter_t
}

// Tlb_t is one CPU's TLB. every access happens between Splhigh and Splx,
// which stands in for raising the interrupt priority level: the section is
// short and nothing that can block runs inside it.
type Tlb_t struct {
	sync.Mutex
	spl   bool
	ents  []Ent_t
	rnd   *rand.Rand
	Stats Tlbstats_t
}

func Mktlb(n int, seed int64) *Tlb_t {
	if n <= 0 {
		panic("bad tlb size")
	}
	return &Tlb_t{ents: make([]Ent_t, n), rnd: rand.New(rand.NewSource(seed))}
}

func (t *Tlb_t) Splhigh() {
	t.Lock()
	t.spl = true
}

func (t *Tlb_t) Splx() {
	t.splassert()
	t.spl = false
	t.Unlock()
}

func (t *Tlb_t) splassert() {
	if !t.spl {
		panic("tlb access at low spl")
	}
}

func (t *Tlb_t) Len() int {
	return len(t.ents)
}

// returns the slot holding a valid translation for va, or -1
func (t *Tlb_t) Probe(va uintptr) int {
	t.splassert()
	vpg := va & TLBHI_VPAGE
	for i := range t.ents {
		e := &t.ents[i]
		if e.Valid() && e.Ehi&TLBHI_VPAGE == vpg {
			return i
		}
	}
	return -1
}

// translates va. ok is false on a miss and on a write through a clean
// entry.
func (t *Tlb_t) Translate(va uintptr, write bool) (uintptr, bool) {
	t.splassert()
	i := t.Probe(va)
	if i < 0 {
		t.Stats.Nmiss.Inc()
		return 0, false
	}
	e := t.ents[i]
	if write && e.Elo&TLBLO_DIRTY == 0 {
		return 0, false
	}
	t.Stats.Nhit.Inc()
	return e.Elo&TLBLO_PPAGE | va&^TLBHI_VPAGE, true
}

// loads a translation for va. a stale entry for the same page is
// overwritten, otherwise the first invalid slot is used, otherwise a random
// slot is replaced. installing never fails. returns whether a valid entry
// for another page was evicted.
func (t *Tlb_t) Install(va, pa uintptr, writable bool) bool {
	t.splassert()
	e := Ent_t{Ehi: va & TLBHI_VPAGE, Elo: pa&TLBLO_PPAGE | TLBLO_VALID}
	if writable {
		e.Elo |= TLBLO_DIRTY
	}
	t.Stats.Ninstall.Inc()
	if i := t.Probe(va); i >= 0 {
		t.ents[i] = e
		return false
	}
	for i := range t.ents {
		if !t.ents[i].Valid() {
			t.ents[i] = e
			return false
		}
	}
	t.ents[t.rnd.Intn(len(t.ents))] = e
	t.Stats.Nrandom.Inc()
	return true
}

// drops the translation for va's page, if any
func (t *Tlb_t) Invalidate(va uintptr) bool {
	t.splassert()
	i := t.Probe(va)
	if i < 0 {
		return false
	}
	t.ents[i] = Ent_t{}
	t.Stats.Ninval.Inc()
	return true
}

func (t *Tlb_t) Flush() {
	t.splassert()
	clear(t.ents)
	t.Stats.Nflush.Inc()
}

// number of valid entries
func (t *Tlb_t) Nvalid() int {
	t.splassert()
	n := 0
	for _, e := range t.ents {
		if e.Valid() {
			n++
		}
	}
	return n
}
