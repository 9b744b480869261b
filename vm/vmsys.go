package vm

import "fmt"
import "log/slog"
import "sync/atomic"

import "os161/hashtable"
import "os161/mem"
import "os161/stats"
import "os161/swap"
import "os161/tlb"

type Vmstats_t struct {
	Nfault    stats.Counter_t
	Nzfill    stats.Counter_t
	Nevict    stats.Counter_t
	Nswapout  stats.Counter_t
	Nswapin   stats.Counter_t
	Nshoot    stats.Counter_t
	// tlb installs that displaced a valid entry
	Ntlbevict stats.Counter_t
	// victims abandoned because their owner was busy or changed
	Nraced    stats.Counter_t
	Nxwait    stats.Counter_t
	Nioerr    stats.Counter_t
	Nforkpg   stats.Counter_t
}

// Cpu_t is one processor: its TLB and the address space it runs.
type Cpu_t struct {
	Id  int
	Tlb *tlb.Tlb_t
	sys *Vmsys_t
	// protected by the tlb's spl
	curvm *Vm_t
}

// Vmsys_t is the machine the vm system runs on. kernels create one at boot,
// after the frame allocator is initialized, and keep it for good.
type Vmsys_t struct {
	Phys *mem.Physmem_t
	// nil if the machine has no backing store; eviction then always fails
	Swap *swap.Swap_t
	Cpus []*Cpu_t
	// asid -> *Vm_t of every live address space; lets the evictor get from a
	// frame's owner handle to the page table without the frame pinning it
	asids    *hashtable.Hashtable_t
	nextasid atomic.Int64
	Stats    Vmstats_t
}

func Mkvmsys(phys *mem.Physmem_t, sw *swap.Swap_t, ncpu, ntlb int,
	seed int64) *Vmsys_t {
	if ncpu <= 0 {
		panic("no cpus")
	}
	if !phys.Inited() {
		panic("vm before coremap")
	}
	sys := &Vmsys_t{Phys: phys, Swap: sw}
	sys.asids = hashtable.MkHash(128)
	for i := 0; i < ncpu; i++ {
		c := &Cpu_t{Id: i, sys: sys}
		c.Tlb = tlb.Mktlb(ntlb, seed+int64(i))
		sys.Cpus = append(sys.Cpus, c)
	}
	nswap := 0
	if sw != nil {
		nswap = sw.Nslots()
	}
	slog.Info("vm bootstrap", "cpus", ncpu, "tlb", ntlb, "frames",
		phys.Npages(), "swapslots", nswap)
	return sys
}

func (sys *Vmsys_t) _newasid() int {
	return int(sys.nextasid.Add(1))
}

func (sys *Vmsys_t) _register(as *Vm_t) {
	if _, ok := sys.asids.Set(as.Asid, as); !ok {
		panic(fmt.Sprintf("asid %v reused", as.Asid))
	}
}

// returns the live address space with the given id
func (sys *Vmsys_t) Lookup(asid int) (*Vm_t, bool) {
	v, ok := sys.asids.Get(asid)
	if !ok {
		return nil, false
	}
	return v.(*Vm_t), true
}

// number of live address spaces
func (sys *Vmsys_t) Nas() int {
	return sys.asids.Len()
}

// invalidates va's translation on every cpu running as. the caller holds
// as's lock and has already taken the page out of the resident state.
func (sys *Vmsys_t) Tlbshoot(as *Vm_t, va uintptr) {
	as.Lockassert_pmap()
	for _, c := range sys.Cpus {
		c.Tlb.Splhigh()
		if c.curvm == as {
			c.Tlb.Invalidate(va)
		}
		c.Tlb.Splx()
	}
	sys.Stats.Nshoot.Inc()
}

// the address space this cpu runs, if any
func (cpu *Cpu_t) Curvm() *Vm_t {
	cpu.Tlb.Splhigh()
	defer cpu.Tlb.Splx()
	return cpu.curvm
}

func (cpu *Cpu_t) Sys() *Vmsys_t {
	return cpu.sys
}

func (sys *Vmsys_t) String() string {
	return stats.Stats2String(&sys.Stats)
}
