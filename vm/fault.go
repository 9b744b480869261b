package vm

import "fmt"
import "log/slog"

import "os161/defs"
import "os161/mem"

// handles a TLB miss at va on cpu: finds the page in the current address
// space, backs it with a frame if needed and loads the translation. a miss
// outside every defined page is -EFAULT and changes nothing.
func (cpu *Cpu_t) Vm_fault(kind defs.Fault_t, va uintptr) defs.Err_t {
	switch kind {
	case defs.VM_FAULT_READONLY:
		// every page is installed writable
		panic(fmt.Sprintf("readonly fault at %#x", va))
	case defs.VM_FAULT_READ, defs.VM_FAULT_WRITE:
	default:
		return -defs.EINVAL
	}
	as := cpu.Curvm()
	if as == nil {
		// a kernel fault early in boot
		return -defs.EFAULT
	}
	sys := cpu.sys
	sys.Stats.Nfault.Inc()

	as.Lock_pmap()
	defer as.Unlock_pmap()

	p, ok := as.lookup(va)
	if !ok {
		slog.Debug("bad address", "asid", as.Asid, "va", fmt.Sprintf("%#x", va),
			"kind", kind)
		return -defs.EFAULT
	}
	pa, err := as.resolve(p)
	if err != 0 {
		return err
	}

	// the lock on as keeps pa resident until the entry is in the tlb
	cpu.Tlb.Splhigh()
	if cpu.curvm != as {
		panic("address space switched during fault")
	}
	if cpu.Tlb.Install(va&PGMASK, uintptr(pa), true) {
		sys.Stats.Ntlbevict.Inc()
	}
	cpu.Tlb.Splx()
	return 0
}

// makes p resident and returns its frame
func (as *Vm_t) resolve(p *Pte_t) (mem.Pa_t, defs.Err_t) {
	as.Lockassert_pmap()
	phys := as.sys.Phys
	for {
		switch p.state {
		case PG_RESIDENT:
			phys.Touch(p.pa)
			return p.pa, 0
		case PG_INFLIGHT:
			slog.Debug("fault waits for transfer", "asid", as.Asid,
				"va", fmt.Sprintf("%#x", p.Va), "dir", p.Dir())
			as.waitxfer()
		case PG_SWAPPED:
			if err := as.swapin(p); err != 0 {
				return 0, err
			}
		case PG_UNALLOC:
			pa, err := as.pgalloc()
			if err != 0 {
				return 0, err
			}
			if p.state != PG_UNALLOC {
				panic("unallocated page changed during allocation")
			}
			p.mkresident(pa)
			phys.Setowner(pa, mem.Owner_t{Asid: as.Asid, Va: p.Va})
		}
	}
}
