package vm

import "os161/defs"
import "os161/mem"
import "os161/util"

// runs f on the bytes of user memory starting at va, one page at a time,
// the way a user load or store would reach them: through cpu's TLB,
// faulting on a miss. f sees at most the rest of the page and returns how
// many bytes it used.
func (cpu *Cpu_t) _useraccess(va uintptr, n int, write bool,
	f func([]uint8) int) defs.Err_t {
	kind := defs.VM_FAULT_READ
	if write {
		kind = defs.VM_FAULT_WRITE
	}
	for n > 0 {
		cpu.Tlb.Splhigh()
		pa, ok := cpu.Tlb.Translate(va, write)
		if !ok {
			cpu.Tlb.Splx()
			if err := cpu.Vm_fault(kind, va); err != 0 {
				return err
			}
			continue
		}
		// a shootdown of this page needs the spl we hold, so the frame
		// cannot be written out under us
		pg := cpu.sys.Phys.Dmap(mem.Pa_t(pa))
		off := int(va & PGOFFSET)
		c := f(pg[off:util.Min(len(pg), off+n)])
		cpu.Tlb.Splx()
		n -= c
		va += uintptr(c)
	}
	return 0
}

// copies src to user address va
func (cpu *Cpu_t) K2user(src []uint8, va uintptr) defs.Err_t {
	return cpu._useraccess(va, len(src), true, func(dst []uint8) int {
		c := copy(dst, src)
		src = src[c:]
		return c
	})
}

// fills dst from user address va
func (cpu *Cpu_t) User2k(dst []uint8, va uintptr) defs.Err_t {
	return cpu._useraccess(va, len(dst), false, func(src []uint8) int {
		c := copy(dst, src)
		dst = dst[c:]
		return c
	})
}

// reads an n-byte little-endian integer from user address va
func (cpu *Cpu_t) Userreadn(va uintptr, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	var buf [8]uint8
	if err := cpu.User2k(buf[:n], va); err != 0 {
		return 0, err
	}
	return util.Readn(buf[:], n, 0), 0
}

func (cpu *Cpu_t) Userwriten(va uintptr, n int, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	var buf [8]uint8
	util.Writen(buf[:], n, 0, val)
	return cpu.K2user(buf[:n], va)
}
