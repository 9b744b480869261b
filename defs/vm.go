package defs

// types of TLB faults reported by the trap dispatcher
type Fault_t int

const (
	VM_FAULT_READ Fault_t = iota
	VM_FAULT_WRITE
	// write to a page whose TLB entry is not dirty-enabled
	VM_FAULT_READONLY
)

func (f Fault_t) String() string {
	switch f {
	case VM_FAULT_READ:
		return "read"
	case VM_FAULT_WRITE:
		return "write"
	case VM_FAULT_READONLY:
		return "readonly"
	}
	return "unknown"
}

// user address space layout
const (
	USERSPACETOP uintptr = 0x80000000
	USERSTACK    uintptr = USERSPACETOP
	// the user stack is a fixed block of pages below USERSTACK
	STACKPAGES int = 12
)

// region permission bits; accepted but not enforced
const (
	PROT_READ  uint = 1 << 0
	PROT_WRITE uint = 1 << 1
	PROT_EXEC  uint = 1 << 2
)
