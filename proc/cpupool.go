package proc

import "os161/vm"

// Cpupool_t hands out idle cpus. a process thread holds one for as long as
// it runs.
type Cpupool_t struct {
	c chan *vm.Cpu_t
}

func Mkcpupool(sys *vm.Vmsys_t) *Cpupool_t {
	cp := &Cpupool_t{c: make(chan *vm.Cpu_t, len(sys.Cpus))}
	for _, c := range sys.Cpus {
		cp.c <- c
	}
	return cp
}

// blocks until a cpu is idle
func (cp *Cpupool_t) Get() *vm.Cpu_t {
	return <-cp.c
}

func (cp *Cpupool_t) Put(c *vm.Cpu_t) {
	cp.c <- c
}

func (cp *Cpupool_t) Nidle() int {
	return len(cp.c)
}
