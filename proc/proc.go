// proc is the process layer on top of the vm system: it creates
// address spaces for fork, exec and process startup, serves sbrk, and turns
// unresolvable faults into process death.
package proc

import "fmt"
import "log/slog"
import "runtime"
import "sync"
import "sync/atomic"

import "os161/defs"
import "os161/hashtable"
import "os161/limits"
import "os161/vm"

// exit status of a process killed by a fault it could not recover from
const FAULTSTATUS int = 128 + 11

// a user program. it runs on a cpu with its process's address space active
// and returns its exit status.
type Prog_t func(u *Uctx_t) int

// one loadable piece of a program image. Memsz may exceed len(Data); the
// rest is zero.
type Seg_t struct {
	Vaddr uintptr
	Memsz uintptr
	Data  []uint8
	Perms uint
}

type Image_t struct {
	Name  string
	Segs  []Seg_t
	Entry uintptr
	Main  Prog_t
}

type Proc_t struct {
	// protects Vm against the process's own thread and its waiters
	sync.Mutex
	Name  string
	Pid   int
	Vm    *vm.Vm_t
	Entry uintptr
	Stack uintptr

	sys        *vm.Vmsys_t
	pool       *Cpupool_t
	exitstatus int
	done       chan struct{}
}

type ptable_t struct {
	ht *hashtable.Hashtable_t
}

func (pt *ptable_t) Get(pid int32) (*Proc_t, bool) {
	ret, ok := pt.ht.Get(pid)
	if ok {
		return ret.(*Proc_t), true
	}
	return nil, false
}

func (pt *ptable_t) Set(pid int32, p *Proc_t) {
	pt.ht.Set(pid, p)
}

func (pt *ptable_t) Del(pid int32) {
	pt.ht.Del(pid)
}

// Iter may execute concurrently with other lookups, inserts, and deletes
func (pt *ptable_t) Iter(f func(int32, *Proc_t) bool) {
	pt.ht.Iter(func(key, value interface{}) bool {
		return f(key.(int32), value.(*Proc_t))
	})
}

func (pt *ptable_t) Len() int {
	return pt.ht.Len()
}

var Ptable = ptable_t{
	ht: hashtable.MkHash(1024),
}

var atomic_pid atomic.Int32

// returns a process with an empty address space, or false if the system
// limit on processes has been reached.
func Proc_new(name string, sys *vm.Vmsys_t, pool *Cpupool_t) (*Proc_t, bool) {
	if !limits.Syslimit.Sysprocs.Take() {
		return nil, false
	}
	p := &Proc_t{Name: name, sys: sys, pool: pool}
	p.Pid = int(atomic_pid.Add(1))
	p.done = make(chan struct{})
	p.Vm = sys.Mkvm()
	if _, ok := Ptable.Get(int32(p.Pid)); ok {
		panic("pid exists")
	}
	Ptable.Set(int32(p.Pid), p)
	return p, true
}

func Proc_check(pid int) (*Proc_t, bool) {
	return Ptable.Get(int32(pid))
}

// releases a process that never ran
func (p *Proc_t) undo() {
	p.Vm.Destroy()
	Ptable.Del(int32(p.Pid))
	limits.Syslimit.Sysprocs.Give()
}

// runs prog in a new kernel thread for p
func (p *Proc_t) Start(prog Prog_t) {
	go p.run(prog)
}

func (p *Proc_t) run(prog Prog_t) {
	cpu := p.pool.Get()
	p.Lock()
	p.Vm.Activate(cpu)
	p.Unlock()
	u := &Uctx_t{p: p, cpu: cpu}
	// the program leaves either by returning or through Exit, which ends
	// this thread
	defer p.terminate(u)
	p.exitstatus = prog(u)
}

func (p *Proc_t) terminate(u *Uctx_t) {
	p.Lock()
	p.Vm.Deactivate(u.cpu)
	p.pool.Put(u.cpu)
	p.Vm.Destroy()
	p.Unlock()
	slog.Debug("exit", "proc", p.Name, "pid", p.Pid, "status", p.exitstatus)
	Ptable.Del(int32(p.Pid))
	limits.Syslimit.Sysprocs.Give()
	close(p.done)
}

// blocks until p has exited and returns its status
func (p *Proc_t) Wait() int {
	<-p.done
	return p.exitstatus
}

// Uctx_t is the view a running program has of the machine: loads, stores
// and system calls.
type Uctx_t struct {
	p   *Proc_t
	cpu *vm.Cpu_t
}

func (u *Uctx_t) Proc() *Proc_t {
	return u.p
}

func (u *Uctx_t) Cpu() *vm.Cpu_t {
	return u.cpu
}

// ends the program with status; never returns
func (u *Uctx_t) Exit(status int) {
	u.p.exitstatus = status
	runtime.Goexit()
}

func (u *Uctx_t) trap_fault(kind defs.Fault_t, va uintptr, err defs.Err_t) {
	p := u.p
	slog.Warn("*** fault ***", "proc", p.Name, "pid", p.Pid, "kind", kind,
		"addr", fmt.Sprintf("%#x", va), "err", err)
	u.Exit(FAULTSTATUS)
}

// loads an n-byte integer from va; an unresolvable fault kills the process
func (u *Uctx_t) Load(va uintptr, n int) int {
	v, err := u.cpu.Userreadn(va, n)
	if err != 0 {
		u.trap_fault(defs.VM_FAULT_READ, va, err)
	}
	return v
}

func (u *Uctx_t) Store(va uintptr, n int, val int) {
	if err := u.cpu.Userwriten(va, n, val); err != 0 {
		u.trap_fault(defs.VM_FAULT_WRITE, va, err)
	}
}

func (u *Uctx_t) Read(dst []uint8, va uintptr) {
	if err := u.cpu.User2k(dst, va); err != 0 {
		u.trap_fault(defs.VM_FAULT_READ, va, err)
	}
}

func (u *Uctx_t) Write(src []uint8, va uintptr) {
	if err := u.cpu.K2user(src, va); err != 0 {
		u.trap_fault(defs.VM_FAULT_WRITE, va, err)
	}
}

// waits for child to exit and returns its status. the cpu is given up
// while waiting.
func (u *Uctx_t) Wait(child *Proc_t) int {
	p := u.p
	p.Lock()
	p.Vm.Deactivate(u.cpu)
	p.Unlock()
	p.pool.Put(u.cpu)
	st := child.Wait()
	u.cpu = p.pool.Get()
	p.Lock()
	p.Vm.Activate(u.cpu)
	p.Unlock()
	return st
}

// moves the break; failures are returned to the program, which keeps
// running.
func (u *Uctx_t) Sbrk(delta int) (uintptr, defs.Err_t) {
	return u.p.Vm.Sbrk(delta)
}

// starts a child running prog in a copy of the caller's address space. the
// copy is complete before the child can run.
func (u *Uctx_t) Fork(prog Prog_t) (*Proc_t, defs.Err_t) {
	p := u.p
	child, ok := Proc_new(p.Name, p.sys, p.pool)
	if !ok {
		return nil, -defs.EAGAIN
	}
	nvm, err := p.Vm.Copy()
	if err != 0 {
		child.undo()
		return nil, err
	}
	child.Vm.Destroy()
	child.Vm = nvm
	child.Entry, child.Stack = p.Entry, p.Stack
	child.Start(prog)
	return child, 0
}

// replaces the caller's program with img. on success img.Main runs in the
// new address space and its return value is the exit status; Exec does not
// return. on failure the old address space is back in place.
func (u *Uctx_t) Exec(img *Image_t) defs.Err_t {
	if err := u.p.load(u.cpu, img); err != 0 {
		return err
	}
	u.Exit(img.Main(u))
	return 0
}

func (p *Proc_t) load(cpu *vm.Cpu_t, img *Image_t) defs.Err_t {
	p.Lock()
	defer p.Unlock()

	old := p.Vm
	nvm := p.sys.Mkvm()
	for _, s := range img.Segs {
		if uintptr(len(s.Data)) > s.Memsz {
			nvm.Destroy()
			return -defs.EINVAL
		}
		if err := nvm.Define_region(s.Vaddr, s.Memsz, s.Perms); err != 0 {
			nvm.Destroy()
			return err
		}
	}
	// copying the image in goes through the new address space
	old.Deactivate(cpu)
	nvm.Activate(cpu)
	fail := func(err defs.Err_t) defs.Err_t {
		nvm.Deactivate(cpu)
		old.Activate(cpu)
		nvm.Destroy()
		slog.Debug("exec failed", "proc", p.Name, "image", img.Name, "err", err)
		return err
	}
	for _, s := range img.Segs {
		if err := cpu.K2user(s.Data, s.Vaddr); err != 0 {
			return fail(err)
		}
	}
	sp, err := nvm.Define_stack()
	if err != 0 {
		return fail(err)
	}
	old.Destroy()
	p.Vm = nvm
	p.Name = img.Name
	p.Entry = img.Entry
	p.Stack = sp
	return 0
}

// starts p running img from its empty initial address space
func (p *Proc_t) Spawn(img *Image_t) {
	p.Start(func(u *Uctx_t) int {
		if err := u.Exec(img); err != 0 {
			slog.Warn("spawn failed", "image", img.Name, "err", err)
			return 1
		}
		panic("exec returned")
	})
}
