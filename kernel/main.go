package main

import "flag"
import "fmt"
import "io"
import "log/slog"
import "os"
import "runtime"
import "sync"
import "time"

import "os161/config"
import "os161/defs"
import "os161/klog"
import "os161/mem"
import "os161/proc"
import "os161/stats"
import "os161/swap"
import "os161/vm"

type Kconfig_t struct {
	Ram_size    int    `json:"ram_size"`
	Ncpu        int    `json:"ncpu"`
	Ntlb        int    `json:"ntlb"`
	Swap_file   string `json:"swap_file"`
	Swap_size   int64  `json:"swap_size"`
	Log_level   string `json:"log_level"`
	Log_path    string `json:"log_path"`
	Nproc       int    `json:"nproc"`
	Heap_pages  int    `json:"heap_pages"`
	Seed        int64  `json:"seed"`
	Coremap_png string `json:"coremap_png"`
}

// zero fields get these
func (cfg *Kconfig_t) defaults() {
	if cfg.Ram_size == 0 {
		cfg.Ram_size = 1 << 20
	}
	if cfg.Ncpu == 0 {
		cfg.Ncpu = 4
	}
	if cfg.Ntlb == 0 {
		cfg.Ntlb = 64
	}
	if cfg.Swap_size == 0 {
		cfg.Swap_size = 8 << 20
	}
	if cfg.Log_level == "" {
		cfg.Log_level = "INFO"
	}
	if cfg.Nproc == 0 {
		cfg.Nproc = 8
	}
	if cfg.Heap_pages == 0 {
		cfg.Heap_pages = 32
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
}

// pages the boot code takes before the coremap exists: the boot stack and
// the exception vectors
const BOOTPAGES int = 2

type machine_t struct {
	ram  *mem.Ram_t
	phys *mem.Physmem_t
	disk swap.Disk_i
	sw   *swap.Swap_t
	sys  *vm.Vmsys_t
	pool *proc.Cpupool_t
}

func boot(cfg *Kconfig_t) (*machine_t, error) {
	m := &machine_t{}
	m.ram = mem.Ram_bootstrap(cfg.Ram_size)
	m.phys = mem.Mkphysmem(m.ram)
	for i := 0; i < BOOTPAGES; i++ {
		if _, err := m.phys.Alloc(1); err != 0 {
			return nil, fmt.Errorf("boot pages: %v", err)
		}
	}
	m.phys.Phys_init()

	if cfg.Swap_file != "" {
		fd, err := swap.Mkfiledisk(cfg.Swap_file, cfg.Swap_size)
		if err != nil {
			return nil, err
		}
		m.disk = fd
	} else {
		m.disk = swap.Mkmemdisk(cfg.Swap_size)
	}
	m.sw = swap.Mkswap(m.disk)
	m.sys = vm.Mkvmsys(m.phys, m.sw, cfg.Ncpu, cfg.Ntlb, cfg.Seed)
	m.pool = proc.Mkcpupool(m.sys)
	return m, nil
}

func (m *machine_t) shutdown() error {
	return m.disk.Close()
}

const textva uintptr = 0x400000
const datava uintptr = 0x10000000

var textbytes = []uint8("\x7fELF\x01\x02\x01")

func mkimage(name string, datapages int, main proc.Prog_t) *proc.Image_t {
	data := make([]uint8, datapages*mem.PGSIZE)
	for i := range data {
		data[i] = uint8(i / mem.PGSIZE)
	}
	return &proc.Image_t{
		Name: name,
		Segs: []proc.Seg_t{
			{Vaddr: textva, Memsz: uintptr(mem.PGSIZE), Data: textbytes,
				Perms: defs.PROT_READ | defs.PROT_EXEC},
			{Vaddr: datava, Memsz: uintptr(len(data)), Data: data,
				Perms: defs.PROT_READ | defs.PROT_WRITE},
		},
		Entry: textva,
		Main:  main,
	}
}

func heapword(pid, i int) int {
	return pid<<16 | i
}

// fills a heap, forks a child that checks and scribbles over its copy, and
// checks that its own heap survived the child. exit status is the number of
// the first failed step.
func worker(npages int) proc.Prog_t {
	return func(u *proc.Uctx_t) int {
		pid := u.Proc().Pid
		buf := make([]uint8, len(textbytes))
		u.Read(buf, textva)
		if string(buf) != string(textbytes) {
			return 1
		}
		if u.Load(datava+uintptr(mem.PGSIZE), 1) != 1 {
			return 2
		}
		base, err := u.Sbrk(npages * mem.PGSIZE)
		if err != 0 {
			slog.Warn("sbrk", "pid", pid, "err", err)
			return 3
		}
		pgva := func(i int) uintptr {
			return base + uintptr(i*mem.PGSIZE+(i*8)%mem.PGSIZE)
		}
		for i := 0; i < npages; i++ {
			u.Store(pgva(i), 8, heapword(pid, i))
		}
		child, err := u.Fork(func(cu *proc.Uctx_t) int {
			for i := 0; i < npages; i++ {
				if cu.Load(pgva(i), 8) != heapword(pid, i) {
					return 1
				}
				cu.Store(pgva(i), 8, -1)
			}
			return 0
		})
		if err != 0 {
			slog.Warn("fork", "pid", pid, "err", err)
			return 4
		}
		if st := u.Wait(child); st != 0 {
			slog.Warn("child failed", "pid", pid, "child", child.Pid, "status", st)
			return 5
		}
		for i := 0; i < npages; i++ {
			if u.Load(pgva(i), 8) != heapword(pid, i) {
				return 6
			}
		}
		if _, err := u.Sbrk(-npages * mem.PGSIZE); err != 0 {
			return 7
		}
		return 0
	}
}

// touches an address outside every region
func crasher(u *proc.Uctx_t) int {
	u.Store(0x1000, 4, 0xdead)
	return 0
}

type job_t struct {
	p    *proc.Proc_t
	want int
}

// runs cfg.Nproc workers and one process that faults, and returns how many
// exited with an unexpected status.
func workload(m *machine_t, cfg *Kconfig_t) (int, error) {
	var jobs []job_t
	start := func(img *proc.Image_t, want int) error {
		p, ok := proc.Proc_new(img.Name, m.sys, m.pool)
		if !ok {
			return fmt.Errorf("%s: process limit", img.Name)
		}
		p.Spawn(img)
		jobs = append(jobs, job_t{p, want})
		return nil
	}
	for i := 0; i < cfg.Nproc; i++ {
		img := mkimage(fmt.Sprintf("worker%d", i), 2, worker(cfg.Heap_pages))
		if err := start(img, 0); err != nil {
			return 0, err
		}
	}
	if err := start(mkimage("crasher", 1, crasher), proc.FAULTSTATUS); err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	bad := 0
	for _, j := range jobs {
		wg.Add(1)
		go func(j job_t) {
			defer wg.Done()
			st := j.p.Wait()
			if st != j.want {
				mu.Lock()
				bad++
				mu.Unlock()
				slog.Error("unexpected exit", "proc", j.p.Name, "pid", j.p.Pid,
					"status", st, "want", j.want)
			}
		}(j)
	}
	wg.Wait()
	return bad, nil
}

// returns a description of frames or swap slots still held after every
// process has exited
func (m *machine_t) leaks() string {
	s := ""
	if n := m.phys.Npages() - m.phys.Nfree(); n != 0 {
		s += fmt.Sprintf("%v frames ", n)
	}
	if n := m.sw.Nslots() - m.sw.Nfree(); n != 0 {
		s += fmt.Sprintf("%v swap slots ", n)
	}
	if n := m.sys.Nas(); n != 0 {
		s += fmt.Sprintf("%v address spaces ", n)
	}
	proc.Ptable.Iter(func(pid int32, p *proc.Proc_t) bool {
		s += fmt.Sprintf("pid %v (%v) ", pid, p.Name)
		return true
	})
	return s
}

func (m *machine_t) report(w io.Writer) {
	fmt.Fprintf(w, "%v frames, %v swap slots, %v cpus\n", m.phys.Npages(),
		m.sw.Nslots(), len(m.sys.Cpus))
	fmt.Fprintf(w, "phys:%v", stats.Stats2String(&m.phys.Stats))
	fmt.Fprintf(w, "swap:%v", stats.Stats2String(&m.sw.Stats))
	fmt.Fprintf(w, "vm:%v", m.sys)
	for _, c := range m.sys.Cpus {
		fmt.Fprintf(w, "cpu%d tlb (%d slots):%v", c.Id, c.Tlb.Len(),
			stats.Stats2String(&c.Tlb.Stats))
	}
}

func main() {
	cpath := flag.String("config", "", "JSON configuration file")
	flag.Parse()

	cfg := &Kconfig_t{}
	if *cpath != "" {
		if err := config.Load(*cpath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	cfg.defaults()
	lf, err := klog.Init(cfg.Log_path, cfg.Log_level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer lf.Close()

	fmt.Printf("              os161 vm\n")
	fmt.Printf("          go version: %v\n", runtime.Version())
	fmt.Printf("  %v KB of physical memory\n", cfg.Ram_size>>10)

	m, err := boot(cfg)
	if err != nil {
		slog.Error("boot failed", "err", err)
		os.Exit(1)
	}
	var cm *coremap_t
	if cfg.Coremap_png != "" {
		cm = sample(m.phys, time.Millisecond)
	}
	bad, err := workload(m, cfg)
	if cm != nil {
		cm.stop()
	}
	if err != nil {
		slog.Error("workload", "err", err)
		bad++
	}
	if l := m.leaks(); l != "" {
		slog.Error("leaked " + l)
		bad++
	}
	m.report(os.Stdout)
	if cm != nil {
		if err := cm.render(cfg.Coremap_png); err != nil {
			slog.Warn("coremap image", "err", err)
		}
	}
	if err := m.shutdown(); err != nil {
		slog.Warn("swap close", "err", err)
	}
	if bad != 0 {
		lf.Close()
		os.Exit(1)
	}
}
