package main

import "sync"
import "time"

import "github.com/fogleman/gg"

import "os161/mem"

// coremap_t records the state of every frame at regular intervals while the
// workload runs. render draws one row per sample, one cell per frame.
type coremap_t struct {
	sync.Mutex
	phys    *mem.Physmem_t
	samples [][]mem.Fstate_t
	done    chan struct{}
	exited  chan struct{}
}

const MAXSAMPLES int = 512

func sample(phys *mem.Physmem_t, every time.Duration) *coremap_t {
	cm := &coremap_t{phys: phys}
	cm.done = make(chan struct{})
	cm.exited = make(chan struct{})
	go cm.run(every)
	return cm
}

func (cm *coremap_t) run(every time.Duration) {
	defer close(cm.exited)
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		cm.snap()
		select {
		case <-cm.done:
			cm.snap()
			return
		case <-tk.C:
		}
	}
}

func (cm *coremap_t) snap() {
	row := make([]mem.Fstate_t, 0, cm.phys.Npages())
	cm.phys.Iter(func(_ mem.Pa_t, st mem.Fstate_t) {
		row = append(row, st)
	})
	cm.Lock()
	defer cm.Unlock()
	if len(cm.samples) == MAXSAMPLES {
		// keep every other sample; the image still spans the whole run
		n := 0
		for i := 0; i < len(cm.samples); i += 2 {
			cm.samples[n] = cm.samples[i]
			n++
		}
		cm.samples = cm.samples[:n]
	}
	cm.samples = append(cm.samples, row)
}

func (cm *coremap_t) stop() {
	close(cm.done)
	<-cm.exited
}

func fcolor(dc *gg.Context, st mem.Fstate_t) {
	switch st {
	case mem.F_FREE:
		dc.SetRGB(0.1, 0.1, 0.1)
	case mem.F_KERNEL:
		dc.SetRGB(0.2, 0.4, 0.9)
	case mem.F_USER:
		dc.SetRGB(0.2, 0.8, 0.3)
	case mem.F_BUSY:
		dc.SetRGB(0.9, 0.2, 0.2)
	default:
		panic("bad frame state")
	}
}

// writes the samples to path as a PNG: free frames dark, kernel frames
// blue, user frames green and frames being evicted red.
func (cm *coremap_t) render(path string) error {
	const cell = 4
	cm.Lock()
	defer cm.Unlock()
	nframes := cm.phys.Npages()
	nrows := len(cm.samples)
	if nrows == 0 {
		nrows = 1
	}
	dc := gg.NewContext(nframes*cell, nrows*cell)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	for y, row := range cm.samples {
		for x, st := range row {
			fcolor(dc, st)
			dc.DrawRectangle(float64(x*cell), float64(y*cell), cell, cell)
			dc.Fill()
		}
	}
	return dc.SavePNG(path)
}
