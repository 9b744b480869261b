package swap

import "bytes"
import "path/filepath"
import "sync"
import "testing"

import "os161/defs"
import "os161/mem"

func mkpage(b uint8) []uint8 {
	pg := make([]uint8, mem.PGSIZE)
	for i := range pg {
		pg[i] = b + uint8(i)
	}
	return pg
}

func roundtrip(t *testing.T, sw *Swap_t) {
	var offs []int64
	for i := 0; i < sw.Nslots(); i++ {
		off, err := sw.Slot_alloc()
		if err != 0 {
			t.Fatalf("alloc %v: %v", i, err)
		}
		if sw.Write(off, mkpage(uint8(i))) != 0 {
			t.Fatalf("write %v", off)
		}
		offs = append(offs, off)
	}
	if _, err := sw.Slot_alloc(); err != -defs.ENOMEM {
		t.Fatalf("full device: %v", err)
	}
	pg := make([]uint8, mem.PGSIZE)
	for i, off := range offs {
		if sw.Read(off, pg) != 0 {
			t.Fatalf("read %v", off)
		}
		if !bytes.Equal(pg, mkpage(uint8(i))) {
			t.Fatalf("slot %v mismatch", off)
		}
		sw.Slot_free(off)
	}
	if sw.Nfree() != sw.Nslots() {
		t.Fatalf("nfree %v", sw.Nfree())
	}
}

func TestMemdisk(t *testing.T) {
	roundtrip(t, Mkswap(Mkmemdisk(int64(8*mem.PGSIZE))))
}

func TestFiledisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapfile")
	fd, err := Mkfiledisk(path, int64(6*mem.PGSIZE))
	if err != nil {
		t.Fatalf("mkfiledisk: %v", err)
	}
	defer fd.Close()
	roundtrip(t, Mkswap(fd))
}

func TestFilediskShort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapfile")
	fd, err := Mkfiledisk(path, int64(2*mem.PGSIZE))
	if err != nil {
		t.Fatalf("mkfiledisk: %v", err)
	}
	defer fd.Close()
	// the device shrinks underneath the swap layer
	if err := fd.f.Truncate(int64(mem.PGSIZE + 10)); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	pg := make([]uint8, mem.PGSIZE)
	if _, err := fd.ReadAt(pg, int64(mem.PGSIZE)); err == nil {
		t.Fatalf("short read succeeded")
	}
	if _, err := fd.ReadAt(pg, int64(2*mem.PGSIZE)); err == nil {
		t.Fatalf("read past end succeeded")
	}
}

func TestInjected(t *testing.T) {
	md := Mkmemdisk(int64(2 * mem.PGSIZE))
	sw := Mkswap(md)
	off, _ := sw.Slot_alloc()
	md.Failwrites(1)
	if sw.Write(off, mkpage(1)) != -defs.EIO {
		t.Fatalf("injected write did not fail")
	}
	if sw.Write(off, mkpage(1)) != 0 {
		t.Fatalf("write after failure")
	}
	md.Failreads(1)
	pg := make([]uint8, mem.PGSIZE)
	if sw.Read(off, pg) != -defs.EIO {
		t.Fatalf("injected read did not fail")
	}
	if sw.Stats.Nioerr.Get() != 2 {
		t.Fatalf("nioerr %v", sw.Stats.Nioerr.Get())
	}
}

func TestBadFree(t *testing.T) {
	sw := Mkswap(Mkmemdisk(int64(2 * mem.PGSIZE)))
	off, _ := sw.Slot_alloc()
	sw.Slot_free(off)
	defer func() {
		if recover() == nil {
			t.Fatalf("double free did not panic")
		}
	}()
	sw.Slot_free(off)
}

func TestConcurrent(t *testing.T) {
	sw := Mkswap(Mkmemdisk(int64(64 * mem.PGSIZE)))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			pg := make([]uint8, mem.PGSIZE)
			for i := 0; i < 200; i++ {
				off, err := sw.Slot_alloc()
				if err != 0 {
					t.Errorf("alloc: %v", err)
					return
				}
				want := mkpage(uint8(g*7 + i))
				sw.Write(off, want)
				sw.Read(off, pg)
				if !bytes.Equal(pg, want) {
					t.Errorf("slot %v shared", off)
					return
				}
				sw.Slot_free(off)
			}
		}(g)
	}
	wg.Wait()
	if sw.Nfree() != 64 {
		t.Fatalf("leaked slots")
	}
}
