package swap

import "fmt"
import "io"
import "os"
import "sync"
import "sync/atomic"

// Disk_i is the backing store: an offset-addressed device of fixed size.
// a transfer that moves fewer bytes than asked for must return an error.
type Disk_i interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Close() error
}

var ErrInjected = fmt.Errorf("injected disk failure")

// Memdisk_t is a disk in host memory. tests arm failures with Failreads and
// Failwrites.
type Memdisk_t struct {
	sync.Mutex
	b      []uint8
	rfails atomic.Int32
	wfails atomic.Int32
}

func Mkmemdisk(size int64) *Memdisk_t {
	return &Memdisk_t{b: make([]uint8, size)}
}

// the next n reads fail
func (md *Memdisk_t) Failreads(n int) {
	md.rfails.Store(int32(n))
}

// the next n writes fail
func (md *Memdisk_t) Failwrites(n int) {
	md.wfails.Store(int32(n))
}

func _consume(c *atomic.Int32) bool {
	for {
		n := c.Load()
		if n <= 0 {
			return false
		}
		if c.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (md *Memdisk_t) _bounds(n int, off int64) error {
	if off < 0 || off+int64(n) > int64(len(md.b)) {
		return fmt.Errorf("memdisk: [%v, %v) out of range", off, off+int64(n))
	}
	return nil
}

func (md *Memdisk_t) ReadAt(p []byte, off int64) (int, error) {
	if _consume(&md.rfails) {
		return 0, ErrInjected
	}
	md.Lock()
	defer md.Unlock()
	if err := md._bounds(len(p), off); err != nil {
		return 0, err
	}
	return copy(p, md.b[off:]), nil
}

func (md *Memdisk_t) WriteAt(p []byte, off int64) (int, error) {
	if _consume(&md.wfails) {
		return 0, ErrInjected
	}
	md.Lock()
	defer md.Unlock()
	if err := md._bounds(len(p), off); err != nil {
		return 0, err
	}
	return copy(md.b[off:], p), nil
}

func (md *Memdisk_t) Size() int64 {
	return int64(len(md.b))
}

func (md *Memdisk_t) Close() error {
	return nil
}

// Filedisk_t serves the swap device from a host file.
type Filedisk_t struct {
	// seek followed by read or write must be atomic
	sync.Mutex
	f    *os.File
	size int64
}

// opens (creating if needed) the file at path and sizes it to size bytes.
func Mkfiledisk(path string, size int64) (*Filedisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("swap file %v: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("swap file %v: %w", path, err)
	}
	return &Filedisk_t{f: f, size: size}, nil
}

func (fd *Filedisk_t) _seek(off int64, n int) error {
	if off < 0 || off+int64(n) > fd.size {
		return fmt.Errorf("filedisk: [%v, %v) out of range", off, off+int64(n))
	}
	_, err := fd.f.Seek(off, io.SeekStart)
	return err
}

// the position after a transfer is whatever the file reports, not the
// requested length; a short count is an error.
func (fd *Filedisk_t) ReadAt(p []byte, off int64) (int, error) {
	fd.Lock()
	defer fd.Unlock()
	if err := fd._seek(off, len(p)); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(fd.f, p)
	if err != nil {
		return n, fmt.Errorf("filedisk read at %v: %w", off, err)
	}
	return n, nil
}

func (fd *Filedisk_t) WriteAt(p []byte, off int64) (int, error) {
	fd.Lock()
	defer fd.Unlock()
	if err := fd._seek(off, len(p)); err != nil {
		return 0, err
	}
	n, err := fd.f.Write(p)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, fmt.Errorf("filedisk write at %v: %w", off, err)
	}
	return n, nil
}

func (fd *Filedisk_t) Size() int64 {
	return fd.size
}

func (fd *Filedisk_t) Close() error {
	fd.Lock()
	defer fd.Unlock()
	return fd.f.Close()
}
