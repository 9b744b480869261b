package limits

import "sync/atomic"

type Sysatomic_t struct {
	v atomic.Int64
}

type Syslimit_t struct {
	// live processes
	Sysprocs Sysatomic_t
	// page-table entries a single address space may define
	Aspages int
}

var Syslimit *Syslimit_t = MkSysLimit()

func MkSysLimit() *Syslimit_t {
	s := &Syslimit_t{
		Aspages: 1 << 16,
	}
	s.Sysprocs.Given(1e4)
	return s
}

func (s *Sysatomic_t) Given(n uint) {
	s.v.Add(int64(n))
}

func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	g := s.v.Add(-n)
	if g >= 0 {
		return true
	}
	s.v.Add(n)
	return false
}

// returns false if the limit has been reached.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

func (s *Sysatomic_t) Give() {
	s.Given(1)
}

func (s *Sysatomic_t) Left() int64 {
	return s.v.Load()
}
