package defs

import "fmt"

const (
	EPERM  Err_t = 1
	ENOENT Err_t = 2
	ESRCH  Err_t = 3
	EINTR  Err_t = 4
	EIO    Err_t = 5
	E2BIG  Err_t = 7
	ECHILD Err_t = 10
	EAGAIN Err_t = 11
	ENOMEM Err_t = 12
	EFAULT Err_t = 14
	EBUSY  Err_t = 16
	EINVAL Err_t = 22
	ENOSPC Err_t = 28
	ERANGE Err_t = 34
	ENOSYS Err_t = 38
)

// kernel routines return the negated errno; 0 means success.
type Err_t int

var errstr = map[Err_t]string{
	EPERM:  "operation not permitted",
	ENOENT: "no such entry",
	ESRCH:  "no such process",
	EINTR:  "interrupted",
	EIO:    "i/o error",
	E2BIG:  "argument list too long",
	ECHILD: "no child processes",
	EAGAIN: "try again",
	ENOMEM: "out of memory",
	EFAULT: "bad address",
	EBUSY:  "busy",
	EINVAL: "invalid argument",
	ENOSPC: "no space left",
	ERANGE: "out of range",
	ENOSYS: "not implemented",
}

func (e Err_t) String() string {
	if e == 0 {
		return "ok"
	}
	n := e
	if n < 0 {
		n = -n
	}
	if s, ok := errstr[n]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int(n))
}

// Error lets an Err_t travel through code that expects a Go error.
func (e Err_t) Error() string {
	return e.String()
}
