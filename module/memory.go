// Package module gives access to the bytes and symbols of a mapped module.
package module

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Memory returns the bytes of [base, base+size).
type Memory interface {
	Bytes(base, size uintptr) ([]byte, error)
}

type (
	self struct{}

	procMem struct {
		path string
	}
)

// Self views the memory of the calling process directly. The returned slice
// aliases live memory: it is not a copy, and reading a hole in the range
// faults.
func Self() Memory {
	return self{}
}

func (self) Bytes(base, size uintptr) ([]byte, error) {
	if base == 0 {
		return nil, errors.New("nil base address")
	}
	if size == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size), nil
}

// ProcMem copies memory out of another process through /proc/<pid>/mem.
// Pages that cannot be read, such as the holes between the segments of a
// module, come back as zeros.
func ProcMem(pid int) Memory {
	return &procMem{path: fmt.Sprintf("/proc/%d/mem", pid)}
}

func (p *procMem) Bytes(base, size uintptr) ([]byte, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, errors.Wrap(err, "open process memory")
	}
	defer f.Close()

	buf := make([]byte, size)
	page := uintptr(unix.Getpagesize())
	fd := int(f.Fd())

	var readable bool
	for off := uintptr(0); off < size; {
		// read up to the next page boundary so one bad page only costs itself
		n := page - (base+off)%page
		if n > size-off {
			n = size - off
		}
		got, err := unix.Pread(fd, buf[off:off+n], int64(base+off))
		if err == nil && got > 0 {
			readable = true
		}
		off += n
	}
	if !readable {
		return nil, errors.Errorf("%s: nothing readable at 0x%x", p.path, base)
	}
	return buf, nil
}
