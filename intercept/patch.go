package intercept

import (
	"os"
	"runtime/debug"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	protRX  = unix.PROT_READ | unix.PROT_EXEC
	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

func rawMemoryAccess(p uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), length)
}

// copyToLocation overwrites code at location. The pages are left readable
// and executable.
func copyToLocation(location uintptr, data []byte) error {
	if err := mprotectCrossPage(location, len(data), protRWX); err != nil {
		return err
	}
	copy(rawMemoryAccess(location, len(data)), data)
	return mprotectCrossPage(location, len(data), protRX)
}

func mprotectCrossPage(addr uintptr, length int, prot int) error {
	start := pageStart(addr)
	size := addr + uintptr(length) - start
	err := unix.Mprotect(rawMemoryAccess(start, int(size)), prot)
	return errors.Wrapf(err, "mprotect %s+%d", hex(addr), length)
}

func pageStart(ptr uintptr) uintptr {
	return ptr &^ (uintptr(os.Getpagesize()) - 1)
}

// safeRead copies length bytes at p, failing instead of crashing when the
// memory is not readable.
func safeRead(p uintptr, length int) (buf []byte, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, errors.Wrapf(ErrFault, "read %s+%d: %v", hex(p), length, r)
		}
	}()

	buf = make([]byte, length)
	copy(buf, rawMemoryAccess(p, length))
	return buf, nil
}
