//go:build linux

package intercept

import (
	"sync"

	"github.com/pboyd/malloc"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const arenaSize = 1 << 16

// arena hands out executable memory for trampolines. The pages are only
// writable while place or release holds the lock.
type arena struct {
	mu      sync.Mutex
	heap    *malloc.Arena
	protect func(int) error
}

func (a *arena) init() error {
	if a.heap != nil {
		return nil
	}

	be := malloc.MmapBackend(malloc.MmapProt(unix.PROT_READ | unix.PROT_EXEC))
	a.protect = func(int) error { return nil }
	if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
		a.protect = protBE.Protect
	}

	a.heap = malloc.NewArena(arenaSize, malloc.Backend(be))
	if a.heap == nil {
		return errors.New("unable to initialize trampoline arena")
	}
	return nil
}

// place copies code into a fresh size byte block, padded with int3, and
// returns the block.
func (a *arena) place(code []byte, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return nil, err
	}
	if err := a.protect(protRWX); err != nil {
		return nil, errors.Wrap(err, "unprotect trampoline arena")
	}
	defer a.protect(protRX)

	buf, err := malloc.MallocSlice[byte](a.heap, size)
	if err != nil {
		return nil, errors.Wrap(err, "allocate trampoline")
	}
	for i := range buf {
		buf[i] = opcodeINT3
	}
	copy(buf, code)
	return buf, nil
}

func (a *arena) release(buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.protect(protRWX); err != nil {
		return errors.Wrap(err, "unprotect trampoline arena")
	}
	malloc.FreeSlice(a.heap, buf)
	return a.protect(protRX)
}
