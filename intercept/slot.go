package intercept

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

type (
	// Slot intercepts calls made through a pointer cell. The target passed to
	// it is the address of the cell, not of the function.
	Slot struct {
		mu    sync.Mutex
		saved map[uintptr]uintptr
		log   *zap.Logger
	}

	// Option configures a primitive.
	Option func(*options)

	options struct {
		log *zap.Logger
	}
)

// WithLogger sets the logger of a primitive.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func newOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewSlot(opts ...Option) *Slot {
	o := newOptions(opts)
	return &Slot{
		saved: make(map[uintptr]uintptr),
		log:   o.log,
	}
}

// Install stores entry into the cell at target and returns the address it
// held before.
func (s *Slot) Install(target, entry uintptr) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.saved[target]; ok {
		return 0, errors.Wrapf(ErrAlreadyInstalled, "slot %s", hex(target))
	}

	origin, err := loadSlot(target)
	if err != nil {
		return 0, err
	}
	if origin == 0 {
		return 0, errors.Wrapf(ErrEmptySlot, "slot %s", hex(target))
	}
	if err := storeSlot(target, entry); err != nil {
		return 0, err
	}
	s.saved[target] = origin

	s.log.Debug("slot installed", zap.String("slot", hex(target)), zap.String("origin", hex(origin)))
	return origin, nil
}

func (s *Slot) Redirect(target, entry uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.saved[target]; !ok {
		return errors.Wrapf(ErrNotInstalled, "slot %s", hex(target))
	}
	return storeSlot(target, entry)
}

// Remove puts the saved address back into the cell.
func (s *Slot) Remove(target uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	origin, ok := s.saved[target]
	if !ok {
		return errors.Wrapf(ErrNotInstalled, "slot %s", hex(target))
	}
	if err := storeSlot(target, origin); err != nil {
		return err
	}
	delete(s.saved, target)

	s.log.Debug("slot restored", zap.String("slot", hex(target)))
	return nil
}

func loadSlot(addr uintptr) (v uintptr, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrFault, "load slot %s: %v", hex(addr), r)
		}
	}()
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr))), nil
}

// storeSlot writes the cell, lifting a read-only protection (RELRO) for the
// time of the store.
func storeSlot(addr, v uintptr) error {
	if tryStore(addr, v) {
		return nil
	}
	if err := mprotectCrossPage(addr, ptrSize, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(addr)), v)
	return mprotectCrossPage(addr, ptrSize, unix.PROT_READ)
}

func tryStore(addr, v uintptr) (ok bool) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(addr)), v)
	return true
}
