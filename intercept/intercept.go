// Package intercept holds the code patching primitives behind hook.Manager.
//
// Slot redirects calls made through a pointer cell, such as a GOT entry or a
// vtable slot. Native rewrites the first instructions of a function with an
// absolute jump and relocates them into a trampoline that plays the role of
// the original function.
package intercept

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnsupported      = errors.New("native interception is not supported on this platform")
	ErrAlreadyInstalled = errors.New("target already installed")
	ErrNotInstalled     = errors.New("target not installed")
	// ErrBadPrologue means the first instructions of the target cannot be
	// moved into a trampoline.
	ErrBadPrologue = errors.New("prologue cannot be relocated")
	ErrEmptySlot   = errors.New("slot holds no address")
	ErrFault       = errors.New("memory fault")
)

func hex(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}
