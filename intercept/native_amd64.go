//go:build linux

package intercept

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"
)

const (
	// jmp qword ptr [rip+0] followed by the 8-byte destination.
	jumpSize    = 14
	jumpAddrOff = 6
	opcodeINT3  = 0xcc

	maxPrologue    = 32
	trampolineSize = 48
)

type (
	// Native patches function prologues on linux/amd64.
	Native struct {
		mu      sync.Mutex
		patches map[uintptr]*patch
		arena   *arena
		log     *zap.Logger
	}

	patch struct {
		original   []byte
		trampoline []byte
	}
)

func NewNative(opts ...Option) *Native {
	o := newOptions(opts)
	return &Native{
		patches: make(map[uintptr]*patch),
		arena:   &arena{},
		log:     o.log,
	}
}

// Install relocates the first instructions of target into a trampoline and
// overwrites them with a jump to entry. The trampoline is returned as the
// origin.
func (n *Native) Install(target, entry uintptr) (uintptr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.patches[target]; ok {
		return 0, errors.Wrapf(ErrAlreadyInstalled, "target %s", hex(target))
	}

	code, err := safeRead(target, maxPrologue)
	if err != nil {
		return 0, err
	}
	stolen, err := stealLength(code)
	if err != nil {
		return 0, errors.Wrapf(err, "target %s", hex(target))
	}

	tramp, err := n.buildTrampoline(code[:stolen], target+uintptr(stolen))
	if err != nil {
		return 0, err
	}

	p := &patch{original: code[:stolen], trampoline: tramp}
	if err := copyToLocation(target, jumpTo(entry, stolen)); err != nil {
		n.freeTrampoline(tramp)
		return 0, err
	}
	n.patches[target] = p

	origin := uintptr(unsafe.Pointer(unsafe.SliceData(tramp)))
	n.log.Debug("prologue patched",
		zap.String("target", hex(target)),
		zap.Int("stolen", stolen),
		zap.String("trampoline", hex(origin)),
	)
	return origin, nil
}

// Redirect rewrites the destination of the jump already at target.
func (n *Native) Redirect(target, entry uintptr) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.patches[target]; !ok {
		return errors.Wrapf(ErrNotInstalled, "target %s", hex(target))
	}
	var addr [8]byte
	binary.LittleEndian.PutUint64(addr[:], uint64(entry))
	return copyToLocation(target+jumpAddrOff, addr[:])
}

// Remove puts the original instructions back and releases the trampoline.
func (n *Native) Remove(target uintptr) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, ok := n.patches[target]
	if !ok {
		return errors.Wrapf(ErrNotInstalled, "target %s", hex(target))
	}
	if err := copyToLocation(target, p.original); err != nil {
		return err
	}
	delete(n.patches, target)
	n.freeTrampoline(p.trampoline)

	n.log.Debug("prologue restored", zap.String("target", hex(target)))
	return nil
}

func (n *Native) buildTrampoline(stolen []byte, resume uintptr) ([]byte, error) {
	code := append(append([]byte{}, stolen...), jumpTo(resume, jumpSize)...)
	return n.arena.place(code, trampolineSize)
}

func (n *Native) freeTrampoline(buf []byte) {
	if err := n.arena.release(buf); err != nil {
		n.log.Warn("trampoline not released", zap.Error(err))
	}
}

// stealLength decodes whole instructions until a jump fits over them. Code
// that depends on its own address or leaves the function cannot move into a
// trampoline.
func stealLength(code []byte) (int, error) {
	i := 0
	for i < jumpSize {
		inst, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return 0, errors.Wrapf(ErrBadPrologue, "decode at +%d: %v", i, err)
		}
		switch inst.Op {
		case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP,
			x86asm.CALL, x86asm.LCALL, x86asm.INT:
			return 0, errors.Wrapf(ErrBadPrologue, "%v at +%d", inst.Op, i)
		}
		for _, arg := range inst.Args {
			switch a := arg.(type) {
			case x86asm.Rel:
				return 0, errors.Wrapf(ErrBadPrologue, "relative operand at +%d", i)
			case x86asm.Mem:
				if a.Base == x86asm.RIP {
					return 0, errors.Wrapf(ErrBadPrologue, "rip-relative operand at +%d", i)
				}
			}
		}
		i += inst.Len
	}
	return i, nil
}

// jumpTo encodes an absolute jump to dest padded with int3 to size bytes.
func jumpTo(dest uintptr, size int) []byte {
	buf := make([]byte, size)
	buf[0], buf[1] = 0xff, 0x25
	binary.LittleEndian.PutUint64(buf[jumpAddrOff:], uint64(dest))
	for i := jumpSize; i < size; i++ {
		buf[i] = opcodeINT3
	}
	return buf
}
