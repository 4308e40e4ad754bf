package hook

import (
	"sort"
	"sync/atomic"
)

// Registration is one caller's detour on a target.
type Registration struct {
	Target uintptr
	Detour uintptr
	// Origin is owned by the caller. The manager stores into it the address
	// the detour must call to continue the chain; the detour loads it on
	// every call.
	Origin   *uintptr
	Priority Priority
	// Seq breaks ties between equal priorities, first registered runs first.
	Seq uint64
}

func (r *Registration) less(o *Registration) bool {
	if r.Priority != o.Priority {
		return r.Priority < o.Priority
	}
	return r.Seq < o.Seq
}

// Link computes the call chain for registrations sorted by (Priority, Seq).
// entry is what the target must jump to; next[i] is the continuation of
// regs[i]: the detour after it, or origin for the last one. With no
// registrations entry is origin.
func Link(regs []*Registration, origin uintptr) (entry uintptr, next []uintptr) {
	if len(regs) == 0 {
		return origin, nil
	}

	next = make([]uintptr, len(regs))
	var prev *uintptr
	for i, r := range regs {
		if prev == nil {
			entry = r.Detour
		} else {
			*prev = r.Detour
		}
		prev = &next[i]
	}
	*prev = origin
	return entry, next
}

// chain is the per-target state. It is only touched under the manager lock.
type chain struct {
	target uintptr
	// origin is reported by the interceptor on first install and never
	// changes afterwards.
	origin uintptr
	entry  uintptr
	regs   []*Registration
	seq    uint64
}

func (c *chain) insert(r *Registration) {
	c.seq++
	r.Seq = c.seq
	i := sort.Search(len(c.regs), func(i int) bool { return r.less(c.regs[i]) })
	c.regs = append(c.regs, nil)
	copy(c.regs[i+1:], c.regs[i:])
	c.regs[i] = r
}

// remove drops the first registration of detour in chain order.
func (c *chain) remove(detour uintptr) (*Registration, bool) {
	for i, r := range c.regs {
		if r.Detour == detour {
			c.regs = append(c.regs[:i], c.regs[i+1:]...)
			return r, true
		}
	}
	return nil, false
}

func (c *chain) drop(r *Registration) {
	for i, x := range c.regs {
		if x == r {
			c.regs = append(c.regs[:i], c.regs[i+1:]...)
			return
		}
	}
}

// relink stores every continuation, then the new entry. Running detours read
// their slots without the lock, so the slots are published atomically and
// before the target is redirected.
func (c *chain) relink() {
	entry, next := Link(c.regs, c.origin)
	for i, r := range c.regs {
		atomic.StoreUintptr(r.Origin, next[i])
	}
	c.entry = entry
}

func (c *chain) snapshot() Chain {
	_, next := Link(c.regs, c.origin)
	s := Chain{
		Target: c.target,
		Origin: c.origin,
		Entry:  c.entry,
		Hooks:  make([]Hook, len(c.regs)),
	}
	for i, r := range c.regs {
		s.Hooks[i] = Hook{
			Detour:   r.Detour,
			Priority: r.Priority,
			Seq:      r.Seq,
			Next:     next[i],
		}
	}
	return s
}

type (
	// Chain is a point-in-time copy of a target's chain. Entry is where the
	// target currently jumps.
	Chain struct {
		Target uintptr
		Origin uintptr
		Entry  uintptr
		Hooks  []Hook
	}

	// Hook is one element of a Chain in call order.
	Hook struct {
		Detour   uintptr
		Priority Priority
		Seq      uint64
		Next     uintptr
	}
)
