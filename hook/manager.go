// Package hook chains several independent detours on one target address.
//
// The Manager owns, per target, the detours ordered by priority, computes
// the call chain and drives an Interceptor to make the target jump into it.
// Each detour continues the chain by calling the address stored in its
// Origin slot, which is eventually the original function.
package hook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrInstallFailed means the interceptor rejected the target. Only that
	// registration fails; the table is left as it was.
	ErrInstallFailed = errors.New("install failed")
	// ErrInvalidArgument is returned for a zero target or detour, or a nil
	// origin slot.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Interceptor is the code patching capability the Manager drives.
type Interceptor interface {
	// Install makes target jump to entry and returns the address that runs
	// the original function.
	Install(target, entry uintptr) (origin uintptr, err error)
	// Redirect points an installed target at a new entry.
	Redirect(target, entry uintptr) error
	// Remove restores the original function.
	Remove(target uintptr) error
}

type (
	// Manager serializes every mutation of every chain behind one lock.
	// Registration happens at init time while hooked functions may be hot,
	// so a single lock keeps things simple at no real cost and rules out
	// lock ordering issues between targets.
	Manager struct {
		mu     sync.Mutex
		chains map[uintptr]*chain
		ic     Interceptor
		log    *zap.Logger
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithLogger sets the Manager logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// NewManager returns an empty Manager driving ic.
func NewManager(ic Interceptor, opts ...Option) *Manager {
	m := &Manager{
		chains: make(map[uintptr]*chain),
		ic:     ic,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds detour to the chain of target. Once the call returns, new
// calls into target reach detour according to its priority, and *origin
// holds the address detour must call to continue.
//
// Calls already running inside the chain keep the pointers they loaded.
func (m *Manager) Register(target, detour uintptr, origin *uintptr, priority Priority) error {
	if target == 0 || detour == 0 || origin == nil {
		return errors.Wrapf(ErrInvalidArgument, "target %s detour %s", hex(target), hex(detour))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reg := &Registration{
		Target:   target,
		Detour:   detour,
		Origin:   origin,
		Priority: priority,
	}

	if c, ok := m.chains[target]; ok {
		return m.extend(c, reg)
	}

	orig, err := m.ic.Install(target, detour)
	if err != nil {
		m.log.Error("install failed", zap.String("target", hex(target)), zap.Error(err))
		return errors.Wrapf(ErrInstallFailed, "target %s: %v", hex(target), err)
	}
	if orig == 0 {
		if err := m.ic.Remove(target); err != nil {
			m.log.Error("remove failed", zap.String("target", hex(target)), zap.Error(err))
		}
		return errors.Wrapf(ErrInstallFailed, "target %s: no origin reported", hex(target))
	}

	c := &chain{target: target, origin: orig}
	c.insert(reg)
	c.relink()
	if c.entry != detour {
		panic(fmt.Sprintf("hook: chain of %s enters at %s, installed %s", hex(target), hex(c.entry), hex(detour)))
	}
	m.chains[target] = c

	m.log.Debug("hook installed",
		zap.String("target", hex(target)),
		zap.String("detour", hex(detour)),
		zap.String("origin", hex(orig)),
		zap.Stringer("priority", priority),
	)
	return nil
}

func (m *Manager) extend(c *chain, reg *Registration) error {
	c.insert(reg)
	c.relink()

	if err := m.ic.Redirect(c.target, c.entry); err != nil {
		c.drop(reg)
		c.relink()
		m.log.Error("redirect failed", zap.String("target", hex(c.target)), zap.Error(err))
		return errors.Wrapf(ErrInstallFailed, "redirect %s: %v", hex(c.target), err)
	}

	m.log.Debug("hook chained",
		zap.String("target", hex(c.target)),
		zap.String("detour", hex(reg.Detour)),
		zap.String("entry", hex(c.entry)),
		zap.Stringer("priority", reg.Priority),
		zap.Int("hooks", len(c.regs)),
	)
	return nil
}

// Unregister removes one registration of detour from target. It reports
// false when target has no chain or detour is not part of it. Removing the
// last detour restores the original function.
func (m *Manager) Unregister(target, detour uintptr) bool {
	if target == 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[target]
	if !ok {
		return false
	}
	if _, ok := c.remove(detour); !ok {
		return false
	}

	if len(c.regs) == 0 {
		if err := m.ic.Remove(target); err != nil {
			m.log.Error("remove failed", zap.String("target", hex(target)), zap.Error(err))
		}
		delete(m.chains, target)
		m.log.Debug("hook removed", zap.String("target", hex(target)))
		return true
	}

	installed := c.entry
	c.relink()
	if err := m.ic.Redirect(target, c.entry); err != nil {
		// the target still jumps to the removed detour, whose slot leads
		// into the remaining chain
		c.entry = installed
		m.log.Error("redirect failed", zap.String("target", hex(target)), zap.Error(err))
	}
	m.log.Debug("hook unchained",
		zap.String("target", hex(target)),
		zap.String("detour", hex(detour)),
		zap.Int("hooks", len(c.regs)),
	)
	return true
}

// UnregisterAll tears every chain down. It is meant for shutdown; calling it
// again is a no-op.
func (m *Manager) UnregisterAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for target := range m.chains {
		if err := m.ic.Remove(target); err != nil {
			m.log.Error("remove failed", zap.String("target", hex(target)), zap.Error(err))
		}
	}
	if len(m.chains) > 0 {
		m.log.Debug("all hooks removed", zap.Int("targets", len(m.chains)))
	}
	m.chains = make(map[uintptr]*chain)
}

// Chain returns a copy of the chain of target.
func (m *Manager) Chain(target uintptr) (Chain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[target]
	if !ok {
		return Chain{}, false
	}
	return c.snapshot(), true
}

// Chains returns copies of every chain ordered by target address.
func (m *Manager) Chains() []Chain {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := make([]Chain, 0, len(m.chains))
	for _, c := range m.chains {
		cs = append(cs, c.snapshot())
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].Target < cs[j].Target })
	return cs
}

func hex(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}
