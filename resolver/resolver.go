// Package resolver turns human-authored identifiers, byte signatures or
// symbol names, into addresses inside one loaded module.
package resolver

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/u2386/go-interpose/module"
	"github.com/u2386/go-interpose/procmaps"
	"github.com/u2386/go-interpose/signature"
)

var (
	// ErrModuleNotFound means the module is not mapped. The Locator caches
	// the miss, so it is never retried.
	ErrModuleNotFound = errors.New("module not found")
	// ErrNotFound means no candidate matched. It is safe to retry with other
	// identifiers.
	ErrNotFound = errors.New("identifier not found")
)

type (
	// Locator yields the mapped range of a module by name.
	Locator interface {
		Locate(name string) procmaps.Range
	}

	// SymbolTable maps symbol names to run-time addresses.
	SymbolTable interface {
		Lookup(name string) (uintptr, bool)
	}

	// SymbolOpener loads the symbol table of the module file at path mapped
	// at base.
	SymbolOpener func(path string, base uintptr) (SymbolTable, error)

	// Resolver resolves identifiers against a fixed module.
	Resolver struct {
		module  string
		locator Locator
		mem     module.Memory
		open    SymbolOpener
		log     *zap.Logger

		symOnce sync.Once
		syms    SymbolTable
		symErr  error
	}

	// Option configures a Resolver.
	Option func(*Resolver)
)

// WithMemory selects how module bytes are read. The default is
// module.Self().
func WithMemory(mem module.Memory) Option {
	return func(r *Resolver) {
		r.mem = mem
	}
}

// WithSymbolOpener replaces the ELF/DWARF symbol reader.
func WithSymbolOpener(open SymbolOpener) Option {
	return func(r *Resolver) {
		r.open = open
	}
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) {
		r.log = log
	}
}

// New returns a Resolver for the module whose mapped path contains name.
func New(name string, locator Locator, opts ...Option) *Resolver {
	r := &Resolver{
		module:  name,
		locator: locator,
		mem:     module.Self(),
		open:    openELF,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("module", name))
	return r
}

func openELF(path string, base uintptr) (SymbolTable, error) {
	return module.OpenSymbols(path, base)
}

// Module returns the configured module name.
func (r *Resolver) Module() string {
	return r.module
}

// Range returns the located range of the module.
func (r *Resolver) Range() (procmaps.Range, error) {
	rng := r.locator.Locate(r.module)
	if !rng.Found() {
		return rng, errors.Wrapf(ErrModuleNotFound, "%s", r.module)
	}
	return rng, nil
}

// Resolve returns the address of the first match of the signature text in
// the module. An empty signature resolves to the module base.
func (r *Resolver) Resolve(text string) (uintptr, error) {
	sig, err := signature.Compile(text)
	if err != nil {
		r.log.Warn("failed to resolve", zap.String("signature", text), zap.Error(err))
		return 0, err
	}
	return r.find(sig)
}

// ResolveSignature is like Resolve for an already compiled signature.
func (r *Resolver) ResolveSignature(sig *signature.Signature) (uintptr, error) {
	return r.find(sig)
}

func (r *Resolver) find(sig *signature.Signature) (uintptr, error) {
	rng, err := r.Range()
	if err != nil {
		r.log.Warn("failed to resolve", zap.Stringer("signature", sig), zap.Error(err))
		return 0, err
	}

	data, err := r.mem.Bytes(rng.Base, rng.Size)
	if err != nil {
		r.log.Warn("failed to read module", zap.Error(err))
		return 0, errors.WithMessage(err, r.module)
	}

	addr, ok, err := scan(sig, rng.Base, data)
	if err != nil {
		r.log.Warn("failed to resolve", zap.Stringer("signature", sig), zap.Error(err))
		return 0, err
	}
	if !ok {
		r.log.Info("failed to resolve", zap.Stringer("signature", sig))
		return 0, errors.Wrapf(ErrNotFound, "signature %s", sig)
	}

	r.log.Info("resolved identifier", zap.Stringer("signature", sig), zap.String("addr", hex(addr)))
	return addr, nil
}

// scan runs the matcher with faults turned into errors: Self memory spans
// every segment of the module, holes between them included.
func scan(sig *signature.Signature, base uintptr, data []byte) (addr uintptr, ok bool, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if p := recover(); p != nil {
			addr, ok = 0, false
			err = errors.Errorf("fault scanning from %s: %v", hex(base), p)
		}
	}()

	addr, ok = sig.Find(base, data)
	return addr, ok, nil
}

// ResolveAny tries each signature text in order and returns the first
// address found. Malformed or unmatched candidates are skipped.
func (r *Resolver) ResolveAny(texts ...string) (uintptr, error) {
	return r.any(texts, r.Resolve)
}

// ResolveSymbol returns the address of a symbol of the module.
func (r *Resolver) ResolveSymbol(name string) (uintptr, error) {
	rng, err := r.Range()
	if err != nil {
		r.log.Warn("failed to resolve", zap.String("symbol", name), zap.Error(err))
		return 0, err
	}

	r.symOnce.Do(func() {
		r.syms, r.symErr = r.open(rng.Path, rng.Base)
		if r.symErr != nil {
			r.log.Warn("no symbol table", zap.String("path", rng.Path), zap.Error(r.symErr))
		}
	})
	if r.symErr != nil {
		return 0, errors.WithMessage(r.symErr, name)
	}

	addr, ok := r.syms.Lookup(name)
	if !ok {
		r.log.Info("failed to resolve", zap.String("symbol", name))
		return 0, errors.Wrapf(ErrNotFound, "symbol %s", name)
	}
	r.log.Info("resolved identifier", zap.String("symbol", name), zap.String("addr", hex(addr)))
	return addr, nil
}

// ResolveIdentifier accepts either a signature or a symbol name. Text that
// compiles as a signature is scanned for. Text with blanks or wildcards that
// fails to compile is a malformed signature; anything else is looked up as
// a symbol.
func (r *Resolver) ResolveIdentifier(ident string) (uintptr, error) {
	sig, err := signature.Compile(ident)
	if err == nil {
		return r.find(sig)
	}
	if strings.ContainsAny(ident, " \t?") {
		r.log.Warn("failed to resolve", zap.String("signature", ident), zap.Error(err))
		return 0, err
	}
	return r.ResolveSymbol(ident)
}

// ResolveAnyIdentifier is ResolveAny over mixed signatures and symbols.
func (r *Resolver) ResolveAnyIdentifier(idents ...string) (uintptr, error) {
	return r.any(idents, r.ResolveIdentifier)
}

func (r *Resolver) any(candidates []string, resolve func(string) (uintptr, error)) (uintptr, error) {
	for _, c := range candidates {
		addr, err := resolve(c)
		if err == nil {
			return addr, nil
		}
		if errors.Is(err, ErrModuleNotFound) {
			return 0, err
		}
	}
	return 0, errors.Wrapf(ErrNotFound, "none of %d candidates matched", len(candidates))
}

func hex(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}
