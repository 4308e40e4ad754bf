// Package interpose locates functions inside a loaded native module and
// chains independent hooks on them.
//
// An Interposer is the composition root: it owns the module range cache,
// one Resolver per module and the hook table, so independent instances can
// coexist in tests.
package interpose

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/u2386/go-interpose/hook"
	"github.com/u2386/go-interpose/intercept"
	"github.com/u2386/go-interpose/module"
	"github.com/u2386/go-interpose/procmaps"
	"github.com/u2386/go-interpose/resolver"
)

// ErrReadOnly is returned by Register when the Interposer resolves against
// another process.
var ErrReadOnly = errors.New("hooks are only supported in the current process")

type (
	Interposer struct {
		cfg     *Config
		log     *zap.Logger
		locator *procmaps.Locator
		mem     module.Memory
		manager *hook.Manager

		resolverOpts []resolver.Option

		mu        sync.Mutex
		resolvers map[string]*resolver.Resolver
		names     map[hookKey]string
	}

	hookKey struct {
		target uintptr
		detour uintptr
	}

	Option func(*options)

	options struct {
		log         *zap.Logger
		interceptor hook.Interceptor
		source      procmaps.Source
		mem         module.Memory
		symbols     resolver.SymbolOpener
	}
)

// WithLogger replaces the logger built from Config.Debug.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithInterceptor replaces the default intercept.Native primitive.
func WithInterceptor(ic hook.Interceptor) Option {
	return func(o *options) {
		o.interceptor = ic
	}
}

// WithMapsSource replaces the maps table selected by Config.Maps and
// Config.PID.
func WithMapsSource(src procmaps.Source) Option {
	return func(o *options) {
		o.source = src
	}
}

func WithMemory(mem module.Memory) Option {
	return func(o *options) {
		o.mem = mem
	}
}

func WithSymbolOpener(open resolver.SymbolOpener) Option {
	return func(o *options) {
		o.symbols = open
	}
}

// Open builds an Interposer from cfg. A nil cfg means DefaultConfig().
func Open(cfg *Config, opts ...Option) (*Interposer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Module == "" {
		cfg.Module = DefaultModule
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.log == nil {
		log, err := newLogger(cfg.Debug)
		if err != nil {
			return nil, errors.Wrap(err, "build logger")
		}
		o.log = log
	}
	if o.source == nil {
		switch {
		case cfg.PID != 0:
			o.source = procmaps.PIDSource(cfg.PID)
		case cfg.Maps != "":
			o.source = procmaps.FileSource(cfg.Maps)
		default:
			o.source = procmaps.FileSource(procmaps.SelfMaps)
		}
	}
	if o.mem == nil {
		if cfg.PID != 0 {
			o.mem = module.ProcMem(cfg.PID)
		} else {
			o.mem = module.Self()
		}
	}
	if o.interceptor == nil {
		o.interceptor = intercept.NewNative(intercept.WithLogger(o.log.Named("intercept")))
	}

	locator := procmaps.NewLocator(
		procmaps.WithSource(o.source),
		procmaps.WithLogger(o.log.Named("procmaps")),
	)
	ip := &Interposer{
		cfg:       cfg,
		log:       o.log,
		locator:   locator,
		mem:       o.mem,
		manager:   hook.NewManager(o.interceptor, hook.WithLogger(o.log.Named("hook"))),
		resolvers: make(map[string]*resolver.Resolver),
		names:     make(map[hookKey]string),
	}
	if o.symbols != nil {
		ip.resolverOpts = append(ip.resolverOpts, resolver.WithSymbolOpener(o.symbols))
	}

	ip.debug("interposer opened", zap.String("module", cfg.Module), zap.Int("pid", cfg.PID))
	return ip, nil
}

// Config returns the configuration the Interposer was opened with.
func (ip *Interposer) Config() *Config {
	return ip.cfg
}

// Resolver returns the resolver of name, the configured module when name is
// empty. All resolvers share one module range cache.
func (ip *Interposer) Resolver(name string) *resolver.Resolver {
	if name == "" {
		name = ip.cfg.Module
	}

	ip.mu.Lock()
	defer ip.mu.Unlock()

	r, ok := ip.resolvers[name]
	if !ok {
		opts := append([]resolver.Option{
			resolver.WithMemory(ip.mem),
			resolver.WithLogger(ip.log.Named("resolver")),
		}, ip.resolverOpts...)
		r = resolver.New(name, ip.locator, opts...)
		ip.resolvers[name] = r
	}
	return r
}

// Resolve finds a signature in the configured module.
func (ip *Interposer) Resolve(text string) (uintptr, error) {
	return ip.Resolver("").Resolve(text)
}

// ResolveAny returns the first of several signatures found in the configured
// module.
func (ip *Interposer) ResolveAny(texts ...string) (uintptr, error) {
	return ip.Resolver("").ResolveAny(texts...)
}

// ResolveIdentifier resolves a signature or a symbol name in the configured
// module.
func (ip *Interposer) ResolveIdentifier(ident string) (uintptr, error) {
	return ip.Resolver("").ResolveIdentifier(ident)
}

// Register chains detour on target. See hook.Manager.Register.
func (ip *Interposer) Register(target, detour uintptr, origin *uintptr, priority hook.Priority) error {
	if ip.cfg.PID != 0 {
		return errors.Wrapf(ErrReadOnly, "pid %d", ip.cfg.PID)
	}
	return ip.manager.Register(target, detour, origin, priority)
}

func (ip *Interposer) Unregister(target, detour uintptr) bool {
	ok := ip.manager.Unregister(target, detour)
	if ok {
		ip.mu.Lock()
		delete(ip.names, hookKey{target, detour})
		ip.mu.Unlock()
	}
	return ok
}

func (ip *Interposer) UnregisterAll() {
	ip.manager.UnregisterAll()

	ip.mu.Lock()
	ip.names = make(map[hookKey]string)
	ip.mu.Unlock()
}

// Chains lists every hooked target.
func (ip *Interposer) Chains() []hook.Chain {
	return ip.manager.Chains()
}

// HookName returns the name of the static hook that installed detour on
// target.
func (ip *Interposer) HookName(target, detour uintptr) (string, bool) {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	name, ok := ip.names[hookKey{target, detour}]
	return name, ok
}

// Close removes every hook.
func (ip *Interposer) Close() error {
	ip.UnregisterAll()
	ip.log.Sync()
	return nil
}
