package interpose

import (
	stderrors "errors"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/u2386/go-interpose/hook"
)

// Hook is a static hook declaration, typically a package level variable of
// the code that provides Detour.
type Hook struct {
	// Name keys configuration overrides and shows up in logs.
	Name     string
	Priority hook.Priority
	// Module holding the target; empty means the configured module.
	Module string
	// Identifiers are signatures or symbol names tried in order.
	Identifiers []string
	Detour      uintptr
	Origin      *uintptr
}

// Install resolves and registers hooks. A hook that fails does not stop the
// others; the failures are returned joined together.
func (ip *Interposer) Install(hooks ...Hook) error {
	var errs []error
	for _, h := range hooks {
		if err := ip.install(h); err != nil {
			ip.critical("hook not installed", zap.String("hook", h.Name), zap.Error(err))
			errs = append(errs, errors.WithMessage(err, h.Name))
		}
	}
	return stderrors.Join(errs...)
}

func (ip *Interposer) install(h Hook) error {
	identifiers := h.Identifiers
	if o, ok := ip.cfg.Hooks[h.Name]; ok {
		if o.Disabled {
			ip.debug("hook disabled", zap.String("hook", h.Name))
			return nil
		}
		if o.Priority != nil {
			h.Priority = *o.Priority
		}
		identifiers = append(identifiers[:len(identifiers):len(identifiers)], o.Identifiers...)
	}
	if len(identifiers) == 0 {
		return errors.New("no identifiers")
	}

	target, err := ip.Resolver(h.Module).ResolveAnyIdentifier(identifiers...)
	if err != nil {
		return err
	}
	if err := ip.Register(target, h.Detour, h.Origin, h.Priority); err != nil {
		return err
	}

	ip.mu.Lock()
	ip.names[hookKey{target, h.Detour}] = h.Name
	ip.mu.Unlock()

	ip.debug("hook installed",
		zap.String("hook", h.Name),
		zap.Stringer("priority", h.Priority),
		zap.String("target", hex(target)),
	)
	return nil
}
