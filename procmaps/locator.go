package procmaps

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SelfMaps is the maps table of the calling process.
const SelfMaps = "/proc/self/maps"

type (
	// Source opens a fresh reader over a maps table.
	Source func() (io.ReadCloser, error)

	// Locator resolves module names to ranges. Every result, including a
	// miss, is cached for the life of the Locator; there is no invalidation.
	Locator struct {
		source Source
		log    *zap.Logger

		mu    sync.Mutex
		cache map[string]Range
		group singleflight.Group
	}

	// Option configures a Locator.
	Option func(*Locator)
)

// FileSource reads the maps table at path.
func FileSource(path string) Source {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// PIDSource reads the maps table of another process.
func PIDSource(pid int) Source {
	return FileSource(fmt.Sprintf("/proc/%d/maps", pid))
}

// WithSource replaces the default /proc/self/maps source.
func WithSource(src Source) Option {
	return func(l *Locator) {
		l.source = src
	}
}

// WithLogger sets the logger for located and missing modules.
func WithLogger(log *zap.Logger) Option {
	return func(l *Locator) {
		l.log = log
	}
}

// NewLocator returns a Locator reading /proc/self/maps unless configured
// otherwise.
func NewLocator(opts ...Option) *Locator {
	l := &Locator{
		source: FileSource(SelfMaps),
		log:    zap.NewNop(),
		cache:  make(map[string]Range),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate returns the range of the module whose mapped path contains name.
// The maps table is read at most once per name; concurrent first calls share
// the read. A module that is not mapped yields the zero Range, and that miss
// is remembered as well.
func (l *Locator) Locate(name string) Range {
	l.mu.Lock()
	r, ok := l.cache[name]
	l.mu.Unlock()
	if ok {
		return r
	}

	v, _, _ := l.group.Do(name, func() (interface{}, error) {
		l.mu.Lock()
		if r, ok := l.cache[name]; ok {
			l.mu.Unlock()
			return r, nil
		}
		l.mu.Unlock()

		r := l.scan(name)

		l.mu.Lock()
		l.cache[name] = r
		l.mu.Unlock()
		return r, nil
	})
	return v.(Range)
}

func (l *Locator) scan(name string) Range {
	rc, err := l.source()
	if err != nil {
		l.log.Error("open maps", zap.String("module", name), zap.Error(err))
		return Range{}
	}
	defer rc.Close()

	maps, err := Parse(rc)
	if err != nil {
		l.log.Error("read maps", zap.String("module", name), zap.Error(err))
		return Range{}
	}

	r := Select(maps, name)
	if !r.Found() {
		l.log.Warn("module not found", zap.String("module", name))
		return Range{}
	}
	l.log.Info("module located",
		zap.String("module", name),
		zap.String("path", r.Path),
		zap.String("base", fmt.Sprintf("0x%x", r.Base)),
		zap.String("size", fmt.Sprintf("0x%x", r.Size)),
	)
	return r
}
