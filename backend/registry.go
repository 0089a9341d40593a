package backend

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)

	// Priority order for Default (first factory that succeeds wins).
	priority = []string{WGPU, Software}
)

// Register registers a factory under name, replacing any earlier one.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a backend. Useful in tests.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered reports whether name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Open opens the named backend.
func Open(name string) (gpucore.Device, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrBackendNotAvailable, "backend: %q is not registered", name)
	}
	dev, err := factory()
	if err != nil {
		return nil, errors.Wrapf(err, "backend: open %q", name)
	}
	return dev, nil
}

// Default opens the best available backend and returns it with its name.
// Backends outside the priority list are tried last, in name order.
func Default() (gpucore.Device, string, error) {
	registryMu.RLock()
	order := slices.Clone(priority)
	rest := make([]string, 0, len(factories))
	for name := range factories {
		if !slices.Contains(priority, name) {
			rest = append(rest, name)
		}
	}
	registryMu.RUnlock()
	slices.Sort(rest)
	order = append(order, rest...)

	var errs error
	for _, name := range order {
		if !IsRegistered(name) {
			continue
		}
		dev, err := Open(name)
		if err == nil {
			return dev, name, nil
		}
		errs = errors.CombineErrors(errs, err)
	}
	if errs != nil {
		return nil, "", errors.Mark(errs, ErrBackendNotAvailable)
	}
	return nil, "", ErrBackendNotAvailable
}
