package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Opener builds a Backend from its options.
type Opener func(opts Options) (Backend, error)

// Options carries backend settings from configuration.
type Options struct {
	ChromeBin string
	ChromeURL string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register makes a backend available under name. Registering a name twice
// panics, as it is always a programming error.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic("engine: backend registered twice: " + name)
	}
	registry[name] = open
}

// Open constructs the backend registered under name.
func Open(name string, opts Options) (Backend, error) {
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return open(opts)
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
