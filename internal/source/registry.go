package source

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

// Factory builds an adapter instance for one invocation.
type Factory func(d Deps) (Source, error)

// registry holds all registered adapter factories.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds an adapter factory under its type name.
// This is called from an adapter package's init() function.
//
// Panics if a factory with the same type is already registered.
func Register(typ string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	typ = strings.ToLower(typ)
	if _, exists := factories[typ]; exists {
		panic(fmt.Sprintf("source type %q already registered", typ))
	}
	factories[typ] = f
}

// New builds the adapter for d.Config.Type (case-insensitive).
func New(d Deps) (Source, error) {
	registryMu.RLock()
	f, exists := factories[strings.ToLower(d.Config.Type)]
	registryMu.RUnlock()

	if !exists {
		return nil, syncerr.Newf(syncerr.KindConfig, "source", "unknown source type: %q (available: %v)", d.Config.Type, Available())
	}
	return f(d)
}

// Available returns a sorted list of registered source types.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered returns true if an adapter type exists (case-insensitive).
func IsRegistered(typ string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, exists := factories[strings.ToLower(typ)]
	return exists
}
