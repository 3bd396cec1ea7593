package library

import (
	"context"
	"fmt"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
)

// ScriptCache holds compiled libraries by identifier.
type ScriptCache = Cache[elm.VersionedIdentifier, *elm.Library]

// CompileFunc compiles the source of the library id.
type CompileFunc func(ctx context.Context, id elm.VersionedIdentifier, text string) (*elm.Library, error)

// Manager resolves included libraries. It is request scoped: the source
// reflects the request's library repository while the cache is shared.
type Manager struct {
	cache  *ScriptCache
	source Source
}

// NewManager creates a manager reading from source and caching in cache.
func NewManager(cache *ScriptCache, source Source) *Manager {
	if cache == nil {
		cache = NewCache[elm.VersionedIdentifier, *elm.Library]()
	}
	if source == nil {
		source = BuiltinSource()
	}
	return &Manager{cache: cache, source: source}
}

// Resolve returns the compiled library id, loading and compiling it on a miss.
func (m *Manager) Resolve(ctx context.Context, id elm.VersionedIdentifier, compile CompileFunc) (*elm.Library, error) {
	return m.cache.GetOrCompute(id, func() (*elm.Library, error) {
		text, err := m.source.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("Could not load source for library %s, version %s: %w", id.ID, id.Version, err)
		}
		lib, err := compile(ctx, id, text)
		if err != nil {
			return nil, err
		}
		if lib.Identifier.ID != id.ID {
			return nil, fmt.Errorf("Library %s was loaded from a source declaring %s.", id.ID, lib.Identifier.ID)
		}
		return lib, nil
	})
}

// Cached returns a compiled library without loading it.
func (m *Manager) Cached(id elm.VersionedIdentifier) (*elm.Library, bool) {
	return m.cache.Get(id)
}
