package pipeline

import (
	"sync"

	"github.com/hazyhaar/inboxd/idgen"
)

// TokenRegistry is the sole arbiter of which background run is the
// authoritative one for an item. Issue unconditionally overwrites the
// current token (last writer wins, no compare-and-swap); superseding is the
// only invalidation mechanism; tokens are never individually revoked.
//
// Runs hold a read-only copy of the token they captured at start and poll
// IsCurrent before every observable side effect.
type TokenRegistry struct {
	mu       sync.RWMutex
	current  map[string]string
	newToken idgen.Generator
}

// TokenRegistryOption configures a TokenRegistry.
type TokenRegistryOption func(*TokenRegistry)

// WithTokenGenerator sets a custom token generator.
func WithTokenGenerator(gen idgen.Generator) TokenRegistryOption {
	return func(r *TokenRegistry) { r.newToken = gen }
}

// NewTokenRegistry creates an empty registry.
func NewTokenRegistry(opts ...TokenRegistryOption) *TokenRegistry {
	r := &TokenRegistry{
		current:  make(map[string]string),
		newToken: idgen.Prefixed("exe_", idgen.Default),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Issue mints a fresh opaque token and registers it as current for itemID,
// invalidating any previously issued token for that item immediately.
func (r *TokenRegistry) Issue(itemID string) string {
	token := r.newToken()
	r.mu.Lock()
	r.current[itemID] = token
	r.mu.Unlock()
	return token
}

// IsCurrent reports whether token is still the authoritative one for
// itemID. Pure lookup, no side effects.
func (r *TokenRegistry) IsCurrent(itemID, token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return token != "" && r.current[itemID] == token
}

// Evict removes the registry entry for itemID. Call on item deletion so the
// registry does not grow with one entry per item ever processed.
func (r *TokenRegistry) Evict(itemID string) {
	r.mu.Lock()
	delete(r.current, itemID)
	r.mu.Unlock()
}
