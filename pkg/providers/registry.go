package providers

import (
	"slices"
	"sort"
	"sync"
)

// Metadata is the public projection of a registered provider
type Metadata struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	Scopes           []string `json:"scopes"`
	SupportsPKCE     bool     `json:"supportsPKCE"`
	SupportsRefresh  bool     `json:"supportsRefresh"`
	SupportsRevoke   bool     `json:"supportsRevoke"`
	SupportsValidate bool     `json:"supportsValidate"`
}

// Registry maps provider ids to their implementations
type Registry struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under its descriptor id. A later registration with the same id wins.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Descriptor().ID] = provider
}

// Unregister removes a provider
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
}

// Get retrieves a provider by id
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[id]
	return provider, ok
}

// Has reports whether a provider is registered
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// All returns the registered providers ordered by id
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]Provider, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.providers[id])
	}
	return result
}

// AllMetadata returns the public metadata of every registered provider ordered by id
func (r *Registry) AllMetadata() []Metadata {
	all := r.All()
	result := make([]Metadata, 0, len(all))
	for _, p := range all {
		result = append(result, MetadataOf(p))
	}
	return result
}

// MetadataOf projects a provider onto its public metadata
func MetadataOf(p Provider) Metadata {
	d := p.Descriptor()
	_, revoke := p.(Revoker)
	_, validate := p.(Validator)
	return Metadata{
		ID:               d.ID,
		Name:             d.Name,
		Version:          d.Version,
		Scopes:           slices.Clone(d.DefaultScopes),
		SupportsPKCE:     d.SupportsPKCE,
		SupportsRefresh:  d.SupportsRefresh,
		SupportsRevoke:   revoke,
		SupportsValidate: validate,
	}
}
