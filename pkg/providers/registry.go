package providers

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry holds the configured providers keyed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListAllModels aggregates model listings across every registered provider.
// Unreachable providers are skipped rather than failing the whole listing.
func (r *Registry) ListAllModels(ctx context.Context) ([]ModelDescriptor, error) {
	r.mu.RLock()
	ps := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		ps = append(ps, p)
	}
	r.mu.RUnlock()

	var out []ModelDescriptor
	for _, p := range ps {
		if !p.CheckAvailability(ctx) {
			continue
		}
		models, err := p.ListModels(ctx)
		if err != nil {
			continue
		}
		out = append(out, models...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Resolve returns the named provider or an error suitable for user display.
func (r *Registry) Resolve(name string) (Provider, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, errors.Errorf("unknown provider: %s", name)
	}
	return p, nil
}
