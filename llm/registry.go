package llm

import (
	"fmt"
	"sort"
	"sync"
)

// Requirements describes what a caller needs from a provider. Zero values
// mean "don't care".
type Requirements struct {
	Streaming        bool
	StructuredOutput bool
	NativePDF        bool
	Vision           bool
	MinOutputTokens  int
}

// preferenceOrder breaks ties between equally capable providers. Providers
// not listed rank after listed ones, alphabetically.
var preferenceOrder = []string{"gemini", "anthropic", "openai"}

// Registry is a thread-safe registry of provider adapters. It supports
// lookup by name, a designated default, and capability-based selection.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name, replacing any existing entry.
// The first registered provider becomes the default.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultProvider == "" {
		r.defaultProvider = p.Name()
	}
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultProvider == "" {
		return nil, fmt.Errorf("no providers registered")
	}
	p, ok := r.providers[r.defaultProvider]
	if !ok {
		return nil, fmt.Errorf("default provider %q not found in registry", r.defaultProvider)
	}
	return p, nil
}

// SetDefault designates a registered provider as the default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	r.defaultProvider = name
	return nil
}

// List returns the sorted names of all registered providers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Best selects the provider satisfying every flag in reqs, with ties broken
// by the fixed preference order. Returns an error when nothing qualifies.
func (r *Registry) Best(reqs Requirements) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	for name, p := range r.providers {
		if satisfies(p.Capabilities(), reqs) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no registered provider satisfies requirements %+v", reqs)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := preferenceRank(candidates[i]), preferenceRank(candidates[j])
		if ri != rj {
			return ri < rj
		}
		return candidates[i] < candidates[j]
	})
	return r.providers[candidates[0]], nil
}

func satisfies(caps Capabilities, reqs Requirements) bool {
	if reqs.Streaming && !caps.Streaming {
		return false
	}
	if reqs.StructuredOutput && !caps.StructuredOutput {
		return false
	}
	if reqs.NativePDF && !caps.NativePDF {
		return false
	}
	if reqs.Vision && !caps.Vision {
		return false
	}
	if reqs.MinOutputTokens > 0 && caps.MaxOutputTokens < reqs.MinOutputTokens {
		return false
	}
	return true
}

func preferenceRank(name string) int {
	for i, n := range preferenceOrder {
		if n == name {
			return i
		}
	}
	// Unlisted providers rank after listed ones, alphabetically.
	return len(preferenceOrder)
}
