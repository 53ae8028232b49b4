package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/upb/llm-fallback-gateway/services"
	"github.com/upb/llm-fallback-gateway/services/equivalence"
)

// Registry manages provider instances and performs inference calls
// addressed by BackendKey.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register registers a provider instance
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return services.ErrInvalidInput
	}
	name := provider.Name()
	if name == "" {
		return fmt.Errorf("%w: provider name cannot be empty", services.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: provider %q already registered", services.ErrInvalidInput, name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %q", services.ErrProviderNotFound, name)
	}
	return provider, nil
}

// List returns all registered provider names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Invoke performs an inference call against the backend identified by key.
// The request is cloned and retargeted at the key's model part, so callers
// can reuse one request across fallback attempts.
func (r *Registry) Invoke(ctx context.Context, backend equivalence.BackendKey, req *ChatRequest) (*ChatResponse, error) {
	providerName, model, err := equivalence.ParseBackendKey(backend.String())
	if err != nil {
		return nil, err
	}

	provider, err := r.Get(providerName)
	if err != nil {
		return nil, err
	}

	call := req.Clone()
	call.Model = model
	return provider.ChatCompletion(ctx, call)
}
