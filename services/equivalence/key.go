package equivalence

import (
	"fmt"
	"strings"

	"github.com/upb/llm-fallback-gateway/services"
)

// BackendKey identifies a specific (provider, model) pair, e.g. "openai/gpt-4o".
// It is used as the map key throughout the fallback layer and is immutable
// once constructed.
type BackendKey string

// NewBackendKey builds a BackendKey from its provider and model parts.
func NewBackendKey(provider, model string) BackendKey {
	return BackendKey(provider + "/" + model)
}

// String implements fmt.Stringer
func (k BackendKey) String() string {
	return string(k)
}

// Provider returns the provider part of the key, or "" if the key is malformed.
func (k BackendKey) Provider() string {
	provider, _, err := ParseBackendKey(string(k))
	if err != nil {
		return ""
	}
	return provider
}

// Model returns the model part of the key, or "" if the key is malformed.
func (k BackendKey) Model() string {
	_, model, err := ParseBackendKey(string(k))
	if err != nil {
		return ""
	}
	return model
}

// ParseKey validates s and returns it as a BackendKey.
func ParseKey(s string) (BackendKey, error) {
	provider, model, err := ParseBackendKey(s)
	if err != nil {
		return "", err
	}
	return NewBackendKey(provider, model), nil
}

// ParseBackendKey splits a backend key on its first "/" separator.
// The key must contain exactly one separator and both parts must be
// non-empty, otherwise ErrMalformedKey is returned.
func ParseBackendKey(s string) (provider, model string, err error) {
	idx := strings.Index(s, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %q", services.ErrMalformedKey, s)
	}
	provider = s[:idx]
	model = s[idx+1:]
	if provider == "" || model == "" {
		return "", "", fmt.Errorf("%w: %q", services.ErrMalformedKey, s)
	}
	if strings.Contains(model, "/") {
		return "", "", fmt.Errorf("%w: %q", services.ErrMalformedKey, s)
	}
	return provider, model, nil
}
