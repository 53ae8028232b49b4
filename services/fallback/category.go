package fallback

import (
	"context"
	"errors"

	"github.com/upb/llm-fallback-gateway/services"
	"github.com/upb/llm-fallback-gateway/services/providers"
)

// ErrorCategory classifies a failed inference attempt. Classification
// drives the fallback decision: non-retryable categories surface
// immediately, retryable ones are eligible for peer substitution.
type ErrorCategory string

const (
	// CategoryAuthError is a caller-side credential problem. Never retried.
	CategoryAuthError ErrorCategory = "auth_error"

	// CategoryInvalidRequest is a malformed request. Never retried;
	// fallback must not mask a caller-side bug as a backend outage.
	CategoryInvalidRequest ErrorCategory = "invalid_request"

	// CategoryRateLimited means the backend throttled the request.
	CategoryRateLimited ErrorCategory = "rate_limited"

	// CategoryServerError is a 5xx-class backend failure.
	CategoryServerError ErrorCategory = "server_error"

	// CategoryTimeout means the inference call timed out.
	CategoryTimeout ErrorCategory = "timeout"

	// CategoryNetworkError is a transport-level failure.
	CategoryNetworkError ErrorCategory = "network_error"

	// CategoryContextLength means the prompt exceeded the model's
	// context window; long-context peers are preferred.
	CategoryContextLength ErrorCategory = "context_length_exceeded"

	// CategoryCircuitOpen is synthetic: the orchestrator generated it
	// because the circuit breaker denied the call. It never represents
	// a real call and is never recorded as a breaker failure.
	CategoryCircuitOpen ErrorCategory = "circuit_open"

	// CategoryUnknown is anything that could not be classified.
	CategoryUnknown ErrorCategory = "unknown"
)

// Retryable reports whether the category is eligible for peer fallback.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryAuthError, CategoryInvalidRequest:
		return false
	default:
		return true
	}
}

// Classify maps an error from an inference attempt to its category.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, services.ErrCircuitOpen) {
		return CategoryCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		kind := provErr.Kind
		if kind == "" || kind == providers.KindUnknown {
			kind = providers.KindFromStatus(provErr.StatusCode)
		}
		switch kind {
		case providers.KindAuth:
			return CategoryAuthError
		case providers.KindInvalidRequest:
			return CategoryInvalidRequest
		case providers.KindRateLimited:
			return CategoryRateLimited
		case providers.KindServer:
			return CategoryServerError
		case providers.KindTimeout:
			return CategoryTimeout
		case providers.KindNetwork:
			return CategoryNetworkError
		case providers.KindContextLength:
			return CategoryContextLength
		}
	}

	return CategoryUnknown
}
