package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/AltairaLabs/foreman/logger"
)

// Registry maps provider names to Caller implementations.
type Registry struct {
	mu      sync.RWMutex
	callers map[string]Caller
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{callers: make(map[string]Caller)}
}

// Register binds a caller to a provider name, replacing any previous binding.
func (r *Registry) Register(provider string, caller Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callers[provider] = caller
}

// For returns the caller registered for the provider.
func (r *Registry) For(provider string) (Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caller, ok := r.callers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return caller, nil
}

// FallbackCaller walks a chain of model candidates, moving to the next one
// only when the previous attempt failed with a transient error. Permanent
// failures abort the chain immediately.
type FallbackCaller struct {
	registry *Registry
}

// NewFallbackCaller wraps a registry with fallback semantics.
func NewFallbackCaller(registry *Registry) *FallbackCaller {
	return &FallbackCaller{registry: registry}
}

// CallWithFallback tries each candidate in order with the given request,
// substituting the candidate's provider and model. It returns the first
// successful response along with the candidate that produced it.
func (f *FallbackCaller) CallWithFallback(ctx context.Context, candidates []Candidate, req Request) (*Response, Candidate, error) {
	if len(candidates) == 0 {
		return nil, Candidate{}, ErrNoCandidates
	}

	var lastErr error
	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, Candidate{}, err
		}

		caller, err := f.registry.For(candidate.Provider)
		if err != nil {
			// Unregistered provider: skip to the next candidate rather
			// than failing a chain that may still have a usable entry.
			lastErr = err
			continue
		}

		attempt := req
		attempt.Provider = candidate.Provider
		attempt.Model = candidate.Model

		resp, err := caller.Call(ctx, attempt)
		if err == nil {
			return resp, candidate, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, Candidate{}, err
		}
		if i < len(candidates)-1 {
			next := candidates[i+1]
			logger.Warn("Model call failed, falling back",
				"provider", candidate.Provider,
				"model", candidate.Model,
				"next_provider", next.Provider,
				"next_model", next.Model,
				"error", err)
		}
	}
	return nil, Candidate{}, fmt.Errorf("providers: all %d candidates failed: %w", len(candidates), lastErr)
}
