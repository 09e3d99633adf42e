// Package provider defines the upstream quote-provider surface. Concrete
// adapters (LongPort and friends) live outside the gateway core and register
// themselves here; transport-level retry is their concern, not ours.
package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// QuoteProvider is what an upstream adapter must implement. Payloads are
// provider-native nested structures; the mapping engine normalizes them.
type QuoteProvider interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (map[string]interface{}, error)
	FetchBasicInfo(ctx context.Context, symbol string) (map[string]interface{}, error)
	FetchIndexQuote(ctx context.Context, symbol string) (map[string]interface{}, error)
	FetchMarketStatus(ctx context.Context, market string) (map[string]interface{}, error)
}

// Registry holds the registered providers and a default selection.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]QuoteProvider
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]QuoteProvider)}
}

// Register adds a provider, rate-limited to rps requests per second when
// rps > 0. The first registered provider becomes the default.
func (r *Registry) Register(p QuoteProvider, rps float64) {
	if rps > 0 {
		p = &limitedProvider{inner: p, limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
}

// Get returns a provider by name; an empty name selects the default.
func (r *Registry) Get(name string) (QuoteProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// limitedProvider wraps an adapter with a token-bucket limiter so origin
// bursts cannot exceed the upstream's budget.
type limitedProvider struct {
	inner   QuoteProvider
	limiter *rate.Limiter
}

func (l *limitedProvider) Name() string { return l.inner.Name() }

func (l *limitedProvider) FetchQuote(ctx context.Context, symbol string) (map[string]interface{}, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.FetchQuote(ctx, symbol)
}

func (l *limitedProvider) FetchBasicInfo(ctx context.Context, symbol string) (map[string]interface{}, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.FetchBasicInfo(ctx, symbol)
}

func (l *limitedProvider) FetchIndexQuote(ctx context.Context, symbol string) (map[string]interface{}, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.FetchIndexQuote(ctx, symbol)
}

func (l *limitedProvider) FetchMarketStatus(ctx context.Context, market string) (map[string]interface{}, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.FetchMarketStatus(ctx, market)
}
