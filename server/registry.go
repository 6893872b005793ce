package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the configured provider clients. It is constructed
// explicitly at startup and passed into the flow controller; registration is
// an explicit call, not a discovery mechanism. Reconfiguration rebuilds the
// affected client from a fresh snapshot and swaps it wholesale.
type Registry struct {
	validator *TokenValidator
	keys      *KeyCache
	cfg       Config
	logger    *slog.Logger

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config, validator *TokenValidator, keys *KeyCache, logger *slog.Logger) *Registry {
	return &Registry{
		validator: validator,
		keys:      keys,
		cfg:       cfg,
		logger:    logger,
		providers: make(map[string]Provider),
	}
}

// BuildRegistry prepares clients for all configured providers.
func BuildRegistry(ctx context.Context, cfg Config, validator *TokenValidator, keys *KeyCache, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(cfg, validator, keys, logger)

	for name, pc := range cfg.Providers {
		if err := reg.Configure(ctx, name, pc); err != nil {
			if cfg.Server.DevMode {
				logger.Warn("provider init failed", "provider", name, "error", err)
				continue
			}
			return nil, err
		}
	}
	return reg, nil
}

// Register installs a client under a name, replacing any previous one.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Lookup resolves a provider that is both registered and configured. The
// error distinguishes the two failure modes for logs; callers treat both as
// the provider being unavailable.
func (r *Registry) Lookup(name string) (Provider, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnknown, name)
	}
	if !p.IsConfigured() {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
	}
	return p, nil
}

// Names lists registered provider names, sorted for stable output.
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

// Configure (re)builds the named provider from a config snapshot and swaps
// it in. The old client keeps serving in-flight requests; the key cache
// entry is dropped so stale keys are not served against new settings.
func (r *Registry) Configure(ctx context.Context, name string, pc ProviderConfig) error {
	var p Provider
	if pc.Kind == KindMock {
		p = NewMockProvider(name, pc)
	} else {
		built, err := NewOIDCProvider(ctx, name, pc, r.cfg.RedirectURIFor(pc), r.validator, r.logger)
		if err != nil {
			return fmt.Errorf("configure provider %s: %w", name, err)
		}
		p = built
	}

	r.Register(name, p)
	r.keys.Invalidate(name)
	r.logger.Info("provider configured", "provider", name, "kind", pc.Kind, "enabled", pc.Enabled)
	return nil
}
