package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
)

// DefaultJWKSTTL bounds how long a cached key set is served without refetch.
const DefaultJWKSTTL = 5 * time.Minute

type jwksEntry struct {
	set       jose.JSONWebKeySet
	fetchedAt time.Time
}

func (e *jwksEntry) stale(ttl time.Duration) bool {
	return time.Since(e.fetchedAt) > ttl
}

// KeyCache fetches and caches each provider's JSON Web Key Set and resolves
// individual verification keys. Entries refresh when older than the TTL, or
// once per Resolve call when a requested kid is absent, which tolerates key
// rotation without waiting out the TTL. Fetches for the same provider are
// deduplicated; unrelated providers never block each other.
type KeyCache struct {
	logger *slog.Logger
	client *http.Client
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]*jwksEntry
	group   singleflight.Group
}

// NewKeyCache constructs a key cache with a bounded-timeout HTTP client.
func NewKeyCache(logger *slog.Logger) *KeyCache {
	return &KeyCache{
		logger:  logger,
		client:  &http.Client{Timeout: 10 * time.Second},
		ttl:     DefaultJWKSTTL,
		entries: make(map[string]*jwksEntry),
	}
}

// Resolve returns the verification key for (provider, kid), fetching the
// provider's JWKS endpoint when the cache is cold, stale, or missing the kid.
// A kid absent after one forced refetch is a KeyResolutionError; callers
// fail closed.
func (c *KeyCache) Resolve(ctx context.Context, provider, jwksURI, kid string) (*jose.JSONWebKey, error) {
	entry := c.entry(provider)

	if entry != nil && !entry.stale(c.ttl) {
		if key := selectKey(entry.set, kid); key != nil {
			return key, nil
		}
		// kid not in a fresh set: one forced refetch to pick up rotation.
	}

	entry, err := c.refresh(ctx, provider, jwksURI, entry)
	if err != nil {
		return nil, &KeyResolutionError{Provider: provider, KeyID: kid, Err: err}
	}

	if key := selectKey(entry.set, kid); key != nil {
		return key, nil
	}
	return nil, &KeyResolutionError{Provider: provider, KeyID: kid}
}

// Invalidate drops a provider's cached key set, forcing a refetch on the
// next resolve. Called on provider reconfiguration.
func (c *KeyCache) Invalidate(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, provider)
}

func (c *KeyCache) entry(provider string) *jwksEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[provider]
}

// refresh fetches the JWKS endpoint, deduplicating concurrent fetches for
// the same provider; callers that lose the race wait for the winner's result.
// prev is the entry the caller observed: if the cache already holds a newer
// one the fetch is skipped, so each observed miss costs at most one fetch.
func (c *KeyCache) refresh(ctx context.Context, provider, jwksURI string, prev *jwksEntry) (*jwksEntry, error) {
	v, err, _ := c.group.Do(provider, func() (any, error) {
		if entry := c.entry(provider); entry != nil && entry != prev {
			return entry, nil
		}

		set, err := c.fetch(ctx, jwksURI)
		if err != nil {
			return nil, err
		}

		entry := &jwksEntry{set: set, fetchedAt: time.Now()}
		c.mu.Lock()
		c.entries[provider] = entry
		c.mu.Unlock()

		c.logger.Debug("jwks refreshed", "provider", provider, "keys", len(set.Keys))
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jwksEntry), nil
}

func (c *KeyCache) fetch(ctx context.Context, jwksURI string) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("parse jwks: %w", err)
	}
	return set, nil
}

// selectKey picks the key for kid. With no kid it falls back to the first
// key usable for signatures, which keeps single-key providers that omit kid
// working but is fragile under multi-key rotation.
func selectKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	if kid == "" {
		for i := range set.Keys {
			if set.Keys[i].Use == "" || set.Keys[i].Use == "sig" {
				return &set.Keys[i]
			}
		}
		return nil
	}
	for i := range set.Keys {
		if set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}
