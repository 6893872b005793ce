package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// jwksServer serves a mutable key set and counts fetches.
type jwksServer struct {
	*httptest.Server
	fetches atomic.Int64
	delay   atomic.Int64

	mu   sync.Mutex
	keys []jose.JSONWebKey
}

func newJWKSServer(t *testing.T, keys ...jose.JSONWebKey) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		if d := time.Duration(s.delay.Load()); d > 0 {
			time.Sleep(d)
		}
		s.mu.Lock()
		set := jose.JSONWebKeySet{Keys: s.keys}
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(s.Close)
	return s
}

// slowDown makes every fetch take at least d, keeping a fetch in flight
// long enough for concurrent resolvers to pile onto it.
func (s *jwksServer) slowDown(d time.Duration) {
	s.delay.Store(int64(d))
}

func (s *jwksServer) rotate(keys ...jose.JSONWebKey) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func testSigningKey(t *testing.T, kid string) (*rsa.PrivateKey, jose.JSONWebKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := jose.JSONWebKey{Key: &priv.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	return priv, pub
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeyCacheResolveAndCache(t *testing.T) {
	_, pub := testSigningKey(t, "kid-1")
	srv := newJWKSServer(t, pub)
	cache := NewKeyCache(testLogger())
	ctx := context.Background()

	key, err := cache.Resolve(ctx, "okta", srv.URL, "kid-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if key.KeyID != "kid-1" {
		t.Errorf("got kid %q, want kid-1", key.KeyID)
	}
	if got := srv.fetches.Load(); got != 1 {
		t.Errorf("got %d fetches, want 1", got)
	}

	// Second resolve within the TTL must be served from cache.
	if _, err := cache.Resolve(ctx, "okta", srv.URL, "kid-1"); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if got := srv.fetches.Load(); got != 1 {
		t.Errorf("got %d fetches after cached resolve, want 1", got)
	}
}

func TestKeyCacheUnknownKidForcesOneRefetch(t *testing.T) {
	_, pub := testSigningKey(t, "kid-1")
	srv := newJWKSServer(t, pub)
	cache := NewKeyCache(testLogger())
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, "okta", srv.URL, "kid-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	_, err := cache.Resolve(ctx, "okta", srv.URL, "kid-missing")
	var keyErr *KeyResolutionError
	if !errors.As(err, &keyErr) {
		t.Fatalf("got %v, want KeyResolutionError", err)
	}
	if keyErr.KeyID != "kid-missing" {
		t.Errorf("got kid %q in error, want kid-missing", keyErr.KeyID)
	}
	if got := srv.fetches.Load(); got != 2 {
		t.Errorf("got %d fetches, want 2 (one warm, one forced)", got)
	}
}

func TestKeyCacheConcurrentResolvesShareOneFetch(t *testing.T) {
	_, pub := testSigningKey(t, "kid-1")
	srv := newJWKSServer(t, pub)
	srv.slowDown(50 * time.Millisecond)
	cache := NewKeyCache(testLogger())
	ctx := context.Background()

	const resolvers = 8
	errs := make(chan error, resolvers)
	var wg sync.WaitGroup
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Resolve(ctx, "okta", srv.URL, "kid-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent resolve: %v", err)
		}
	}
	if got := srv.fetches.Load(); got != 1 {
		t.Errorf("got %d fetches, want 1 shared by all resolvers", got)
	}
}

func TestKeyCacheResolvesRotatedKey(t *testing.T) {
	_, pub1 := testSigningKey(t, "kid-1")
	_, pub2 := testSigningKey(t, "kid-2")
	srv := newJWKSServer(t, pub1)
	cache := NewKeyCache(testLogger())
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, "entra", srv.URL, "kid-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	srv.rotate(pub1, pub2)

	// kid-2 is not cached yet; the forced refetch must pick it up.
	key, err := cache.Resolve(ctx, "entra", srv.URL, "kid-2")
	if err != nil {
		t.Fatalf("resolve rotated kid: %v", err)
	}
	if key.KeyID != "kid-2" {
		t.Errorf("got kid %q, want kid-2", key.KeyID)
	}
	if got := srv.fetches.Load(); got != 2 {
		t.Errorf("got %d fetches, want 2", got)
	}
}

func TestKeyCacheEmptyKidSelectsSignatureKey(t *testing.T) {
	_, pub := testSigningKey(t, "kid-1")
	srv := newJWKSServer(t, pub)
	cache := NewKeyCache(testLogger())

	key, err := cache.Resolve(context.Background(), "legacy", srv.URL, "")
	if err != nil {
		t.Fatalf("resolve without kid: %v", err)
	}
	if key.KeyID != "kid-1" {
		t.Errorf("got kid %q, want first signature key kid-1", key.KeyID)
	}
}

func TestKeyCacheTTLExpiry(t *testing.T) {
	_, pub := testSigningKey(t, "kid-1")
	srv := newJWKSServer(t, pub)
	cache := NewKeyCache(testLogger())
	cache.ttl = 10 * time.Millisecond
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, "okta", srv.URL, "kid-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := cache.Resolve(ctx, "okta", srv.URL, "kid-1"); err != nil {
		t.Fatalf("resolve after ttl: %v", err)
	}
	if got := srv.fetches.Load(); got != 2 {
		t.Errorf("got %d fetches, want 2 after TTL expiry", got)
	}
}

func TestKeyCacheInvalidate(t *testing.T) {
	_, pub := testSigningKey(t, "kid-1")
	srv := newJWKSServer(t, pub)
	cache := NewKeyCache(testLogger())
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, "okta", srv.URL, "kid-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	cache.Invalidate("okta")

	if _, err := cache.Resolve(ctx, "okta", srv.URL, "kid-1"); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if got := srv.fetches.Load(); got != 2 {
		t.Errorf("got %d fetches, want 2 after invalidate", got)
	}
}

func TestKeyCacheProvidersIsolated(t *testing.T) {
	_, pubA := testSigningKey(t, "kid-a")
	_, pubB := testSigningKey(t, "kid-b")
	srvA := newJWKSServer(t, pubA)
	srvB := newJWKSServer(t, pubB)
	cache := NewKeyCache(testLogger())
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, "okta", srvA.URL, "kid-a"); err != nil {
		t.Fatalf("resolve okta: %v", err)
	}
	if _, err := cache.Resolve(ctx, "google", srvB.URL, "kid-b"); err != nil {
		t.Fatalf("resolve google: %v", err)
	}

	// Invalidating one provider leaves the other's cache intact.
	cache.Invalidate("okta")
	if _, err := cache.Resolve(ctx, "google", srvB.URL, "kid-b"); err != nil {
		t.Fatalf("resolve google after unrelated invalidate: %v", err)
	}
	if got := srvB.fetches.Load(); got != 1 {
		t.Errorf("got %d google fetches, want 1", got)
	}
}

func TestKeyCacheFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := NewKeyCache(testLogger())
	_, err := cache.Resolve(context.Background(), "okta", srv.URL, "kid-1")
	var keyErr *KeyResolutionError
	if !errors.As(err, &keyErr) {
		t.Fatalf("got %v, want KeyResolutionError", err)
	}
}
