package server

import (
	"sync"
	"time"
)

// Identity consolidates verified identity data from an upstream IdP into a
// provider-agnostic shape. Instances are immutable once built; a refresh
// replaces the whole value rather than mutating it.
type Identity struct {
	ProviderName  string
	Subject       string
	Username      string
	Email         string
	FullName      string
	GivenName     string
	FamilyName    string
	Picture       string
	TenantID      string
	Locale        string
	EmailVerified bool
	Groups        map[string]struct{}
	IDToken       string
	AccessToken   string
	RefreshToken  string
	Claims        map[string]any
}

// HasGroup reports membership in a named group.
func (id *Identity) HasGroup(name string) bool {
	_, ok := id.Groups[name]
	return ok
}

// withTokens returns a copy of the identity carrying replacement tokens.
// Empty replacement values keep the previous token.
func (id *Identity) withTokens(ts *TokenSet) *Identity {
	next := *id
	if ts.IDToken != "" {
		next.IDToken = ts.IDToken
	}
	if ts.AccessToken != "" {
		next.AccessToken = ts.AccessToken
	}
	if ts.RefreshToken != "" {
		next.RefreshToken = ts.RefreshToken
	}
	return &next
}

// TokenSet bundles the raw tokens returned by a token-endpoint call.
type TokenSet struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
}

// Session attribute keys.
const (
	attrState        = "oidc_state"
	attrNonce        = "oidc_nonce"
	attrProvider     = "oidc_provider"
	attrCSRFToken    = "csrf_token"
	attrSavedRequest = "saved_request"
)

// SessionRecord is one logical session: a (browser, tab) pair. The composite
// ID is fixed at creation and never reassigned. Attribute access goes through
// the record's methods; callers never hold the map directly.
type SessionRecord struct {
	ID        string
	BrowserID string
	TabID     string
	Host      string
	CreatedAt time.Time

	mu        sync.RWMutex
	expiresAt time.Time
	identity  *Identity
	attrs     map[string]string
}

func newSessionRecord(id, browserID, tabID, host string, ttl time.Duration) *SessionRecord {
	now := time.Now()
	return &SessionRecord{
		ID:        id,
		BrowserID: browserID,
		TabID:     tabID,
		Host:      host,
		CreatedAt: now,
		expiresAt: now.Add(ttl),
		attrs:     make(map[string]string),
	}
}

// Attr returns a stored attribute value.
func (s *SessionRecord) Attr(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}

// SetAttr stores an attribute value.
func (s *SessionRecord) SetAttr(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

// DeleteAttr removes an attribute.
func (s *SessionRecord) DeleteAttr(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrs, key)
}

// ConsumeAttr returns and removes an attribute in one step, so a stored value
// (the pending login state, for instance) can be matched at most once.
func (s *SessionRecord) ConsumeAttr(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	if ok {
		delete(s.attrs, key)
	}
	return v, ok
}

// CompareAndConsumeAttr removes the attribute only when it equals want, under
// a single lock. A mismatch leaves the stored value untouched so a forged
// value cannot burn the real one.
func (s *SessionRecord) CompareAndConsumeAttr(key, want string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	if !ok || v != want {
		return false
	}
	delete(s.attrs, key)
	return true
}

// Identity returns the bound identity, or nil when unauthenticated.
func (s *SessionRecord) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// BindIdentity replaces the session's identity wholesale.
func (s *SessionRecord) BindIdentity(id *Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// Authenticated reports whether an identity is bound.
func (s *SessionRecord) Authenticated() bool {
	return s.Identity() != nil
}

// Expired reports whether the session passed its expiry.
func (s *SessionRecord) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Now().After(s.expiresAt)
}

// Touch extends the expiry for sliding expiration.
func (s *SessionRecord) Touch(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresAt = time.Now().Add(ttl)
}

// clearAuthFlow removes the pending login attributes.
func (s *SessionRecord) clearAuthFlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrs, attrState)
	delete(s.attrs, attrNonce)
	delete(s.attrs, attrProvider)
}
