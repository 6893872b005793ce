package server

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// Sentinel codes the mock provider understands. The "code" is the email
// entered on the local mock login page.
const (
	MockCodeSuccess = "success@example.com"
	MockCodeFailure = "failed@example.com"
)

// MockProvider mimics a real provider flow without leaving the process. It
// redirects to a local login shim and maps sentinel codes to deterministic
// outcomes, which lets the flow controller be exercised without an IdP.
type MockProvider struct {
	name     string
	enabled  bool
	imageURL string
}

// NewMockProvider constructs the mock provider from its config snapshot.
// name is the registry name, which need not be "mock".
func NewMockProvider(name string, pc ProviderConfig) *MockProvider {
	return &MockProvider{name: name, enabled: pc.Enabled, imageURL: pc.ImageURL}
}

func (p *MockProvider) Name() string       { return p.name }
func (p *MockProvider) IsConfigured() bool { return p.enabled }
func (p *MockProvider) ImageURL() string   { return p.imageURL }

// BuildAuthorizationURL points at the local mock login page instead of an
// external IdP.
func (p *MockProvider) BuildAuthorizationURL(state, nonce string) string {
	return "/mock/login?state=" + url.QueryEscape(state) + "&nonce=" + url.QueryEscape(nonce)
}

// ExchangeCode resolves a sentinel code with no network calls.
func (p *MockProvider) ExchangeCode(_ context.Context, code, _ string) (*Identity, error) {
	switch code {
	case MockCodeFailure:
		return nil, fmt.Errorf("mock login failed for: %s", code)
	case MockCodeSuccess:
		return &Identity{
			ProviderName:  p.name,
			Subject:       "mock-sub-" + uuid.NewString(),
			Username:      "success_user",
			Email:         MockCodeSuccess,
			FullName:      "Success Mock User",
			GivenName:     "Success",
			FamilyName:    "User",
			EmailVerified: true,
			Groups: map[string]struct{}{
				"MOCK_USER":      {},
				"OFFLINE_ACCESS": {},
			},
			IDToken:      "mock.id.token",
			AccessToken:  "mock.access.token",
			RefreshToken: "mock.refresh.token",
			Claims: map[string]any{
				"name":           "Success Mock User",
				"email_verified": true,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown mock user: %s", code)
	}
}

// Refresh hands back a fresh deterministic token set.
func (p *MockProvider) Refresh(_ context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken != "mock.refresh.token" {
		return nil, fmt.Errorf("unknown mock refresh token")
	}
	return &TokenSet{
		IDToken:      "mock.id.token",
		AccessToken:  "mock.access.token.refreshed",
		RefreshToken: "mock.refresh.token",
	}, nil
}
