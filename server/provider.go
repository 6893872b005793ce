package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider is the capability set every upstream IdP client implements.
type Provider interface {
	Name() string
	IsConfigured() bool
	ImageURL() string
	BuildAuthorizationURL(state, nonce string) string
	ExchangeCode(ctx context.Context, code, expectedNonce string) (*Identity, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// Provider kinds. A kind selects claim mapping and any extra authorization
// parameters; all kinds share the same exchange and validation path.
const (
	KindGeneric = "generic"
	KindOkta    = "okta"
	KindEntra   = "entra"
	KindGoogle  = "google"
	KindMock    = "mock"
)

const exchangeTimeout = 15 * time.Second

// OIDCProvider talks to one upstream IdP over the authorization-code flow.
type OIDCProvider struct {
	name        string
	kind        string
	cfg         ProviderConfig
	oauthConfig *oauth2.Config
	validator   *TokenValidator
	logger      *slog.Logger
}

// NewOIDCProvider builds a provider from an immutable config snapshot. When
// the snapshot names an issuer but omits endpoint URLs, they are filled from
// the issuer's discovery document.
func NewOIDCProvider(ctx context.Context, name string, pc ProviderConfig, redirectURI string, validator *TokenValidator, logger *slog.Logger) (*OIDCProvider, error) {
	kind := pc.Kind
	if kind == "" {
		kind = KindGeneric
	}

	if pc.AuthorizationEndpoint == "" || pc.TokenEndpoint == "" || pc.JWKSURI == "" {
		if pc.Issuer == "" {
			return nil, fmt.Errorf("provider %s: issuer required when endpoints are not set", name)
		}
		resolved, err := discoverEndpoints(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", name, err)
		}
		pc = resolved
	}

	oauthCfg := &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  pc.AuthorizationEndpoint,
			TokenURL: pc.TokenEndpoint,
		},
		Scopes: strings.Fields(pc.Scope()),
	}

	return &OIDCProvider{
		name:        name,
		kind:        kind,
		cfg:         pc,
		oauthConfig: oauthCfg,
		validator:   validator,
		logger:      logger,
	}, nil
}

// discoverEndpoints fills missing endpoint URLs from the issuer's
// .well-known document.
func discoverEndpoints(ctx context.Context, pc ProviderConfig) (ProviderConfig, error) {
	op, err := oidc.NewProvider(ctx, pc.Issuer)
	if err != nil {
		return ProviderConfig{}, err
	}

	endpoint := op.Endpoint()
	if pc.AuthorizationEndpoint == "" {
		pc.AuthorizationEndpoint = endpoint.AuthURL
	}
	if pc.TokenEndpoint == "" {
		pc.TokenEndpoint = endpoint.TokenURL
	}
	if pc.JWKSURI == "" {
		var doc struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := op.Claims(&doc); err != nil {
			return ProviderConfig{}, fmt.Errorf("read discovery document: %w", err)
		}
		pc.JWKSURI = doc.JWKSURI
	}
	return pc, nil
}

// Name returns the provider's registry name.
func (p *OIDCProvider) Name() string { return p.name }

// IsConfigured reports whether the provider can serve logins.
func (p *OIDCProvider) IsConfigured() bool {
	return p.cfg.Enabled && p.cfg.ClientID != ""
}

// ImageURL returns the provider's logo URL for login pages.
func (p *OIDCProvider) ImageURL() string { return p.cfg.ImageURL }

// BuildAuthorizationURL constructs the IdP authorization request:
// response_type=code plus client_id, redirect_uri, scope, state, and nonce.
func (p *OIDCProvider) BuildAuthorizationURL(state, nonce string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
	if p.kind == KindGoogle {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "select_account"))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// ExchangeCode trades the authorization code for tokens, verifies the ID
// token, and maps its claims onto a normalized identity.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, expectedNonce string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("id_token missing in token response")
	}

	claims, err := p.validator.Verify(ctx, p.name, p.cfg, rawIDToken, expectedNonce)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	ts := &TokenSet{
		IDToken:      rawIDToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	return mapIdentity(p.kind, p.name, claims, ts), nil
}

// Refresh exchanges a stored refresh token for fresh tokens.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	src := p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token grant: %w", err)
	}

	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = raw
	}
	return ts, nil
}

// mapIdentity maps verified claims onto the normalized identity. Claim names
// differ per provider kind: Entra carries the stable user id in oid and the
// tenant in tid, Google reports the hosted domain in hd, and so on.
func mapIdentity(kind, provider string, claims map[string]any, ts *TokenSet) *Identity {
	id := &Identity{
		ProviderName:  provider,
		Subject:       stringClaim(claims, "sub"),
		Email:         stringClaim(claims, "email"),
		FullName:      stringClaim(claims, "name"),
		GivenName:     stringClaim(claims, "given_name"),
		FamilyName:    stringClaim(claims, "family_name"),
		Picture:       stringClaim(claims, "picture"),
		Locale:        stringClaim(claims, "locale"),
		EmailVerified: boolClaim(claims, "email_verified"),
		Groups:        groupsClaim(claims),
		IDToken:       ts.IDToken,
		AccessToken:   ts.AccessToken,
		RefreshToken:  ts.RefreshToken,
		Claims:        claims,
	}

	switch kind {
	case KindEntra:
		if oid := stringClaim(claims, "oid"); oid != "" {
			id.Subject = oid
		}
		id.TenantID = stringClaim(claims, "tid")
		id.Username = stringClaim(claims, "preferred_username")
		if id.Username == "" {
			id.Username = id.Email
		}
	case KindGoogle:
		id.TenantID = stringClaim(claims, "hd")
		id.Username = id.Email
	case KindOkta:
		id.Username = id.Email
	default:
		id.Username = stringClaim(claims, "preferred_username")
		if id.Username == "" {
			id.Username = id.Email
		}
		if id.Username == "" {
			id.Username = id.Subject
		}
	}

	return id
}

func stringClaim(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return v
}

func boolClaim(claims map[string]any, key string) bool {
	v, _ := claims[key].(bool)
	return v
}

func groupsClaim(claims map[string]any) map[string]struct{} {
	groups := make(map[string]struct{})
	raw, ok := claims["groups"].([]any)
	if !ok {
		return groups
	}
	for _, g := range raw {
		if s, ok := g.(string); ok {
			groups[s] = struct{}{}
		}
	}
	return groups
}

