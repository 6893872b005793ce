package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// genericAuthFailure is the only authentication-failure text the end user
// sees; the specific cause stays in the server log under a correlation id.
const genericAuthFailure = "Authentication failed. Please contact support."

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config          Config
	Logger          *slog.Logger
	Store           SessionStore
	Sessions        *SessionManager
	Keys            *KeyCache
	Validator       *TokenValidator
	Providers       *Registry
	CSRF            *CSRFGuard
	AuthLimit       *RateLimiter
	APILimit        *RateLimiter
	DefaultProvider string
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store := NewInMemoryStore()
	keys := NewKeyCache(logger)
	validator := NewTokenValidator(keys, logger)
	sessions := NewSessionManager(cfg, store, logger)

	providers, err := BuildRegistry(ctx, cfg, validator, keys, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:          cfg,
		Logger:          logger,
		Store:           store,
		Sessions:        sessions,
		Keys:            keys,
		Validator:       validator,
		Providers:       providers,
		CSRF:            NewCSRFGuard(cfg, sessions, logger),
		AuthLimit:       NewRateLimiter(cfg.Security.AuthLimit, logger),
		APILimit:        NewRateLimiter(cfg.Security.APILimit, logger),
		DefaultProvider: cfg.Server.DefaultProvider,
	}, nil
}

// handleLogin starts the authorization-code flow: fresh state and nonce are
// bound to the session, then the browser is sent to the IdP.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	providerName := strings.ToLower(requestParam(r, "provider"))
	if providerName == "" {
		providerName = a.DefaultProvider
	}

	provider, err := a.Providers.Lookup(providerName)
	if err != nil {
		a.Logger.Warn("login for unavailable provider", "provider", providerName, "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Provider '" + providerName + "' is not configured."))
		return
	}

	rec := a.Sessions.Resolve(w, r)

	// The tab id rides inside the state so the callback, which arrives with
	// no tab header, can find its way back to this session.
	state := rec.TabID + ":" + uuid.NewString()
	nonce := uuid.NewString()

	rec.SetAttr(attrState, state)
	rec.SetAttr(attrNonce, nonce)
	rec.SetAttr(attrProvider, providerName)

	// Remember where the user was headed. Only local paths, so the callback
	// can never be steered to a foreign origin.
	if dest := requestParam(r, "redirect"); strings.HasPrefix(dest, "/") && !strings.HasPrefix(dest, "//") {
		rec.SetAttr(attrSavedRequest, dest)
	}

	http.Redirect(w, r, provider.BuildAuthorizationURL(state, nonce), http.StatusFound)
}

// handleCallback completes the flow: state check, code exchange, identity
// binding. A state value survives exactly one match; replays are rejected.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := requestParam(r, "code")
	state := requestParam(r, "state")

	rec := a.Sessions.Fetch(r)
	if rec == nil || code == "" || state == "" {
		http.Error(w, "Missing auth parameters", http.StatusBadRequest)
		return
	}

	if !rec.CompareAndConsumeAttr(attrState, state) {
		// An already-consumed state and a forged one look the same here.
		a.Logger.Warn("callback state rejected", "session", rec.ID, "error", ErrStateMismatch)
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}

	providerName, _ := rec.Attr(attrProvider)
	nonce, _ := rec.Attr(attrNonce)

	provider, ok := a.Providers.Get(providerName)
	if !ok {
		a.failCallback(w, r, rec, state, ErrProviderUnknown)
		return
	}

	identity, err := provider.ExchangeCode(r.Context(), code, nonce)
	if err != nil {
		a.failCallback(w, r, rec, state, err)
		return
	}

	rec.clearAuthFlow()
	rec.BindIdentity(identity)

	final, ok := rec.Attr(attrSavedRequest)
	if !ok || final == "" {
		final = a.Config.Server.LoginRedirect
	}
	rec.DeleteAttr(attrSavedRequest)

	if tab := tabFromState(state); tab != "" {
		final = appendQueryParam(final, tabIDParamName, tab)
	}
	http.Redirect(w, r, final, http.StatusFound)
}

// failCallback logs the real cause under a fresh correlation id and sends
// the browser to the error page with only the id and a generic message.
func (a *App) failCallback(w http.ResponseWriter, r *http.Request, rec *SessionRecord, state string, err error) {
	errorID := uuid.NewString()
	a.Logger.Error("oidc callback failed", "error_id", errorID, "session", rec.ID, "error", err)

	errorURL := a.Config.Server.ErrorPage +
		"?message=" + url.QueryEscape(genericAuthFailure) +
		"&errorId=" + errorID
	if tab := tabFromState(state); tab != "" {
		errorURL = appendQueryParam(errorURL, tabIDParamName, tab)
	}
	http.Redirect(w, r, errorURL, http.StatusFound)
}

// sessionInfo is the JSON shape of GET /session.
type sessionInfo struct {
	Authenticated bool      `json:"authenticated"`
	User          string    `json:"user"`
	SessionID     string    `json:"sessionId"`
	TabID         string    `json:"tabId"`
	BrowserID     string    `json:"browserId"`
	UserInfo      *userInfo `json:"userInfo,omitempty"`
}

type userInfo struct {
	Provider      string   `json:"provider"`
	Subject       string   `json:"subject"`
	Username      string   `json:"username"`
	Email         string   `json:"email,omitempty"`
	FullName      string   `json:"fullName,omitempty"`
	GivenName     string   `json:"givenName,omitempty"`
	FamilyName    string   `json:"familyName,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	TenantID      string   `json:"tenantId,omitempty"`
	Locale        string   `json:"locale,omitempty"`
	EmailVerified bool     `json:"emailVerified"`
	Groups        []string `json:"groups"`
}

func (a *App) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	rec := a.Sessions.Resolve(w, r)

	info := sessionInfo{
		SessionID: rec.ID,
		TabID:     rec.TabID,
		BrowserID: rec.BrowserID,
	}
	if id := rec.Identity(); id != nil {
		info.Authenticated = true
		info.User = id.Username
		info.UserInfo = &userInfo{
			Provider:      id.ProviderName,
			Subject:       id.Subject,
			Username:      id.Username,
			Email:         id.Email,
			FullName:      id.FullName,
			GivenName:     id.GivenName,
			FamilyName:    id.FamilyName,
			Picture:       id.Picture,
			TenantID:      id.TenantID,
			Locale:        id.Locale,
			EmailVerified: id.EmailVerified,
			Groups:        sortedGroups(id.Groups),
		}
	}
	writeJSON(w, info)
}

// handleRefresh trades the session's stored refresh token for fresh tokens
// and rebinds the identity with them.
func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rec := a.Sessions.Fetch(r)
	if rec == nil {
		writeJSONError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	tokens, err := a.refreshTokens(r.Context(), rec)
	switch {
	case err == nil:
		writeJSON(w, map[string]string{
			"status":      "refreshed",
			"accessToken": tokens.AccessToken,
		})
	case errors.Is(err, ErrNotAuthenticated):
		writeJSONError(w, http.StatusUnauthorized, "User not authenticated")
	case errors.Is(err, ErrNoRefreshToken):
		writeJSONError(w, http.StatusBadRequest, "No refresh token available")
	case errors.Is(err, ErrProviderUnknown):
		writeJSONError(w, http.StatusBadRequest, "Provider not available")
	default:
		a.Logger.Error("refresh failed", "session", rec.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Refresh failed. Please sign in again.")
	}
}

// refreshTokens runs the upstream refresh for the session's identity and,
// on success, rebinds the identity with the new tokens.
func (a *App) refreshTokens(ctx context.Context, rec *SessionRecord) (*TokenSet, error) {
	identity := rec.Identity()
	if identity == nil {
		return nil, ErrNotAuthenticated
	}
	if identity.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	provider, ok := a.Providers.Get(identity.ProviderName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnknown, identity.ProviderName)
	}

	tokens, err := provider.Refresh(ctx, identity.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh against %s: %w", identity.ProviderName, err)
	}

	rec.BindIdentity(identity.withTokens(tokens))
	return tokens, nil
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if rec := a.Sessions.Fetch(r); rec != nil {
		a.Sessions.Invalidate(rec)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProviders lists configured providers for login page rendering.
func (a *App) handleProviders(w http.ResponseWriter, r *http.Request) {
	type providerEntry struct {
		Name     string `json:"name"`
		ImageURL string `json:"imageUrl,omitempty"`
	}

	entries := []providerEntry{}
	for _, name := range a.Providers.Names() {
		p, ok := a.Providers.Get(name)
		if !ok || !p.IsConfigured() {
			continue
		}
		entries = append(entries, providerEntry{Name: name, ImageURL: p.ImageURL()})
	}
	writeJSON(w, entries)
}

// handleMockLogin stands in for an IdP login page when the mock provider is
// enabled. With an email it behaves like a submitted login form; without one
// it explains how to proceed.
func (a *App) handleMockLogin(w http.ResponseWriter, r *http.Request) {
	if requestParam(r, stateParamName) == "" {
		http.Error(w, "missing state", http.StatusBadRequest)
		return
	}
	if requestParam(r, "email") != "" {
		a.handleMockSubmit(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("mock login: GET /mock/submit?state=<state>&email=<address> to continue"))
}

// handleMockSubmit plays the IdP's redirect leg: the submitted email becomes
// the authorization code on the way back to the callback.
func (a *App) handleMockSubmit(w http.ResponseWriter, r *http.Request) {
	state := requestParam(r, stateParamName)
	email := requestParam(r, "email")
	if state == "" || email == "" {
		http.Error(w, "missing state or email", http.StatusBadRequest)
		return
	}

	callback := "/callback?code=" + url.QueryEscape(email) + "&state=" + url.QueryEscape(state)
	http.Redirect(w, r, callback, http.StatusFound)
}

func sortedGroups(groups map[string]struct{}) []string {
	out := make([]string, 0, len(groups))
	for g := range groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func appendQueryParam(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + url.QueryEscape(value)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": message,
	})
}
