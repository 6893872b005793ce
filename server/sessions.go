package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cookie, header, and parameter names of the session surface.
const (
	browserCookieName = "oidc_browser_id"
	csrfCookieName    = "XSRF-TOKEN"
	csrfHeaderName    = "X-XSRF-TOKEN"
	csrfParamName     = "csrfToken"
	tabIDHeaderName   = "X-Tab-Id"
	tabIDParamName    = "tabId"
	stateParamName    = "state"

	// defaultTabID is the sentinel tab used when a request carries no tab
	// identifier at all.
	defaultTabID = "default"
)

// SessionManager resolves composite (browser, tab) sessions. One physical
// browser holds a long-lived opaque cookie; each logical tab contributes the
// second half of the session key, so one browser hosts several independent
// sessions at once.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          time.Duration(cfg.Session.TTL),
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session for the request's composite ID without creating
// one. Expired sessions are dropped.
func (sm *SessionManager) Fetch(r *http.Request) *SessionRecord {
	browserID := cookieValue(r, browserCookieName)
	if browserID == "" {
		return nil
	}
	rec, ok := sm.store.Get(compositeID(browserID, resolveTabID(r)))
	if !ok {
		return nil
	}
	if rec.Expired() {
		sm.store.Delete(rec.ID)
		return nil
	}
	rec.Touch(sm.ttl)
	return rec
}

// Resolve returns the session for the request, creating it when absent. The
// browser cookie is set on first contact. Creation is idempotent: concurrent
// requests for the same new composite ID converge on one record, and a
// lookup never creates a session under a different key than the one
// resolved from the request.
func (sm *SessionManager) Resolve(w http.ResponseWriter, r *http.Request) *SessionRecord {
	browserID := cookieValue(r, browserCookieName)
	if browserID == "" {
		browserID = uuid.NewString()
		sm.setBrowserCookie(w, browserID)
		sm.logger.Debug("generated browser id", "browser_id", browserID)
	}

	tabID := resolveTabID(r)
	id := compositeID(browserID, tabID)

	rec, ok := sm.store.Get(id)
	if ok && rec.Expired() {
		sm.store.Delete(id)
		ok = false
	}
	if !ok {
		rec = sm.store.GetOrCreate(newSessionRecord(id, browserID, tabID, r.Host, sm.ttl))
	}
	rec.Touch(sm.ttl)
	return rec
}

// Invalidate removes a session record.
func (sm *SessionManager) Invalidate(rec *SessionRecord) {
	sm.store.Delete(rec.ID)
}

func (sm *SessionManager) setBrowserCookie(w http.ResponseWriter, browserID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     browserCookieName,
		Value:    browserID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		// No MaxAge: the browser id outlives individual sessions.
	})
}

// setCSRFCookie re-asserts the session's CSRF token. The cookie is readable
// by page script, which echoes it back in the CSRF header.
func (sm *SessionManager) setCSRFCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: false,
		Secure:   secure,
		SameSite: sm.sameSite,
	})
}

// compositeID is browserID "_" tabID; never reassigned after creation.
func compositeID(browserID, tabID string) string {
	return browserID + "_" + tabID
}

// resolveTabID extracts the request's tab identifier: explicit header first,
// then explicit parameter, then the tab prefix embedded in a colon-delimited
// state parameter, defaulting to the sentinel tab.
func resolveTabID(r *http.Request) string {
	if tab := strings.TrimSpace(r.Header.Get(tabIDHeaderName)); tab != "" {
		return tab
	}
	if tab := strings.TrimSpace(requestParam(r, tabIDParamName)); tab != "" {
		return tab
	}
	if state := requestParam(r, stateParamName); strings.Contains(state, ":") {
		if tab := strings.SplitN(state, ":", 2)[0]; tab != "" {
			return tab
		}
	}
	return defaultTabID
}

// tabFromState recovers the tab prefix embedded in a login state value.
func tabFromState(state string) string {
	if strings.Contains(state, ":") {
		return strings.SplitN(state, ":", 2)[0]
	}
	return ""
}

func requestParam(r *http.Request, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return r.PostFormValue(name)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// EnforceTabID overrides any client-supplied tab identifier with the
// session's bound value once a session exists, so a crafted parameter cannot
// move an established session across tab contexts.
func EnforceTabID(sm *SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rec := sm.Fetch(r); rec != nil && rec.TabID != "" {
				r.Header.Set(tabIDHeaderName, rec.TabID)
			}
			next.ServeHTTP(w, r)
		})
	}
}
