package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var csrfUnsafeMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodDelete: {},
	http.MethodPatch:  {},
}

// CSRFGuard implements the synchronizer-token pattern. The token lives in
// the session and is mirrored into a script-readable cookie; state-changing
// requests must echo it back via header or parameter. Client-supplied values
// are only ever compared against the session's token, never trusted as
// authoritative. One exception: a session that has no token yet adopts the
// one from an already-set cookie, so a backing-store failover does not
// desynchronize the two sides and force re-authentication.
type CSRFGuard struct {
	sessions    *SessionManager
	logger      *slog.Logger
	exemptPaths []string
}

// NewCSRFGuard constructs the guard with exempt path prefixes from config.
func NewCSRFGuard(cfg Config, sessions *SessionManager, logger *slog.Logger) *CSRFGuard {
	return &CSRFGuard{
		sessions:    sessions,
		logger:      logger,
		exemptPaths: cfg.Security.CSRFExemptPaths,
	}
}

// Middleware ensures every session carries a CSRF token and validates it on
// unsafe methods.
func (g *CSRFGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := g.sessions.Resolve(w, r)

		token, ok := rec.Attr(attrCSRFToken)
		if !ok || token == "" {
			if cookieToken := cookieValue(r, csrfCookieName); cookieToken != "" {
				token = cookieToken
			} else {
				token = uuid.NewString()
			}
			rec.SetAttr(attrCSRFToken, token)
		}

		// Always re-assert the cookie so the frontend can read it.
		g.sessions.setCSRFCookie(w, token, r.TLS != nil)

		if _, unsafe := csrfUnsafeMethods[strings.ToUpper(r.Method)]; unsafe && !g.exempt(r.URL.Path) {
			headerToken := r.Header.Get(csrfHeaderName)
			paramToken := requestParam(r, csrfParamName)
			if headerToken != token && paramToken != token {
				g.logger.Warn("csrf token rejected", "path", r.URL.Path, "method", r.Method)
				writeJSONError(w, http.StatusForbidden, "Invalid or missing CSRF token")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (g *CSRFGuard) exempt(path string) bool {
	for _, p := range g.exemptPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
