package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the full relying-party surface.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}
	r.Use(EnforceTabID(a.Sessions))
	r.Use(a.CSRF.Middleware)

	// Authentication entry points get the tighter quota; everything else
	// shares the API quota.
	r.Group(func(r chi.Router) {
		r.Use(a.AuthLimit.Middleware)
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Post("/refresh", a.handleRefresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.APILimit.Middleware)
		r.Get("/session", a.handleSessionInfo)
		r.Get("/providers", a.handleProviders)
		r.Post("/logout", a.handleLogout)

		if a.mockEnabled() {
			r.Get("/mock/login", a.handleMockLogin)
			r.Get("/mock/submit", a.handleMockSubmit)
		}
	})

	return r
}

func (a *App) mockEnabled() bool {
	for _, pc := range a.Config.Providers {
		if pc.Kind == KindMock && pc.Enabled {
			return true
		}
	}
	return false
}
