package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the sign-in endpoints and pages.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealthz)
	if a.Config.Server.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(LoadPrincipalMiddleware(a.Sessions, a.Logger))

		paths := a.Scheme.Paths()
		r.Get(paths.Callback, a.handleCallback)
		r.Post(paths.Callback, a.handleCallback)
		r.Get(paths.SignedOutCallback, a.handleSignedOut)
		r.Get(paths.RemoteSignOut, a.handleRemoteSignOut)
		r.Post(paths.RemoteSignOut, a.handleRemoteSignOut)

		r.Get("/account/login", a.handleLogin)
		r.Post("/account/logout", a.handleLogout)
		r.Get(accessDeniedPath, a.handleAccessDenied)

		r.Get("/", a.handleHome)
		r.Get("/home/secure", a.handleSecure)
	})

	return r
}
