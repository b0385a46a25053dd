package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login and session endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/", a.handleHome)
	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Post("/callback", a.handleCallback)
	r.Get("/logout", a.handleLogout)
	r.Get("/protected", a.handleProtected)
	r.Get("/health", a.handleHealth)

	return r
}
