package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/", a.handleIndex)
	r.Get("/login", a.handleLogin)
	r.Get("/auth/callback", a.handleCallback)
	r.Get("/auth/error", a.handleAuthError)
	r.Get("/whoami", a.handleWhoami)
	r.Get("/logout", a.handleLogout)
	r.Post("/logout", a.handleLogout)

	if a.Dev != nil {
		r.Mount("/idp", a.Dev.Routes())
	}

	if a.Proxy.HasRoutes() {
		r.NotFound(a.Proxy.ServeHTTP)
	}

	return r
}
