package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"authgw/web"
)

// Routes constructs the HTTP router with all IDP endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(web.RequestIDMiddleware)
	r.Use(web.LoggingMiddleware(a.Logger))
	r.Use(web.RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(web.SecurityHeadersMiddleware())
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Get("/authorize", a.handleAuthorize)
	r.Get("/login", a.handleLoginPage)
	r.Post("/login", a.handleLogin)
	r.Post("/token", a.handleToken)
	r.Get("/userinfo", a.handleUserInfo)
	r.Get("/endsession", a.handleEndSession)

	return r
}
