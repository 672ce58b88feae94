package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"authgw/web"
)

type principalKey struct{}

// Gateway binds the relying-party components behind one HTTP surface.
type Gateway struct {
	Config    Config
	Logger    *slog.Logger
	Discovery *DiscoveryCache
	Sessions  *SessionManager
	Enricher  *Enricher
	Auth      *Authenticator
	Logout    *LogoutCoordinator
}

// New wires the gateway from configuration.
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	discovery := NewDiscoveryCache(nil)
	sessions, err := NewSessionManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	enricher := NewEnricher(cfg, logger)
	auth := NewAuthenticator(cfg, discovery, enricher, sessions, logger)

	return &Gateway{
		Config:    cfg,
		Logger:    logger,
		Discovery: discovery,
		Sessions:  sessions,
		Enricher:  enricher,
		Auth:      auth,
		Logout:    NewLogoutCoordinator(cfg, discovery, sessions, logger),
	}, nil
}

// Routes constructs the router: the OIDC plumbing endpoints plus the
// protected application handler mounted at the root.
func (g *Gateway) Routes(app http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(web.RequestIDMiddleware)
	r.Use(web.LoggingMiddleware(g.Logger))
	r.Use(web.RecoveryMiddleware(g.Logger))
	if len(g.Config.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   g.Config.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}
	if !g.Config.Server.DevMode {
		r.Use(web.SecurityHeadersMiddleware())
	}

	r.Get("/signin-oidc", g.handleCallback)
	r.Post("/signin-oidc", g.handleCallback)
	r.Get("/signout-callback-oidc", g.handleSignedOut)
	r.Get("/logout", g.handleLogout)

	r.Group(func(pr chi.Router) {
		pr.Use(g.Protect)
		pr.Handle("/*", app)
	})

	return r
}

// Protect challenges requests without a valid session. Expired or invalid
// sessions restart the handshake transparently; no error page is shown.
func (g *Gateway) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := g.Sessions.Read(r)
		if err != nil {
			if errors.Is(err, ErrSessionInvalid) {
				g.Logger.Warn("discarding invalid session cookie", "error", err)
				g.Sessions.Clear(w)
			}
			g.challenge(w, r)
			return
		}

		p, err = g.Auth.RefreshIfNeeded(r.Context(), w, p)
		if err != nil {
			g.Logger.Warn("token refresh failed, restarting handshake", "error", err)
			g.Sessions.Clear(w)
			g.challenge(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, p)
		ctx = web.WithSubject(ctx, p.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) challenge(w http.ResponseWriter, r *http.Request) {
	if err := g.Auth.Begin(w, r); err != nil {
		g.Logger.Error("begin handshake", "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}
}

func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	principal, returnTo, err := g.Auth.Callback(w, r)
	if err != nil {
		g.Logger.Error("handshake failed", "error", err)
		var discoveryErr *DiscoveryError
		if errors.As(err, &discoveryErr) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		// Provider detail stays in the log; the browser learns nothing more.
		http.Error(w, "login failed", http.StatusBadRequest)
		return
	}

	if err := g.Sessions.Establish(w, principal); err != nil {
		g.Logger.Error("establish session", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	g.Logger.Info("login complete", "sub", principal.Subject)
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, err := g.Sessions.Read(r)
	if err != nil {
		p = nil
	}
	target := g.Logout.Logout(r.Context(), w, p)
	http.Redirect(w, r, target, http.StatusFound)
}

func (g *Gateway) handleSignedOut(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<!DOCTYPE html><html><body><h1>Signed out</h1><p><a href=\"/\">Sign in again</a></p></body></html>"))
}

// PrincipalFromContext returns the authenticated principal for the request,
// the only identity surface downstream handlers consume.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// BearerTokenFromContext returns the access token for outgoing API calls, or
// empty when tokens are not stored in the session.
func BearerTokenFromContext(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.AccessToken
	}
	return ""
}
