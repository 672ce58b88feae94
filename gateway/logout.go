package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
)

// LogoutCoordinator terminates the local session and, when a federated
// session exists, points the browser at the IDP's end-session endpoint.
//
// The two sessions are independent: if the browser never follows the
// returned redirect, the IDP session stays alive until it is ended at the
// IDP.
type LogoutCoordinator struct {
	cfg       Config
	discovery *DiscoveryCache
	sessions  *SessionManager
	logger    *slog.Logger
}

// NewLogoutCoordinator constructs the coordinator.
func NewLogoutCoordinator(cfg Config, discovery *DiscoveryCache, sessions *SessionManager, logger *slog.Logger) *LogoutCoordinator {
	return &LogoutCoordinator{cfg: cfg, discovery: discovery, sessions: sessions, logger: logger}
}

// Logout clears the local session unconditionally, then returns the redirect
// target: the IDP end-session URL when an identity token is stored and the
// provider advertises one, otherwise the local signed-out page.
func (lc *LogoutCoordinator) Logout(ctx context.Context, w http.ResponseWriter, p *Principal) string {
	lc.sessions.Clear(w)

	local := "/signout-callback-oidc"
	if p == nil || p.IDToken == "" {
		return local
	}

	_, metadata, err := lc.discovery.Get(ctx, lc.cfg.OIDC.Authority)
	if err != nil {
		lc.logger.Warn("end session endpoint unavailable, local session cleared only", "error", err)
		return local
	}
	if metadata.EndSessionEndpoint == "" {
		lc.logger.Warn("provider advertises no end_session_endpoint, local session cleared only")
		return local
	}

	endSession, err := url.Parse(metadata.EndSessionEndpoint)
	if err != nil {
		lc.logger.Warn("invalid end_session_endpoint", "error", err)
		return local
	}
	q := endSession.Query()
	q.Set("id_token_hint", p.IDToken)
	q.Set("post_logout_redirect_uri", lc.cfg.PostLogoutRedirectURL())
	endSession.RawQuery = q.Encode()
	return endSession.String()
}
