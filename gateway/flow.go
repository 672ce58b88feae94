package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const handshakeCookieName = "gallery_handshake"

// pendingHandshake tracks one login attempt between the redirect to the IDP
// and the callback. It lives at most the configured handshake timeout.
type pendingHandshake struct {
	ID        string
	State     string
	Nonce     string
	AuthURL   string
	ReturnTo  string
	CreatedAt time.Time
}

type pendingStore struct {
	mu      sync.Mutex
	byID    map[string]*pendingHandshake
	byState map[string]*pendingHandshake
	timeout time.Duration
}

func newPendingStore(timeout time.Duration) *pendingStore {
	return &pendingStore{
		byID:    make(map[string]*pendingHandshake),
		byState: make(map[string]*pendingHandshake),
		timeout: timeout,
	}
}

func (ps *pendingStore) save(p *pendingHandshake) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.byID[p.ID] = p
	ps.byState[p.State] = p
}

// liveByID returns the pending handshake bound to the browser's handshake
// cookie, if it has not timed out.
func (ps *pendingStore) liveByID(id string) *pendingHandshake {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.byID[id]
	if !ok {
		return nil
	}
	if time.Since(p.CreatedAt) > ps.timeout {
		ps.removeLocked(p)
		return nil
	}
	return p
}

// consumeByState removes and returns the handshake for a callback state.
// Stale entries are treated as absent: a timed-out handshake cannot resume.
func (ps *pendingStore) consumeByState(state string) *pendingHandshake {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.byState[state]
	if !ok {
		return nil
	}
	ps.removeLocked(p)
	if time.Since(p.CreatedAt) > ps.timeout {
		return nil
	}
	return p
}

func (ps *pendingStore) evictStale() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range ps.byID {
		if time.Since(p.CreatedAt) > ps.timeout {
			ps.removeLocked(p)
		}
	}
}

func (ps *pendingStore) removeLocked(p *pendingHandshake) {
	delete(ps.byID, p.ID)
	delete(ps.byState, p.State)
}

// Authenticator drives the hybrid-flow handshake: it redirects to the IDP's
// authorization endpoint, then validates the callback and exchanges the
// authorization code for tokens over the back channel.
type Authenticator struct {
	cfg       Config
	discovery *DiscoveryCache
	enricher  *Enricher
	sessions  *SessionManager
	logger    *slog.Logger
	pending   *pendingStore
}

// NewAuthenticator wires the handshake engine.
func NewAuthenticator(cfg Config, discovery *DiscoveryCache, enricher *Enricher, sessions *SessionManager, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		cfg:       cfg,
		discovery: discovery,
		enricher:  enricher,
		sessions:  sessions,
		logger:    logger,
		pending:   newPendingStore(cfg.OIDC.HandshakeTimeout),
	}
}

// StartJanitor evicts abandoned handshakes in the background; a retry after
// eviction begins a fresh handshake.
func (a *Authenticator) StartJanitor(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.pending.evictStale()
			case <-stop:
				return
			}
		}
	}()
}

// Begin redirects the browser to the IDP's authorization endpoint with a
// fresh state and nonce. A repeat request from a browser session that already
// has a live handshake reuses it rather than minting a divergent pair.
func (a *Authenticator) Begin(w http.ResponseWriter, r *http.Request) error {
	if cookie, err := r.Cookie(handshakeCookieName); err == nil {
		if p := a.pending.liveByID(cookie.Value); p != nil {
			http.Redirect(w, r, p.AuthURL, http.StatusFound)
			return nil
		}
	}

	provider, _, err := a.discovery.Get(r.Context(), a.cfg.OIDC.Authority)
	if err != nil {
		return err
	}

	state := randomToken()
	nonce := randomToken()
	authURL := a.oauthConfig(provider).AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_type", "code id_token"),
		oauth2.SetAuthURLParam("response_mode", "form_post"),
		oidc.Nonce(nonce),
	)

	p := &pendingHandshake{
		ID:        uuid.NewString(),
		State:     state,
		Nonce:     nonce,
		AuthURL:   authURL,
		ReturnTo:  returnTarget(r),
		CreatedAt: time.Now(),
	}
	a.pending.save(p)

	http.SetCookie(w, &http.Cookie{
		Name:     handshakeCookieName,
		Value:    p.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   !a.cfg.Server.DevMode,
		SameSite: a.handshakeSameSite(),
		MaxAge:   int(a.cfg.OIDC.HandshakeTimeout.Seconds()),
	})
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

// Callback validates the hybrid authorization response and completes the
// back-channel code exchange. Any failure leaves the handshake failed with no
// session material produced.
func (a *Authenticator) Callback(w http.ResponseWriter, r *http.Request) (*Principal, string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, "", &ValidationError{Reason: "malformed callback", Err: err}
	}

	if errCode := r.Form.Get("error"); errCode != "" {
		return nil, "", &TokenExchangeError{
			Err: fmt.Errorf("authorization response error %q: %s", errCode, r.Form.Get("error_description")),
		}
	}

	state := r.Form.Get("state")
	code := r.Form.Get("code")
	rawIDToken := r.Form.Get("id_token")
	if state == "" || code == "" || rawIDToken == "" {
		return nil, "", &ValidationError{Reason: "missing state, code, or id_token"}
	}

	cookie, err := r.Cookie(handshakeCookieName)
	if err != nil {
		return nil, "", &ValidationError{Reason: "no pending handshake for this browser session"}
	}

	pending := a.pending.consumeByState(state)
	if pending == nil {
		return nil, "", &ValidationError{Reason: "state does not match a pending handshake"}
	}
	if pending.ID != cookie.Value {
		return nil, "", &ValidationError{Reason: "state was issued for a different browser session"}
	}
	a.clearHandshakeCookie(w)

	ctx := r.Context()
	provider, _, err := a.discovery.Get(ctx, a.cfg.OIDC.Authority)
	if err != nil {
		return nil, "", err
	}

	// Signature, issuer, audience, and expiry checks happen here.
	verifier := provider.Verifier(&oidc.Config{ClientID: a.cfg.OIDC.ClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, "", &ValidationError{Reason: "identity token rejected", Err: err}
	}
	if idToken.Nonce != pending.Nonce {
		return nil, "", &ValidationError{Reason: "nonce mismatch"}
	}

	tok, err := a.oauthConfig(provider).Exchange(ctx, code)
	if err != nil {
		return nil, "", &TokenExchangeError{Err: err}
	}

	var rawClaims map[string]any
	if err := idToken.Claims(&rawClaims); err != nil {
		return nil, "", &ValidationError{Reason: "unparseable identity claims", Err: err}
	}

	filtered, err := a.enricher.Enrich(ctx, provider, tok.AccessToken, ClaimsFromRaw(rawClaims))
	if err != nil {
		return nil, "", err
	}

	principal := &Principal{
		Subject:   idToken.Subject,
		Claims:    filtered,
		ExpiresAt: idToken.Expiry,
	}
	if a.cfg.OIDC.StoreTokens {
		principal.IDToken = rawIDToken
		principal.AccessToken = tok.AccessToken
		principal.RefreshToken = tok.RefreshToken
		principal.AccessTokenExpiry = tok.Expiry
	}
	return principal, pending.ReturnTo, nil
}

// RefreshIfNeeded renews the access token when it is close to expiry.
// Refreshes for the same session are serialized so a rotated refresh token is
// never spent twice.
func (a *Authenticator) RefreshIfNeeded(ctx context.Context, w http.ResponseWriter, p *Principal) (*Principal, error) {
	if p.RefreshToken == "" {
		return p, nil
	}
	if a.cfg.Sessions.RefreshWindow <= 0 || time.Until(p.AccessTokenExpiry) > a.cfg.Sessions.RefreshWindow {
		return p, nil
	}

	unlock := a.sessions.lockSession(p.SessionID)
	defer unlock()

	provider, _, err := a.discovery.Get(ctx, a.cfg.OIDC.Authority)
	if err != nil {
		return nil, err
	}

	source := a.oauthConfig(provider).TokenSource(ctx, &oauth2.Token{RefreshToken: p.RefreshToken})
	tok, err := source.Token()
	if err != nil {
		return nil, &TokenExchangeError{Err: err}
	}

	p.AccessToken = tok.AccessToken
	p.AccessTokenExpiry = tok.Expiry
	if tok.RefreshToken != "" {
		p.RefreshToken = tok.RefreshToken
	}
	if err := a.sessions.Establish(w, p); err != nil {
		return nil, err
	}
	a.logger.Debug("access token refreshed", "sub", p.Subject)
	return p, nil
}

func (a *Authenticator) oauthConfig(provider *oidc.Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.cfg.OIDC.ClientID,
		ClientSecret: a.cfg.OIDC.ClientSecret,
		RedirectURL:  a.cfg.CallbackURL(),
		Endpoint:     provider.Endpoint(),
		Scopes:       a.cfg.OIDC.Scopes,
	}
}

// The form_post callback is a cross-site POST in production, so the handshake
// cookie must be SameSite=None there. In dev everything is same-site on
// localhost and Lax suffices without requiring Secure.
func (a *Authenticator) handshakeSameSite() http.SameSite {
	if a.cfg.Server.DevMode {
		return http.SameSiteLaxMode
	}
	return http.SameSiteNoneMode
}

func (a *Authenticator) clearHandshakeCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     handshakeCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   !a.cfg.Server.DevMode,
		SameSite: a.handshakeSameSite(),
		MaxAge:   -1,
	})
}

func returnTarget(r *http.Request) string {
	if r.Method == http.MethodGet && r.URL.Path != "/signin-oidc" {
		return r.URL.RequestURI()
	}
	return "/"
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
