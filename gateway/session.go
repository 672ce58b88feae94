package gateway

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

const sessionCookieName = "gallery_session"

// Principal is the server-side representation of an established session:
// the subject, the post-filter claim set, and, only when the configuration
// opts in, the raw tokens needed for API calls and federated logout.
type Principal struct {
	SessionID string
	Subject   string
	Claims    Claims
	ExpiresAt time.Time

	IDToken           string
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry time.Time
}

// SessionManager materializes a validated identity into a signed, encrypted
// cookie and reads it back. Nothing downstream ever sees an unsigned or
// expired session as valid.
type SessionManager struct {
	codec        *securecookie.SecureCookie
	maxTTL       time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	logger       *slog.Logger

	refreshMu    sync.Mutex
	refreshLocks map[string]*sync.Mutex
}

// NewSessionManager constructs a session manager honouring config. Missing
// cookie keys are generated, which invalidates sessions across restarts.
func NewSessionManager(cfg Config, logger *slog.Logger) (*SessionManager, error) {
	hashKey, err := keyFromConfig(cfg.Sessions.HashKey, 64)
	if err != nil {
		return nil, fmt.Errorf("session hash key: %w", err)
	}
	blockKey, err := keyFromConfig(cfg.Sessions.BlockKey, 32)
	if err != nil {
		return nil, fmt.Errorf("session block key: %w", err)
	}

	codec := securecookie.New(hashKey, blockKey)
	codec.MaxAge(int(cfg.Sessions.MaxTTL.Seconds()))

	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	return &SessionManager{
		codec:        codec,
		maxTTL:       cfg.Sessions.MaxTTL,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		logger:       logger,
		refreshLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Establish writes the principal into the session cookie. The session never
// outlives the identity token's expiry or the configured maximum, whichever
// comes first.
func (sm *SessionManager) Establish(w http.ResponseWriter, p *Principal) error {
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	cap := time.Now().Add(sm.maxTTL)
	if p.ExpiresAt.IsZero() || p.ExpiresAt.After(cap) {
		p.ExpiresAt = cap
	}

	encoded, err := sm.codec.Encode(sessionCookieName, p)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(time.Until(p.ExpiresAt).Seconds()),
	})
	return nil
}

// Read returns the principal for the request cookie, ErrNoSession when no
// cookie is present, ErrSessionInvalid for tampered or undecodable cookies,
// and ErrSessionExpired past the expiry timestamp.
func (sm *SessionManager) Read(r *http.Request) (*Principal, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, ErrNoSession
	}

	var p Principal
	if err := sm.codec.Decode(sessionCookieName, cookie.Value, &p); err != nil {
		return nil, errors.Join(ErrSessionInvalid, err)
	}
	if time.Now().After(p.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return &p, nil
}

// Clear removes the session cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// lockSession serializes token refresh per session ID so concurrent requests
// cannot spend the same refresh token twice. Returns the unlock func.
func (sm *SessionManager) lockSession(id string) func() {
	sm.refreshMu.Lock()
	mu, ok := sm.refreshLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		sm.refreshLocks[id] = mu
	}
	sm.refreshMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func keyFromConfig(encoded string, generateLen int) ([]byte, error) {
	if encoded == "" {
		key := securecookie.GenerateRandomKey(generateLen)
		if key == nil {
			return nil, errors.New("key generation failed")
		}
		return key, nil
	}
	return hex.DecodeString(encoded)
}
