package server

import (
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "idp_session"

// SessionManager handles the IDP's own cookie-backed login sessions.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTL,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the login session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	sess, ok := sm.store.GetSession(cookie.Value)
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return nil
	}
	return &sess
}

// Create establishes a new login session for the user and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, user TestUser) *Session {
	sess := Session{
		ID:        sm.store.NewID(),
		SubjectID: user.SubjectID,
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(sm.ttl),
	}
	sm.store.SaveSession(sess)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return &sess
}

// Clear removes the login session and its cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.store.DeleteSession(cookie.Value)
	}
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
