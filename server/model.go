package server

import "time"

// Client records an OAuth client registration held by the trust registry.
type Client struct {
	ClientID               string
	ClientName             string
	SecretHash             []byte
	GrantType              string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	Scopes                 []string
	Audiences              []string
}

// TestUser is a statically configured end user for the non-production store.
type TestUser struct {
	SubjectID string
	Username  string
	Password  string
	Claims    map[string]string
}

// IdentityResource maps a named scope to the claim types it releases.
type IdentityResource struct {
	Name       string
	ClaimTypes []string
}

// Session captures a logged-in browser session at the IDP, bound to a cookie.
type Session struct {
	ID        string
	SubjectID string
	AuthTime  time.Time
	ExpiresAt time.Time
}

// AuthorizationCode represents a short-lived code issued during the hybrid grant.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	Scope       string
	Nonce       string
	SubjectID   string
	SessionID   string
	AuthTime    time.Time
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool
}

// RefreshToken represents a stored refresh token for rotation tracking.
type RefreshToken struct {
	ID        string
	ClientID  string
	SubjectID string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ParentID  string
	Revoked   bool
}

// TokenResponse matches the token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
