package server

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenClaims captures the identity token minted for the hybrid grant.
type IDTokenClaims struct {
	Nonce    string `json:"nonce,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

// AccessTokenClaims captures the JWT claims we mint and validate.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// TokenService signs and validates IDP tokens.
type TokenService struct {
	issuer        string
	accessTTL     time.Duration
	idTokenTTL    time.Duration
	refreshTTL    time.Duration
	rotateRefresh bool
	store         *InMemoryStore
	jwks          *JWKSManager
	logger        *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store *InMemoryStore, jwks *JWKSManager, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:        strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		accessTTL:     cfg.Tokens.AccessTTL,
		idTokenTTL:    cfg.Tokens.IDTokenTTL,
		refreshTTL:    cfg.Tokens.RefreshTTL,
		rotateRefresh: cfg.Tokens.RotateRefresh,
		store:         store,
		jwks:          jwks,
		logger:        logger,
	}
}

// Issuer returns the issuer URL tokens are minted under.
func (ts *TokenService) Issuer() string {
	return ts.issuer
}

// MintIDToken produces the identity token returned from the authorization
// endpoint (front channel) and the token endpoint (back channel). The nonce
// issued by the relying party is echoed back for replay protection.
func (ts *TokenService) MintIDToken(subjectID string, client *Client, nonce string, authTime time.Time) (string, error) {
	now := time.Now()
	claims := IDTokenClaims{
		Nonce:    nonce,
		AuthTime: authTime.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   subjectID,
			Audience:  jwt.ClaimStrings{client.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.idTokenTTL)),
			ID:        ts.store.NewID(),
		},
	}
	return ts.jwks.Sign(claims)
}

// MintForAuthorizationCode exchanges an auth code for the token response
// handed back to the client over the back channel.
func (ts *TokenService) MintForAuthorizationCode(code AuthorizationCode, client *Client) (TokenResponse, error) {
	if !client.ValidateScopes(code.Scope) {
		return TokenResponse{}, fmt.Errorf("invalid scope")
	}

	accessToken, err := ts.mintAccessToken(code.SubjectID, client, code.Scope)
	if err != nil {
		return TokenResponse{}, err
	}
	idToken, err := ts.MintIDToken(code.SubjectID, client, code.Nonce, code.AuthTime)
	if err != nil {
		return TokenResponse{}, err
	}

	resp := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		IDToken:     idToken,
		Scope:       code.Scope,
	}

	if ts.refreshTTL > 0 && slices.Contains(strings.Fields(code.Scope), "offline_access") {
		rt := ts.newRefreshToken(client.ClientID, code.SubjectID, code.Scope, "")
		ts.store.SaveRefreshToken(rt)
		resp.RefreshToken = rt.ID
	}
	return resp, nil
}

// MintForRefreshToken rotates the refresh token and issues a new access token.
func (ts *TokenService) MintForRefreshToken(token string, client *Client) (TokenResponse, error) {
	rt, ok := ts.store.GetRefreshToken(token)
	if !ok || rt.Revoked {
		return TokenResponse{}, fmt.Errorf("refresh token invalid")
	}
	if rt.ClientID != client.ClientID {
		return TokenResponse{}, fmt.Errorf("refresh token client mismatch")
	}
	if time.Now().After(rt.ExpiresAt) {
		ts.store.DeleteRefreshToken(rt.ID)
		return TokenResponse{}, fmt.Errorf("refresh token expired")
	}

	accessToken, err := ts.mintAccessToken(rt.SubjectID, client, rt.Scope)
	if err != nil {
		return TokenResponse{}, err
	}

	resp := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		Scope:       rt.Scope,
	}

	if ts.rotateRefresh {
		rt.Revoked = true
		ts.store.SaveRefreshToken(rt)
		newRT := ts.newRefreshToken(rt.ClientID, rt.SubjectID, rt.Scope, rt.ID)
		ts.store.SaveRefreshToken(newRT)
		resp.RefreshToken = newRT.ID
	} else {
		resp.RefreshToken = rt.ID
	}
	return resp, nil
}

// ValidateAccessToken parses and validates a minted access token.
func (ts *TokenService) ValidateAccessToken(token string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Issuer != ts.issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token expired")
	}
	return claims, nil
}

func (ts *TokenService) mintAccessToken(subjectID string, client *Client, scope string) (string, error) {
	now := time.Now()
	audience := client.ClientID
	if len(client.Audiences) > 0 {
		audience = client.Audiences[0]
	}
	claims := AccessTokenClaims{
		Scope:    scope,
		ClientID: client.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   subjectID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
			ID:        ts.store.NewID(),
		},
	}
	return ts.jwks.Sign(claims)
}

func (ts *TokenService) newRefreshToken(clientID, subjectID, scope, parent string) RefreshToken {
	return RefreshToken{
		ID:        ts.store.NewID(),
		ClientID:  clientID,
		SubjectID: subjectID,
		Scope:     scope,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ts.refreshTTL),
		ParentID:  parent,
	}
}
