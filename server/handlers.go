package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgw/web"
)

// App bundles runtime dependencies for the IDP HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *InMemoryStore
	Sessions *SessionManager
	Tokens   *TokenService
	JWKS     *JWKSManager
	Registry *TrustRegistry
}

// NewApp wires together the IDP from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	store := NewInMemoryStore()

	jwks, err := NewJWKSManager(cfg.Keys, logger)
	if err != nil {
		return nil, err
	}

	registry, err := NewTrustRegistry(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, store, logger),
		Tokens:   NewTokenService(cfg, store, jwks, logger),
		JWKS:     jwks,
		Registry: registry,
	}, nil
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := a.Tokens.Issuer()
	scopes := []string{"offline_access"}
	for _, res := range a.Config.Resources {
		scopes = append(scopes, res.Name)
	}
	sort.Strings(scopes)

	web.WriteJSON(w, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"end_session_endpoint":                  issuer + "/endsession",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code id_token"},
		"response_modes_supported":              []string{"form_post", "fragment"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      scopes,
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	web.WriteJSON(w, a.JWKS.PublicJWKS())
}

// authorizeRequest encapsulates parsed parameters for /authorize.
type authorizeRequest struct {
	Client       *Client
	RedirectURI  string
	ResponseMode string
	Scope        string
	State        string
	Nonce        string
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "error", err)
		// Redirect the error only when the redirect URI itself is trusted.
		if req.Client != nil && req.RedirectURI != "" && req.Client.ValidRedirect(req.RedirectURI) {
			oauthError(w, req.RedirectURI, req.State, "invalid_request", err.Error())
		} else {
			http.Error(w, fmt.Sprintf("invalid_request: %s", err.Error()), http.StatusBadRequest)
		}
		return
	}

	session := a.Sessions.Fetch(r)
	if session == nil {
		returnURL := r.URL.RequestURI()
		http.Redirect(w, r, "/login?return_url="+url.QueryEscape(returnURL), http.StatusFound)
		return
	}

	if err := a.completeAuthorize(w, req, session); err != nil {
		a.Logger.Error("authorize issue tokens", "error", err)
		oauthError(w, req.RedirectURI, req.State, "server_error", "failed to issue tokens")
	}
}

func (a *App) parseAuthorizeRequest(r *http.Request) (authorizeRequest, error) {
	q := r.URL.Query()
	partial := authorizeRequest{RedirectURI: q.Get("redirect_uri"), State: q.Get("state")}

	clientID := q.Get("client_id")
	if clientID == "" {
		return partial, errors.New("client_id required")
	}
	client, err := a.Registry.FindClient(clientID)
	if err != nil {
		return partial, errors.New("unknown client")
	}
	partial.Client = client

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.ValidRedirect(redirectURI) {
		return partial, errors.New("invalid redirect_uri")
	}

	if !isHybridResponseType(q.Get("response_type")) {
		return partial, errors.New("unsupported response_type")
	}

	responseMode := q.Get("response_mode")
	switch responseMode {
	case "":
		responseMode = "form_post"
	case "form_post", "fragment":
	default:
		return partial, errors.New("unsupported response_mode")
	}

	scope := q.Get("scope")
	if !slices.Contains(strings.Fields(scope), "openid") {
		return partial, errors.New("scope must include openid")
	}
	if !client.ValidateScopes(scope) {
		return partial, errors.New("scope not allowed for client")
	}

	nonce := q.Get("nonce")
	if nonce == "" {
		return partial, errors.New("nonce required for hybrid flow")
	}

	return authorizeRequest{
		Client:       client,
		RedirectURI:  redirectURI,
		ResponseMode: responseMode,
		Scope:        scope,
		State:        q.Get("state"),
		Nonce:        nonce,
	}, nil
}

// completeAuthorize mints the authorization code and front-channel identity
// token and hands both back to the client.
func (a *App) completeAuthorize(w http.ResponseWriter, req authorizeRequest, session *Session) error {
	code := AuthorizationCode{
		Code:        a.Store.NewID(),
		ClientID:    req.Client.ClientID,
		RedirectURI: req.RedirectURI,
		Scope:       req.Scope,
		Nonce:       req.Nonce,
		SubjectID:   session.SubjectID,
		SessionID:   session.ID,
		AuthTime:    session.AuthTime,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(a.Config.Tokens.CodeTTL),
	}
	a.Store.SaveAuthCode(code)

	idToken, err := a.Tokens.MintIDToken(session.SubjectID, req.Client, req.Nonce, session.AuthTime)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("code", code.Code)
	params.Set("id_token", idToken)
	if req.State != "" {
		params.Set("state", req.State)
	}

	if req.ResponseMode == "fragment" {
		redirect, err := url.Parse(req.RedirectURI)
		if err != nil {
			return err
		}
		redirect.Fragment = params.Encode()
		w.Header().Set("Location", redirect.String())
		w.WriteHeader(http.StatusFound)
		return nil
	}

	return renderFormPost(w, req.RedirectURI, params)
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	renderLogin(w, r.URL.Query().Get("return_url"), "")
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	returnURL := r.FormValue("return_url")

	user, err := a.Registry.FindUser(r.FormValue("username"), r.FormValue("password"))
	if err != nil {
		a.Logger.Warn("login failed", "username", r.FormValue("username"))
		renderLogin(w, returnURL, "Invalid username or password.")
		return
	}

	a.Sessions.Create(w, user)
	a.Logger.Info("login succeeded", "sub", user.SubjectID)

	if !isLocalReturnURL(returnURL) {
		returnURL = "/"
	}
	http.Redirect(w, r, returnURL, http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		oauthErrorJSON(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r, client)
	case "refresh_token":
		a.handleTokenRefresh(w, r, client)
	default:
		oauthErrorJSON(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client *Client) {
	authCode, ok := a.Store.ConsumeAuthCode(r.FormValue("code"))
	if !ok {
		oauthErrorJSON(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		return
	}
	if authCode.ClientID != client.ClientID {
		oauthErrorJSON(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}
	if authCode.RedirectURI != r.FormValue("redirect_uri") {
		oauthErrorJSON(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	tokens, err := a.Tokens.MintForAuthorizationCode(authCode, client)
	if err != nil {
		a.Logger.Error("mint auth code", "error", err)
		oauthErrorJSON(w, http.StatusBadRequest, "invalid_grant", "failed to mint token")
		return
	}
	web.WriteJSON(w, tokens)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request, client *Client) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		oauthErrorJSON(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}
	tokens, err := a.Tokens.MintForRefreshToken(refreshToken, client)
	if err != nil {
		a.Logger.Warn("refresh failed", "error", err)
		oauthErrorJSON(w, http.StatusBadRequest, "invalid_grant", "refresh token rejected")
		return
	}
	web.WriteJSON(w, tokens)
}

// handleUserInfo releases only the claim types mapped by the resources the
// token's scopes were granted. The subject is always included.
func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := a.Tokens.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	user, err := a.Registry.UserBySubject(claims.Subject)
	if err != nil {
		http.Error(w, "unknown subject", http.StatusUnauthorized)
		return
	}

	allowed := a.Registry.ResourcesForScopes(strings.Fields(claims.Scope))
	resp := map[string]any{"sub": user.SubjectID}
	for claimType, value := range user.Claims {
		if _, ok := allowed[claimType]; ok {
			resp[claimType] = value
		}
	}
	web.WriteJSON(w, resp)
}

// handleEndSession clears the IDP login session. The browser got here via a
// relying-party redirect; without a valid post_logout_redirect_uri the user
// stays on a signed-out page, which is the hybrid flow's inherent second step.
func (a *App) handleEndSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a.Sessions.Clear(w, r)

	hint := q.Get("id_token_hint")
	postLogout := q.Get("post_logout_redirect_uri")
	if hint == "" || postLogout == "" {
		renderSignedOut(w)
		return
	}

	client, err := a.clientFromIDTokenHint(hint)
	if err != nil {
		a.Logger.Warn("end session hint rejected", "error", err)
		renderSignedOut(w)
		return
	}
	if !client.ValidPostLogoutRedirect(postLogout) {
		a.Logger.Warn("invalid post logout uri", "client_id", client.ClientID, "uri", postLogout)
		renderSignedOut(w)
		return
	}

	redirect, err := url.Parse(postLogout)
	if err != nil {
		renderSignedOut(w)
		return
	}
	if state := q.Get("state"); state != "" {
		values := redirect.Query()
		values.Set("state", state)
		redirect.RawQuery = values.Encode()
	}
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// clientFromIDTokenHint verifies the hint's signature and resolves its
// audience to a registered client. Expiry is not checked; an expired identity
// token is still an acceptable logout hint.
func (a *App) clientFromIDTokenHint(hint string) (*Client, error) {
	tok, err := jwt.ParseWithClaims(hint, &IDTokenClaims{}, a.JWKS.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse id_token_hint: %w", err)
	}
	claims, ok := tok.Claims.(*IDTokenClaims)
	if !ok {
		return nil, errors.New("unexpected id_token_hint claims")
	}
	if claims.Issuer != a.Tokens.Issuer() {
		return nil, errors.New("id_token_hint issuer mismatch")
	}
	if len(claims.Audience) == 0 {
		return nil, errors.New("id_token_hint missing audience")
	}
	return a.Registry.FindClient(claims.Audience[0])
}

func (a *App) authenticateClient(r *http.Request) (*Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Registry.AuthenticateClient(clientID, clientSecret)
}

func isHybridResponseType(responseType string) bool {
	parts := strings.Fields(responseType)
	sort.Strings(parts)
	return len(parts) == 2 && parts[0] == "code" && parts[1] == "id_token"
}

func isLocalReturnURL(raw string) bool {
	return strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\")
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func oauthError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

func oauthErrorJSON(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	web.WriteJSON(w, map[string]string{"error": code, "error_description": desc})
}
