package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"slices"
	"strings"
)

// GrantTypeHybrid is the only grant shape clients may register for:
// the authorization endpoint returns both a code and an identity token.
const GrantTypeHybrid = "hybrid"

// ErrNotFound is returned for unknown clients, bad credentials, or an
// unregistered redirect URI. Callers must not distinguish the cases.
var ErrNotFound = errors.New("not found")

// TrustRegistry is the IDP's static configuration: registered clients,
// identity resources, and the test user store. It is built once at startup
// and never mutated afterwards.
type TrustRegistry struct {
	clients   map[string]*Client
	users     map[string]TestUser
	resources map[string][]string
}

// NewTrustRegistry constructs the registry from configuration. Client
// secrets are hashed on the way in; the plaintext is not retained.
func NewTrustRegistry(cfg Config) (*TrustRegistry, error) {
	clients := make(map[string]*Client, len(cfg.Clients))
	for _, cc := range cfg.Clients {
		hash := sha256.Sum256([]byte(cc.ClientSecret))
		grant := cc.GrantType
		if grant == "" {
			grant = GrantTypeHybrid
		}
		clients[cc.ClientID] = &Client{
			ClientID:               cc.ClientID,
			ClientName:             cc.ClientName,
			SecretHash:             hash[:],
			GrantType:              grant,
			RedirectURIs:           slices.Clone(cc.RedirectURIs),
			PostLogoutRedirectURIs: slices.Clone(cc.PostLogoutRedirectURIs),
			Scopes:                 slices.Clone(cc.Scopes),
			Audiences:              slices.Clone(cc.Audiences),
		}
	}

	users := make(map[string]TestUser, len(cfg.Users))
	for _, uc := range cfg.Users {
		claims := make(map[string]string, len(uc.Claims))
		for k, v := range uc.Claims {
			claims[k] = v
		}
		users[uc.Username] = TestUser{
			SubjectID: uc.SubjectID,
			Username:  uc.Username,
			Password:  uc.Password,
			Claims:    claims,
		}
	}

	resources := make(map[string][]string, len(cfg.Resources))
	for _, rc := range cfg.Resources {
		resources[rc.Name] = slices.Clone(rc.ClaimTypes)
	}

	return &TrustRegistry{clients: clients, users: users, resources: resources}, nil
}

// FindClient retrieves a client registration by ID.
func (tr *TrustRegistry) FindClient(clientID string) (*Client, error) {
	client, ok := tr.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return client, nil
}

// AuthenticateClient validates client credentials with a constant-time
// comparison against the stored secret hash.
func (tr *TrustRegistry) AuthenticateClient(clientID, secret string) (*Client, error) {
	client, ok := tr.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	presented := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(presented[:], client.SecretHash) != 1 {
		return nil, ErrNotFound
	}
	return client, nil
}

// FindUser authenticates a test user by username and password.
func (tr *TrustRegistry) FindUser(username, password string) (TestUser, error) {
	user, ok := tr.users[username]
	if !ok {
		return TestUser{}, ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(user.Password)) != 1 {
		return TestUser{}, ErrNotFound
	}
	return user, nil
}

// UserBySubject looks up a test user by subject ID.
func (tr *TrustRegistry) UserBySubject(subjectID string) (TestUser, error) {
	for _, user := range tr.users {
		if user.SubjectID == subjectID {
			return user, nil
		}
	}
	return TestUser{}, ErrNotFound
}

// ResourcesForScopes returns the union of claim types released by the given
// scopes. Unknown scopes contribute nothing.
func (tr *TrustRegistry) ResourcesForScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, scope := range scopes {
		for _, ct := range tr.resources[scope] {
			out[ct] = struct{}{}
		}
	}
	return out
}

// ValidRedirect reports whether uri exactly matches a registered redirect URI.
func (c *Client) ValidRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// ValidPostLogoutRedirect reports whether uri is a registered post-logout URI.
func (c *Client) ValidPostLogoutRedirect(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// ValidateScopes ensures every requested scope is allowed for the client.
func (c *Client) ValidateScopes(scope string) bool {
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(c.Scopes, sc) {
			return false
		}
	}
	return true
}
