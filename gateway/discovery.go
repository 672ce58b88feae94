package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ProviderMetadata is the authority metadata the gateway cares about.
// go-oidc keeps the endpoints it needs internally; this adds the fields it
// does not surface, notably the end-session endpoint.
type ProviderMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint"`
	EndSessionEndpoint    string   `json:"end_session_endpoint"`
	ScopesSupported       []string `json:"scopes_supported"`
}

type discoveryEntry struct {
	provider *oidc.Provider
	metadata ProviderMetadata
}

// DiscoveryCache fetches and caches provider metadata keyed by authority URL
// for the process lifetime. go-oidc performs the well-known fetch and rejects
// documents whose issuer does not match the requested authority.
type DiscoveryCache struct {
	mu         sync.RWMutex
	entries    map[string]*discoveryEntry
	httpClient *http.Client
}

// NewDiscoveryCache constructs the cache. httpClient may be nil to use the
// default client.
func NewDiscoveryCache(httpClient *http.Client) *DiscoveryCache {
	return &DiscoveryCache{
		entries:    make(map[string]*discoveryEntry),
		httpClient: httpClient,
	}
}

// Get returns the cached provider for the authority, fetching it on first use.
func (d *DiscoveryCache) Get(ctx context.Context, authority string) (*oidc.Provider, ProviderMetadata, error) {
	key := strings.TrimSuffix(authority, "/")

	d.mu.RLock()
	entry, ok := d.entries[key]
	d.mu.RUnlock()
	if ok {
		return entry.provider, entry.metadata, nil
	}
	return d.fetch(ctx, key)
}

// Refresh discards any cached document for the authority and fetches a fresh
// one. Concurrent readers keep the previous entry until the swap.
func (d *DiscoveryCache) Refresh(ctx context.Context, authority string) (*oidc.Provider, ProviderMetadata, error) {
	return d.fetch(ctx, strings.TrimSuffix(authority, "/"))
}

func (d *DiscoveryCache) fetch(ctx context.Context, key string) (*oidc.Provider, ProviderMetadata, error) {
	if d.httpClient != nil {
		ctx = oidc.ClientContext(ctx, d.httpClient)
	}

	provider, err := oidc.NewProvider(ctx, key)
	if err != nil {
		return nil, ProviderMetadata{}, &DiscoveryError{Authority: key, Err: err}
	}

	var metadata ProviderMetadata
	if err := provider.Claims(&metadata); err != nil {
		return nil, ProviderMetadata{}, &DiscoveryError{Authority: key, Err: err}
	}

	entry := &discoveryEntry{provider: provider, metadata: metadata}
	d.mu.Lock()
	d.entries[key] = entry
	d.mu.Unlock()

	return entry.provider, entry.metadata, nil
}
