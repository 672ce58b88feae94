package gateway

import (
	"context"
	"log/slog"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Enricher augments identity-token claims from the UserInfo endpoint and
// strips designated claims before anything is persisted.
type Enricher struct {
	useUserInfo     bool
	tolerateFailure bool
	removeClaims    []string
	logger          *slog.Logger
}

// NewEnricher constructs an enricher honouring config.
func NewEnricher(cfg Config, logger *slog.Logger) *Enricher {
	return &Enricher{
		useUserInfo:     cfg.OIDC.GetClaimsFromUserInfo,
		tolerateFailure: cfg.OIDC.TolerateUserInfoFailure,
		removeClaims:    cfg.OIDC.ClaimsToRemove,
		logger:          logger,
	}
}

// Enrich merges UserInfo claims into the identity-token claims (UserInfo wins
// on conflict) and applies the removal list. The removed claims exist only
// within this call; they never reach the session.
func (e *Enricher) Enrich(ctx context.Context, provider *oidc.Provider, accessToken string, identity Claims) (Claims, error) {
	merged := identity.Clone()

	if e.useUserInfo {
		fetched, err := fetchUserInfoClaims(ctx, provider, accessToken)
		if err != nil {
			if !e.tolerateFailure {
				return nil, &ClaimsRetrievalError{Err: err}
			}
			e.logger.Warn("userinfo unavailable, continuing with identity token claims", "error", err)
		} else {
			merged = merged.Merge(fetched)
		}
	}

	// The nonce is handshake plumbing, not an identity claim.
	delete(merged, ClaimNonce)

	return merged.Without(e.removeClaims), nil
}

// FetchClaim retrieves a single claim directly from the UserInfo endpoint for
// one-time use, bypassing the removal list. Callers must not persist the
// result.
func (e *Enricher) FetchClaim(ctx context.Context, provider *oidc.Provider, accessToken, claimType string) (string, error) {
	fetched, err := fetchUserInfoClaims(ctx, provider, accessToken)
	if err != nil {
		return "", &ClaimsRetrievalError{Err: err}
	}
	return fetched[claimType], nil
}

func fetchUserInfoClaims(ctx context.Context, provider *oidc.Provider, accessToken string) (Claims, error) {
	source := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})
	info, err := provider.UserInfo(ctx, source)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := info.Claims(&raw); err != nil {
		return nil, err
	}
	return ClaimsFromRaw(raw), nil
}
