package gateway

import (
	"errors"
	"fmt"
)

// Session read outcomes. An expired session triggers a fresh handshake
// transparently; an invalid one is discarded the same way but logged.
var (
	ErrNoSession      = errors.New("no session")
	ErrSessionExpired = errors.New("session expired")
	ErrSessionInvalid = errors.New("session invalid")
)

// DiscoveryError reports unreachable or malformed provider metadata.
// Fatal to the handshake; surfaced as service unavailable, never retried
// within the same request.
type DiscoveryError struct {
	Authority string
	Err       error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for %s: %v", e.Authority, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ValidationError reports a signature, issuer, audience, expiry, state, or
// nonce failure. Always fatal to the current handshake.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TokenExchangeError reports a non-success response from the token endpoint.
// The provider's message is logged, never shown verbatim to the end user.
type TokenExchangeError struct {
	Err error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// ClaimsRetrievalError reports a UserInfo endpoint failure. Fatal unless the
// configuration tolerates identity-token-only claims.
type ClaimsRetrievalError struct {
	Err error
}

func (e *ClaimsRetrievalError) Error() string {
	return fmt.Sprintf("claims retrieval failed: %v", e.Err)
}

func (e *ClaimsRetrievalError) Unwrap() error { return e.Err }
