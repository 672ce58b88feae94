package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// stubIDP serves just enough provider surface for discovery, userinfo, and
// logout tests. The full token machinery is exercised against the real
// identity provider in the flow tests.
type stubIDP struct {
	srv *httptest.Server

	issuer             string
	endSessionEndpoint string
	discoveryHits      atomic.Int64

	userinfoStatus int
	userinfoClaims map[string]any
}

func newStubIDP(t *testing.T) *stubIDP {
	t.Helper()
	s := &stubIDP{
		userinfoStatus: http.StatusOK,
		userinfoClaims: map[string]any{"sub": "stub"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		s.discoveryHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 s.issuer,
			"authorization_endpoint": s.issuer + "/authorize",
			"token_endpoint":         s.issuer + "/token",
			"userinfo_endpoint":      s.issuer + "/userinfo",
			"end_session_endpoint":   s.endSessionEndpoint,
			"jwks_uri":               s.issuer + "/.well-known/jwks.json",
			"scopes_supported":       []string{"openid", "profile", "address"},
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if s.userinfoStatus != http.StatusOK {
			http.Error(w, "upstream broken", s.userinfoStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.userinfoClaims)
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	s.issuer = s.srv.URL
	s.endSessionEndpoint = s.srv.URL + "/endsession"
	return s
}
