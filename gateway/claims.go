package gateway

import (
	"encoding/json"
	"fmt"
)

// Well-known claim types checked at the boundary where claims cross from the
// identity provider into the relying party.
const (
	ClaimSubject    = "sub"
	ClaimGivenName  = "given_name"
	ClaimFamilyName = "family_name"
	ClaimAddress    = "address"
	ClaimEmail      = "email"
	ClaimName       = "name"
	ClaimNonce      = "nonce"
)

// Claims maps a claim-type string to its asserted value.
type Claims map[string]string

// ClaimsFromRaw normalizes a decoded JSON claim set. Scalar values are
// stringified; structured values are carried as their JSON encoding.
func ClaimsFromRaw(raw map[string]any) Claims {
	out := make(Claims, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = fmt.Sprintf("%t", val)
		case float64:
			out[k] = fmt.Sprintf("%v", val)
		case nil:
		default:
			if b, err := json.Marshal(val); err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}

// Clone returns a copy of the claim set.
func (c Claims) Clone() Claims {
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a new claim set where values from over win on conflict.
func (c Claims) Merge(over Claims) Claims {
	out := c.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Without returns a new claim set with the listed claim types removed.
func (c Claims) Without(remove []string) Claims {
	out := c.Clone()
	for _, k := range remove {
		delete(out, k)
	}
	return out
}
