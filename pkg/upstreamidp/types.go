// Package upstreamidp implements the upstream identity-provider client:
// discovery, authorization-code exchange, refresh, and refresh-error
// classification.
package upstreamidp

import "time"

// TokenResponse is the normalized shape returned by ExchangeCode and
// Refresh, regardless of which upstream IdP is configured.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string // may be empty on refresh; caller keeps the prior one
	TokenType    string // defaults to "Bearer"
	Scope        string
	IssuedAt     time.Time
	IDToken      string

	// UserData is the provider-specific bag returned alongside the token
	// response. It must carry at least one of "id" or "user_id" after
	// ExchangeCode. It may also carry "signature", "instance_url",
	// "expires_in", and "session_nonce" — fields some upstreams (observed:
	// Salesforce-style OAuth) return directly on the token response rather
	// than through a separate userinfo call. Both the normalized fields
	// above and this bag are always populated from whatever the upstream
	// actually returned; callers must not guess which set to trust.
	UserData map[string]any
}

// UserID returns UserData["id"], falling back to UserData["user_id"].
func (t *TokenResponse) UserID() string {
	if t == nil || t.UserData == nil {
		return ""
	}
	if id, ok := t.UserData["id"].(string); ok && id != "" {
		return id
	}
	if id, ok := t.UserData["user_id"].(string); ok && id != "" {
		return id
	}
	return ""
}

// DefaultScopes is used when IDP_SCOPE is unset.
var DefaultScopes = []string{"openid", "profile", "email"}
