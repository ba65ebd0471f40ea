// Package storage backs the embedded OAuth2/OIDC authorization-server
// library with the shared KV store, enforcing single-use and
// grant-revocation invariants at the boundary between fosite's generic
// request/session model and this proxy's entity kinds.
package storage

import (
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/openid"
	"github.com/ory/fosite/token/jwt"
)

// Session is the concrete fosite.Session stored alongside every
// authorize code, access token, and refresh token. It carries the OIDC
// claims needed for id_token issuance plus the grant_id binding every
// token kind back to its owning Grant.
type Session struct {
	*openid.DefaultSession

	GrantID        string `json:"grant_id"`
	ClientID       string `json:"client_id"`
	InteractionUID string `json:"interaction_uid,omitempty"`
	// SessionUID binds this token back to the browser session cookie that
	// was live when it was minted. The reverse proxy's destroy path reads
	// it to locate and tear down the Session entity.
	SessionUID string `json:"session_uid,omitempty"`
}

// NewSession builds a Session for subject under clientID/grantID/sessionUID,
// with an id_token good for the given lifespan.
func NewSession(issuer, subject, clientID, grantID, sessionUID string, lifespan time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		DefaultSession: &openid.DefaultSession{
			Claims: &jwt.IDTokenClaims{
				Issuer:      issuer,
				Subject:     subject,
				Audience:    []string{clientID},
				ExpiresAt:   now.Add(lifespan),
				IssuedAt:    now,
				RequestedAt: now,
				AuthTime:    now,
			},
			Headers: &jwt.Headers{Extra: map[string]any{}},
			Subject: subject,
		},
		GrantID:    grantID,
		ClientID:   clientID,
		SessionUID: sessionUID,
	}
}

// Clone satisfies fosite.Session so the request/response cycle can hand
// out independent copies. The embedded DefaultSession's deep copy covers
// the claims; the flat identifier fields copy by value.
func (s *Session) Clone() fosite.Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.DefaultSession != nil {
		if cloned, ok := s.DefaultSession.Clone().(*openid.DefaultSession); ok {
			clone.DefaultSession = cloned
		}
	}
	return &clone
}

var _ fosite.Session = (*Session)(nil)
var _ openid.Session = (*Session)(nil)
