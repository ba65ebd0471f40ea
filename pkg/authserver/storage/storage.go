// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/ory/fosite"
	oauth2handler "github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/openid"
	"github.com/ory/fosite/handler/pkce"

	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
)

// kindOpenIDConnect and kindPKCERequest back two fosite-internal request
// kinds that have no presence in the domain's closed kind set
// (AuthorizationCode/AccessToken/RefreshToken/DeviceCode/
// BackchannelAuthenticationRequest). They are plain, non-grantable,
// non-single-use kinds as far as kvstore is concerned.
const (
	kindOpenIDConnect kvstore.Kind = "OpenIDConnectSession"
	kindPKCERequest   kvstore.Kind = "PKCERequestSession"
)

// Store adapts the typed KV contract (pkg/kvstore) onto every storage
// interface ory/fosite's composed provider needs: ClientManager, the
// three CoreStorage token kinds, TokenRevocationStorage,
// OpenIDConnectRequestStorage, and pkce.PKCERequestStorage. It also
// implements pkcestore.ClientPKCE and pkcestore.InteractionLookup so the
// upstream PKCE hook can resolve and mutate a client's bag without
// importing this package's concrete types.
//
// Every fosite.Requester is flattened into a single JSON envelope stored
// under kvstore.Payload{"json": ...}; the envelope's grant_id field (the
// owning Session's GrantID) drives kvstore's RevokeByGrant cascade.
type Store struct {
	kv            kvstore.Store
	staticClients map[string]*Client
}

// New constructs a Store over kv. staticClients are pre-registered
// clients checked before the KV store; they are read-only from this
// Store's perspective and never written back. Nothing converts
// authserver.Config.Clients into this map.
func New(kv kvstore.Store, staticClients map[string]*Client) *Store {
	if staticClients == nil {
		staticClients = map[string]*Client{}
	}
	return &Store{kv: kv, staticClients: staticClients}
}

// KV exposes the underlying kind-polymorphic store for collaborators that
// manage entities fosite has no opinion about (device codes, backchannel
// authentication requests, pushed authorization requests).
func (s *Store) KV() kvstore.Store { return s.kv }

// --- fosite.ClientManager ---

// GetClient resolves id against the static client set first, then the KV
// store's dynamically registered clients.
func (s *Store) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	if c, ok := s.staticClients[id]; ok {
		return c, nil
	}
	c, ok, err := s.getStoredClient(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return c, nil
}

// ClientAssertionJWTValid and SetClientAssertionJWT back RFC 7523
// JWT-bearer client authentication, a grant type this provider does not
// compose. Every JTI is reported valid/unused.
func (s *Store) ClientAssertionJWTValid(_ context.Context, _ string) error { return nil }
func (s *Store) SetClientAssertionJWT(_ context.Context, _ string, _ time.Time) error {
	return nil
}

// CreateClient persists a dynamically registered client. Lifetime is
// until revoked or deleted, so ttl is 0 (no expiry).
func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	payload, err := encodeClient(c)
	if err != nil {
		return err
	}
	return s.kv.Upsert(ctx, kvstore.KindClient, c.GetID(), payload, 0)
}

// DeleteClient removes a client's registration.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	return s.kv.Destroy(ctx, kvstore.KindClient, id)
}

func (s *Store) getStoredClient(ctx context.Context, id string) (*Client, bool, error) {
	payload, ok, err := s.kv.Find(ctx, kvstore.KindClient, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	c, err := decodeClient(payload)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func encodeClient(c *Client) (kvstore.Payload, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrInternal, "encode client", err)
	}
	return kvstore.Payload{"json": string(raw)}, nil
}

func decodeClient(payload kvstore.Payload) (*Client, error) {
	raw, ok := stringField(payload, "json")
	if !ok {
		return nil, proxyerrors.NewError(proxyerrors.ErrInternal, "client payload missing json field", nil)
	}
	c := &Client{DefaultClient: &fosite.DefaultClient{}}
	if err := json.Unmarshal([]byte(raw), c); err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrInternal, "decode client", err)
	}
	return c, nil
}

func stringField(p kvstore.Payload, key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// --- pkcestore.ClientPKCE / pkcestore.InteractionLookup ---

// SetPKCE writes state/codeVerifier into clientID's bag.
func (s *Store) SetPKCE(ctx context.Context, clientID, state, codeVerifier string) error {
	c, ok, err := s.getStoredClient(ctx, clientID)
	if err != nil {
		return err
	}
	if !ok {
		return fosite.ErrNotFound
	}
	c.PKCEState = state
	c.PKCEVerifier = codeVerifier
	return s.CreateClient(ctx, c)
}

// GetPKCE reads clientID's stored state/codeVerifier, if any.
func (s *Store) GetPKCE(ctx context.Context, clientID string) (state, codeVerifier string, ok bool, err error) {
	c, found, err := s.getStoredClient(ctx, clientID)
	if err != nil || !found || c.PKCEState == "" {
		return "", "", false, err
	}
	return c.PKCEState, c.PKCEVerifier, true, nil
}

// InteractionClientID resolves the client an in-flight Interaction
// belongs to, reading its client_id field.
func (s *Store) InteractionClientID(ctx context.Context, interactionID string) (string, bool, error) {
	payload, ok, err := s.kv.Find(ctx, kvstore.KindInteraction, interactionID)
	if err != nil || !ok {
		return "", ok, err
	}
	clientID, _ := stringField(payload, "client_id")
	return clientID, clientID != "", nil
}

// --- requester envelope ---

type requestEnvelope struct {
	ID                string           `json:"id"`
	RequestedAt       time.Time        `json:"requested_at"`
	ClientID          string           `json:"client_id"`
	RequestedScope    fosite.Arguments `json:"requested_scope"`
	GrantedScope      fosite.Arguments `json:"granted_scope"`
	RequestedAudience fosite.Arguments `json:"requested_audience"`
	GrantedAudience   fosite.Arguments `json:"granted_audience"`
	Form              url.Values       `json:"form"`
	Session           json.RawMessage  `json:"session"`
}

func (s *Store) encodeRequester(r fosite.Requester) (kvstore.Payload, error) {
	sessRaw, err := json.Marshal(r.GetSession())
	if err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrInternal, "encode session", err)
	}
	env := requestEnvelope{
		ID:                r.GetID(),
		RequestedAt:       r.GetRequestedAt(),
		ClientID:          r.GetClient().GetID(),
		RequestedScope:    r.GetRequestedScopes(),
		GrantedScope:      r.GetGrantedScopes(),
		RequestedAudience: r.GetRequestedAudience(),
		GrantedAudience:   r.GetGrantedAudience(),
		Form:              r.GetRequestForm(),
		Session:           sessRaw,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrInternal, "encode request", err)
	}
	payload := kvstore.Payload{"json": string(raw)}
	if sess, ok := r.GetSession().(*Session); ok && sess.GrantID != "" {
		payload["grant_id"] = sess.GrantID
	}
	return payload, nil
}

func (s *Store) decodeRequester(ctx context.Context, payload kvstore.Payload, session fosite.Session) (fosite.Requester, error) {
	raw, ok := stringField(payload, "json")
	if !ok {
		return nil, proxyerrors.NewError(proxyerrors.ErrInternal, "request payload missing json field", nil)
	}
	var env requestEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrInternal, "decode request", err)
	}

	client, err := s.GetClient(ctx, env.ClientID)
	if err != nil {
		return nil, err
	}

	if session == nil {
		session = &Session{}
	}
	if len(env.Session) > 0 {
		if err := json.Unmarshal(env.Session, session); err != nil {
			return nil, proxyerrors.NewError(proxyerrors.ErrInternal, "decode session", err)
		}
	}

	return &fosite.Request{
		ID:                env.ID,
		RequestedAt:       env.RequestedAt,
		Client:            client,
		RequestedScope:    env.RequestedScope,
		GrantedScope:      env.GrantedScope,
		RequestedAudience: env.RequestedAudience,
		GrantedAudience:   env.GrantedAudience,
		Form:              env.Form,
		Session:           session,
	}, nil
}

func ttlFor(r fosite.Requester, tokenType fosite.TokenType) time.Duration {
	exp := r.GetSession().GetExpiresAt(tokenType)
	if exp.IsZero() {
		return 0
	}
	d := time.Until(exp)
	if d < 0 {
		return 0
	}
	return d
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func validateCreate(id string, r fosite.Requester) error {
	if id == "" || r == nil {
		return fosite.ErrInvalidRequest
	}
	return nil
}

// --- oauth2.AuthorizeCodeStorage ---

// CreateAuthorizeCodeSession stores code, bound to its Session's
// grant_id and carrying its own consumed marker. An authorization code
// is single-use: Invalidate sets that marker and Get refuses to treat a
// marked code as valid again.
func (s *Store) CreateAuthorizeCodeSession(ctx context.Context, code string, r fosite.Requester) error {
	if err := validateCreate(code, r); err != nil {
		return err
	}
	payload, err := s.encodeRequester(r)
	if err != nil {
		return err
	}
	return s.kv.Upsert(ctx, kvstore.KindAuthorizationCode, code, payload, ttlFor(r, fosite.AuthorizeCode))
}

// GetAuthorizeCodeSession returns fosite.ErrInvalidatedAuthorizeCode
// alongside the requester if the code has already been consumed, so
// fosite's replay-detection can revoke the whole grant.
func (s *Store) GetAuthorizeCodeSession(ctx context.Context, code string, session fosite.Session) (fosite.Requester, error) {
	payload, ok, err := s.kv.Find(ctx, kvstore.KindAuthorizationCode, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fosite.ErrNotFound
	}
	requester, err := s.decodeRequester(ctx, payload, session)
	if err != nil {
		return nil, err
	}
	if ts, ok := toInt64(payload["consumed"]); ok && ts > 0 {
		return requester, fosite.ErrInvalidatedAuthorizeCode
	}
	return requester, nil
}

// InvalidateAuthorizeCodeSession marks code consumed: it may never
// again yield a valid grant.
func (s *Store) InvalidateAuthorizeCodeSession(ctx context.Context, code string) error {
	_, ok, err := s.kv.Find(ctx, kvstore.KindAuthorizationCode, code)
	if err != nil {
		return err
	}
	if !ok {
		return fosite.ErrNotFound
	}
	return s.kv.Consume(ctx, kvstore.KindAuthorizationCode, code)
}

// --- oauth2.AccessTokenStorage ---

func (s *Store) CreateAccessTokenSession(ctx context.Context, signature string, r fosite.Requester) error {
	if err := validateCreate(signature, r); err != nil {
		return err
	}
	payload, err := s.encodeRequester(r)
	if err != nil {
		return err
	}
	return s.kv.Upsert(ctx, kvstore.KindAccessToken, signature, payload, ttlFor(r, fosite.AccessToken))
}

func (s *Store) GetAccessTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	payload, ok, err := s.kv.Find(ctx, kvstore.KindAccessToken, signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return s.decodeRequester(ctx, payload, session)
}

func (s *Store) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	return s.kv.Destroy(ctx, kvstore.KindAccessToken, signature)
}

// --- oauth2.RefreshTokenStorage ---

// CreateRefreshTokenSession records accessSignature alongside the
// refresh token so RotateRefreshToken can delete both in one call.
func (s *Store) CreateRefreshTokenSession(ctx context.Context, signature, accessSignature string, r fosite.Requester) error {
	if err := validateCreate(signature, r); err != nil {
		return err
	}
	payload, err := s.encodeRequester(r)
	if err != nil {
		return err
	}
	payload["access_signature"] = accessSignature
	return s.kv.Upsert(ctx, kvstore.KindRefreshToken, signature, payload, ttlFor(r, fosite.RefreshToken))
}

func (s *Store) GetRefreshTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	payload, ok, err := s.kv.Find(ctx, kvstore.KindRefreshToken, signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return s.decodeRequester(ctx, payload, session)
}

func (s *Store) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	return s.kv.Destroy(ctx, kvstore.KindRefreshToken, signature)
}

// RotateRefreshToken deletes the used refresh token and the access
// token minted alongside it, so a replayed refresh token cannot also
// resurrect its sibling access token.
func (s *Store) RotateRefreshToken(ctx context.Context, _ string, refreshTokenSignature string) error {
	payload, ok, err := s.kv.Find(ctx, kvstore.KindRefreshToken, refreshTokenSignature)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.kv.Destroy(ctx, kvstore.KindRefreshToken, refreshTokenSignature); err != nil {
		return err
	}
	if accessSig, ok := stringField(payload, "access_signature"); ok && accessSig != "" {
		return s.kv.Destroy(ctx, kvstore.KindAccessToken, accessSig)
	}
	return nil
}

// --- oauth2.TokenRevocationStorage ---
//
// Revocation for a whole authorization lineage goes through
// the proxy's Grant-based teardown cascade instead. These two
// hooks exist only to satisfy the /token/revocation endpoint's storage
// contract and are not otherwise reachable from this proxy's own code
// paths.
func (s *Store) RevokeRefreshToken(_ context.Context, _ string) error { return nil }
func (s *Store) RevokeAccessToken(_ context.Context, _ string) error  { return nil }

// RevokeRefreshTokenMaybeGracePeriod deletes the refresh token by its
// signature outright; no rotation grace period is configured.
func (s *Store) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, _ string, signature string) error {
	return s.kv.Destroy(ctx, kvstore.KindRefreshToken, signature)
}

// --- openid.OpenIDConnectRequestStorage ---

func (s *Store) CreateOpenIDConnectSession(ctx context.Context, authorizeCode string, r fosite.Requester) error {
	if err := validateCreate(authorizeCode, r); err != nil {
		return err
	}
	payload, err := s.encodeRequester(r)
	if err != nil {
		return err
	}
	return s.kv.Upsert(ctx, kindOpenIDConnect, authorizeCode, payload, ttlFor(r, fosite.AuthorizeCode))
}

func (s *Store) GetOpenIDConnectSession(ctx context.Context, authorizeCode string, r fosite.Requester) (fosite.Requester, error) {
	payload, ok, err := s.kv.Find(ctx, kindOpenIDConnect, authorizeCode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fosite.ErrNotFound
	}
	var session fosite.Session
	if r != nil {
		session = r.GetSession()
	}
	return s.decodeRequester(ctx, payload, session)
}

func (s *Store) DeleteOpenIDConnectSession(ctx context.Context, authorizeCode string) error {
	return s.kv.Destroy(ctx, kindOpenIDConnect, authorizeCode)
}

// --- pkce.PKCERequestStorage ---

func (s *Store) CreatePKCERequestSession(ctx context.Context, signature string, r fosite.Requester) error {
	if err := validateCreate(signature, r); err != nil {
		return err
	}
	payload, err := s.encodeRequester(r)
	if err != nil {
		return err
	}
	return s.kv.Upsert(ctx, kindPKCERequest, signature, payload, ttlFor(r, fosite.AuthorizeCode))
}

func (s *Store) GetPKCERequestSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	payload, ok, err := s.kv.Find(ctx, kindPKCERequest, signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return s.decodeRequester(ctx, payload, session)
}

func (s *Store) DeletePKCERequestSession(ctx context.Context, signature string) error {
	return s.kv.Destroy(ctx, kindPKCERequest, signature)
}

var (
	_ fosite.ClientManager                = (*Store)(nil)
	_ oauth2handler.CoreStorage            = (*Store)(nil)
	_ oauth2handler.TokenRevocationStorage = (*Store)(nil)
	_ openid.OpenIDConnectRequestStorage   = (*Store)(nil)
	_ pkce.PKCERequestStorage              = (*Store)(nil)
)
