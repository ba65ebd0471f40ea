package storage

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
)

func testRequester(id string, client fosite.Client, grantID string) fosite.Requester {
	sess := NewSession("https://proxy.example", "sub-1", client.GetID(), grantID, "sess-1", time.Hour)
	return &fosite.Request{
		ID:                id,
		RequestedAt:       time.Now(),
		Client:            client,
		RequestedScope:    fosite.Arguments{"openid", "offline_access"},
		GrantedScope:      fosite.Arguments{"openid"},
		RequestedAudience: fosite.Arguments{},
		GrantedAudience:   fosite.Arguments{},
		Form:              make(url.Values),
		Session:           sess,
	}
}

func testDefaultClient(id string) *Client {
	return NewClient(&fosite.DefaultClient{
		ID:            id,
		RedirectURIs:  []string{"http://127.0.0.1/callback"},
		ResponseTypes: []string{"code"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		Scopes:        []string{"openid", "offline_access"},
		Public:        true,
	})
}

func newTestStore() *Store {
	return New(kvstore.NewMemory(), nil)
}

func TestStore_ClientRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()

	client := testDefaultClient("client-1")
	require.NoError(t, s.CreateClient(ctx, client))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.GetID())

	require.NoError(t, s.DeleteClient(ctx, "client-1"))
	_, err = s.GetClient(ctx, "client-1")
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestStore_GetClient_StaticTakesPrecedence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	static := testDefaultClient("static-1")
	s := New(kvstore.NewMemory(), map[string]*Client{"static-1": static})

	got, err := s.GetClient(ctx, "static-1")
	require.NoError(t, err)
	assert.Same(t, static, got)
}

func TestStore_AuthorizeCodeSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()
	client := testDefaultClient("client-1")
	require.NoError(t, s.CreateClient(ctx, client))

	requester := testRequester("req-1", client, "grant-1")
	require.NoError(t, s.CreateAuthorizeCodeSession(ctx, "code-123", requester))

	got, err := s.GetAuthorizeCodeSession(ctx, "code-123", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	require.NoError(t, s.InvalidateAuthorizeCodeSession(ctx, "code-123"))

	got, err = s.GetAuthorizeCodeSession(ctx, "code-123", nil)
	assert.ErrorIs(t, err, fosite.ErrInvalidatedAuthorizeCode)
	assert.NotNil(t, got, "must still return the requester for replay detection")
}

func TestStore_AuthorizeCodeSession_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()

	_, err := s.GetAuthorizeCodeSession(ctx, "missing", nil)
	assert.ErrorIs(t, err, fosite.ErrNotFound)

	err = s.InvalidateAuthorizeCodeSession(ctx, "missing")
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestStore_AccessTokenSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()
	client := testDefaultClient("client-1")
	require.NoError(t, s.CreateClient(ctx, client))

	requester := testRequester("req-1", client, "grant-1")
	require.NoError(t, s.CreateAccessTokenSession(ctx, "sig-1", requester))

	got, err := s.GetAccessTokenSession(ctx, "sig-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	require.NoError(t, s.DeleteAccessTokenSession(ctx, "sig-1"))
	_, err = s.GetAccessTokenSession(ctx, "sig-1", nil)
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestStore_RefreshTokenRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()
	client := testDefaultClient("client-1")
	require.NoError(t, s.CreateClient(ctx, client))

	requester := testRequester("req-1", client, "grant-1")
	require.NoError(t, s.CreateRefreshTokenSession(ctx, "refresh-sig", "access-sig", requester))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "access-sig", requester))

	require.NoError(t, s.RotateRefreshToken(ctx, "req-1", "refresh-sig"))

	_, err := s.GetRefreshTokenSession(ctx, "refresh-sig", nil)
	assert.ErrorIs(t, err, fosite.ErrNotFound)
	_, err = s.GetAccessTokenSession(ctx, "access-sig", nil)
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestStore_RotateRefreshToken_NonExistentIsNoError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.RotateRefreshToken(ctx, "missing-req", "missing-sig"))
}

func TestStore_GrantRevocationCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()
	client := testDefaultClient("client-1")
	require.NoError(t, s.CreateClient(ctx, client))

	requester := testRequester("req-1", client, "grant-shared")
	require.NoError(t, s.CreateAccessTokenSession(ctx, "access-1", requester))
	require.NoError(t, s.CreateRefreshTokenSession(ctx, "refresh-1", "access-1", requester))

	other := testRequester("req-2", client, "grant-other")
	require.NoError(t, s.CreateAccessTokenSession(ctx, "access-2", other))

	require.NoError(t, s.kv.RevokeByGrant(ctx, "grant-shared"))

	_, err := s.GetAccessTokenSession(ctx, "access-1", nil)
	assert.ErrorIs(t, err, fosite.ErrNotFound)
	_, err = s.GetRefreshTokenSession(ctx, "refresh-1", nil)
	assert.ErrorIs(t, err, fosite.ErrNotFound)

	got, err := s.GetAccessTokenSession(ctx, "access-2", nil)
	require.NoError(t, err, "unrelated grant's token must survive")
	assert.Equal(t, "req-2", got.GetID())
}

func TestStore_PKCERequestSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()
	client := testDefaultClient("client-1")
	require.NoError(t, s.CreateClient(ctx, client))

	requester := testRequester("req-1", client, "grant-1")
	require.NoError(t, s.CreatePKCERequestSession(ctx, "pkce-sig", requester))

	got, err := s.GetPKCERequestSession(ctx, "pkce-sig", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	require.NoError(t, s.DeletePKCERequestSession(ctx, "pkce-sig"))
	_, err = s.GetPKCERequestSession(ctx, "pkce-sig", nil)
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestStore_OpenIDConnectSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()
	client := testDefaultClient("client-1")
	require.NoError(t, s.CreateClient(ctx, client))

	requester := testRequester("req-1", client, "grant-1")
	require.NoError(t, s.CreateOpenIDConnectSession(ctx, "code-1", requester))

	got, err := s.GetOpenIDConnectSession(ctx, "code-1", requester)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	require.NoError(t, s.DeleteOpenIDConnectSession(ctx, "code-1"))
	_, err = s.GetOpenIDConnectSession(ctx, "code-1", requester)
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestStore_InputValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()
	client := testDefaultClient("client-1")
	requester := testRequester("req-1", client, "grant-1")

	assert.ErrorIs(t, s.CreateAuthorizeCodeSession(ctx, "", requester), fosite.ErrInvalidRequest)
	assert.ErrorIs(t, s.CreateAuthorizeCodeSession(ctx, "code", nil), fosite.ErrInvalidRequest)
	assert.ErrorIs(t, s.CreateAccessTokenSession(ctx, "", requester), fosite.ErrInvalidRequest)
	assert.ErrorIs(t, s.CreateRefreshTokenSession(ctx, "", "a", requester), fosite.ErrInvalidRequest)
	assert.ErrorIs(t, s.CreatePKCERequestSession(ctx, "", requester), fosite.ErrInvalidRequest)
}

func TestStore_PKCEHook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore()
	client := testDefaultClient("client-1")
	require.NoError(t, s.CreateClient(ctx, client))

	_, _, ok, err := s.GetPKCE(ctx, "client-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetPKCE(ctx, "client-1", "state-1", "verifier-1"))

	state, verifier, ok, err := s.GetPKCE(ctx, "client-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "state-1", state)
	assert.Equal(t, "verifier-1", verifier)
}

func TestStore_InteractionClientID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := kvstore.NewMemory()
	s := New(kv, nil)

	require.NoError(t, kv.Upsert(ctx, kvstore.KindInteraction, "ixn-1", kvstore.Payload{"client_id": "client-1"}, time.Minute))

	clientID, ok, err := s.InteractionClientID(ctx, "ixn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "client-1", clientID)

	_, ok, err = s.InteractionClientID(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
