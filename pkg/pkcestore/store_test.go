package pkcestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInteractions struct {
	clientID string
	ok       bool
}

func (f *fakeInteractions) InteractionClientID(context.Context, string) (string, bool, error) {
	return f.clientID, f.ok, nil
}

type fakeClients struct {
	state        string
	codeVerifier string
	ok           bool
}

func (f *fakeClients) SetPKCE(_ context.Context, _, state, codeVerifier string) error {
	f.state = state
	f.codeVerifier = codeVerifier
	f.ok = state != ""
	return nil
}

func (f *fakeClients) GetPKCE(context.Context, string) (string, string, bool, error) {
	return f.state, f.codeVerifier, f.ok, nil
}

func TestStore_WritesToResolvedClient(t *testing.T) {
	ctx := context.Background()
	interactions := &fakeInteractions{clientID: "client1", ok: true}
	clients := &fakeClients{}
	store := New(interactions, clients, false)

	require.NoError(t, store.Store(ctx, "ixn1", "ixn1", "verifier1", time.Now().Add(time.Minute)))
	assert.True(t, clients.ok)
	assert.Equal(t, "verifier1", clients.codeVerifier)
	assert.Equal(t, 0, store.fallbackSize())

	verifier, ok, err := store.Retrieve(ctx, "ixn1", "ixn1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "verifier1", verifier)

	_, ok, err = store.Retrieve(ctx, "ixn1", "ixn1")
	require.NoError(t, err)
	assert.False(t, ok, "retrieve consumes the client-stored record")
}

func TestStore_ClientPathStateMismatchConsumes(t *testing.T) {
	ctx := context.Background()
	interactions := &fakeInteractions{clientID: "client1", ok: true}
	clients := &fakeClients{}
	store := New(interactions, clients, false)

	require.NoError(t, store.Store(ctx, "ixn8", "correct-state", "verifier8", time.Now().Add(time.Minute)))

	_, ok, err := store.Retrieve(ctx, "ixn8", "wrong-state")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Retrieve(ctx, "ixn8", "correct-state")
	require.NoError(t, err)
	assert.False(t, ok, "record was already consumed by the mismatched attempt")
}

func TestStore_FallsBackToMemoryMapWhenNoClient(t *testing.T) {
	ctx := context.Background()
	interactions := &fakeInteractions{ok: false}
	clients := &fakeClients{}
	store := New(interactions, clients, false)

	require.NoError(t, store.Store(ctx, "ixn2", "ixn2", "verifier2", time.Now().Add(time.Minute)))
	assert.Equal(t, 1, store.fallbackSize())
	assert.False(t, clients.ok)

	verifier, ok, err := store.Retrieve(ctx, "ixn2", "ixn2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "verifier2", verifier)
	assert.Equal(t, 0, store.fallbackSize(), "retrieve removes the fallback entry")
}

func TestStore_ProductionRejectsFallback(t *testing.T) {
	ctx := context.Background()
	interactions := &fakeInteractions{ok: false}
	clients := &fakeClients{}
	store := New(interactions, clients, true)

	err := store.Store(ctx, "ixn3", "ixn3", "verifier3", time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot store PKCE state: fallback storage is disabled in production")
	assert.Equal(t, 0, store.fallbackSize())
}

func TestStore_StateMismatchRemovesFallbackEntry(t *testing.T) {
	ctx := context.Background()
	interactions := &fakeInteractions{ok: false}
	clients := &fakeClients{}
	store := New(interactions, clients, false)

	require.NoError(t, store.Store(ctx, "ixn4", "correct-state", "verifier4", time.Now().Add(time.Minute)))

	_, ok, err := store.Retrieve(ctx, "ixn4", "wrong-state")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.fallbackSize())

	_, ok, err = store.Retrieve(ctx, "ixn4", "correct-state")
	require.NoError(t, err)
	assert.False(t, ok, "entry was already removed by the mismatched attempt")
}

func TestStore_ExpiredFallbackEntryIsAbsent(t *testing.T) {
	ctx := context.Background()
	interactions := &fakeInteractions{ok: false}
	clients := &fakeClients{}
	store := New(interactions, clients, false)
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	require.NoError(t, store.Store(ctx, "ixn5", "state5", "verifier5", time.Now().Add(time.Minute)))

	_, ok, err := store.Retrieve(ctx, "ixn5", "state5")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Cleanup(t *testing.T) {
	interactions := &fakeInteractions{ok: false}
	clients := &fakeClients{}
	store := New(interactions, clients, false)

	ctx := context.Background()
	require.NoError(t, store.Store(ctx, "ixn6", "s", "v", time.Now().Add(-time.Minute)))
	require.NoError(t, store.Store(ctx, "ixn7", "s", "v", time.Now().Add(time.Hour)))

	store.Cleanup(time.Now())
	assert.Equal(t, 1, store.fallbackSize())
}
