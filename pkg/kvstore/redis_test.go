package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, "oidc:")
}

func TestRedis_UpsertFindRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestRedis(t)

	require.NoError(t, store.Upsert(ctx, KindAccessToken, "tok1", Payload{"grant_id": "g1"}, time.Minute))

	got, ok, err := store.Find(ctx, KindAccessToken, "tok1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "g1", got["grant_id"])
}

func TestRedis_RevokeByGrantIsAtomicAndComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestRedis(t)

	require.NoError(t, store.Upsert(ctx, KindAccessToken, "at1", Payload{"grant_id": "g1"}, time.Minute))
	require.NoError(t, store.Upsert(ctx, KindRefreshToken, "rt1", Payload{"grant_id": "g1"}, time.Minute))

	require.NoError(t, store.RevokeByGrant(ctx, "g1"))

	_, ok, _ := store.Find(ctx, KindAccessToken, "at1")
	require.False(t, ok)
	_, ok, _ = store.Find(ctx, KindRefreshToken, "rt1")
	require.False(t, ok)
}

func TestRedis_SingleUseConsume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestRedis(t)

	require.NoError(t, store.Upsert(ctx, KindAuthorizationCode, "code1", Payload{"grant_id": "g1"}, time.Minute))
	require.NoError(t, store.Consume(ctx, KindAuthorizationCode, "code1"))

	got, ok, err := store.Find(ctx, KindAuthorizationCode, "code1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, got["consumed"])
}

func TestRedis_SecondaryIndexes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestRedis(t)

	require.NoError(t, store.Upsert(ctx, KindInteraction, "ixn1", Payload{"uid": "ixn1"}, time.Minute))
	got, ok, err := store.FindByUID(ctx, "ixn1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ixn1", got["uid"])

	require.NoError(t, store.Upsert(ctx, KindDeviceCode, "dc1", Payload{"user_code": "ABCD-EFGH"}, time.Minute))
	got, ok, err = store.FindByUserCode(ctx, "ABCD-EFGH")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ABCD-EFGH", got["user_code"])
}

func TestRedis_Ping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestRedis(t)
	require.NoError(t, store.Ping(ctx))
}
