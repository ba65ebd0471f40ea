package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	kverrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// revokeByGrantScript atomically deletes every key in the grant's set and
// the set itself, mirroring the Lua-script revocation used by the
// panva-style oidc-provider Redis adapters this component's contract is
// modeled on.
const revokeByGrantScript = `
local members = redis.call('smembers', KEYS[1])
for _, key in ipairs(members) do
  redis.call('del', key)
end
redis.call('del', KEYS[1])
return #members
`

// Redis is the production Store backend, shared across proxy replicas.
// Connection loss is fatal to the process; Ping is exposed so bootstrap
// code can wire that behavior.
type Redis struct {
	client *redis.Client
	prefix string
	script *redis.Script
	now    Clock
}

// NewRedis wraps an existing *redis.Client. prefix is prepended to every
// key.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		script: redis.NewScript(revokeByGrantScript),
		now:    defaultClock,
	}
}

var _ Store = (*Redis)(nil)

// Ping checks connectivity. Bootstrap should exit the process if this
// fails after the configured retry budget.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) key(s string) string { return r.prefix + s }

func (r *Redis) Upsert(ctx context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error {
	key := r.key(primaryKey(kind, id))

	pipe := r.client.TxPipeline()
	if IsSingleUse(kind) {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return kverrors.NewError(kverrors.ErrInternal, "encode payload", err)
		}
		pipe.HSet(ctx, key, "payload", string(encoded))
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	} else {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return kverrors.NewError(kverrors.ErrInternal, "encode payload", err)
		}
		if ttl > 0 {
			pipe.Set(ctx, key, encoded, ttl)
		} else {
			pipe.Set(ctx, key, encoded, 0)
		}
	}

	if gid, ok := stringField(payload, "grant_id"); ok && gid != "" && IsGrantable(kind) {
		gkey := r.key(grantKey(gid))
		pipe.SAdd(ctx, gkey, key)
		if ttl > 0 {
			// -1 means the list has no expiry; only ever raise a finite TTL.
			cur, err := r.client.TTL(ctx, gkey).Result()
			if err != nil || (cur != -1 && cur < ttl) {
				pipe.Expire(ctx, gkey, ttl)
			}
		}
	}
	if code, ok := stringField(payload, "user_code"); ok && code != "" {
		if ttl > 0 {
			pipe.Set(ctx, r.key(userCodeKey(code)), id, ttl)
		} else {
			pipe.Set(ctx, r.key(userCodeKey(code)), id, 0)
		}
	}
	if uid, ok := stringField(payload, "uid"); ok && uid != "" {
		if ttl > 0 {
			pipe.Set(ctx, r.key(uidKey(uid)), id, ttl)
		} else {
			pipe.Set(ctx, r.key(uidKey(uid)), id, 0)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return kverrors.NewError(kverrors.ErrStoreUnavailable, "upsert "+key, err)
	}
	return nil
}

func (r *Redis) Find(ctx context.Context, kind Kind, id string) (Payload, bool, error) {
	return r.find(ctx, kind, id)
}

func (r *Redis) find(ctx context.Context, kind Kind, id string) (Payload, bool, error) {
	key := r.key(primaryKey(kind, id))

	var raw string
	var err error
	if IsSingleUse(kind) {
		raw, err = r.client.HGet(ctx, key, "payload").Result()
	} else {
		raw, err = r.client.Get(ctx, key).Result()
	}
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kverrors.NewError(kverrors.ErrStoreUnavailable, "find "+key, err)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false, kverrors.NewError(kverrors.ErrInternal, "decode payload "+key, err)
	}

	if IsSingleUse(kind) {
		if consumed, err := r.client.HGet(ctx, key, "consumed").Result(); err == nil {
			var ts int64
			fmt.Sscanf(consumed, "%d", &ts)
			payload["consumed"] = ts
		}
	}
	return payload, true, nil
}

func (r *Redis) FindByUID(ctx context.Context, uid string) (Payload, bool, error) {
	id, err := r.client.Get(ctx, r.key(uidKey(uid))).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kverrors.NewError(kverrors.ErrStoreUnavailable, "find by uid", err)
	}
	return r.find(ctx, KindInteraction, id)
}

func (r *Redis) FindByUserCode(ctx context.Context, userCode string) (Payload, bool, error) {
	id, err := r.client.Get(ctx, r.key(userCodeKey(userCode))).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kverrors.NewError(kverrors.ErrStoreUnavailable, "find by user code", err)
	}
	return r.find(ctx, KindDeviceCode, id)
}

func (r *Redis) Destroy(ctx context.Context, kind Kind, id string) error {
	key := r.key(primaryKey(kind, id))
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return kverrors.NewError(kverrors.ErrStoreUnavailable, "destroy "+key, err)
	}
	return nil
}

func (r *Redis) RevokeByGrant(ctx context.Context, grantID string) error {
	gkey := r.key(grantKey(grantID))
	if err := r.script.Run(ctx, r.client, []string{gkey}).Err(); err != nil && err != redis.Nil {
		return kverrors.NewError(kverrors.ErrStoreUnavailable, "revoke grant "+grantID, err)
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, kind Kind, id string) error {
	key := r.key(primaryKey(kind, id))
	if !IsSingleUse(kind) {
		logger.Warnw("consume called on non-single-use kind", "kind", string(kind), "id", id)
	}
	if err := r.client.HSet(ctx, key, "consumed", r.now().Unix()).Err(); err != nil {
		return kverrors.NewError(kverrors.ErrStoreUnavailable, "consume "+key, err)
	}
	return nil
}
