// Package kvstore implements a typed key-value contract shared by the
// authorization-server storage adapter, the PKCE storage hook, and the
// reverse proxy's client/grant/session lookups.
//
// Two backends are provided: Memory (process-local, used in tests and
// single-instance non-production deployments) and Redis (production,
// shared across replicas).
package kvstore

import (
	"context"
	"time"
)

// Payload is the decoded representation of a stored entity. Callers treat
// it as a JSON-like bag; well-known fields (grant_id, user_code, uid) are
// inspected by Upsert to maintain secondary indexes.
type Payload map[string]any

// Store is the typed key-value contract. Every method is a suspension
// point and must honor ctx cancellation.
type Store interface {
	// Upsert stores payload under (kind, id). If kind is single-use, the
	// payload is stored as a hash so Consume can mark it atomically.
	// If payload["grant_id"] is set and kind is grantable, the full key is
	// appended to the grant's revocation list and that list's TTL is
	// extended to at least ttl. If payload["user_code"] or payload["uid"]
	// is set, the corresponding secondary index is written with the same
	// TTL.
	Upsert(ctx context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error

	// Find returns the decoded payload for (kind, id), or ok=false if
	// absent.
	Find(ctx context.Context, kind Kind, id string) (Payload, bool, error)

	// FindByUID resolves the uid:{uid} secondary index to a primary key
	// and returns its payload.
	FindByUID(ctx context.Context, uid string) (Payload, bool, error)

	// FindByUserCode resolves the userCode:{code} secondary index.
	FindByUserCode(ctx context.Context, userCode string) (Payload, bool, error)

	// Destroy deletes the primary key only. It does not touch any grant
	// list the key may have been appended to; use RevokeByGrant for that.
	Destroy(ctx context.Context, kind Kind, id string) error

	// RevokeByGrant atomically deletes every full key listed under
	// grant:{grantID} and the list itself.
	RevokeByGrant(ctx context.Context, grantID string) error

	// Consume sets the hash field "consumed" to the current unix
	// timestamp. Idempotent: calling it again just updates the timestamp.
	// Only meaningful for single-use kinds.
	Consume(ctx context.Context, kind Kind, id string) error
}

// Clock is overridable for deterministic tests.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now() }

func primaryKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}

func grantKey(grantID string) string {
	return "grant:" + grantID
}

func uidKey(uid string) string {
	return "uid:" + uid
}

func userCodeKey(code string) string {
	return "userCode:" + code
}
