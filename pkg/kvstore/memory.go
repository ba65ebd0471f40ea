package kvstore

import (
	"context"
	"sort"
	"sync"
	"time"

	kverrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
)

type memoryEntry struct {
	payload   Payload
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is a process-local Store backed by a map. It is the default for
// single-instance, non-production deployments and is used throughout the
// test suite. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	uidIdx   map[string]memoryEntry
	codeIdx  map[string]memoryEntry
	grants   map[string]map[string]bool // grantID -> set of full keys
	grantTTL map[string]time.Time
	now      Clock
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]memoryEntry),
		uidIdx:   make(map[string]memoryEntry),
		codeIdx:  make(map[string]memoryEntry),
		grants:   make(map[string]map[string]bool),
		grantTTL: make(map[string]time.Time),
		now:      defaultClock,
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Upsert(_ context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := primaryKey(kind, id)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	clone := clonePayload(payload)
	m.entries[key] = memoryEntry{payload: clone, expiresAt: expiresAt}

	if gid, ok := stringField(payload, "grant_id"); ok && gid != "" && IsGrantable(kind) {
		set, ok := m.grants[gid]
		if !ok {
			set = make(map[string]bool)
			m.grants[gid] = set
		}
		set[key] = true
		if existing, ok := m.grantTTL[gid]; !ok || (ttl > 0 && expiresAt.After(existing)) {
			m.grantTTL[gid] = expiresAt
		}
	}

	if code, ok := stringField(payload, "user_code"); ok && code != "" {
		m.codeIdx[code] = memoryEntry{payload: Payload{"id": id}, expiresAt: expiresAt}
	}
	if uid, ok := stringField(payload, "uid"); ok && uid != "" {
		m.uidIdx[uid] = memoryEntry{payload: Payload{"id": id}, expiresAt: expiresAt}
	}
	return nil
}

func (m *Memory) Find(_ context.Context, kind Kind, id string) (Payload, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(primaryKey(kind, id))
}

func (m *Memory) findLocked(key string) (Payload, bool, error) {
	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		if ok {
			delete(m.entries, key)
		}
		return nil, false, nil
	}
	return clonePayload(e.payload), true, nil
}

func (m *Memory) FindByUID(_ context.Context, uid string) (Payload, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.uidIdx[uid]
	if !ok || idx.expired(m.now()) {
		return nil, false, nil
	}
	id, _ := stringField(idx.payload, "id")
	// uid index doesn't know the kind; callers resolving an Interaction
	// always do so via FindByUID, so default to that kind.
	return m.findLocked(primaryKey(KindInteraction, id))
}

func (m *Memory) FindByUserCode(_ context.Context, userCode string) (Payload, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.codeIdx[userCode]
	if !ok || idx.expired(m.now()) {
		return nil, false, nil
	}
	id, _ := stringField(idx.payload, "id")
	return m.findLocked(primaryKey(KindDeviceCode, id))
}

func (m *Memory) Destroy(_ context.Context, kind Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, primaryKey(kind, id))
	return nil
}

func (m *Memory) RevokeByGrant(_ context.Context, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.grants[grantID]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic for tests
	for _, k := range keys {
		delete(m.entries, k)
	}
	delete(m.grants, grantID)
	delete(m.grantTTL, grantID)
	return nil
}

func (m *Memory) Consume(_ context.Context, kind Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := primaryKey(kind, id)
	e, ok := m.entries[key]
	if !ok {
		return kverrors.NewError(kverrors.ErrInvalidArgument, "cannot consume missing entry: "+key, nil)
	}
	payload := clonePayload(e.payload)
	payload["consumed"] = m.now().Unix()
	e.payload = payload
	m.entries[key] = e
	return nil
}

func clonePayload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func stringField(p Payload, field string) (string, bool) {
	v, ok := p[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
