// Package pkcestore implements the PKCE storage hook that bridges a
// generated code_verifier across the upstream redirect. The primary
// destination is the owning downstream client's custom bag; a
// process-local in-memory map is used only when no client can be
// resolved yet, and only outside production.
package pkcestore

import (
	"context"
	"sync"
	"time"

	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
)

// InteractionLookup resolves the client a given interaction belongs to.
type InteractionLookup interface {
	InteractionClientID(ctx context.Context, interactionID string) (clientID string, ok bool, err error)
}

// ClientPKCE reads and writes a downstream client's pkce_state and
// pkce_verifier fields.
type ClientPKCE interface {
	SetPKCE(ctx context.Context, clientID, state, codeVerifier string) error
	GetPKCE(ctx context.Context, clientID string) (state, codeVerifier string, ok bool, err error)
}

type fallbackEntry struct {
	state        string
	codeVerifier string
	expiresAt    time.Time
}

// Store is the PKCE storage hook.
type Store struct {
	interactions InteractionLookup
	clients      ClientPKCE
	production   bool
	now          func() time.Time

	mu       sync.Mutex
	fallback map[string]fallbackEntry
}

// New constructs a Store. production disables the in-memory fallback map
// entirely: any Store call that can't resolve an owning client fails.
func New(interactions InteractionLookup, clients ClientPKCE, production bool) *Store {
	return &Store{
		interactions: interactions,
		clients:      clients,
		production:   production,
		now:          time.Now,
		fallback:     make(map[string]fallbackEntry),
	}
}

// Store persists codeVerifier for later Retrieve. If interactionID
// resolves to an Interaction with a client_id, the verifier is written to
// that client's bag. Otherwise it is held in the in-memory fallback map,
// unless production is true, in which case this call fails.
func (s *Store) Store(ctx context.Context, interactionID, state, codeVerifier string, expiresAt time.Time) error {
	clientID, ok, err := s.interactions.InteractionClientID(ctx, interactionID)
	if err != nil {
		return err
	}
	if ok && clientID != "" {
		return s.clients.SetPKCE(ctx, clientID, state, codeVerifier)
	}

	if s.production {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError,
			"cannot store PKCE state: fallback storage is disabled in production", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[interactionID] = fallbackEntry{state: state, codeVerifier: codeVerifier, expiresAt: expiresAt}
	return nil
}

// Retrieve returns the stored code_verifier for interactionID if state
// matches what was stored and, for fallback entries, the entry has not
// expired. The record is consumed on any outcome, matched or not: a
// mismatched state removes the entry, and a later retrieve with the
// correct state still finds nothing.
func (s *Store) Retrieve(ctx context.Context, interactionID, state string) (string, bool, error) {
	if !s.production {
		verifier, found, matched := s.takeFallback(interactionID, state)
		if found {
			return verifier, matched, nil
		}
	}
	return s.retrieveFromClient(ctx, interactionID, state)
}

func (s *Store) takeFallback(interactionID, state string) (verifier string, found bool, matched bool) {
	s.mu.Lock()
	entry, ok := s.fallback[interactionID]
	delete(s.fallback, interactionID)
	s.mu.Unlock()

	if !ok {
		return "", false, false
	}
	if entry.state != state || s.now().After(entry.expiresAt) {
		return "", true, false
	}
	return entry.codeVerifier, true, true
}

func (s *Store) retrieveFromClient(ctx context.Context, interactionID, state string) (string, bool, error) {
	clientID, ok, err := s.interactions.InteractionClientID(ctx, interactionID)
	if err != nil || !ok || clientID == "" {
		return "", false, err
	}
	storedState, verifier, ok, err := s.clients.GetPKCE(ctx, clientID)
	if err != nil || !ok {
		return "", false, err
	}
	if err := s.clients.SetPKCE(ctx, clientID, "", ""); err != nil {
		return "", false, err
	}
	if storedState != state {
		return "", false, nil
	}
	return verifier, true, nil
}

// Cleanup drops fallback entries that expired before beforeTs.
func (s *Store) Cleanup(beforeTs time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.fallback {
		if entry.expiresAt.Before(beforeTs) {
			delete(s.fallback, id)
		}
	}
}

// fallbackSize reports the number of entries currently held in the
// in-memory map. Exposed for tests asserting it stays at zero in
// production.
func (s *Store) fallbackSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fallback)
}
