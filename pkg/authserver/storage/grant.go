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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
)

// Grant ties an account subject (the upstream IdP's account id) to a
// downstream client and records the OIDC scopes bound to that pairing.
// Every AccessToken/RefreshToken/AuthorizationCode session's Session.GrantID
// points back at one of these; kvstore.RevokeByGrant cascades its deletion
// across every token minted under it.
type Grant struct {
	ID       string   `json:"id"`
	Subject  string   `json:"subject"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// GrantID derives a stable id for the (subject, clientID) pairing so that
// accepting a grant is idempotent: a second login from the same upstream
// account for the same downstream client reuses the existing Grant rather
// than minting a parallel one with its own revocation list.
func GrantID(subject, clientID string) string {
	sum := sha256.Sum256([]byte(subject + "\x00" + clientID))
	return hex.EncodeToString(sum[:])
}

// AcceptOrReuseGrant resolves the Grant for (subject, clientID), creating it
// with scopes if absent, or folding any new scopes into the existing one if
// present. The grant's own scopes are always the proxy's configured scopes
// (PROXY_SCOPE), not whatever the upstream IdP granted — see
// pkg/interaction's identity callback handler.
func (s *Store) AcceptOrReuseGrant(ctx context.Context, subject, clientID string, scopes []string) (*Grant, error) {
	id := GrantID(subject, clientID)
	existing, ok, err := s.FindGrant(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		existing.Scopes = mergeScopes(existing.Scopes, scopes)
		if err := s.putGrant(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	g := &Grant{ID: id, Subject: subject, ClientID: clientID, Scopes: scopes}
	if err := s.putGrant(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// FindGrant looks up a Grant by id.
func (s *Store) FindGrant(ctx context.Context, id string) (*Grant, bool, error) {
	payload, ok, err := s.kv.Find(ctx, kvstore.KindGrant, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	raw, ok := stringField(payload, "json")
	if !ok {
		return nil, false, proxyerrors.NewError(proxyerrors.ErrInternal, "grant payload missing json field", nil)
	}
	g := &Grant{}
	if err := json.Unmarshal([]byte(raw), g); err != nil {
		return nil, false, proxyerrors.NewError(proxyerrors.ErrInternal, "decode grant", err)
	}
	return g, true, nil
}

// DestroyGrant revokes every token kind bound to grantID and deletes the
// Grant itself: destroying a grant destroys every token minted under it.
func (s *Store) DestroyGrant(ctx context.Context, grantID string) error {
	if err := s.kv.RevokeByGrant(ctx, grantID); err != nil {
		return err
	}
	return s.kv.Destroy(ctx, kvstore.KindGrant, grantID)
}

func (s *Store) putGrant(ctx context.Context, g *Grant) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return proxyerrors.NewError(proxyerrors.ErrInternal, "encode grant", err)
	}
	return s.kv.Upsert(ctx, kvstore.KindGrant, g.ID, kvstore.Payload{"json": string(raw)}, 0)
}

func mergeScopes(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	for _, s := range incoming {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}
