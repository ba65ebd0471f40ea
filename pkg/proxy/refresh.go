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

package proxy

import (
	"context"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
)

// refreshAndPersist calls the upstream IdP's refresh endpoint, persists
// the result onto the client's bag (storage.SetUpstreamTokens already
// keeps the prior refresh_token and scope when the response omits them),
// and updates rc in place so the caller's retry picks up the fresh access
// token.
//
// Concurrent refreshes for the same client id are collapsed into a single
// upstream call via refreshGroup; every waiter still applies the same
// result, and each individual request still refreshes at most once.
func (h *Handler) refreshAndPersist(ctx context.Context, rc *resolvedClient) error {
	result, err, _ := h.refreshGroup.Do(rc.id, func() (any, error) {
		tok, err := h.Upstream.Refresh(ctx, rc.upstreamRefreshToken)
		if err != nil {
			return nil, err
		}

		update := storage.UpstreamTokenUpdate{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			TokenType:    tok.TokenType,
			Scope:        tok.Scope,
			IssuedAt:     tok.IssuedAt.Unix(),
		}
		if err := h.Store.SetUpstreamTokens(ctx, rc.id, update); err != nil {
			return nil, err
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return err
	}

	rc.upstreamAccessToken = result.(string)
	return nil
}
