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

	"github.com/ory/fosite"
)

// UpstreamTokenUpdate carries the normalized upstream token fields (as
// upstreamidp.TokenResponse exposes them) without this package importing
// the upstreamidp package, keeping the storage <-> upstream-client
// dependency one-directional.
type UpstreamTokenUpdate struct {
	AccessToken  string
	RefreshToken string // empty means "leave the existing refresh token alone"
	TokenType    string
	Scope        string
	IssuedAt     int64
	ExpiresIn    int64
	IDToken      string
	UpstreamID   string
	InstanceURL  string
	Signature    string
	SessionNonce string
}

// GetClientByID is the exported, fosite.Client-typed counterpart of
// getStoredClient, used by callers outside this package (pkg/interaction,
// pkg/proxy) that need the full upstream-auth bag, not just PKCE fields.
func (s *Store) GetClientByID(ctx context.Context, id string) (*Client, bool, error) {
	if c, ok := s.staticClients[id]; ok {
		return c, true, nil
	}
	return s.getStoredClient(ctx, id)
}

// SetLoginConfirmed flips clientID's login_confirmed flag, the switch that
// moves the interaction state machine from the confirm-login prompt to the
// login prompt on every subsequent authorization request for this client.
func (s *Store) SetLoginConfirmed(ctx context.Context, clientID string, confirmed bool) error {
	c, ok, err := s.getStoredClient(ctx, clientID)
	if err != nil {
		return err
	}
	if !ok {
		return fosite.ErrNotFound
	}
	c.LoginConfirmed = confirmed
	return s.CreateClient(ctx, c)
}

// SetUpstreamTokens records a freshly exchanged or refreshed upstream token
// response on clientID's bag. A zero-value RefreshToken in upd leaves the
// client's prior upstream_refresh_token untouched: an upstream refresh
// response may omit the refresh token, and the existing one must survive.
func (s *Store) SetUpstreamTokens(ctx context.Context, clientID string, upd UpstreamTokenUpdate) error {
	c, ok, err := s.getStoredClient(ctx, clientID)
	if err != nil {
		return err
	}
	if !ok {
		return fosite.ErrNotFound
	}

	c.UpstreamAccessToken = upd.AccessToken
	if upd.RefreshToken != "" {
		c.UpstreamRefreshToken = upd.RefreshToken
	}
	c.UpstreamTokenType = upd.TokenType
	if upd.Scope != "" {
		c.UpstreamScope = upd.Scope
	}
	c.UpstreamIssuedAt = upd.IssuedAt
	if upd.ExpiresIn != 0 {
		c.UpstreamExpiresIn = upd.ExpiresIn
	}
	if upd.IDToken != "" {
		c.UpstreamIDToken = upd.IDToken
	}
	if upd.UpstreamID != "" {
		c.UpstreamID = upd.UpstreamID
	}
	if upd.InstanceURL != "" {
		c.UpstreamInstanceURL = upd.InstanceURL
	}
	if upd.Signature != "" {
		c.UpstreamSignature = upd.Signature
	}
	if upd.SessionNonce != "" {
		c.UpstreamSessionNonce = upd.SessionNonce
	}

	return s.CreateClient(ctx, c)
}

// DestroyClient removes clientID's registration outright. Exposed alongside
// DeleteClient (the fosite.ClientManager-facing name) for callers in
// pkg/proxy that think in terms of tearing down access, not client
// management.
func (s *Store) DestroyClient(ctx context.Context, clientID string) error {
	return s.DeleteClient(ctx, clientID)
}
