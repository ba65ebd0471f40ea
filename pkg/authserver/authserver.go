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

// Package authserver wires ory/fosite into the downstream-facing
// authorization server: authorization_code + PKCE (S256 only),
// refresh_token, dynamic client registration, introspection, and
// revocation. id_tokens are signed with Ed25519; opaque authorization
// codes and refresh tokens are HMAC-signed.
//
// fosite has no concept of interaction prompts, so the confirm-login /
// login dance (pkg/interaction) and the post-grant cookie clear live
// outside it, wired in by this package's HTTP handlers.
package authserver

import (
	"context"
	"crypto/ed25519"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
	oauth2handler "github.com/ory/fosite/handler/oauth2"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
)

// Provider bundles the composed fosite.OAuth2Provider with the pieces
// needed to build discovery metadata, mint sessions, and — for the reverse
// proxy (pkg/proxy) — derive an access token's storage signature directly
// instead of going through a second HTTP round trip to introspect it.
type Provider struct {
	OAuth2       fosite.OAuth2Provider
	Config       *fosite.Config
	Storage      *storage.Store
	Strategy     oauth2handler.CoreStrategy
	Issuer       string
	Scopes       []string
	SigningKeyID string
	Cookie       CookieConfig

	signingPublicKey ed25519.PublicKey
}

// NewProvider composes the fosite provider against cfg and store.
func NewProvider(cfg Config, store *storage.Store) (*Provider, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fc := &fosite.Config{
		AccessTokenLifespan:            cfg.AccessTokenLifespan,
		RefreshTokenLifespan:           cfg.RefreshTokenLifespan,
		AuthorizeCodeLifespan:          cfg.AuthCodeLifespan,
		IDTokenLifespan:                cfg.AccessTokenLifespan,
		ScopeStrategy:                  fosite.ExactScopeStrategy,
		AudienceMatchingStrategy:       fosite.DefaultAudienceMatchingStrategy,
		EnforcePKCE:                    true,
		EnforcePKCEForPublicClients:    true,
		EnablePKCEPlainChallengeMethod: false,
		GlobalSecret:                   cfg.HMACSecret,
		AccessTokenIssuer:              cfg.Issuer,
		IDTokenIssuer:                  cfg.Issuer,
	}

	keyFunc := func(_ context.Context) (any, error) { return cfg.SigningKey.Key, nil }
	strategy := compose.CommonStrategy{
		CoreStrategy:               compose.NewOAuth2HMACStrategy(fc),
		OpenIDConnectTokenStrategy: compose.NewOpenIDConnectStrategy(keyFunc, fc),
	}

	oauth2Provider := compose.Compose(
		fc,
		store,
		strategy,

		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2PKCEFactory,

		compose.OpenIDConnectExplicitFactory,
		compose.OpenIDConnectRefreshFactory,

		compose.OAuth2TokenIntrospectionFactory,
		compose.OAuth2TokenRevocationFactory,
	)

	return &Provider{
		OAuth2:       oauth2Provider,
		Config:       fc,
		Storage:      store,
		Strategy:     strategy.CoreStrategy,
		Issuer:       cfg.Issuer,
		Scopes:       cfg.Scopes,
		SigningKeyID: cfg.SigningKey.KeyID,
		Cookie:       cfg.Cookie,

		signingPublicKey: cfg.SigningKey.Key.Public().(ed25519.PublicKey),
	}, nil
}

// NewSession builds the fosite.Session used for a freshly authorized
// request.
func (p *Provider) NewSession(subject, clientID, grantID, sessionUID string) *storage.Session {
	return storage.NewSession(p.Issuer, subject, clientID, grantID, sessionUID, p.Config.GetIDTokenLifespan(context.Background()))
}
