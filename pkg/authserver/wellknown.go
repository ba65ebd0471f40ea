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

package authserver

import (
	"encoding/json"
	"net/http"
)

// discoveryDocument is the GET /.well-known/oauth-authorization-server
// response shape (RFC 8414).
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
}

// HandleWellKnown serves GET /.well-known/oauth-authorization-server. It
// is deliberately read-only and stateless: every field is derived from
// already-validated Config, so it never touches storage.
func (p *Provider) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	doc := discoveryDocument{
		Issuer:                            p.Issuer,
		AuthorizationEndpoint:             p.Issuer + "/auth",
		TokenEndpoint:                     p.Issuer + "/token",
		IntrospectionEndpoint:             p.Issuer + "/token/introspection",
		RevocationEndpoint:                p.Issuer + "/token/revocation",
		UserinfoEndpoint:                  p.Issuer + "/me",
		JWKSURI:                           p.Issuer + "/jwks",
		RegistrationEndpoint:              p.Issuer + "/reg",
		ScopesSupported:                   p.Scopes,
		ResponseTypesSupported:            []string{"code", "code token"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		IDTokenSigningAlgValuesSupported:  []string{"EdDSA"},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
