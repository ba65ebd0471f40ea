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

	"github.com/go-jose/go-jose/v4"
)

// HandleJWKS serves GET /jwks: the public half of the Ed25519 signing key,
// so downstream clients can verify id_token signatures.
func (p *Provider) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       p.signingPublicKey,
				KeyID:     p.SigningKeyID,
				Algorithm: string(jose.EdDSA),
				Use:       "sig",
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwks)
}
