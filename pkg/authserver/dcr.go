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
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// registrationRequest is the subset of RFC 7591 fields this proxy accepts.
// Every downstream client registered here is native, public, and
// PKCE-only: fields outside that shape are either ignored or rejected,
// never silently widened.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ApplicationType         string   `json:"application_type,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
}

type registrationResponse struct {
	ClientID                 string   `json:"client_id"`
	ClientIDIssuedAt         int64    `json:"client_id_issued_at"`
	RedirectURIs             []string `json:"redirect_uris"`
	GrantTypes               []string `json:"grant_types"`
	ResponseTypes            []string `json:"response_types"`
	TokenEndpointAuthMethod  string   `json:"token_endpoint_auth_method"`
	ApplicationType          string   `json:"application_type"`
	IDTokenSignedResponseAlg string   `json:"id_token_signed_response_alg"`
}

// HandleRegister serves POST /reg: RFC 7591 dynamic client registration.
// Every registered client is forced into the same shape regardless of
// what the request asked for: token_endpoint_auth_method "none" (public
// client, PKCE-only), grant_types at minimum authorization_code +
// refresh_token, response_types at minimum "code" and "code token",
// application_type "native", id_token_signed_response_alg Ed25519. A
// request asking for a confidential-client auth method is rejected rather
// than honored.
func (p *Provider) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRegistrationError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed JSON body")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeRegistrationError(w, http.StatusBadRequest, "invalid_redirect_uri", "at least one redirect_uri is required")
		return
	}
	if req.TokenEndpointAuthMethod != "" && req.TokenEndpointAuthMethod != "none" {
		writeRegistrationError(w, http.StatusBadRequest, "invalid_client_metadata",
			"only token_endpoint_auth_method=none is supported")
		return
	}

	grantTypes := mergeUnique([]string{"authorization_code", "refresh_token"}, req.GrantTypes)
	responseTypes := mergeUnique([]string{"code", "code token"}, req.ResponseTypes)

	clientID := uuid.NewString()
	client := storage.NewClient(&fosite.DefaultClient{
		ID:            clientID,
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    grantTypes,
		ResponseTypes: responseTypes,
		Scopes:        p.Scopes,
		Public:        true,
	})

	if err := p.Storage.CreateClient(r.Context(), client); err != nil {
		logger.Errorw("dynamic client registration failed", "error", err)
		writeRegistrationError(w, http.StatusInternalServerError, "server_error", "failed to persist client")
		return
	}
	logger.Infow("registered dynamic client", "client_id", clientID, "name", req.ClientName)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(registrationResponse{
		ClientID:                 clientID,
		ClientIDIssuedAt:         time.Now().Unix(),
		RedirectURIs:             req.RedirectURIs,
		GrantTypes:               grantTypes,
		ResponseTypes:            responseTypes,
		TokenEndpointAuthMethod:  "none",
		ApplicationType:          "native",
		IDTokenSignedResponseAlg: "EdDSA",
	})
}

// mergeUnique returns required with every entry of requested appended that
// isn't already present, preserving required's order.
func mergeUnique(required, requested []string) []string {
	seen := make(map[string]bool, len(required))
	out := make([]string, 0, len(required)+len(requested))
	for _, v := range required {
		seen[v] = true
		out = append(out, v)
	}
	for _, v := range requested {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

type registrationError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func writeRegistrationError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(registrationError{Error: code, ErrorDescription: description})
}
