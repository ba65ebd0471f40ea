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
	"net/http"

	"github.com/ory/fosite/handler/openid"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
)

// HandleToken serves POST /token: authorization_code and refresh_token
// grants (the only two grant types composed into the provider, see
// authserver.go).
func (p *Provider) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := newEmptySession()

	ar, err := p.OAuth2.NewAccessRequest(ctx, r, session)
	if err != nil {
		p.OAuth2.WriteAccessError(ctx, w, ar, err)
		return
	}

	// Every token minted under this grant carries the same scopes the
	// grant was accepted with: nothing beyond what pkg/interaction
	// already granted at authorization time.
	for _, scope := range ar.GetRequestedScopes() {
		ar.GrantScope(scope)
	}

	response, err := p.OAuth2.NewAccessResponse(ctx, ar)
	if err != nil {
		p.OAuth2.WriteAccessError(ctx, w, ar, err)
		return
	}
	p.OAuth2.WriteAccessResponse(ctx, w, ar, response)
}

// HandleIntrospection serves POST /token/introspection (RFC 7662).
func (p *Provider) HandleIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := newEmptySession()

	ir, err := p.OAuth2.NewIntrospectionRequest(ctx, r, session)
	if err != nil {
		p.OAuth2.WriteIntrospectionError(ctx, w, err)
		return
	}
	p.OAuth2.WriteIntrospectionResponse(ctx, w, ir)
}

// HandleRevocation serves POST /token/revocation (RFC 7009).
func (p *Provider) HandleRevocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := p.OAuth2.NewRevocationRequest(ctx, r)
	p.OAuth2.WriteRevocationResponse(ctx, w, err)
}

func newEmptySession() *storage.Session {
	return &storage.Session{DefaultSession: &openid.DefaultSession{}}
}
