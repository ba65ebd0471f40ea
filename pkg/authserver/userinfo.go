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
	"strings"

	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
)

// HandleUserinfo serves GET/POST /me. This proxy has no local profile
// store beyond what the upstream IdP already asserted into the id_token
// at login, so the response is deliberately minimal: sub, iss, the
// scopes the access token actually carries, and its client id.
func (p *Provider) HandleUserinfo(w http.ResponseWriter, r *http.Request) {
	token := fosite.AccessTokenFromRequest(r)
	if token == "" {
		writeUserinfoError(w, "invalid_token", "Missing or malformed Authorization header")
		return
	}

	ctx := r.Context()
	signature := p.Strategy.AccessTokenSignature(ctx, token)
	session := newEmptySession()
	requester, err := p.Storage.GetAccessTokenSession(ctx, signature, session)
	if err != nil {
		writeUserinfoError(w, "invalid_token", "Invalid access token, may be expired")
		return
	}

	sess, ok := requester.GetSession().(*storage.Session)
	if !ok || sess.DefaultSession == nil || sess.DefaultSession.Claims == nil {
		writeUserinfoError(w, "invalid_token", "Invalid access token, may be expired")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sub":    sess.DefaultSession.Claims.Subject,
		"iss":    sess.DefaultSession.Claims.Issuer,
		"scope":  strings.Join(requester.GetGrantedScopes(), " "),
		"client": sess.ClientID,
	})
}

func writeUserinfoError(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+description+`"`)
	http.Error(w, description, http.StatusUnauthorized)
}
