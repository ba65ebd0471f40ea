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
	"net/url"
)

// HandleSessionEnd serves GET/POST /session/end: a minimal OpenID Connect
// RP-Initiated Logout. It clears the browser session cookie the same way
// the post-grant cookie clear and the session-reset endpoint do, then
// redirects to post_logout_redirect_uri if the caller supplied one and it
// is same-origin with Issuer; otherwise it falls back to the
// session-reset done page so the browser always lands somewhere
// well-known.
func (p *Provider) HandleSessionEnd(w http.ResponseWriter, r *http.Request) {
	p.ClearSessionCookie(w)

	target := r.URL.Query().Get("post_logout_redirect_uri")
	if target == "" || !sameOrigin(target, p.Issuer) {
		target = p.Issuer + "/session/reset/done"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func sameOrigin(candidate, issuer string) bool {
	c, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	i, err := url.Parse(issuer)
	if err != nil {
		return false
	}
	return c.Scheme == i.Scheme && c.Host == i.Host
}
