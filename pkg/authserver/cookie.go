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
	"time"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
)

// SessionCookieName identifies the browser session cookie. It is the only
// entry in the cookie-name registry the session-reset endpoint walks.
const SessionCookieName = "mcp_auth_proxy_session"

// CookieConfig carries the long-cookie attributes every cookie this proxy
// sets (and clears) must agree on.
type CookieConfig struct {
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

func (c CookieConfig) applyDefaults() CookieConfig {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.SameSite == 0 {
		c.SameSite = http.SameSiteLaxMode
	}
	return c
}

// CookieNames is the registry the session-reset handler iterates to clear
// every cookie this server owns.
func (p *Provider) CookieNames() []string {
	return []string{SessionCookieName}
}

// SetSessionCookie writes uid as the live browser session cookie.
func (p *Provider) SetSessionCookie(w http.ResponseWriter, uid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    uid,
		Path:     p.Cookie.Path,
		Domain:   p.Cookie.Domain,
		Expires:  time.Now().Add(storage.BrowserSessionTTL),
		HttpOnly: true,
		Secure:   p.Cookie.Secure,
		SameSite: p.Cookie.SameSite,
	})
}

// ClearSessionCookie overwrites the session cookie with an immediately
// expired, empty-value one, using the same attributes it was set with —
// otherwise browsers treat it as a distinct cookie and leave the old one
// in place. Used both after a grant is issued and by the session-reset
// endpoint.
func (p *Provider) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     p.Cookie.Path,
		Domain:   p.Cookie.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.Cookie.Secure,
		SameSite: p.Cookie.SameSite,
	})
}

// SessionCookieValue returns the browser session cookie's value, if set.
func (p *Provider) SessionCookieValue(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
