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
	"net"
	"net/url"
	"strings"

	"github.com/ory/fosite"
)

const schemeHTTP = "http"

// Client is the fosite.Client for an end-user application talking to
// this proxy. It wraps fosite.DefaultClient for the standard OAuth
// metadata and carries the proxy-specific upstream-auth bag: whether the
// confirm-login prompt has been satisfied, the PKCE verifier/state
// generated for the upstream redirect, and the normalized upstream token
// fields.
//
// Redirect matching follows RFC 8252 Section 7.3: loopback URIs
// (127.0.0.1, [::1], localhost) match any port on the same scheme, host,
// path, and query.
type Client struct {
	*fosite.DefaultClient

	LoginConfirmed bool `json:"login_confirmed"`

	PKCEVerifier string `json:"pkce_verifier,omitempty"`
	PKCEState    string `json:"pkce_state,omitempty"`

	UpstreamAccessToken  string `json:"upstream_access_token,omitempty"`
	UpstreamRefreshToken string `json:"upstream_refresh_token,omitempty"`
	UpstreamTokenType    string `json:"upstream_token_type,omitempty"`
	UpstreamScope        string `json:"upstream_scope,omitempty"`
	UpstreamIDToken      string `json:"upstream_id_token,omitempty"`
	UpstreamIssuedAt     int64  `json:"upstream_issued_at,omitempty"`
	UpstreamExpiresIn    int64  `json:"upstream_expires_in,omitempty"`
	UpstreamID           string `json:"upstream_id,omitempty"`
	UpstreamInstanceURL  string `json:"upstream_instance_url,omitempty"`
	UpstreamSignature    string `json:"upstream_signature,omitempty"`
	UpstreamSessionNonce string `json:"upstream_session_nonce,omitempty"`
}

// NewClient wraps a freshly registered fosite.DefaultClient.
func NewClient(client *fosite.DefaultClient) *Client {
	return &Client{DefaultClient: client}
}

// MatchRedirectURI reports whether requestedURI is registered, with
// loopback port-wildcarding.
func (c *Client) MatchRedirectURI(requestedURI string) bool {
	for _, registeredURI := range c.GetRedirectURIs() {
		if matchesRedirectURI(requestedURI, registeredURI) {
			return true
		}
	}
	return false
}

// GetMatchingRedirectURI returns the registered URI that matches
// requestedURI (preserving the requested port for loopback matches), or
// "" if none matches.
func (c *Client) GetMatchingRedirectURI(requestedURI string) string {
	for _, registeredURI := range c.GetRedirectURIs() {
		if matchesRedirectURI(requestedURI, registeredURI) {
			if isLoopbackURI(requestedURI) {
				return requestedURI
			}
			return registeredURI
		}
	}
	return ""
}

func matchesRedirectURI(requestedURI, registeredURI string) bool {
	if requestedURI == registeredURI {
		return true
	}
	return matchesAsLoopback(requestedURI, registeredURI)
}

func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	if requested.Scheme != schemeHTTP || registered.Scheme != schemeHTTP {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	if !hostnamesMatch(requested.Hostname(), registered.Hostname()) {
		return false
	}
	if requested.Path != registered.Path {
		return false
	}
	return requested.RawQuery == registered.RawQuery
}

func isLoopbackURI(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return IsLoopbackHost(parsed.Hostname())
}

// IsLoopbackHost reports whether hostname is "localhost", "127.0.0.1", or
// "::1". Exported for reuse by dynamic client registration validation.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

func hostnamesMatch(requested, registered string) bool {
	if strings.EqualFold(requested, "localhost") && strings.EqualFold(registered, "localhost") {
		return true
	}
	return requested == registered
}

var _ fosite.Client = (*Client)(nil)
