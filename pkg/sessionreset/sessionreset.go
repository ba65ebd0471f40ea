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

// Package sessionreset implements the terminal endpoint every caught
// InteractionNotFound/SessionNotFound/AccessDenied/
// MissingUpstreamAuthorization error is redirected to, so a browser that
// has lost its cookie scope (or a client whose upstream grant was
// destroyed) gets a clean, well-known place to restart from.
package sessionreset

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver"
)

// Config is the pure configuration for the session-reset endpoints.
type Config struct {
	// ResetPath is where GET /session/reset is mounted. Defaults to
	// "/session/reset".
	ResetPath string
	// DonePath is where the reset redirects after clearing cookies.
	// Defaults to "/session/reset/done".
	DonePath string
	// AuthorizePath is the proxy's own /auth entrypoint, advertised in the
	// 401 response so a well-behaved client can restart the flow.
	AuthorizePath string
}

func (c Config) applyDefaults() Config {
	if c.ResetPath == "" {
		c.ResetPath = "/session/reset"
	}
	if c.DonePath == "" {
		c.DonePath = "/session/reset/done"
	}
	if c.AuthorizePath == "" {
		c.AuthorizePath = "/auth"
	}
	return c
}

// Service serves the two session-reset endpoints.
type Service struct {
	Provider *authserver.Provider
	cfg      Config
}

// NewService builds the session-reset endpoints against provider.
func NewService(provider *authserver.Provider, cfg Config) *Service {
	return &Service{Provider: provider, cfg: cfg.applyDefaults()}
}

// RegisterRoutes binds GET /session/reset and GET /session/reset/done.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+s.cfg.ResetPath, s.reset)
	mux.HandleFunc("GET "+s.cfg.DonePath, s.done)
}

// reset clears every cookie in the provider's cookie-name registry using
// the same long-cookie attributes they were set with, then redirects to
// the terminal 401 response.
func (s *Service) reset(w http.ResponseWriter, r *http.Request) {
	// CookieNames() currently names a single cookie; clearing iterates it
	// so a future second cookie (e.g. a separate CSRF cookie) needs no
	// change here.
	for range s.Provider.CookieNames() {
		s.Provider.ClearSessionCookie(w)
	}
	http.Redirect(w, r, s.cfg.DonePath, http.StatusFound)
}

type doneBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

// done responds 401 with a body and WWW-Authenticate header a well-behaved
// OAuth client can use to restart the authorization flow from scratch.
//
// The two surfaces deliberately carry different error codes:
// WWW-Authenticate speaks RFC 6749 to the OAuth layer ("invalid_client" —
// the client's registration died with the session, re-register and
// re-authorize at authorization_uri), while the JSON body names the
// underlying condition ("session_expired") for the application and its
// logs. Description and recovery URI are identical on both.
func (s *Service) done(w http.ResponseWriter, _ *http.Request) {
	authorizeURI := s.Provider.Issuer + s.cfg.AuthorizePath

	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer error="invalid_client", error_description="Session reset", authorization_uri=%q`, authorizeURI))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(doneBody{
		Error:            "session_expired",
		ErrorDescription: "Session reset",
		ErrorURI:         authorizeURI,
	})
}
