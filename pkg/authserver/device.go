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
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// deviceCodeTTL and backchannelRequestTTL bound how long an unredeemed
// device code or CIBA request remains pollable.
const (
	deviceCodeTTL          = 10 * time.Minute
	backchannelRequestTTL  = 10 * time.Minute
	pushedRequestTTL       = 90 * time.Second
	devicePollIntervalSecs = 5
)

// kindPushedAuthorizationRequest is a kind local to this package, the
// same pattern pkg/authserver/storage uses for
// kindOpenIDConnect/kindPKCERequest: nothing outside this handler reads
// it, so it does not belong in kvstore's exported Kind list.
const kindPushedAuthorizationRequest kvstore.Kind = "PushedAuthorizationRequest"

// HandleDeviceAuthorization serves POST /device/auth (RFC 8628). The
// device and user codes are persisted as a KindDeviceCode entity so the
// single-use machinery in pkg/kvstore already covers their lifecycle; no
// fosite device-code factory is wired (authserver.go), so the returned
// device_code cannot be redeemed at /token. The endpoint accepts and
// stages requests; no downstream client of this proxy drives the device
// flow end to end.
func (p *Provider) HandleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	deviceCode := uuid.NewString()
	userCode := strings.ToUpper(uuid.NewString()[:8])

	payload := kvstore.Payload{
		"device_code": deviceCode,
		"user_code":   userCode,
		"authorized":  false,
	}
	if err := p.Storage.KV().Upsert(r.Context(), kvstore.KindDeviceCode, deviceCode, payload, deviceCodeTTL); err != nil {
		logger.Errorw("device authorization request failed", "error", err)
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"device_code":      deviceCode,
		"user_code":        userCode,
		"verification_uri": p.Issuer + "/device",
		"expires_in":       int(deviceCodeTTL.Seconds()),
		"interval":         devicePollIntervalSecs,
	})
}

var deviceVerificationTemplate = template.Must(template.New("device").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Device sign-in</title></head>
<body>
<h1>Enter the code shown on your device</h1>
<form method="post" action="/device">
<input type="text" name="user_code" autocapitalize="characters">
<button type="submit">Submit</button>
</form>
</body></html>
`))

// HandleDevice serves GET /device (verification form) and POST /device
// (user_code submission). Consuming the matched device code here is as
// far as this simplified flow goes — consistent with HandleDeviceAuthorization,
// nothing can redeem it into an access token.
func (p *Provider) HandleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = deviceVerificationTemplate.Execute(w, nil)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	userCode := strings.ToUpper(strings.TrimSpace(r.FormValue("user_code")))

	payload, ok, err := p.Storage.KV().FindByUserCode(r.Context(), userCode)
	if err != nil {
		logger.Errorw("device verification lookup failed", "error", err)
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "unknown or expired code", http.StatusNotFound)
		return
	}
	deviceCode, _ := payload["device_code"].(string)
	if deviceCode != "" {
		_ = p.Storage.KV().Consume(r.Context(), kvstore.KindDeviceCode, deviceCode)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>You may close this window.</h1></body></html>"))
}

// HandleBackchannelAuth serves POST /backchannel (OpenID Connect
// Client-Initiated Backchannel Authentication). Like the device flow
// above, this persists a pollable request record but mints nothing: no
// CIBA factory is composed into the fosite provider (authserver.go).
func (p *Provider) HandleBackchannelAuth(w http.ResponseWriter, r *http.Request) {
	authReqID := uuid.NewString()
	payload := kvstore.Payload{"auth_req_id": authReqID}
	if err := p.Storage.KV().Upsert(r.Context(), kvstore.KindBackchannelAuthenticationRequest, authReqID, payload, backchannelRequestTTL); err != nil {
		logger.Errorw("backchannel authentication request failed", "error", err)
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"auth_req_id": authReqID,
		"expires_in":  int(backchannelRequestTTL.Seconds()),
		"interval":    devicePollIntervalSecs,
	})
}

// HandlePushedAuthorizationRequest serves POST /request (RFC 9126 PAR): it
// stages an authorization request's parameters under a request_uri so a
// subsequent GET /auth?request_uri=... could reference it instead of
// repeating every query parameter on the redirect. pkg/interaction's /auth
// dispatch does not currently resolve request_uri, so — like the
// device/CIBA handlers above — storing and discarding on TTL expiry is
// the entire lifecycle.
func (p *Provider) HandlePushedAuthorizationRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	requestURI := "urn:ietf:params:oauth:request_uri:" + uuid.NewString()
	payload := kvstore.Payload{"query": r.Form.Encode()}
	if err := p.Storage.KV().Upsert(r.Context(), kindPushedAuthorizationRequest, requestURI, payload, pushedRequestTTL); err != nil {
		logger.Errorw("pushed authorization request failed", "error", err)
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"request_uri": requestURI,
		"expires_in":  int(pushedRequestTTL.Seconds()),
	})
}
