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
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
)

func deviceProvider(t *testing.T) *Provider {
	t.Helper()
	store := storage.New(kvstore.NewMemory(), nil)
	return &Provider{Issuer: "https://proxy.example", Storage: store}
}

func TestHandleDeviceAuthorization_IssuesPollableCodes(t *testing.T) {
	t.Parallel()
	p := deviceProvider(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/device/auth", nil)
	p.HandleDeviceAuthorization(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["device_code"])
	assert.NotEmpty(t, resp["user_code"])
	assert.Equal(t, "https://proxy.example/device", resp["verification_uri"])
}

func TestHandleDevice_GetServesVerificationForm(t *testing.T) {
	t.Parallel()
	p := deviceProvider(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/device", nil)
	p.HandleDevice(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user_code")
}

func TestHandleDevice_PostConsumesKnownCode(t *testing.T) {
	t.Parallel()
	p := deviceProvider(t)

	authRec := httptest.NewRecorder()
	p.HandleDeviceAuthorization(authRec, httptest.NewRequest(http.MethodPost, "/device/auth", nil))
	var authResp map[string]any
	require.NoError(t, json.Unmarshal(authRec.Body.Bytes(), &authResp))
	userCode := authResp["user_code"].(string)

	rec := httptest.NewRecorder()
	form := url.Values{"user_code": {strings.ToLower(userCode)}}
	req := httptest.NewRequest(http.MethodPost, "/device", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	p.HandleDevice(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDevice_PostRejectsUnknownCode(t *testing.T) {
	t.Parallel()
	p := deviceProvider(t)

	rec := httptest.NewRecorder()
	form := url.Values{"user_code": {"NOPE0000"}}
	req := httptest.NewRequest(http.MethodPost, "/device", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	p.HandleDevice(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBackchannelAuth_IssuesPollableRequest(t *testing.T) {
	t.Parallel()
	p := deviceProvider(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/backchannel", nil)
	p.HandleBackchannelAuth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["auth_req_id"])
}

func TestHandlePushedAuthorizationRequest_ReturnsRequestURI(t *testing.T) {
	t.Parallel()
	p := deviceProvider(t)

	form := url.Values{"client_id": {"abc"}, "response_type": {"code"}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/request", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	p.HandlePushedAuthorizationRequest(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	uri, _ := resp["request_uri"].(string)
	assert.True(t, strings.HasPrefix(uri, "urn:ietf:params:oauth:request_uri:"))
}
