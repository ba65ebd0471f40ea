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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
)

func registerProvider(t *testing.T) *Provider {
	t.Helper()
	store := storage.New(kvstore.NewMemory(), nil)
	return &Provider{Storage: store, Scopes: []string{"openid", "offline_access"}}
}

func TestHandleRegister_CreatesPublicPKCEOnlyClient(t *testing.T) {
	t.Parallel()
	p := registerProvider(t)

	body, err := json.Marshal(registrationRequest{
		RedirectURIs: []string{"http://127.0.0.1:51234/callback"},
		ClientName:   "test-client",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/reg", bytes.NewReader(body))
	p.HandleRegister(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp registrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ClientID)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
	assert.Equal(t, "native", resp.ApplicationType)
	assert.Equal(t, "EdDSA", resp.IDTokenSignedResponseAlg)
	assert.Contains(t, resp.GrantTypes, "authorization_code")
	assert.Contains(t, resp.GrantTypes, "refresh_token")

	stored, ok, err := p.Storage.GetClientByID(req.Context(), resp.ClientID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Public)
}

func TestHandleRegister_RejectsMissingRedirectURI(t *testing.T) {
	t.Parallel()
	p := registerProvider(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/reg", bytes.NewReader([]byte(`{}`)))
	p.HandleRegister(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var respErr registrationError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &respErr))
	assert.Equal(t, "invalid_redirect_uri", respErr.Error)
}

func TestHandleRegister_RejectsConfidentialAuthMethod(t *testing.T) {
	t.Parallel()
	p := registerProvider(t)

	body, err := json.Marshal(registrationRequest{
		RedirectURIs:            []string{"http://127.0.0.1:51234/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/reg", bytes.NewReader(body))
	p.HandleRegister(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMergeUnique_PreservesRequiredOrderAndDedupes(t *testing.T) {
	t.Parallel()
	got := mergeUnique([]string{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
