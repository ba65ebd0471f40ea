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

package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ory/fosite/handler/openid"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
)

// bearerToken extracts the downstream bearer token. A missing
// Authorization header and a malformed one are distinguished so the
// WWW-Authenticate hint can say which.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", proxyerrors.NewError(proxyerrors.ErrMissingAuthorization, "Missing Authorization header", nil)
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || strings.TrimSpace(header[len(prefix):]) == "" {
		return "", proxyerrors.NewError(proxyerrors.ErrMalformedAuthorization, "Invalid Authorization header format", nil)
	}
	return header[len(prefix):], nil
}

// accessTokenRecord is the subset of the decoded access-token session the
// proxy needs to authenticate and, on failure, to clean up after.
type accessTokenRecord struct {
	signature  string
	clientID   string
	grantID    string
	sessionUID string
}

// findAccessToken looks up token by its storage signature, derived
// directly via the provider's CoreStrategy rather than through a second
// HTTP round trip to an introspection endpoint.
func (h *Handler) findAccessToken(ctx context.Context, token string) (*accessTokenRecord, error) {
	signature := h.Provider.Strategy.AccessTokenSignature(ctx, token)
	session := &storage.Session{DefaultSession: &openid.DefaultSession{}}
	requester, err := h.Provider.Storage.GetAccessTokenSession(ctx, signature, session)
	if err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrInvalidAccessToken, "Invalid access token, may be expired", err)
	}

	sess, ok := requester.GetSession().(*storage.Session)
	if !ok {
		return nil, proxyerrors.NewError(proxyerrors.ErrInternal, "access token session has unexpected type", nil)
	}

	return &accessTokenRecord{
		signature:  signature,
		clientID:   sess.ClientID,
		grantID:    sess.GrantID,
		sessionUID: sess.SessionUID,
	}, nil
}

// writeBearerError writes the 401 + WWW-Authenticate response for every
// bearer-validation failure.
func writeBearerError(w http.ResponseWriter, err error) {
	code, description := "invalid_token", err.Error()
	switch {
	case proxyerrors.Is(err, proxyerrors.ErrMissingAuthorization):
		description = "Missing Authorization header"
	case proxyerrors.Is(err, proxyerrors.ErrMalformedAuthorization):
		description = "Invalid Authorization header format"
	case proxyerrors.Is(err, proxyerrors.ErrInvalidAccessToken):
		description = "Invalid access token, may be expired"
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error=%q, error_description=%q`, code, description))
	http.Error(w, description, http.StatusUnauthorized)
}
