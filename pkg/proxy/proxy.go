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
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
	"github.com/stacklok/mcp-auth-proxy/pkg/upstreamidp"
)

// Handler is a single handler bound to the upstream prefix path: it
// authenticates the downstream bearer token, swaps it for the client's
// upstream token, and relays the request.
type Handler struct {
	Provider *authserver.Provider
	Store    *storage.Store
	Upstream *upstreamidp.Client
	Client   *http.Client

	cfg Config

	// refreshGroup collapses concurrent refreshes for the same client id
	// into a single upstream call. Racing refreshes would both be valid
	// (last write wins on the client bag); collapsing them just avoids
	// burning upstream calls.
	refreshGroup singleflight.Group
}

// NewHandler builds a Handler bound against upstream. The forwarding
// client carries no overall timeout: proxied responses stream for as long
// as the downstream client keeps its connection open, and cancellation
// rides the inbound request context. Only the wait for upstream response
// headers is bounded.
func NewHandler(provider *authserver.Provider, store *storage.Store, upstream *upstreamidp.Client, cfg Config) *Handler {
	cfg = cfg.applyDefaults()
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
	return &Handler{
		Provider: provider,
		Store:    store,
		Upstream: upstream,
		Client:   &http.Client{Transport: transport},
		cfg:      cfg,
	}
}

// resolvedClient is the subset of storage.Client the proxy needs once an
// access token has been authenticated.
type resolvedClient struct {
	id                   string
	grantID              string
	sessionUID           string
	upstreamAccessToken  string
	upstreamRefreshToken string
	upstreamScope        string
}

// ServeHTTP authenticates the downstream bearer, resolves its client, and
// forwards the request with the client's upstream token attached. A 401
// from the upstream triggers at most one refresh-and-retry; any terminal
// failure tears the session down and redirects to the reset endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, err := bearerToken(r)
	if err != nil {
		writeBearerError(w, err)
		return
	}

	accessToken, err := h.findAccessToken(ctx, token)
	if err != nil {
		writeBearerError(w, err)
		return
	}

	client, ok, err := h.Store.GetClientByID(ctx, accessToken.clientID)
	if err != nil {
		logger.Errorw("proxy: resolving client failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !ok || client.UpstreamAccessToken == "" {
		h.resetAndRedirect(ctx, w, r, clientOrNil(client, accessToken), accessToken)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadGateway)
		return
	}

	rc := resolvedClient{
		id:                   client.GetID(),
		grantID:              accessToken.grantID,
		sessionUID:           accessToken.sessionUID,
		upstreamAccessToken:  client.UpstreamAccessToken,
		upstreamRefreshToken: client.UpstreamRefreshToken,
		upstreamScope:        client.UpstreamScope,
	}

	h.proxyWithRetry(ctx, w, r, &rc, body, accessToken)
}

// maxBufferedBody bounds how much of the inbound body this proxy buffers
// to support the refresh-and-retry loop; size limits beyond this are the
// surrounding deployment's responsibility.
const maxBufferedBody = 32 << 20

func (h *Handler) proxyWithRetry(ctx context.Context, w http.ResponseWriter, r *http.Request, rc *resolvedClient, body []byte, at *accessTokenRecord) {
	triedRefresh := false
	for {
		upstreamReq, err := h.buildUpstreamRequest(ctx, r, rc, body)
		if err != nil {
			logger.Errorw("proxy: building upstream request failed", "error", err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}

		resp, err := h.Client.Do(upstreamReq)
		if err != nil {
			h.writeUpstreamError(w, err)
			return
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			if triedRefresh {
				h.resetAndRedirect(ctx, w, r, rc, at)
				return
			}
			if err := h.refreshAndPersist(ctx, rc); err != nil {
				h.resetAndRedirect(ctx, w, r, rc, at)
				return
			}
			triedRefresh = true
			continue
		}

		h.relay(w, resp)
		return
	}
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, r *http.Request, rc *resolvedClient, body []byte) (*http.Request, error) {
	target, err := h.upstreamURL()
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if len(body) > 0 && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header = buildUpstreamHeaders(r.Header, rc)
	if reqBody != nil {
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return req, nil
}

// upstreamURL returns the forwarding target. Exactly one upstream path is
// proxied: every request goes to UPSTREAM_SERVER_URL as configured,
// including its own path and query — the inbound URL contributes nothing.
func (h *Handler) upstreamURL() (string, error) {
	base, err := url.Parse(h.cfg.UpstreamURL)
	if err != nil {
		return "", proxyerrors.NewError(proxyerrors.ErrConfigurationError, "invalid upstream server url", err)
	}
	return base.String(), nil
}

// relay streams the upstream response through without accumulating it.
// Each chunk is flushed as soon as it is written so server-sent events
// reach the downstream client immediately instead of sitting in the
// response write buffer.
func (h *Handler) relay(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	copyOutboundHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Warnw("proxy: streaming upstream response failed", "error", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Warnw("proxy: streaming upstream response failed", "error", err)
			}
			return
		}
	}
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, err error) {
	logger.Warnw("proxy: upstream request failed", "error", err)
	var netErr interface{ Timeout() bool }
	if asTimeout(err, &netErr) && netErr.Timeout() {
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, "upstream unreachable", http.StatusBadGateway)
}

func asTimeout(err error, target *interface{ Timeout() bool }) bool {
	for err != nil {
		if t, ok := err.(interface{ Timeout() bool }); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func clientOrNil(c *storage.Client, at *accessTokenRecord) *resolvedClient {
	if c == nil {
		return &resolvedClient{id: at.clientID, grantID: at.grantID, sessionUID: at.sessionUID}
	}
	return &resolvedClient{id: c.GetID(), grantID: at.grantID, sessionUID: at.sessionUID}
}

func (h *Handler) resetAndRedirect(ctx context.Context, w http.ResponseWriter, r *http.Request, rc *resolvedClient, at *accessTokenRecord) {
	if err := h.destroyAccess(ctx, rc, at); err != nil {
		logger.Errorw("proxy: destroying session state failed", "error", err)
	}
	http.Redirect(w, r, h.cfg.SessionResetPath, http.StatusFound)
}
