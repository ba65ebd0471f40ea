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

// Package interaction drives the confirm-login/login prompt dance fosite
// has no opinion about: it owns the /auth entrypoint's START/resume
// dispatch, the per-interaction prompt pages, and the upstream identity
// callback.
package interaction

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
	"github.com/stacklok/mcp-auth-proxy/pkg/pkcestore"
	"github.com/stacklok/mcp-auth-proxy/pkg/upstreamidp"
)

// Config is the pure configuration for the interaction service's routes.
type Config struct {
	// AuthorizePath is where fosite's authorization endpoint is mounted.
	// Defaults to "/auth".
	AuthorizePath string
	// SessionResetPath is where a caught InteractionNotFound/SessionNotFound/
	// AccessDenied error is redirected. Defaults to "/session/reset".
	SessionResetPath string
	// CallbackPath is the generic, cookie-less upstream callback path
	// (IDP_CALLBACK_PATH). Defaults to "/interaction/identity/callback".
	CallbackPath string
	// ProxyScopes are bound to every Grant regardless of what the upstream
	// IdP granted (PROXY_SCOPE).
	ProxyScopes []string
}

func (c Config) applyDefaults() Config {
	if c.AuthorizePath == "" {
		c.AuthorizePath = "/auth"
	}
	if c.SessionResetPath == "" {
		c.SessionResetPath = "/session/reset"
	}
	if c.CallbackPath == "" {
		c.CallbackPath = "/interaction/identity/callback"
	}
	if len(c.ProxyScopes) == 0 {
		c.ProxyScopes = []string{"openid", "offline_access"}
	}
	return c
}

// Service owns the interaction routes and the /auth dispatch.
type Service struct {
	Provider *authserver.Provider
	Store    *storage.Store
	Upstream *upstreamidp.Client
	PKCE     *pkcestore.Store

	cfg Config
}

// NewService wires the interaction state machine against its collaborators.
func NewService(provider *authserver.Provider, store *storage.Store, upstream *upstreamidp.Client, pkce *pkcestore.Store, cfg Config) *Service {
	return &Service{
		Provider: provider,
		Store:    store,
		Upstream: upstream,
		PKCE:     pkce,
		cfg:      cfg.applyDefaults(),
	}
}

// RegisterRoutes binds every interaction route onto mux. The authorization
// endpoint itself (AuthorizePath) is also registered here since its
// start/resume dispatch lives in this package; fosite itself only ever
// sees r as an opaque http.Request.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.AuthorizePath, s.HandleAuthorize)
	mux.HandleFunc("GET /interaction/{uid}", s.wrap(s.dispatchInteraction))
	mux.HandleFunc("POST /interaction/{uid}/confirm-login", s.wrap(s.confirmLogin))
	mux.HandleFunc("GET /interaction/{uid}/abort", s.wrap(s.abort))
	mux.HandleFunc("GET /interaction/{uid}/identity/callback", s.wrap(s.identityCallbackUnique))
	mux.HandleFunc("GET "+s.cfg.CallbackPath, s.wrap(s.identityCallback))
}

// HandleAuthorize is the /auth entrypoint. It parses the request as a
// fosite authorize request, then dispatches to either the start path
// (fresh request) or the resume path (interaction_uid present, meaning an
// interaction already finished and the browser bounced back here).
func (s *Service) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ar, err := s.Provider.OAuth2.NewAuthorizeRequest(ctx, r)
	if err != nil {
		s.Provider.OAuth2.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	client, ok := ar.GetClient().(*storage.Client)
	if !ok {
		s.Provider.OAuth2.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithHint("registered client has an unexpected type"))
		return
	}

	var handlerErr error
	if uid := r.URL.Query().Get("interaction_uid"); uid != "" {
		handlerErr = s.resume(w, r, ar, client, uid)
	} else {
		handlerErr = s.start(w, r, client)
	}
	if handlerErr != nil {
		s.handleError(w, r, handlerErr)
	}
}

// start creates a fresh Interaction for client and sends the browser to
// it. The prompt is confirm-login unless the client already has a
// confirmed login.
func (s *Service) start(w http.ResponseWriter, r *http.Request, client *storage.Client) error {
	ctx := r.Context()
	uid, err := generateUID()
	if err != nil {
		return proxyerrors.NewError(proxyerrors.ErrInternal, "generating interaction id", err)
	}

	prompt := storage.PromptLogin
	if !client.LoginConfirmed {
		prompt = storage.PromptConfirmLogin
	}

	ia := &storage.Interaction{UID: uid, ClientID: client.GetID(), Prompt: prompt, RawQuery: r.URL.RawQuery}
	if err := s.Store.CreateInteraction(ctx, ia); err != nil {
		return err
	}

	if _, err := s.ensureBrowserSession(ctx, w, r); err != nil {
		return err
	}

	http.Redirect(w, r, s.interactionPath(uid), http.StatusFound)
	return nil
}

// resume completes a fosite authorize request once uid's interaction has
// finished, minting the grant (or refusing it) per its recorded Outcome.
func (s *Service) resume(w http.ResponseWriter, r *http.Request, ar fosite.AuthorizeRequester, client *storage.Client, uid string) error {
	ctx := r.Context()
	ia, ok, err := s.Store.FindInteraction(ctx, uid)
	if err != nil {
		return err
	}
	if !ok || ia.Outcome == nil || !ia.Outcome.Done {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "resume: interaction not finished: "+uid, nil)
	}
	if err := s.Store.DeleteInteraction(ctx, uid); err != nil {
		return err
	}

	if ia.Outcome.ErrorCode != "" {
		s.Provider.OAuth2.WriteAuthorizeError(ctx, w, ar, fosite.ErrAccessDenied.WithHint(ia.Outcome.ErrorDescription))
		return nil
	}

	for _, scope := range ar.GetRequestedScopes() {
		ar.GrantScope(scope)
	}

	sessionUID, err := s.ensureBrowserSession(ctx, w, r)
	if err != nil {
		return err
	}

	session := s.Provider.NewSession(ia.Outcome.AccountID, client.GetID(), ia.Outcome.GrantID, sessionUID)
	response, err := s.Provider.OAuth2.NewAuthorizeResponse(ctx, ar, session)
	if err != nil {
		s.Provider.OAuth2.WriteAuthorizeError(ctx, w, ar, err)
		return nil
	}

	// Clear the cookie so this browser can't pollute another downstream
	// client's login with the session it just used.
	s.Provider.ClearSessionCookie(w)
	s.Provider.OAuth2.WriteAuthorizeResponse(ctx, w, ar, response)
	return nil
}

// ensureBrowserSession returns the live browser session for r, minting and
// cookie-setting a new one if the presented cookie is missing or stale.
func (s *Service) ensureBrowserSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	if uid, ok := s.Provider.SessionCookieValue(r); ok {
		live, err := s.Store.FindBrowserSession(ctx, uid)
		if err != nil {
			return "", err
		}
		if live {
			return uid, nil
		}
	}

	uid, err := generateUID()
	if err != nil {
		return "", proxyerrors.NewError(proxyerrors.ErrInternal, "generating session id", err)
	}
	if err := s.Store.CreateBrowserSession(ctx, uid); err != nil {
		return "", err
	}
	s.Provider.SetSessionCookie(w, uid)
	return uid, nil
}

func (s *Service) interactionPath(uid string) string { return "/interaction/" + uid }
func (s *Service) confirmLoginPath(uid string) string {
	return "/interaction/" + uid + "/confirm-login"
}
func (s *Service) uniqueCallbackPath(uid string) string {
	return "/interaction/" + uid + "/identity/callback"
}
func (s *Service) resumeURL(ia *storage.Interaction) string {
	return s.cfg.AuthorizePath + "?" + ia.RawQuery + "&interaction_uid=" + ia.UID
}

// wrap centralizes the error policy for interaction routes:
// InteractionNotFound, SessionNotFound, and AccessDenied mean the browser
// cookie no longer references anything live, so recovery is restarting
// the flow, not surfacing an error.
func (s *Service) wrap(h func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.handleError(w, r, err)
		}
	}
}

func (s *Service) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case proxyerrors.Is(err, proxyerrors.ErrInteractionNotFound),
		proxyerrors.Is(err, proxyerrors.ErrSessionNotFound),
		proxyerrors.Is(err, proxyerrors.ErrAccessDenied):
		logger.Warnw("interaction error, resetting session", "error", err)
		http.Redirect(w, r, s.cfg.SessionResetPath, http.StatusFound)
	default:
		logger.Errorw("interaction handler failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func generateUID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
