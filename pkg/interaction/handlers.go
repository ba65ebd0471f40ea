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

package interaction

import (
	"context"
	"fmt"
	"net/http"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
)

// dispatchInteraction serves GET /interaction/{uid}: it renders the
// confirm-login prompt, or redirects to the upstream IdP, depending on the
// interaction's current prompt.
func (s *Service) dispatchInteraction(w http.ResponseWriter, r *http.Request) error {
	uid := r.PathValue("uid")
	ctx := r.Context()

	ia, ok, err := s.Store.FindInteraction(ctx, uid)
	if err != nil {
		return err
	}
	if !ok {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "interaction not found: "+uid, nil)
	}

	switch ia.Prompt {
	case storage.PromptConfirmLogin:
		return s.renderConfirmLogin(w, ia)
	case storage.PromptLogin:
		return s.redirectToUpstream(ctx, w, r, ia)
	default:
		return proxyerrors.NewError(proxyerrors.ErrInternal, "unknown interaction prompt: "+string(ia.Prompt), nil)
	}
}

func (s *Service) redirectToUpstream(ctx context.Context, w http.ResponseWriter, r *http.Request, ia *storage.Interaction) error {
	redirectURI := s.identityCallbackURL()
	authURL, _, err := s.Upstream.BuildAuthorizeURL(ctx, ia.UID, redirectURI)
	if err != nil {
		return err
	}
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

// confirmLogin serves POST /interaction/{uid}/confirm-login. Both
// confirmed=true and confirmed=false finish the interaction with no
// result: the interaction record is deleted outright and the browser
// restarts the authorization request from scratch. The only difference is
// whether client.login_confirmed was flipped, which decides whether the
// next pass re-enters confirm-login or goes straight to login.
func (s *Service) confirmLogin(w http.ResponseWriter, r *http.Request) error {
	uid := r.PathValue("uid")
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		return proxyerrors.NewError(proxyerrors.ErrInvalidArgument, "parsing confirm-login form", err)
	}

	ia, ok, err := s.Store.FindInteraction(ctx, uid)
	if err != nil {
		return err
	}
	if !ok {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "interaction not found: "+uid, nil)
	}

	if r.FormValue("confirmed") == "true" {
		if err := s.Store.SetLoginConfirmed(ctx, ia.ClientID, true); err != nil {
			return err
		}
	}
	if err := s.Store.DeleteInteraction(ctx, uid); err != nil {
		return err
	}

	http.Redirect(w, r, s.cfg.AuthorizePath+"?"+ia.RawQuery, http.StatusFound)
	return nil
}

// abort serves GET /interaction/{uid}/abort: the End-User declined at the
// upstream IdP (or the embedding UI offers an explicit cancel button).
func (s *Service) abort(w http.ResponseWriter, r *http.Request) error {
	uid := r.PathValue("uid")
	ctx := r.Context()

	ia, ok, err := s.Store.FindInteraction(ctx, uid)
	if err != nil {
		return err
	}
	if !ok {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "interaction not found: "+uid, nil)
	}

	if err := s.finishWithError(ctx, ia, "access_denied", "End-User aborted interaction"); err != nil {
		return err
	}
	http.Redirect(w, r, s.resumeURL(ia), http.StatusFound)
	return nil
}

// identityCallback serves the generic, cookie-less upstream callback
// (IDP_CALLBACK_PATH). The upstream IdP returns the user here with no
// session cookie in scope, so the only job is resolving the Interaction
// whose uid equals the echoed state and bouncing the browser into that
// interaction's own cookie scope, carrying the same querystring.
func (s *Service) identityCallback(w http.ResponseWriter, r *http.Request) error {
	state := r.URL.Query().Get("state")
	if state == "" {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "identity callback missing state", nil)
	}

	ia, ok, err := s.Store.FindInteractionByState(r.Context(), state)
	if err != nil {
		return err
	}
	if !ok {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "identity callback: unknown state "+state, nil)
	}

	http.Redirect(w, r, s.uniqueCallbackPath(ia.UID)+"?"+r.URL.RawQuery, http.StatusFound)
	return nil
}

// identityCallbackUnique serves GET /interaction/{uid}/identity/callback:
// the actual code exchange, token persistence, and grant acceptance.
func (s *Service) identityCallbackUnique(w http.ResponseWriter, r *http.Request) error {
	uid := r.PathValue("uid")
	ctx := r.Context()
	q := r.URL.Query()

	ia, ok, err := s.Store.FindInteraction(ctx, uid)
	if err != nil {
		return err
	}
	if !ok {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "interaction not found: "+uid, nil)
	}

	if errCode := q.Get("error"); errCode != "" {
		if err := s.finishWithError(ctx, ia, errCode, q.Get("error_description")); err != nil {
			return err
		}
		http.Redirect(w, r, s.resumeURL(ia), http.StatusFound)
		return nil
	}

	code := q.Get("code")
	if code == "" {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "identity callback missing code", nil)
	}

	verifier, ok, err := s.PKCE.Retrieve(ctx, uid, uid)
	if err != nil {
		return err
	}
	if !ok {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "identity callback: missing or expired pkce verifier", nil)
	}

	tok, err := s.Upstream.ExchangeCode(ctx, code, verifier, s.identityCallbackURL())
	if err != nil {
		return err
	}

	upstreamID := tok.UserID()
	if upstreamID == "" {
		return proxyerrors.NewError(proxyerrors.ErrInternal, "upstream token response missing account id", nil)
	}

	update := storage.UpstreamTokenUpdate{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
		IssuedAt:     tok.IssuedAt.Unix(),
		IDToken:      tok.IDToken,
		UpstreamID:   upstreamID,
		InstanceURL:  stringExtra(tok.UserData, "instance_url"),
		Signature:    stringExtra(tok.UserData, "signature"),
		SessionNonce: stringExtra(tok.UserData, "session_nonce"),
	}
	if err := s.Store.SetUpstreamTokens(ctx, ia.ClientID, update); err != nil {
		return err
	}

	grant, err := s.Store.AcceptOrReuseGrant(ctx, upstreamID, ia.ClientID, s.cfg.ProxyScopes)
	if err != nil {
		return err
	}

	if err := s.Store.FinishInteraction(ctx, uid, storage.Outcome{AccountID: upstreamID, GrantID: grant.ID}); err != nil {
		return err
	}

	http.Redirect(w, r, s.resumeURL(ia), http.StatusFound)
	return nil
}

func (s *Service) finishWithError(ctx context.Context, ia *storage.Interaction, code, description string) error {
	return s.Store.FinishInteraction(ctx, ia.UID, storage.Outcome{ErrorCode: code, ErrorDescription: description})
}

func (s *Service) identityCallbackURL() string {
	return s.Provider.Issuer + s.cfg.CallbackPath
}

func stringExtra(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	if v, ok := data[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}
