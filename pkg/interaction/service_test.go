package interaction

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
	"github.com/stacklok/mcp-auth-proxy/pkg/pkcestore"
	"github.com/stacklok/mcp-auth-proxy/pkg/upstreamidp"
)

const (
	testClientID    = "downstream-client"
	testRedirectURI = "http://127.0.0.1:8912/callback"
	testState       = "state-12345678"
)

// idpFixture is a minimal upstream IdP: discovery plus a token endpoint
// that records what the proxy sent it.
type idpFixture struct {
	srv *httptest.Server

	lastGrantType    string
	lastCode         string
	lastCodeVerifier string
}

func newIDPFixture(t *testing.T) *idpFixture {
	t.Helper()
	f := &idpFixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 "http://" + r.Host,
			"authorization_endpoint": "http://" + r.Host + "/authorize",
			"token_endpoint":         "http://" + r.Host + "/token",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.lastGrantType = r.PostForm.Get("grant_type")
		f.lastCode = r.PostForm.Get("code")
		f.lastCodeVerifier = r.PostForm.Get("code_verifier")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "idp-access-token",
			"refresh_token": "idp-refresh-token",
			"token_type":    "Bearer",
			"scope":         "api",
			"id":            "upstream-user-1",
			"instance_url":  "https://instance.example",
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type fixture struct {
	srv      *httptest.Server
	store    *storage.Store
	pkce     *pkcestore.Store
	provider *authserver.Provider
	idp      *idpFixture
	client   *http.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := storage.New(kvstore.NewMemory(), nil)
	pkce := pkcestore.New(store, store, false)

	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	provider, err := authserver.NewProvider(authserver.Config{
		Issuer:     srv.URL,
		SigningKey: authserver.SigningKey{KeyID: "test-key", Key: signingKey},
		HMACSecret: []byte("01234567890123456789012345678901"),
		Scopes:     []string{"openid", "offline_access"},
	}, store)
	require.NoError(t, err)

	idp := newIDPFixture(t)
	upstream, err := upstreamidp.NewClient(ctx, upstreamidp.Config{
		ServerURL: idp.srv.URL,
		ClientID:  "idp-client",
	}, pkce)
	require.NoError(t, err)

	svc := NewService(provider, store, upstream, pkce, Config{
		ProxyScopes: []string{"openid", "offline_access"},
	})
	svc.RegisterRoutes(mux)
	mux.HandleFunc("POST /token", provider.HandleToken)

	downstream := storage.NewClient(&fosite.DefaultClient{
		ID:            testClientID,
		RedirectURIs:  []string{testRedirectURI},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		Scopes:        []string{"openid", "offline_access"},
		Public:        true,
	})
	require.NoError(t, store.CreateClient(ctx, downstream))

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	httpClient := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &fixture{srv: srv, store: store, pkce: pkce, provider: provider, idp: idp, client: httpClient}
}

func (f *fixture) get(t *testing.T, rawURL string) *http.Response {
	t.Helper()
	resp, err := f.client.Get(rawURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// location resolves resp's Location header against the request URL.
func location(t *testing.T, resp *http.Response) *url.URL {
	t.Helper()
	loc, err := resp.Location()
	require.NoError(t, err)
	return loc
}

func authorizeURL(base string, challenge string) string {
	q := url.Values{
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid offline_access"},
		"state":                 {testState},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return base + "/auth?" + q.Encode()
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestAuthorizationFlow_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	downstreamVerifier := strings.Repeat("v", 43)

	// Fresh client: /auth starts a confirm-login interaction.
	resp := f.get(t, authorizeURL(f.srv.URL, s256(downstreamVerifier)))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	firstInteraction := location(t, resp)
	require.True(t, strings.HasPrefix(firstInteraction.Path, "/interaction/"))
	uid1 := strings.TrimPrefix(firstInteraction.Path, "/interaction/")

	resp = f.get(t, f.srv.URL+firstInteraction.Path)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "/interaction/"+uid1+"/confirm-login")

	// Confirming restarts authorization with login_confirmed flipped.
	confirmResp, err := f.client.PostForm(f.srv.URL+"/interaction/"+uid1+"/confirm-login", url.Values{"confirmed": {"true"}})
	require.NoError(t, err)
	defer confirmResp.Body.Close()
	require.Equal(t, http.StatusFound, confirmResp.StatusCode)
	restartLoc := location(t, confirmResp)
	require.Equal(t, "/auth", restartLoc.Path)

	stored, ok, err := f.store.GetClientByID(ctx, testClientID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.LoginConfirmed)

	// Second pass lands on the login prompt, which bounces to the upstream IdP.
	resp = f.get(t, f.srv.URL+restartLoc.Path+"?"+restartLoc.RawQuery)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	secondInteraction := location(t, resp)
	uid2 := strings.TrimPrefix(secondInteraction.Path, "/interaction/")
	require.NotEqual(t, uid1, uid2, "confirm-login finishes with no result; the next pass is a fresh interaction")

	resp = f.get(t, f.srv.URL+secondInteraction.Path)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	upstreamAuth := location(t, resp)
	assert.Equal(t, "/authorize", upstreamAuth.Path)
	assert.Equal(t, uid2, upstreamAuth.Query().Get("state"), "state doubles as the interaction id")
	assert.Equal(t, "S256", upstreamAuth.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, upstreamAuth.Query().Get("code_challenge"))

	// Upstream sends the browser back through the generic, cookie-less
	// callback, which re-enters the interaction's own path.
	resp = f.get(t, f.srv.URL+"/interaction/identity/callback?state="+uid2+"&code=upstream-code-1")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	uniqueCallback := location(t, resp)
	require.Equal(t, "/interaction/"+uid2+"/identity/callback", uniqueCallback.Path)
	require.Equal(t, "upstream-code-1", uniqueCallback.Query().Get("code"))

	resp = f.get(t, f.srv.URL+uniqueCallback.Path+"?"+uniqueCallback.RawQuery)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	resumeLoc := location(t, resp)
	require.Equal(t, "/auth", resumeLoc.Path)
	require.Equal(t, uid2, resumeLoc.Query().Get("interaction_uid"))

	assert.Equal(t, "authorization_code", f.idp.lastGrantType)
	assert.Equal(t, "upstream-code-1", f.idp.lastCode)
	assert.NotEmpty(t, f.idp.lastCodeVerifier, "the verifier persisted at redirect time is replayed on exchange")

	stored, ok, err = f.store.GetClientByID(ctx, testClientID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "idp-access-token", stored.UpstreamAccessToken)
	assert.Equal(t, "idp-refresh-token", stored.UpstreamRefreshToken)
	assert.Equal(t, "upstream-user-1", stored.UpstreamID)
	assert.Equal(t, "https://instance.example", stored.UpstreamInstanceURL)

	// Resuming mints the downstream authorization code and clears the
	// browser session cookie so the next downstream client starts clean.
	// fosite uses 303 See Other for authorize redirects per RFC 6749.
	resp = f.get(t, f.srv.URL+resumeLoc.Path+"?"+resumeLoc.RawQuery)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode, "authorize error instead of code: %v", resp.Header.Get("Location"))
	final := location(t, resp)
	require.True(t, strings.HasPrefix(final.String(), testRedirectURI), "expected redirect to the client, got %s", final)
	code := final.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, testState, final.Query().Get("state"))

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == authserver.SessionCookieName && c.Value == "" {
			cleared = true
		}
	}
	assert.True(t, cleared, "the session cookie must be cleared once the grant is issued")

	// The minted code exchanges at /token for downstream tokens.
	tokenResp, err := http.PostForm(f.srv.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {testClientID},
		"code_verifier": {downstreamVerifier},
	})
	require.NoError(t, err)
	defer tokenResp.Body.Close()

	var tokens map[string]any
	require.NoError(t, json.NewDecoder(tokenResp.Body).Decode(&tokens))
	require.Equal(t, http.StatusOK, tokenResp.StatusCode, "token endpoint error: %v", tokens)
	assert.NotEmpty(t, tokens["access_token"])
	assert.NotEmpty(t, tokens["refresh_token"])
	assert.NotEmpty(t, tokens["id_token"])

	grant, ok, err := f.store.FindGrant(ctx, storage.GrantID("upstream-user-1", testClientID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"openid", "offline_access"}, grant.Scopes)
}

func TestConfirmLogin_DeclinedLeavesClientUnconfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.get(t, authorizeURL(f.srv.URL, s256(strings.Repeat("v", 43))))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	uid := strings.TrimPrefix(location(t, resp).Path, "/interaction/")

	declineResp, err := f.client.PostForm(f.srv.URL+"/interaction/"+uid+"/confirm-login", url.Values{"confirmed": {"false"}})
	require.NoError(t, err)
	defer declineResp.Body.Close()
	require.Equal(t, http.StatusFound, declineResp.StatusCode)

	stored, ok, err := f.store.GetClientByID(ctx, testClientID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, stored.LoginConfirmed)

	_, ok, err = f.store.FindInteraction(ctx, uid)
	require.NoError(t, err)
	assert.False(t, ok, "both confirm outcomes finish the interaction with no result")
}

func TestAbort_FinishesWithAccessDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.get(t, authorizeURL(f.srv.URL, s256(strings.Repeat("v", 43))))
	uid := strings.TrimPrefix(location(t, resp).Path, "/interaction/")

	resp = f.get(t, f.srv.URL+"/interaction/"+uid+"/abort")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	resumeLoc := location(t, resp)
	require.Equal(t, uid, resumeLoc.Query().Get("interaction_uid"))

	ia, ok, err := f.store.FindInteraction(ctx, uid)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, ia.Outcome)
	assert.Equal(t, "access_denied", ia.Outcome.ErrorCode)
	assert.Equal(t, "End-User aborted interaction", ia.Outcome.ErrorDescription)

	// Resuming turns the recorded outcome into an OAuth error redirect.
	// fosite uses 303 See Other for error redirects per RFC 6749.
	resp = f.get(t, f.srv.URL+resumeLoc.Path+"?"+resumeLoc.RawQuery)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	final := location(t, resp)
	assert.True(t, strings.HasPrefix(final.String(), testRedirectURI))
	assert.Equal(t, "access_denied", final.Query().Get("error"))
}

func TestInteractionErrors_RedirectToSessionReset(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, f.srv.URL+"/interaction/no-such-interaction")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/session/reset", location(t, resp).Path)

	resp = f.get(t, f.srv.URL+"/interaction/identity/callback?state=unknown-state&code=x")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/session/reset", location(t, resp).Path)
}
