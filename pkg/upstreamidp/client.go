package upstreamidp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// DefaultTimeout is the upstream HTTP timeout for token exchange and
// refresh.
const DefaultTimeout = 30 * time.Second

var scopeSplitPattern = regexp.MustCompile(`[ ,]+`)

// ProviderMetadata is the subset of OIDC discovery metadata this client
// needs. It is populated either from live discovery or from a static
// IDP_SERVER_METADATA_FILE.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
}

// PKCEStore is the write-side of the PKCE storage hook that this client
// needs to persist a generated verifier across the upstream redirect.
type PKCEStore interface {
	Store(ctx context.Context, interactionID, state, codeVerifier string, expiresAt time.Time) error
}

// Config configures a Client.
type Config struct {
	// ServerURL is IDP_SERVER_URL; used for discovery unless MetadataFile
	// is set.
	ServerURL    string
	ClientID     string
	ClientSecret string
	// Scope is IDP_SCOPE, space- or comma-separated. Defaults to
	// DefaultScopes.
	Scope string
	// MetadataFile is IDP_SERVER_METADATA_FILE. When set, discovery is
	// bypassed and this file is parsed as ProviderMetadata JSON.
	MetadataFile string
	// HTTPClient is used for all upstream calls. Defaults to a client
	// with DefaultTimeout.
	HTTPClient *http.Client
	// PKCEExpiry bounds how long a generated verifier remains retrievable.
	// Defaults to 10 minutes.
	PKCEExpiry time.Duration
}

// Client talks to the upstream identity provider: authorization-URL
// construction, code exchange, and refresh.
type Client struct {
	cfg      Config
	metadata ProviderMetadata
	scopes   []string
	http     *http.Client
	pkce     PKCEStore
}

// NewClient performs discovery (or loads static metadata) and returns a
// ready-to-use Client.
func NewClient(ctx context.Context, cfg Config, pkceStore PKCEStore) (*Client, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.PKCEExpiry == 0 {
		cfg.PKCEExpiry = 10 * time.Minute
	}

	var meta ProviderMetadata
	if cfg.MetadataFile != "" {
		raw, err := os.ReadFile(cfg.MetadataFile)
		if err != nil {
			return nil, proxyerrors.NewError(proxyerrors.ErrConfigurationError,
				"reading IDP_SERVER_METADATA_FILE", err)
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, proxyerrors.NewError(proxyerrors.ErrConfigurationError,
				"parsing IDP_SERVER_METADATA_FILE", err)
		}
		logger.Infow("loaded static upstream IdP metadata", "file", cfg.MetadataFile, "issuer", meta.Issuer)
	} else {
		discoveryCtx := oidc.ClientContext(ctx, cfg.HTTPClient)
		provider, err := oidc.NewProvider(discoveryCtx, cfg.ServerURL)
		if err != nil {
			return nil, proxyerrors.NewError(proxyerrors.ErrConfigurationError,
				"discovering upstream IdP metadata", err)
		}
		var claims struct {
			UserinfoEndpoint string `json:"userinfo_endpoint"`
			JWKSURI          string `json:"jwks_uri"`
		}
		_ = provider.Claims(&claims)
		meta = ProviderMetadata{
			Issuer:                cfg.ServerURL,
			AuthorizationEndpoint: provider.Endpoint().AuthURL,
			TokenEndpoint:         provider.Endpoint().TokenURL,
			UserinfoEndpoint:      claims.UserinfoEndpoint,
			JWKSURI:               claims.JWKSURI,
		}
		logger.Infow("discovered upstream IdP metadata", "issuer", cfg.ServerURL)
	}

	scopeStr := cfg.Scope
	if scopeStr == "" {
		scopeStr = strings.Join(DefaultScopes, " ")
	}
	scopes := scopeSplitPattern.Split(scopeStr, -1)

	return &Client{
		cfg:      cfg,
		metadata: meta,
		scopes:   scopes,
		http:     cfg.HTTPClient,
		pkce:     pkceStore,
	}, nil
}

func (c *Client) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       c.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.metadata.AuthorizationEndpoint,
			TokenURL: c.metadata.TokenEndpoint,
		},
	}
}

// BuildAuthorizeURL generates a PKCE verifier/challenge pair, persists the
// verifier via the PKCE storage hook keyed by (interactionID, state), and
// returns the upstream authorization URL. state is always set equal to
// interactionID.
func (c *Client) BuildAuthorizeURL(ctx context.Context, interactionID, redirectURI string) (string, string, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return "", "", proxyerrors.NewError(proxyerrors.ErrInternal, "generating PKCE verifier", err)
	}
	challenge := codeChallengeS256(verifier)

	expiresAt := time.Now().Add(c.cfg.PKCEExpiry)
	if err := c.pkce.Store(ctx, interactionID, interactionID, verifier, expiresAt); err != nil {
		return "", "", err
	}

	oc := c.oauth2Config(redirectURI)
	authURL := oc.AuthCodeURL(
		interactionID,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return authURL, verifier, nil
}

// ExchangeCode calls the upstream token endpoint with the authorization
// code and PKCE verifier, and normalizes the response.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, c.http)
	oc := c.oauth2Config(redirectURI)

	tok, err := oc.Exchange(httpCtx, code, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrUpstreamConnectError, "exchanging code with upstream IdP", err)
	}
	return c.normalize(tok), nil
}

// Refresh exchanges a refresh token for a fresh access token. Any error is
// classified before being returned.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, c.http)
	oc := c.oauth2Config("")

	src := oc.TokenSource(httpCtx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}
	return c.normalize(tok), nil
}

func (c *Client) normalize(tok *oauth2.Token) *TokenResponse {
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	userData := map[string]any{}
	for _, key := range []string{"id", "user_id", "signature", "instance_url", "session_nonce", "expires_in"} {
		if v := tok.Extra(key); v != nil {
			userData[key] = v
		}
	}

	return &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tokenType,
		Scope:        extraString(tok, "scope"),
		IssuedAt:     time.Now(),
		IDToken:      extraString(tok, "id_token"),
		UserData:     userData,
	}
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}

// generateCodeVerifier and codeChallengeS256 implement RFC 7636 PKCE:
// a 32-byte random verifier and its SHA-256 S256 challenge.
func generateCodeVerifier() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func codeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
