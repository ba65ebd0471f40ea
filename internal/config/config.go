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

// Package config loads and validates the process's environment-variable
// surface, following the same per-field Validate() shape as
// pkg/authserver.Config: every sub-check validates itself,
// Config.Validate aggregates, and nothing downstream of Load ever reads
// os.Getenv again.
package config

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// Config is the fully-resolved, validated configuration for the whole
// process. Every field corresponds to exactly one recognized environment
// variable.
type Config struct {
	// BASE_URL
	BaseURL string
	// PORT
	Port int

	// UPSTREAM_SERVER_URL
	UpstreamServerURL string

	// UPSTREAM_SERVER_RUN_COMMAND / _ARGS_JSON / _DIR / _ENV_JSON
	UpstreamRunCommand string
	UpstreamRunArgs    []string
	UpstreamRunDir     string
	UpstreamRunEnv     map[string]string

	// IDP_SERVER_URL / IDP_CLIENT_ID / IDP_CLIENT_SECRET
	IDPServerURL    string
	IDPClientID     string
	IDPClientSecret string
	// IDP_SCOPE
	IDPScope string
	// IDP_SERVER_METADATA_FILE
	IDPMetadataFile string
	// IDP_CALLBACK_PATH / IDP_UNIQUE_CALLBACK_PATH
	IDPCallbackPath       string
	IDPUniqueCallbackPath string

	// PROXY_SCOPE
	ProxyScope string

	// OIDC_PROVIDER_JWKS
	SigningKeyID string
	SigningKey   ed25519.PrivateKey

	// KV_URL / KV_PREFIX
	KVURL    string
	KVPrefix string

	// MAX_REQUESTS / MAX_REQUESTS_WINDOW
	MaxRequests       int
	MaxRequestsWindow time.Duration

	// LOCAL_INSECURE
	LocalInsecure bool

	// DEPLOYMENT_ENV
	DeploymentEnv string
}

// ProductionEnv is the exact, case-sensitive value DEPLOYMENT_ENV must
// equal for the in-memory PKCE fallback to be disabled.
const ProductionEnv = "production"

// IsProduction reports whether this deployment disables the PKCE fallback
// and other non-production-only conveniences.
func (c Config) IsProduction() bool {
	return c.DeploymentEnv == ProductionEnv
}

// HMACSecret derives the opaque authorization-code/refresh-token signing
// secret from the Ed25519 signing key. There is no separate environment
// variable for fosite's HMAC strategy; deriving the secret from the
// already-required signing key means every replica sharing
// OIDC_PROVIDER_JWKS automatically agrees on it too.
func (c Config) HMACSecret() []byte {
	sum := sha256.Sum256(append([]byte("mcp-auth-proxy:hmac:"), c.SigningKey...))
	return sum[:]
}

// Load reads every recognized environment variable and applies the
// documented defaults. It does not validate; call Validate separately so
// callers can surface a single aggregated error.
func Load() (Config, error) {
	maxRequests, err := intEnv("MAX_REQUESTS", 60)
	if err != nil {
		return Config{}, proxyerrors.NewError(proxyerrors.ErrConfigurationError, "MAX_REQUESTS", err)
	}
	maxRequestsWindowMS, err := intEnv("MAX_REQUESTS_WINDOW", 60000)
	if err != nil {
		return Config{}, proxyerrors.NewError(proxyerrors.ErrConfigurationError, "MAX_REQUESTS_WINDOW", err)
	}
	port, err := intEnv("PORT", 8080)
	if err != nil {
		return Config{}, proxyerrors.NewError(proxyerrors.ErrConfigurationError, "PORT", err)
	}

	upstreamArgs, err := jsonStringArrayEnv("UPSTREAM_SERVER_RUN_COMMAND_ARGS_JSON")
	if err != nil {
		return Config{}, proxyerrors.NewError(proxyerrors.ErrConfigurationError, "UPSTREAM_SERVER_RUN_COMMAND_ARGS_JSON", err)
	}
	upstreamEnv, err := jsonStringMapEnv("UPSTREAM_SERVER_RUN_COMMAND_ENV_JSON")
	if err != nil {
		return Config{}, proxyerrors.NewError(proxyerrors.ErrConfigurationError, "UPSTREAM_SERVER_RUN_COMMAND_ENV_JSON", err)
	}

	keyID, signingKey, err := parseJWKS(os.Getenv("OIDC_PROVIDER_JWKS"))
	if err != nil {
		return Config{}, proxyerrors.NewError(proxyerrors.ErrConfigurationError, "OIDC_PROVIDER_JWKS", err)
	}

	cfg := Config{
		BaseURL: strings.TrimSuffix(os.Getenv("BASE_URL"), "/"),
		Port:    port,

		UpstreamServerURL: os.Getenv("UPSTREAM_SERVER_URL"),

		UpstreamRunCommand: os.Getenv("UPSTREAM_SERVER_RUN_COMMAND"),
		UpstreamRunArgs:    upstreamArgs,
		UpstreamRunDir:     os.Getenv("UPSTREAM_SERVER_RUN_COMMAND_DIR"),
		UpstreamRunEnv:     upstreamEnv,

		IDPServerURL:          os.Getenv("IDP_SERVER_URL"),
		IDPClientID:           os.Getenv("IDP_CLIENT_ID"),
		IDPClientSecret:       os.Getenv("IDP_CLIENT_SECRET"),
		IDPScope:              envDefault("IDP_SCOPE", "openid profile email"),
		IDPMetadataFile:       os.Getenv("IDP_SERVER_METADATA_FILE"),
		IDPCallbackPath:       envDefault("IDP_CALLBACK_PATH", "/interaction/identity/callback"),
		IDPUniqueCallbackPath: envDefault("IDP_UNIQUE_CALLBACK_PATH", "/interaction/:uid/identity/callback"),

		ProxyScope: envDefault("PROXY_SCOPE", "openid offline_access"),

		SigningKeyID: keyID,
		SigningKey:   signingKey,

		KVURL:    os.Getenv("KV_URL"),
		KVPrefix: envDefault("KV_PREFIX", "oidc:"),

		MaxRequests:       maxRequests,
		MaxRequestsWindow: time.Duration(maxRequestsWindowMS) * time.Millisecond,

		LocalInsecure: boolEnv("LOCAL_INSECURE"),
		DeploymentEnv: os.Getenv("DEPLOYMENT_ENV"),
	}

	logger.Debugw("configuration loaded", "base_url", cfg.BaseURL, "deployment_env", cfg.DeploymentEnv)
	return cfg, nil
}

// Validate aggregates every sub-check, returning the first failure
// wrapped as a *errors.Error{Type: ConfigurationError}. An invalid
// BASE_URL or UPSTREAM_SERVER_URL is a fatal, non-zero-exit startup
// error.
func (c Config) Validate() error {
	if err := c.validateBaseURL(); err != nil {
		return err
	}
	if err := c.validateUpstreamURL(); err != nil {
		return err
	}
	if c.IDPServerURL == "" && c.IDPMetadataFile == "" {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError,
			"one of IDP_SERVER_URL or IDP_SERVER_METADATA_FILE is required", nil)
	}
	if c.IDPClientID == "" {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError, "IDP_CLIENT_ID is required", nil)
	}
	if len(c.SigningKey) != ed25519.PrivateKeySize {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError,
			"OIDC_PROVIDER_JWKS must contain at least one Ed25519 private key", nil)
	}
	if c.KVURL == "" {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError, "KV_URL is required", nil)
	}
	if c.MaxRequests <= 0 || c.MaxRequestsWindow <= 0 {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError,
			"MAX_REQUESTS and MAX_REQUESTS_WINDOW must be positive", nil)
	}
	logger.Debug("configuration validation passed")
	return nil
}

func (c Config) validateBaseURL() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError, "BASE_URL must be an absolute URL", err)
	}
	return nil
}

func (c Config) validateUpstreamURL() error {
	u, err := url.Parse(c.UpstreamServerURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError, "UPSTREAM_SERVER_URL must be an absolute URL", err)
	}
	return nil
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func boolEnv(name string) bool {
	v, _ := strconv.ParseBool(os.Getenv(name))
	return v
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func jsonStringArrayEnv(name string) ([]string, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonStringMapEnv(name string) (map[string]string, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseJWKS parses OIDC_PROVIDER_JWKS (a bare JSON array of private JWKs)
// and returns the first Ed25519 private key found, along with its kid.
func parseJWKS(raw string) (string, ed25519.PrivateKey, error) {
	if raw == "" {
		return "", nil, errConfigNil("OIDC_PROVIDER_JWKS is required")
	}
	var keys []jose.JSONWebKey
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return "", nil, err
	}
	for _, k := range keys {
		if k.IsPublic() {
			continue
		}
		if priv, ok := k.Key.(ed25519.PrivateKey); ok {
			return k.KeyID, priv, nil
		}
	}
	return "", nil, errConfigNil("no Ed25519 private key found in OIDC_PROVIDER_JWKS")
}

type configErr string

func (e configErr) Error() string { return string(e) }

func errConfigNil(msg string) error { return configErr(msg) }
