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

// Command mcp-auth-proxy validates configuration, wires the storage,
// authorization-server, interaction, proxy, and session-reset components
// together, and binds the listener once the upstream child process (if
// any) has been started.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/mcp-auth-proxy/internal/config"
	"github.com/stacklok/mcp-auth-proxy/internal/ratelimit"
	"github.com/stacklok/mcp-auth-proxy/internal/supervisor"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/interaction"
	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
	"github.com/stacklok/mcp-auth-proxy/pkg/pkcestore"
	"github.com/stacklok/mcp-auth-proxy/pkg/proxy"
	"github.com/stacklok/mcp-auth-proxy/pkg/sessionreset"
	"github.com/stacklok/mcp-auth-proxy/pkg/upstreamidp"
)

var scopeSplitPattern = regexp.MustCompile(`[ ,]+`)

func splitScopes(s string) []string {
	var out []string
	for _, v := range scopeSplitPattern.Split(s, -1) {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func main() {
	if err := run(); err != nil {
		logger.Errorw("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := buildKVStore(ctx, cfg)
	if err != nil {
		return err
	}

	store := storage.New(kv, nil)

	pkce := pkcestore.New(store, store, cfg.IsProduction())

	upstream, err := upstreamidp.NewClient(ctx, upstreamidp.Config{
		ServerURL:    cfg.IDPServerURL,
		ClientID:     cfg.IDPClientID,
		ClientSecret: cfg.IDPClientSecret,
		Scope:        cfg.IDPScope,
		MetadataFile: cfg.IDPMetadataFile,
	}, pkce)
	if err != nil {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError, "constructing upstream IdP client", err)
	}

	provider, err := authserver.NewProvider(authserver.Config{
		Issuer:     cfg.BaseURL,
		SigningKey: authserver.SigningKey{KeyID: cfg.SigningKeyID, Key: cfg.SigningKey},
		HMACSecret: cfg.HMACSecret(),
		Scopes:     splitScopes(cfg.ProxyScope),
		Cookie: authserver.CookieConfig{
			Path:     "/",
			Secure:   !cfg.LocalInsecure,
			SameSite: http.SameSiteLaxMode,
		},
	}, store)
	if err != nil {
		return proxyerrors.NewError(proxyerrors.ErrConfigurationError, "constructing authorization server", err)
	}

	const sessionResetPath = "/session/reset"

	interactionSvc := interaction.NewService(provider, store, upstream, pkce, interaction.Config{
		SessionResetPath: sessionResetPath,
		CallbackPath:     cfg.IDPCallbackPath,
		ProxyScopes:      splitScopes(cfg.ProxyScope),
	})
	sessionResetSvc := sessionreset.NewService(provider, sessionreset.Config{
		ResetPath:     sessionResetPath,
		AuthorizePath: "/auth",
	})
	proxyHandler := proxy.NewHandler(provider, store, upstream, proxy.Config{
		UpstreamURL:      cfg.UpstreamServerURL,
		SessionResetPath: sessionResetPath,
	})
	limiter := ratelimit.New(ratelimit.Config{
		Requests: cfg.MaxRequests,
		Window:   cfg.MaxRequestsWindow,
	})

	mux := http.NewServeMux()
	interactionSvc.RegisterRoutes(mux)
	sessionResetSvc.RegisterRoutes(mux)
	mux.HandleFunc("POST /token", provider.HandleToken)
	mux.HandleFunc("POST /token/introspection", provider.HandleIntrospection)
	mux.HandleFunc("POST /token/revocation", provider.HandleRevocation)
	mux.HandleFunc("GET /jwks", provider.HandleJWKS)
	mux.HandleFunc("GET /me", provider.HandleUserinfo)
	mux.HandleFunc("POST /me", provider.HandleUserinfo)
	mux.HandleFunc("POST /reg", provider.HandleRegister)
	mux.HandleFunc("GET /session/end", provider.HandleSessionEnd)
	mux.HandleFunc("POST /session/end", provider.HandleSessionEnd)
	mux.HandleFunc("POST /device/auth", provider.HandleDeviceAuthorization)
	mux.HandleFunc("GET /device", provider.HandleDevice)
	mux.HandleFunc("POST /device", provider.HandleDevice)
	mux.HandleFunc("POST /backchannel", provider.HandleBackchannelAuth)
	mux.HandleFunc("POST /request", provider.HandlePushedAuthorizationRequest)
	mux.Handle("GET /.well-known/oauth-authorization-server", limiter.Middleware(http.HandlerFunc(provider.HandleWellKnown)))
	mux.Handle("/", proxyHandler)

	sup, err := supervisor.Start(supervisor.Config{
		Command: cfg.UpstreamRunCommand,
		Args:    cfg.UpstreamRunArgs,
		Dir:     cfg.UpstreamRunDir,
		Env:     cfg.UpstreamRunEnv,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sup.Stop(context.Background()) }()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("listening", "addr", server.Addr, "base_url", cfg.BaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return proxyerrors.NewError(proxyerrors.ErrInternal, "http server failed", err)
		}
	case err := <-sup.Done():
		if err != nil {
			return proxyerrors.NewError(proxyerrors.ErrConfigurationError, "upstream child process exited", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildKVStore connects to KV_URL. Connection loss after startup is
// fatal: a background liveness ping exits the process rather than letting
// the proxy silently degrade.
func buildKVStore(ctx context.Context, cfg config.Config) (kvstore.Store, error) {
	opts, err := redis.ParseURL(cfg.KVURL)
	if err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrConfigurationError, "parsing KV_URL", err)
	}
	if opts.TLSConfig == nil && cfg.IsProduction() && !cfg.LocalInsecure {
		return nil, proxyerrors.NewError(proxyerrors.ErrConfigurationError,
			"KV_URL must use TLS (rediss://) in production unless LOCAL_INSECURE=true", nil)
	}

	client := redis.NewClient(opts)
	store := kvstore.NewRedis(client, cfg.KVPrefix)

	if err := store.Ping(ctx); err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrStoreUnavailable, "connecting to KV_URL", err)
	}
	go watchKVLiveness(store)

	return store, nil
}

// watchKVLiveness exits the process on sustained KV connection loss. The
// proxy has no meaningful degraded mode without its store; re-exec by the
// surrounding supervisor is the recovery path.
func watchKVLiveness(store *kvstore.Redis) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	failures := 0
	for range ticker.C {
		if err := store.Ping(context.Background()); err != nil {
			failures++
			logger.Warnw("KV store liveness check failed", "error", err, "consecutive_failures", failures)
			if failures >= 3 {
				logger.Errorw("KV store unavailable, exiting", "error", err)
				os.Exit(1)
			}
			continue
		}
		failures = 0
	}
}
