// Package api assembles the HTTP surface: operator control plane, agent
// plane, health probes and Prometheus metrics behind the shared middleware
// chain.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oriys/usher/internal/api/agentplane"
	"github.com/oriys/usher/internal/api/controlplane"
	"github.com/oriys/usher/internal/auth"
	"github.com/oriys/usher/internal/config"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/observability"
	"github.com/oriys/usher/internal/ratelimit"
	"github.com/oriys/usher/internal/store"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Store        *store.Store
	Deployer     controlplane.Deployer
	Quota        controlplane.QuotaGate
	Signer       controlplane.URLSigner
	Artifacts    agentplane.ArtifactStore
	Finisher     agentplane.Finisher
	Callbacks    agentplane.CallbackNotifier
	AuthCfg      *config.AuthConfig
	RateLimitCfg *config.RateLimitConfig
	Redis        *redis.Client // optional shared rate-limit backend
}

// StartHTTPServer creates and starts the HTTP server with control plane and
// agent plane handlers.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	cpHandler := &controlplane.Handler{
		Store:    cfg.Store,
		Deployer: cfg.Deployer,
		Quota:    cfg.Quota,
		Signer:   cfg.Signer,
	}
	cpHandler.RegisterRoutes(mux)

	apHandler := &agentplane.Handler{
		Store:     cfg.Store,
		Artifacts: cfg.Artifacts,
		Finisher:  cfg.Finisher,
		Callbacks: cfg.Callbacks,
	}
	apHandler.RegisterRoutes(mux)

	registerHealth(mux, cfg.Store)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	if cfg.RateLimitCfg != nil && cfg.RateLimitCfg.Enabled {
		var backend ratelimit.Backend
		if cfg.Redis != nil {
			backend = ratelimit.NewRedisBackend(cfg.Redis)
		} else {
			backend = ratelimit.NewLocalBackend()
		}
		limiter := ratelimit.New(backend, ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitCfg.RequestsPerSecond,
			BurstSize:         cfg.RateLimitCfg.BurstSize,
		})
		handler = ratelimit.Middleware(limiter)(handler)
		logging.Op().Info("rate limiting enabled",
			"rps", cfg.RateLimitCfg.RequestsPerSecond, "shared", cfg.Redis != nil)
	}

	if cfg.AuthCfg != nil && cfg.AuthCfg.Enabled {
		authenticators := buildAuthenticators(cfg.AuthCfg, cfg.Store)
		handler = auth.Middleware(authenticators, cfg.AuthCfg.PublicPaths)(handler)
		logging.Op().Info("authentication enabled", "public_paths", cfg.AuthCfg.PublicPaths)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}

// buildAuthenticators creates authenticators based on config: API keys for
// operators, HMAC bearer tokens for agents.
func buildAuthenticators(cfg *config.AuthConfig, s *store.Store) []auth.Authenticator {
	var keys store.APIKeyStore
	if s != nil {
		keys = s
	}
	authenticators := []auth.Authenticator{
		auth.NewAPIKeyAuthenticator(keys, cfg.StaticKeys),
	}
	if cfg.SystemToken != "" {
		issuer := auth.NewAgentTokenIssuer(cfg.SystemToken)
		authenticators = append(authenticators, auth.NewAgentAuthenticator(issuer, cfg.SystemToken))
	}
	return authenticators
}

func registerHealth(mux *http.ServeMux, st *store.Store) {
	ok := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
	mux.HandleFunc("GET /health", ok)
	mux.HandleFunc("GET /health/live", ok)
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if st != nil {
			if err := st.Ping(ctx); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"degraded","reason":"store unreachable"}`))
				return
			}
		}
		ok(w, r)
	})
}
