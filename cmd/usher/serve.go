package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/oriys/usher/internal/api"
	"github.com/oriys/usher/internal/artifact"
	"github.com/oriys/usher/internal/auth"
	"github.com/oriys/usher/internal/callback"
	"github.com/oriys/usher/internal/config"
	"github.com/oriys/usher/internal/deploy"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/observability"
	"github.com/oriys/usher/internal/orchestrator"
	"github.com/oriys/usher/internal/pool"
	"github.com/oriys/usher/internal/queue"
	"github.com/oriys/usher/internal/quota"
	"github.com/oriys/usher/internal/recovery"
	"github.com/oriys/usher/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.Observability.LogLevel = logLevel
			}
			logging.InitStructured(cfg.Observability.LogFormat, cfg.Observability.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, cfg.Observability, "usher"); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			s := store.NewStore(pgStore)
			defer s.Close()

			var redisClient *redis.Client
			var notifier queue.Notifier = queue.NewChannelNotifier()
			if cfg.Redis.Addr != "" {
				redisClient = redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				if err := redisClient.Ping(ctx).Err(); err != nil {
					logging.Op().Warn("redis unreachable, using in-process notifier", "error", err)
					redisClient = nil
				} else {
					notifier = queue.NewRedisNotifier(redisClient)
				}
			}

			adapter, err := buildAdapter(cfg)
			if err != nil {
				return err
			}

			artifactCreds := ""
			var artifacts *artifact.Store
			if cfg.Artifact.Bucket != "" {
				artifacts, err = artifact.New(ctx, cfg.Artifact)
				if err != nil {
					return fmt.Errorf("init artifact store: %w", err)
				}
				blob, err := json.Marshal(cfg.Artifact)
				if err != nil {
					return err
				}
				artifactCreds = string(blob)
			}

			poolMgr := pool.NewManager(s, adapter, pool.Config{
				MaxSize:         cfg.Pool.MaxSize,
				ImagePrefix:     cfg.Orchestrator.ImagePrefix,
				ControlPlaneURL: cfg.Daemon.PublicURL,
				ArtifactCreds:   artifactCreds,
			})

			queueMgr := queue.NewManager(s, poolMgr, notifier, queue.Config{
				DrainInterval:  cfg.Queue.DrainInterval,
				DefaultTimeout: cfg.Queue.DefaultTimeout,
			})

			tokens := auth.NewAgentTokenIssuer(cfg.Auth.SystemToken)
			coordinator := deploy.NewCoordinator(s, poolMgr, queueMgr, tokens, adapter, deploy.Config{
				LocalMode:       cfg.Daemon.LocalMode,
				QueueTimeout:    cfg.Queue.DefaultTimeout,
				ControlPlaneURL: cfg.Daemon.PublicURL,
				ArtifactCreds:   artifactCreds,
				StartupPoll:     cfg.Orchestrator.PollInterval,
			})
			queueMgr.SetStarter(coordinator)

			sweeper := deploy.NewSweeper(s, coordinator, cfg.Daemon.SweepEvery)
			recoverer := recovery.NewWorker(s, adapter, recovery.Config{
				Interval:       cfg.Recovery.Interval,
				StuckThreshold: cfg.Recovery.StuckThreshold,
			})

			go queueMgr.Run(ctx)
			go sweeper.Run(ctx)
			go recoverer.Run(ctx)

			serverCfg := api.ServerConfig{
				Store:        s,
				Deployer:     coordinator,
				Quota:        quota.NewGate(s),
				Finisher:     coordinator,
				Callbacks:    callback.NewNotifier(),
				AuthCfg:      &cfg.Auth,
				RateLimitCfg: &cfg.RateLimit,
				Redis:        redisClient,
			}
			if artifacts != nil {
				serverCfg.Signer = artifacts
				serverCfg.Artifacts = artifacts
			}
			httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, serverCfg)
			logging.Op().Info("usher daemon started",
				"addr", cfg.Daemon.HTTPAddr, "backend", adapter.Variant(),
				"pool_max", cfg.Pool.MaxSize)

			<-ctx.Done()
			logging.Op().Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
			notifier.Close()
			if redisClient != nil {
				redisClient.Close()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")

	return cmd
}

func buildAdapter(cfg *config.Config) (orchestrator.Adapter, error) {
	if cfg.Daemon.LocalMode || cfg.Orchestrator.Backend == "local" {
		agentBinary := cfg.Orchestrator.AgentPath
		if agentBinary == "" {
			if exe, err := os.Executable(); err == nil {
				agentBinary = exe + "-agent"
			}
		}
		return orchestrator.NewLocalAdapter(orchestrator.LocalConfig{AgentBinary: agentBinary}), nil
	}
	return orchestrator.NewDockerAdapter(orchestrator.DockerConfig{Network: cfg.Orchestrator.Network})
}
