// The agent binary runs inside a pool container (or as a local child
// process in dev mode). It reads its assignment from the environment,
// attends the meeting, and exits 0 on clean DONE, 1 on FATAL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/usher/internal/agent"
	"github.com/oriys/usher/internal/artifact"
	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/provider"
)

func main() {
	logging.InitStructured(os.Getenv("USHER_LOG_FORMAT"), os.Getenv("USHER_LOG_LEVEL"))

	cfg, err := agent.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := agent.NewClient(cfg.ControlPlaneURL, cfg.AgentToken, cfg.Bot.ID)

	var artifacts agent.ArtifactStore
	if cfg.Artifact.Bucket != "" {
		store, err := artifact.New(ctx, cfg.Artifact)
		if err != nil {
			fmt.Fprintln(os.Stderr, "artifact store:", err)
			os.Exit(1)
		}
		artifacts = store
	}

	registry := provider.NewRegistry()
	registerProviders(registry)

	logging.Op().Info("agent starting",
		"bot_id", cfg.Bot.ID,
		"platform", cfg.Bot.MeetingInfo.Platform,
		"recording", cfg.Bot.RecordingEnabled)

	code := agent.NewRuntime(cfg, client, registry, artifacts).Run(ctx)
	logging.Op().Info("agent exiting", "bot_id", cfg.Bot.ID, "code", code)
	os.Exit(code)
}

// registerProviders binds a provider per platform. Real DOM-automation
// providers plug in here; the simulator stands in for all three until then
// and in local dev mode.
func registerProviders(r *provider.Registry) {
	sim := provider.SimFactory(provider.SimConfig{
		JoinDelay:    2 * time.Second,
		WaitingRoom:  5 * time.Second,
		CallDuration: simCallDuration(),
	})
	r.Register(domain.PlatformMeet, sim)
	r.Register(domain.PlatformTeams, sim)
	r.Register(domain.PlatformZoom, sim)
}

func simCallDuration() time.Duration {
	if v := os.Getenv("USHER_SIM_CALL_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return 2 * time.Minute
}
