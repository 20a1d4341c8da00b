package deploy

import (
	"context"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/store"
)

// Sweeper deploys scheduled bots when their start time comes within the lead
// window. Bots created without a start time are picked up on the next pass in
// case the synchronous deploy call never happened.
type Sweeper struct {
	bots     store.BotStore
	coord    *Coordinator
	interval time.Duration
}

func NewSweeper(st *store.Store, coord *Coordinator, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{bots: st.BotStore, coord: coord, interval: interval}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Op().Info("deployment sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("deployment sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce deploys every CREATED bot due within the lead window. Individual
// failures are already recorded on the bot; the sweep moves on.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	horizon := time.Now().Add(domain.DeployLeadTime)
	due, err := s.bots.ListDeployableBots(ctx, horizon, 100)
	if err != nil {
		logging.Op().Error("list deployable bots failed", "error", err)
		return 0
	}

	deployed := 0
	for _, bot := range due {
		if _, err := s.coord.Deploy(ctx, bot.ID, 0); err != nil {
			logging.Op().Warn("scheduled deploy failed", "bot_id", bot.ID, "error", err)
			continue
		}
		deployed++
	}
	if deployed > 0 {
		logging.Op().Info("scheduled sweep deployed bots", "count", deployed)
	}
	return deployed
}
