// Package recovery sweeps the warm pool for broken slots and nurses them
// back to idle. Slots that exhaust their retry budget are destroyed so the
// pool can grow a fresh replacement.
package recovery

import (
	"context"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/metrics"
	"github.com/oriys/usher/internal/orchestrator"
	"github.com/oriys/usher/internal/store"
)

// Config tunes the recovery worker.
type Config struct {
	Interval       time.Duration // sweep cadence
	StuckThreshold time.Duration // how long a slot may sit in deploying
	MaxAttempts    int
}

// Worker is the periodic slot repair loop.
type Worker struct {
	slots   store.SlotStore
	bots    store.BotStore
	events  store.EventStore
	adapter orchestrator.Adapter
	cfg     Config
}

func NewWorker(st *store.Store, adapter orchestrator.Adapter, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.MaxRecoveryAttempts
	}
	return &Worker{
		slots:   st.SlotStore,
		bots:    st.BotStore,
		events:  st.EventStore,
		adapter: adapter,
		cfg:     cfg,
	}
}

// Run sweeps until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	logging.Op().Info("slot recovery worker started", "interval", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("slot recovery worker stopped")
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce repairs every broken slot once and logs a summary.
func (w *Worker) SweepOnce(ctx context.Context) (recovered, failed, deleted int) {
	broken, err := w.slots.ListBrokenSlots(ctx, time.Now().Add(-w.cfg.StuckThreshold))
	if err != nil {
		logging.Op().Error("list broken slots failed", "error", err)
		return 0, 0, 0
	}
	if len(broken) == 0 {
		return 0, 0, 0
	}

	for _, slot := range broken {
		w.strandAssignedBot(ctx, slot)

		if slot.RecoveryAttempts >= w.cfg.MaxAttempts {
			if err := w.destroySlot(ctx, slot); err != nil {
				logging.Op().Error("destroy slot failed", "slot", slot.SlotName, "error", err)
				failed++
				continue
			}
			deleted++
			continue
		}

		if err := w.adapter.Stop(ctx, slot.ServiceID); err != nil {
			attempts, ierr := w.slots.IncrementSlotRecovery(ctx, slot.ID)
			if ierr != nil {
				logging.Op().Error("record recovery attempt failed", "slot", slot.SlotName, "error", ierr)
			}
			logging.Op().Warn("slot recovery attempt failed",
				"slot", slot.SlotName, "attempts", attempts, "error", err)
			failed++
			continue
		}

		if err := w.slots.ResetSlot(ctx, slot.ID); err != nil {
			logging.Op().Error("reset slot failed", "slot", slot.SlotName, "error", err)
			failed++
			continue
		}
		recovered++
	}

	metrics.RecoveredSlots.WithLabelValues("recovered").Add(float64(recovered))
	metrics.RecoveredSlots.WithLabelValues("failed").Add(float64(failed))
	metrics.RecoveredSlots.WithLabelValues("deleted").Add(float64(deleted))
	logging.Op().Info("slot recovery sweep finished",
		"recovered", recovered, "failed", failed, "deleted", deleted)
	return recovered, failed, deleted
}

// strandAssignedBot fails whatever bot was still attached to a broken slot.
// Terminal bots are untouched.
func (w *Worker) strandAssignedBot(ctx context.Context, slot *domain.PoolSlot) {
	if slot.AssignedBotID == nil {
		return
	}
	botID := *slot.AssignedBotID
	if err := w.bots.SetBotFatal(ctx, botID, "pool slot failure: "+slot.ErrorMessage); err != nil {
		logging.Op().Warn("fail stranded bot failed", "bot_id", botID, "error", err)
		return
	}
	if _, err := w.events.AppendEvent(ctx, &domain.Event{
		BotID:     botID,
		Type:      domain.EventFatal,
		EventTime: time.Now(),
		Data:      &domain.EventData{Description: "pool slot entered an unrecoverable state"},
	}); err != nil {
		logging.Op().Warn("append stranded-bot event failed", "bot_id", botID, "error", err)
	}
}

func (w *Worker) destroySlot(ctx context.Context, slot *domain.PoolSlot) error {
	if err := w.adapter.Delete(ctx, slot.ServiceID); err != nil {
		return err
	}
	if err := w.slots.DeleteSlot(ctx, slot.ID); err != nil {
		return err
	}
	logging.Op().Info("broken slot destroyed",
		"slot", slot.SlotName, "attempts", slot.RecoveryAttempts)
	return nil
}
