// Package pool manages the warm pool of bot containers. A slot is a
// long-lived container that gets re-purposed between bots: acquire flips an
// idle slot to busy, configure-and-start injects the bot's environment and
// boots the agent, release stops the container and returns the slot.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/metrics"
	"github.com/oriys/usher/internal/orchestrator"
	"github.com/oriys/usher/internal/store"
)

// ErrPoolSaturated is returned by Acquire when no idle slot exists and the
// pool is at its size cap. Callers queue the bot instead.
var ErrPoolSaturated = errors.New("warm pool is at capacity")

// Config tunes the pool manager.
type Config struct {
	MaxSize         int
	ImagePrefix     string
	ControlPlaneURL string // handed to agents as their callback base
	ArtifactCreds   string // opaque credentials blob for recording uploads
}

// Manager owns slot lifecycle against one orchestrator backend.
type Manager struct {
	slots   store.SlotStore
	adapter orchestrator.Adapter
	cfg     Config

	// warmups collapses concurrent pool-warming calls per platform.
	warmups singleflight.Group
}

func NewManager(slots store.SlotStore, adapter orchestrator.Adapter, cfg Config) *Manager {
	if cfg.MaxSize <= 0 || cfg.MaxSize > domain.MaxPoolSize {
		cfg.MaxSize = domain.MaxPoolSize
	}
	return &Manager{slots: slots, adapter: adapter, cfg: cfg}
}

// Variant names the orchestrator backend slots run on.
func (m *Manager) Variant() string { return m.adapter.Variant() }

// Acquire obtains a slot for the bot: the longest-idle slot when one exists,
// otherwise a freshly grown one. Returns ErrPoolSaturated at the cap.
func (m *Manager) Acquire(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error) {
	slot, err := m.slots.AcquireIdleSlot(ctx, platform, botID)
	if err != nil {
		return nil, err
	}
	if slot != nil {
		metrics.SlotAcquisitions.WithLabelValues("reuse").Inc()
		logging.Op().Debug("slot reused", "slot", slot.SlotName, "bot_id", botID)
		return slot, nil
	}

	slot, count, err := m.slots.CreateSlot(ctx, platform, func(slotName string) (string, error) {
		return m.createContainer(ctx, platform, slotName)
	}, botID, m.cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		metrics.DeploysTotal.WithLabelValues("saturated").Inc()
		return nil, fmt.Errorf("%w: %d/%d slots for %s", ErrPoolSaturated, count, m.cfg.MaxSize, platform)
	}

	metrics.SlotAcquisitions.WithLabelValues("grow").Inc()
	metrics.PoolSize.WithLabelValues(string(platform)).Set(float64(count))
	logging.Op().Info("pool grew", "slot", slot.SlotName, "platform", platform, "size", count)

	if err := m.slots.MarkSlotBusy(ctx, slot.ID, botID); err != nil {
		return nil, err
	}
	slot.Status = domain.SlotBusy
	return slot, nil
}

// ConfigureAndStart injects the bot's environment into the slot container and
// boots the agent. The slot must already be assigned to the bot.
func (m *Manager) ConfigureAndStart(ctx context.Context, slot *domain.PoolSlot, bot *domain.Bot, agentToken string) error {
	cfg := domain.BotConfigFromBot(bot)
	encoded, err := cfg.Encode()
	if err != nil {
		return err
	}

	env := map[string]string{
		domain.EnvBotData:         encoded,
		domain.EnvAgentToken:      agentToken,
		domain.EnvControlPlaneURL: m.cfg.ControlPlaneURL,
	}
	if m.cfg.ArtifactCreds != "" {
		env[domain.EnvArtifactCreds] = m.cfg.ArtifactCreds
	}

	if err := m.adapter.UpdateEnv(ctx, slot.ServiceID, env); err != nil {
		return fmt.Errorf("configure slot %s: %w", slot.SlotName, err)
	}
	if err := m.adapter.Start(ctx, slot.ServiceID); err != nil {
		return fmt.Errorf("start slot %s: %w", slot.SlotName, err)
	}

	m.describeBusy(ctx, slot, bot.ID)
	return nil
}

// Release stops the slot's container and returns it to the idle set. A failed
// stop marks the slot for the recovery worker instead of leaking a zombie.
func (m *Manager) Release(ctx context.Context, slot *domain.PoolSlot) error {
	if err := m.adapter.Stop(ctx, slot.ServiceID); err != nil {
		msg := fmt.Sprintf("stop failed: %v", err)
		if merr := m.slots.MarkSlotError(ctx, slot.ID, msg); merr != nil {
			logging.Op().Error("mark slot error failed", "slot", slot.SlotName, "error", merr)
		}
		m.describeError(ctx, slot, msg)
		return fmt.Errorf("release slot %s: %w", slot.SlotName, err)
	}

	if err := m.slots.ReleaseSlot(ctx, slot.ID); err != nil {
		return err
	}
	m.describeIdle(ctx, slot)
	logging.Op().Debug("slot released", "slot", slot.SlotName)
	return nil
}

// MarkError hands the slot to the recovery worker, e.g. when its container
// died after hand-off.
func (m *Manager) MarkError(ctx context.Context, slot *domain.PoolSlot, msg string) error {
	if err := m.slots.MarkSlotError(ctx, slot.ID, msg); err != nil {
		return err
	}
	m.describeError(ctx, slot, msg)
	return nil
}

// ReleaseByBot releases whatever slot the bot holds. No-op when the bot never
// reached a slot (queued, local mode).
func (m *Manager) ReleaseByBot(ctx context.Context, botID int64) error {
	slot, err := m.slots.GetSlotByBot(ctx, botID)
	if err != nil {
		return err
	}
	if slot == nil {
		return nil
	}
	return m.Release(ctx, slot)
}

// Warm grows the pool to at least n slots for the platform without assigning
// them. Concurrent warm calls for the same platform collapse into one.
func (m *Manager) Warm(ctx context.Context, platform domain.MeetingPlatform, n int) error {
	_, err, _ := m.warmups.Do(string(platform), func() (any, error) {
		for i := 0; i < n; i++ {
			slot, count, err := m.slots.CreateSlot(ctx, platform, func(slotName string) (string, error) {
				return m.createContainer(ctx, platform, slotName)
			}, 0, m.cfg.MaxSize)
			if err != nil {
				return nil, err
			}
			if slot == nil {
				return nil, nil // at cap, good enough
			}
			if err := m.slots.ReleaseSlot(ctx, slot.ID); err != nil {
				return nil, err
			}
			metrics.PoolSize.WithLabelValues(string(platform)).Set(float64(count))
		}
		return nil, nil
	})
	return err
}

func (m *Manager) createContainer(ctx context.Context, platform domain.MeetingPlatform, slotName string) (string, error) {
	image, err := orchestrator.ImageForPlatform(platform, m.cfg.ImagePrefix)
	if err != nil {
		return "", err
	}
	return m.adapter.Create(ctx, orchestrator.ContainerSpec{Image: image, Name: slotName})
}

// Slot descriptions are operator breadcrumbs on the backend; failures are
// logged and swallowed.

func (m *Manager) describeBusy(ctx context.Context, slot *domain.PoolSlot, botID int64) {
	desc := fmt.Sprintf("[BUSY] Bot #%d - %s", botID, time.Now().UTC().Format(time.RFC3339))
	if err := m.adapter.SetDescription(ctx, slot.ServiceID, desc); err != nil {
		logging.Op().Debug("set description failed", "slot", slot.SlotName, "error", err)
	}
}

func (m *Manager) describeIdle(ctx context.Context, slot *domain.PoolSlot) {
	desc := fmt.Sprintf("[IDLE] Available - Last used: %s", time.Now().UTC().Format(time.RFC3339))
	if err := m.adapter.SetDescription(ctx, slot.ServiceID, desc); err != nil {
		logging.Op().Debug("set description failed", "slot", slot.SlotName, "error", err)
	}
}

func (m *Manager) describeError(ctx context.Context, slot *domain.PoolSlot, msg string) {
	desc := fmt.Sprintf("[ERROR] %s - %s", msg, time.Now().UTC().Format(time.RFC3339))
	if err := m.adapter.SetDescription(ctx, slot.ServiceID, desc); err != nil {
		logging.Op().Debug("set description failed", "slot", slot.SlotName, "error", err)
	}
}
