package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/metrics"
	"github.com/oriys/usher/internal/pool"
	"github.com/oriys/usher/internal/store"
)

// Starter deploys a bot onto an already-acquired slot. The deployment
// coordinator implements it; the indirection exists because the coordinator
// also feeds this queue.
type Starter interface {
	StartOnSlot(ctx context.Context, bot *domain.Bot, slot *domain.PoolSlot) error
}

// SlotPool is the slice of the pool manager the drain worker needs.
type SlotPool interface {
	Acquire(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error)
	Release(ctx context.Context, slot *domain.PoolSlot) error
}

// Config tunes the queue manager and its drain worker.
type Config struct {
	WorkerID       string
	DrainInterval  time.Duration
	DefaultTimeout time.Duration
	ClaimLease     time.Duration
}

// Manager owns the durable waiting queue: admission, position reporting, and
// the drain worker that moves bots onto freed slots.
type Manager struct {
	queue    store.QueueStore
	bots     store.BotStore
	events   store.EventStore
	pool     SlotPool
	notifier Notifier
	starter  Starter
	cfg      Config
}

func NewManager(st *store.Store, pl SlotPool, notifier Notifier, cfg Config) *Manager {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "drain-" + uuid.NewString()
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 15 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = domain.DefaultQueueTimeout
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = time.Minute
	}
	if notifier == nil {
		notifier = NewNoopNotifier()
	}
	return &Manager{
		queue:    st.QueueStore,
		bots:     st.BotStore,
		events:   st.EventStore,
		pool:     pl,
		notifier: notifier,
		cfg:      cfg,
	}
}

// SetStarter wires the deployment coordinator in after construction; the two
// components reference each other.
func (m *Manager) SetStarter(s Starter) { m.starter = s }

// Enqueue admits a bot to the waiting queue and reports its position. The
// timeout is clamped to the allowed window; zero means the default.
func (m *Manager) Enqueue(ctx context.Context, bot *domain.Bot, timeout time.Duration) (*domain.QueueEntry, int, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if timeout > domain.MaxQueueTimeout {
		timeout = domain.MaxQueueTimeout
	}

	entry, err := m.queue.Enqueue(ctx, bot.ID, domain.DefaultQueuePriority, time.Now().Add(timeout))
	if err != nil {
		return nil, 0, err
	}
	if err := m.bots.UpdateBotStatus(ctx, bot.ID, domain.StatusQueued); err != nil {
		return nil, 0, err
	}
	if _, err := m.events.AppendEvent(ctx, &domain.Event{
		BotID:     bot.ID,
		Type:      domain.EventLog,
		EventTime: time.Now(),
		Data:      &domain.EventData{Description: "waiting for pool capacity"},
	}); err != nil {
		logging.Op().Warn("append queue log event failed", "bot_id", bot.ID, "error", err)
	}

	metrics.QueueDepth.Inc()
	if err := m.notifier.Notify(ctx, TopicDrain); err != nil {
		logging.Op().Debug("drain notify failed", "error", err)
	}

	pos, err := m.queue.QueuePosition(ctx, bot.ID)
	if err != nil {
		return entry, 0, err
	}
	logging.Op().Info("bot queued", "bot_id", bot.ID, "position", pos, "timeout_at", entry.TimeoutAt)
	return entry, pos, nil
}

// Position reports the bot's 1-based place in the queue; 0 when absent.
func (m *Manager) Position(ctx context.Context, botID int64) (int, error) {
	return m.queue.QueuePosition(ctx, botID)
}

// EstimatedWaitMs converts a queue position into the coarse wait estimate
// surfaced to operators.
func EstimatedWaitMs(position int) int64 {
	if position <= 0 {
		return 0
	}
	return int64(position) * domain.EstimatedWaitPerPosition.Milliseconds()
}

// Remove drops a bot from the queue, e.g. on cancellation. Reports whether an
// entry existed.
func (m *Manager) Remove(ctx context.Context, botID int64) (bool, error) {
	removed, err := m.queue.DeleteQueueEntryByBot(ctx, botID)
	if err != nil {
		return false, err
	}
	if removed {
		metrics.QueueDepth.Dec()
	}
	return removed, nil
}

// Kick wakes the drain worker, typically after a slot was released.
func (m *Manager) Kick(ctx context.Context) {
	if err := m.notifier.Notify(ctx, TopicDrain); err != nil {
		logging.Op().Debug("drain notify failed", "error", err)
	}
}

// Run is the drain worker loop. It wakes on the poll ticker and on notifier
// signals, and exits when the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	wake := m.notifier.Subscribe(ctx, TopicDrain)
	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()

	logging.Op().Info("queue drain worker started", "worker_id", m.cfg.WorkerID, "interval", m.cfg.DrainInterval)
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("queue drain worker stopped", "worker_id", m.cfg.WorkerID)
			return
		case <-ticker.C:
		case <-wake:
		}

		if _, err := m.DrainOnce(ctx); err != nil {
			logging.Op().Error("queue drain failed", "worker_id", m.cfg.WorkerID, "error", err)
		}
	}
}

// DrainOnce purges expired entries, then moves queued bots onto slots until
// the queue empties or the pool saturates. Returns the number of bots
// deployed.
func (m *Manager) DrainOnce(ctx context.Context) (int, error) {
	m.purgeExpired(ctx)

	drained := 0
	for {
		entry, err := m.queue.ClaimNextQueueEntry(ctx, m.cfg.WorkerID, m.cfg.ClaimLease)
		if err != nil {
			return drained, err
		}
		if entry == nil {
			return drained, nil
		}

		bot, err := m.bots.GetBot(ctx, entry.BotID)
		if err != nil {
			if errors.Is(err, store.ErrBotNotFound) {
				m.dropEntry(ctx, entry)
				continue
			}
			_ = m.queue.ReleaseQueueEntry(ctx, entry.ID)
			return drained, err
		}
		// Cancelled or failed while waiting; the entry is stale.
		if bot.Status.IsTerminal() {
			m.dropEntry(ctx, entry)
			continue
		}

		slot, err := m.pool.Acquire(ctx, bot.MeetingInfo.Platform, bot.ID)
		if err != nil {
			_ = m.queue.ReleaseQueueEntry(ctx, entry.ID)
			if errors.Is(err, pool.ErrPoolSaturated) {
				// Everything behind this entry needs capacity too.
				return drained, nil
			}
			return drained, err
		}

		m.dropEntry(ctx, entry)
		metrics.QueueWaits.Observe(time.Since(entry.QueuedAt).Seconds())

		if m.starter == nil {
			logging.Op().Error("drain has no starter wired", "bot_id", bot.ID)
			_ = m.pool.Release(ctx, slot)
			continue
		}
		if err := m.starter.StartOnSlot(ctx, bot, slot); err != nil {
			logging.Op().Error("queued bot deployment failed", "bot_id", bot.ID, "error", err)
			continue
		}
		drained++
	}
}

func (m *Manager) dropEntry(ctx context.Context, entry *domain.QueueEntry) {
	if err := m.queue.DeleteQueueEntry(ctx, entry.ID); err != nil {
		logging.Op().Warn("delete queue entry failed", "entry_id", entry.ID, "error", err)
		return
	}
	metrics.QueueDepth.Dec()
}

// purgeExpired fails out entries whose deadline passed before a slot freed.
func (m *Manager) purgeExpired(ctx context.Context) {
	expired, err := m.queue.ExpiredQueueEntries(ctx, time.Now())
	if err != nil {
		logging.Op().Warn("list expired queue entries failed", "error", err)
		return
	}
	for _, entry := range expired {
		m.dropEntry(ctx, entry)
		if err := m.bots.SetBotFatal(ctx, entry.BotID, "queue timeout: no slot became available"); err != nil {
			logging.Op().Warn("mark queue-timeout bot fatal failed", "bot_id", entry.BotID, "error", err)
		}
		if _, err := m.events.AppendEvent(ctx, &domain.Event{
			BotID:     entry.BotID,
			Type:      domain.EventFatal,
			EventTime: time.Now(),
			Data: &domain.EventData{
				Description: "timed out waiting for pool capacity",
				SubCode:     domain.SubCodeQueueTimeout,
			},
		}); err != nil {
			logging.Op().Warn("append queue-timeout event failed", "bot_id", entry.BotID, "error", err)
		}
		logging.Op().Info("queue entry expired", "bot_id", entry.BotID, "queued_at", entry.QueuedAt)
	}
}
