package store

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/usher/internal/domain"
)

var (
	ErrBotNotFound    = errors.New("bot not found")
	ErrSlotNotFound   = errors.New("slot not found")
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTerminalStatus = errors.New("bot is in a terminal status")
)

// BotStore persists bots and their lifecycle projections.
type BotStore interface {
	CreateBot(ctx context.Context, bot *domain.Bot) (*domain.Bot, error)
	GetBot(ctx context.Context, id int64) (*domain.Bot, error)
	ListBots(ctx context.Context, tenantID string, limit int) ([]*domain.Bot, error)
	ListDeployableBots(ctx context.Context, horizon time.Time, limit int) ([]*domain.Bot, error)
	DeleteBots(ctx context.Context, tenantID string, ids []int64) (int64, error)

	// UpdateBotStatus applies a guarded status transition: terminal
	// statuses are never overwritten. Returns ErrTerminalStatus when the
	// bot already reached DONE, FATAL or CANCELLED.
	UpdateBotStatus(ctx context.Context, id int64, status domain.BotStatus) error
	SetBotDeployment(ctx context.Context, id int64, platform, identifier string) error
	SetBotFatal(ctx context.Context, id int64, deploymentError string) error
	SetBotHeartbeat(ctx context.Context, id int64, at time.Time) error
	SetLeaveRequested(ctx context.Context, id int64, requested bool) error
	SetDesiredLogLevel(ctx context.Context, id int64, level string) error
	AttachRecording(ctx context.Context, id int64, recordingKey string, timeframes []domain.SpeakerTimeframe) error
}

// SlotStore owns warm-pool slot rows. AcquireIdleSlot and the claim/release
// primitives are the only mutators; they must be safe against concurrent
// acquirers (SKIP LOCKED underneath).
type SlotStore interface {
	// AcquireIdleSlot atomically flips one idle slot of the platform to
	// busy for the bot, preferring the longest-idle slot. Returns nil when
	// no idle slot exists.
	AcquireIdleSlot(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error)

	// CreateSlot inserts a new deploying slot under the pool advisory lock,
	// enforcing the pool cap and deriving the slot ordinal. Returns
	// (nil, count) when the pool is already at maxSize.
	CreateSlot(ctx context.Context, platform domain.MeetingPlatform, serviceID func(slotName string) (string, error), botID int64, maxSize int) (*domain.PoolSlot, int, error)

	GetSlotByBot(ctx context.Context, botID int64) (*domain.PoolSlot, error)
	GetSlot(ctx context.Context, id int64) (*domain.PoolSlot, error)
	ListSlots(ctx context.Context, platform domain.MeetingPlatform) ([]*domain.PoolSlot, error)

	ReleaseSlot(ctx context.Context, id int64) error
	MarkSlotBusy(ctx context.Context, id int64, botID int64) error
	MarkSlotError(ctx context.Context, id int64, message string) error
	ResetSlot(ctx context.Context, id int64) error
	IncrementSlotRecovery(ctx context.Context, id int64) (int, error)
	DeleteSlot(ctx context.Context, id int64) error

	// ListBrokenSlots returns slots in error, plus slots stuck deploying
	// longer than the threshold.
	ListBrokenSlots(ctx context.Context, stuckSince time.Time) ([]*domain.PoolSlot, error)
}

// QueueStore is the durable priority-then-FIFO waiting set.
type QueueStore interface {
	Enqueue(ctx context.Context, botID int64, priority int, timeoutAt time.Time) (*domain.QueueEntry, error)
	QueuePosition(ctx context.Context, botID int64) (int, error)

	// ClaimNextQueueEntry leases the head entry (priority ASC, queued_at
	// ASC, id ASC) with SKIP LOCKED semantics. Returns nil when the queue
	// is empty or fully claimed.
	ClaimNextQueueEntry(ctx context.Context, workerID string, lease time.Duration) (*domain.QueueEntry, error)
	ReleaseQueueEntry(ctx context.Context, id int64) error
	DeleteQueueEntry(ctx context.Context, id int64) error
	DeleteQueueEntryByBot(ctx context.Context, botID int64) (bool, error)

	// ExpiredQueueEntries returns entries whose deadline passed.
	ExpiredQueueEntries(ctx context.Context, now time.Time) ([]*domain.QueueEntry, error)
}

// EventStore is the append-only per-bot event log.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error)
	ListEvents(ctx context.Context, botID int64, limit int) ([]*domain.Event, error)
	// LatestStatusEvent returns the most recent status-class event, or nil.
	LatestStatusEvent(ctx context.Context, botID int64) (*domain.Event, error)
}

// ChatStore queues outbound chat messages per bot. Dequeue is at-most-once.
type ChatStore interface {
	EnqueueChatMessage(ctx context.Context, botID int64, text string) error
	DequeueChatMessage(ctx context.Context, botID int64) (string, bool, error)
}

// ScreenshotStore keeps screenshot metadata (bytes live in the object store).
type ScreenshotStore interface {
	AddScreenshot(ctx context.Context, sc *Screenshot) (*Screenshot, error)
	ListScreenshots(ctx context.Context, botID int64, limit int) ([]*Screenshot, error)
}

// TenantStore persists tenants and the daily usage counters the quota gate
// consumes.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	SaveTenant(ctx context.Context, t *domain.Tenant) error

	// ConsumeDailyUsage performs the atomic check-and-increment for the
	// tenant's local date. limit == nil means unlimited. Returns the usage
	// after the call and whether the increment was admitted.
	ConsumeDailyUsage(ctx context.Context, tenantID, date string, limit *int) (used int, allowed bool, err error)
	GetDailyUsage(ctx context.Context, tenantID, date string) (int, error)
}

// APIKeyStore persists operator API keys.
type APIKeyStore interface {
	SaveAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	TouchAPIKey(ctx context.Context, name string, at time.Time) error
	DeleteAPIKey(ctx context.Context, name string) error
}

// Screenshot is one stored diagnostic capture.
type Screenshot struct {
	ID         int64     `json:"id"`
	BotID      int64     `json:"bot_id"`
	ObjectKey  string    `json:"object_key"`
	Type       string    `json:"type"`  // e.g. "status", "fatal", "error"
	State      string    `json:"state"` // bot status at capture time
	Trigger    string    `json:"trigger,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// APIKey is a stored operator key (sha256 hash only).
type APIKey struct {
	Name       string     `json:"name"`
	KeyHash    string     `json:"key_hash"`
	TenantID   string     `json:"tenant_id"`
	Enabled    bool       `json:"enabled"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Store aggregates every persistence concern behind one value. The
// PostgresStore implements all of them; tests substitute fakes for the
// narrow interfaces they need.
type Store struct {
	BotStore
	SlotStore
	QueueStore
	EventStore
	ChatStore
	ScreenshotStore
	TenantStore
	APIKeyStore

	closer interface {
		Close() error
		Ping(ctx context.Context) error
	}
}

func NewStore(pg *PostgresStore) *Store {
	return &Store{
		BotStore:        pg,
		SlotStore:       pg,
		QueueStore:      pg,
		EventStore:      pg,
		ChatStore:       pg,
		ScreenshotStore: pg,
		TenantStore:     pg,
		APIKeyStore:     pg,
		closer:          pg,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.closer == nil {
		return errors.New("postgres not configured")
	}
	return s.closer.Ping(ctx)
}

func (s *Store) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
