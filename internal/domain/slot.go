package domain

import "time"

// SlotStatus is the disposition of a warm-pool slot.
type SlotStatus string

const (
	SlotIdle      SlotStatus = "idle"
	SlotDeploying SlotStatus = "deploying"
	SlotBusy      SlotStatus = "busy"
	SlotHealthy   SlotStatus = "healthy"
	SlotError     SlotStatus = "error"
)

// PoolSlot is one long-lived container reservation in the warm pool.
// Slot rows are the canonical ownership record; only the pool manager and
// the recovery worker mutate them.
type PoolSlot struct {
	ID               int64           `json:"id"`
	SlotName         string          `json:"slot_name"`
	ServiceID        string          `json:"container_service_id"`
	Platform         MeetingPlatform `json:"platform"`
	Status           SlotStatus      `json:"status"`
	AssignedBotID    *int64          `json:"assigned_bot_id,omitempty"`
	LastUsedAt       time.Time       `json:"last_used_at"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

const (
	// MaxPoolSize caps the number of slots per deployment target.
	MaxPoolSize = 100

	// MaxRecoveryAttempts is the retry budget before a broken slot is deleted.
	MaxRecoveryAttempts = 3
)

// QueueEntry is a bot waiting for a slot. Ordering is (priority ASC,
// queued_at ASC, id ASC).
type QueueEntry struct {
	ID        int64     `json:"id"`
	BotID     int64     `json:"bot_id"`
	Priority  int       `json:"priority"`
	QueuedAt  time.Time `json:"queued_at"`
	TimeoutAt time.Time `json:"timeout_at"`
}

const (
	// DefaultQueuePriority is the only priority currently issued; smaller
	// values drain sooner.
	DefaultQueuePriority = 100

	DefaultQueueTimeout = 5 * time.Minute
	MaxQueueTimeout     = 10 * time.Minute

	// EstimatedWaitPerPosition is the coarse per-position wait estimate.
	EstimatedWaitPerPosition = 30 * time.Second
)
