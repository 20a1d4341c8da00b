// Package deploy decides how a bot reaches a meeting: onto a warm-pool slot
// when capacity exists, into the waiting queue when it does not, or as a
// local process in development mode.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/metrics"
	"github.com/oriys/usher/internal/orchestrator"
	"github.com/oriys/usher/internal/pool"
	"github.com/oriys/usher/internal/queue"
	"github.com/oriys/usher/internal/store"
)

var (
	// ErrAlreadyDeployed rejects deploy calls for bots past the waiting
	// stages.
	ErrAlreadyDeployed = errors.New("bot is already deployed")

	// ErrNotCancellable rejects cancellation once the bot joined a call.
	ErrNotCancellable = errors.New("bot can no longer be cancelled")
)

// TokenIssuer mints the per-bot credential injected into agent containers.
type TokenIssuer interface {
	IssueAgentToken(botID int64) (string, error)
}

// BotPool is the slice of the pool manager the coordinator drives.
type BotPool interface {
	Acquire(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error)
	ConfigureAndStart(ctx context.Context, slot *domain.PoolSlot, bot *domain.Bot, agentToken string) error
	Release(ctx context.Context, slot *domain.PoolSlot) error
	ReleaseByBot(ctx context.Context, botID int64) error
	MarkError(ctx context.Context, slot *domain.PoolSlot, msg string) error
	Variant() string
}

// WaitQueue is the slice of the queue manager the coordinator feeds.
type WaitQueue interface {
	Enqueue(ctx context.Context, bot *domain.Bot, timeout time.Duration) (*domain.QueueEntry, int, error)
	Remove(ctx context.Context, botID int64) (bool, error)
	Kick(ctx context.Context)
}

// Config tunes the coordinator.
type Config struct {
	LocalMode       bool
	QueueTimeout    time.Duration // default wait budget for queued bots
	ControlPlaneURL string        // only used on the local path
	ArtifactCreds   string

	// Post-hand-off container watch. A warm slot starts in seconds, so the
	// windows are much tighter than a cold image pull would need.
	StartupWait  time.Duration
	StartupGrace time.Duration
	StartupPoll  time.Duration
}

// DeployResult reports where the bot ended up.
type DeployResult struct {
	Bot             *domain.Bot `json:"bot"`
	Queued          bool        `json:"queued"`
	QueuePosition   int         `json:"queue_position,omitempty"`
	EstimatedWaitMs int64       `json:"estimated_wait_ms,omitempty"`
}

// Coordinator owns the deployment decision and the slot hand-off sequence.
type Coordinator struct {
	bots    store.BotStore
	events  store.EventStore
	pool    BotPool
	queue   WaitQueue
	tokens  TokenIssuer
	adapter orchestrator.Adapter // container backend; spawns agents in local mode
	cfg     Config
}

func NewCoordinator(st *store.Store, pl BotPool, wq WaitQueue, tokens TokenIssuer, adapter orchestrator.Adapter, cfg Config) *Coordinator {
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = domain.DefaultQueueTimeout
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = 5 * time.Minute
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 2 * time.Minute
	}
	if cfg.StartupPoll <= 0 {
		cfg.StartupPoll = 10 * time.Second
	}
	return &Coordinator{
		bots:    st.BotStore,
		events:  st.EventStore,
		pool:    pl,
		queue:   wq,
		tokens:  tokens,
		adapter: adapter,
		cfg:     cfg,
	}
}

// Deploy moves a CREATED (or still-queued) bot toward its meeting. When the
// pool is saturated the bot is queued instead; every other failure is
// terminal for the bot.
func (c *Coordinator) Deploy(ctx context.Context, botID int64, queueTimeout time.Duration) (*DeployResult, error) {
	bot, err := c.bots.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	switch bot.Status {
	case domain.StatusCreated, domain.StatusQueued:
	default:
		return nil, fmt.Errorf("%w: bot %d is %s", ErrAlreadyDeployed, botID, bot.Status)
	}

	if c.cfg.LocalMode {
		if err := c.deployLocal(ctx, bot); err != nil {
			c.failBot(ctx, bot.ID, err)
			return nil, err
		}
		metrics.DeploysTotal.WithLabelValues("deployed").Inc()
		return &DeployResult{Bot: bot}, nil
	}

	slot, err := c.pool.Acquire(ctx, bot.MeetingInfo.Platform, bot.ID)
	if err != nil {
		if errors.Is(err, pool.ErrPoolSaturated) {
			if queueTimeout <= 0 {
				queueTimeout = c.cfg.QueueTimeout
			}
			_, position, qerr := c.queue.Enqueue(ctx, bot, queueTimeout)
			if qerr != nil {
				c.failBot(ctx, bot.ID, qerr)
				return nil, qerr
			}
			metrics.DeploysTotal.WithLabelValues("queued").Inc()
			bot.Status = domain.StatusQueued
			return &DeployResult{
				Bot:             bot,
				Queued:          true,
				QueuePosition:   position,
				EstimatedWaitMs: queue.EstimatedWaitMs(position),
			}, nil
		}
		c.failBot(ctx, bot.ID, err)
		return nil, err
	}

	if err := c.StartOnSlot(ctx, bot, slot); err != nil {
		return nil, err
	}
	return &DeployResult{Bot: bot}, nil
}

// StartOnSlot runs the hand-off sequence for an already-acquired slot. It
// also serves the queue drain worker.
func (c *Coordinator) StartOnSlot(ctx context.Context, bot *domain.Bot, slot *domain.PoolSlot) error {
	if err := c.bots.UpdateBotStatus(ctx, bot.ID, domain.StatusDeploying); err != nil {
		_ = c.pool.Release(ctx, slot)
		return err
	}
	bot.Status = domain.StatusDeploying
	c.appendEvent(ctx, bot.ID, domain.EventDeploying, "assigned slot "+slot.SlotName, "")

	if err := c.bots.SetBotDeployment(ctx, bot.ID, c.pool.Variant(), slot.SlotName); err != nil {
		logging.Op().Warn("record deployment target failed", "bot_id", bot.ID, "error", err)
	}

	token, err := c.tokens.IssueAgentToken(bot.ID)
	if err != nil {
		c.failBot(ctx, bot.ID, err)
		_ = c.pool.Release(ctx, slot)
		return err
	}

	if err := c.pool.ConfigureAndStart(ctx, slot, bot, token); err != nil {
		c.failBot(ctx, bot.ID, err)
		_ = c.pool.Release(ctx, slot)
		metrics.DeploysTotal.WithLabelValues("failed").Inc()
		return err
	}

	// The agent re-reports JOINING_CALL once it boots; that replay is
	// idempotent.
	if err := c.bots.UpdateBotStatus(ctx, bot.ID, domain.StatusJoiningCall); err != nil {
		logging.Op().Warn("mark bot joining failed", "bot_id", bot.ID, "error", err)
	} else {
		bot.Status = domain.StatusJoiningCall
		c.appendEvent(ctx, bot.ID, domain.EventJoiningCall, "agent started on slot "+slot.SlotName, "")
	}

	go c.watchDeployment(bot.ID, slot)

	metrics.DeploysTotal.WithLabelValues("deployed").Inc()
	logging.Op().Info("bot deployed", "bot_id", bot.ID, "slot", slot.SlotName, "platform", bot.MeetingInfo.Platform)
	return nil
}

// watchDeployment follows the container's describe-status after hand-off. A
// container that starts and then dies before the agent checks in would
// otherwise strand the bot in a pre-call status and keep the slot busy until
// an operator notices.
func (c *Coordinator) watchDeployment(botID int64, slot *domain.PoolSlot) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StartupWait+time.Minute)
	defer cancel()

	res := orchestrator.WaitForDeployment(ctx, c.adapter, slot.ServiceID,
		c.cfg.StartupWait, c.cfg.StartupGrace, c.cfg.StartupPoll)
	if res.Success {
		return
	}

	bot, err := c.bots.GetBot(ctx, botID)
	if err != nil || bot.Status.IsTerminal() {
		// The attendance finished (and the slot was released) before the
		// container settled.
		return
	}

	logging.Op().Error("bot container never became ready",
		"bot_id", botID, "slot", slot.SlotName, "status", res.Status, "error", res.Err)
	c.failBot(ctx, botID, fmt.Errorf("container failed to start: %w", res.Err))
	if err := c.pool.MarkError(ctx, slot, fmt.Sprintf("container %s after hand-off", res.Status)); err != nil {
		logging.Op().Warn("mark slot error failed", "slot", slot.SlotName, "error", err)
	}
}

// Cancel aborts a bot that has not joined a call yet: queue entry dropped,
// slot (if any) returned, status moved to CANCELLED.
func (c *Coordinator) Cancel(ctx context.Context, botID int64) (*domain.Bot, error) {
	bot, err := c.bots.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if !bot.Status.CanCancel() {
		return nil, fmt.Errorf("%w: bot %d is %s", ErrNotCancellable, botID, bot.Status)
	}

	if _, err := c.queue.Remove(ctx, botID); err != nil {
		logging.Op().Warn("remove queue entry failed", "bot_id", botID, "error", err)
	}
	if err := c.bots.UpdateBotStatus(ctx, botID, domain.StatusCancelled); err != nil {
		return nil, err
	}
	bot.Status = domain.StatusCancelled
	c.appendEvent(ctx, botID, domain.EventLog, "cancelled by operator", "")

	if err := c.pool.ReleaseByBot(ctx, botID); err != nil {
		logging.Op().Warn("release slot on cancel failed", "bot_id", botID, "error", err)
	}
	c.queue.Kick(ctx)
	return bot, nil
}

// RequestLeave flags the bot so its next heartbeat tells the agent to leave
// the call gracefully.
func (c *Coordinator) RequestLeave(ctx context.Context, botID int64) error {
	bot, err := c.bots.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.Status.IsTerminal() {
		return fmt.Errorf("%w: bot %d", store.ErrTerminalStatus, botID)
	}
	if err := c.bots.SetLeaveRequested(ctx, botID, true); err != nil {
		return err
	}
	c.appendEvent(ctx, botID, domain.EventLog, "leave requested by operator", "")
	return nil
}

// Finish releases the bot's slot after a terminal event and wakes the drain
// worker so the freed capacity is used immediately.
func (c *Coordinator) Finish(ctx context.Context, botID int64) {
	if err := c.pool.ReleaseByBot(ctx, botID); err != nil {
		logging.Op().Warn("release slot failed", "bot_id", botID, "error", err)
	}
	c.queue.Kick(ctx)
}

// deployLocal spawns the agent as a process next to the daemon. Development
// only: no pool, no queue, no capacity limit.
func (c *Coordinator) deployLocal(ctx context.Context, bot *domain.Bot) error {
	cfg := domain.BotConfigFromBot(bot)
	encoded, err := cfg.Encode()
	if err != nil {
		return err
	}
	token, err := c.tokens.IssueAgentToken(bot.ID)
	if err != nil {
		return err
	}
	env := map[string]string{
		domain.EnvBotData:         encoded,
		domain.EnvAgentToken:      token,
		domain.EnvControlPlaneURL: c.cfg.ControlPlaneURL,
	}
	if c.cfg.ArtifactCreds != "" {
		env[domain.EnvArtifactCreds] = c.cfg.ArtifactCreds
	}

	name := fmt.Sprintf("bot-%d", bot.ID)
	serviceID, err := c.adapter.Create(ctx, orchestrator.ContainerSpec{Name: name, Env: env})
	if err != nil {
		return err
	}
	if err := c.bots.UpdateBotStatus(ctx, bot.ID, domain.StatusDeploying); err != nil {
		return err
	}
	bot.Status = domain.StatusDeploying
	c.appendEvent(ctx, bot.ID, domain.EventDeploying, "spawning local agent", "")
	if err := c.bots.SetBotDeployment(ctx, bot.ID, c.adapter.Variant(), serviceID); err != nil {
		logging.Op().Warn("record deployment target failed", "bot_id", bot.ID, "error", err)
	}
	if err := c.adapter.Start(ctx, serviceID); err != nil {
		return err
	}
	if err := c.bots.UpdateBotStatus(ctx, bot.ID, domain.StatusJoiningCall); err != nil {
		logging.Op().Warn("mark bot joining failed", "bot_id", bot.ID, "error", err)
	} else {
		bot.Status = domain.StatusJoiningCall
		c.appendEvent(ctx, bot.ID, domain.EventJoiningCall, "local agent started", "")
	}
	return nil
}

func (c *Coordinator) failBot(ctx context.Context, botID int64, cause error) {
	if err := c.bots.SetBotFatal(ctx, botID, cause.Error()); err != nil {
		logging.Op().Error("mark bot fatal failed", "bot_id", botID, "error", err)
	}
	c.appendEvent(ctx, botID, domain.EventFatal, cause.Error(), "")
}

func (c *Coordinator) appendEvent(ctx context.Context, botID int64, typ domain.EventType, description, subCode string) {
	ev := &domain.Event{BotID: botID, Type: typ, EventTime: time.Now()}
	if description != "" || subCode != "" {
		ev.Data = &domain.EventData{Description: description, SubCode: subCode}
	}
	if _, err := c.events.AppendEvent(ctx, ev); err != nil {
		logging.Op().Warn("append event failed", "bot_id", botID, "type", typ, "error", err)
	}
}
