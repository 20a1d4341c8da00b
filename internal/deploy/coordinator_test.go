package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/orchestrator"
	"github.com/oriys/usher/internal/pool"
	"github.com/oriys/usher/internal/store"
)

type fakeBotStore struct {
	store.BotStore

	bots        map[int64]*domain.Bot
	deployments map[int64]string
	leave       map[int64]bool
	due         []*domain.Bot
}

func newFakeBotStore(bots ...*domain.Bot) *fakeBotStore {
	f := &fakeBotStore{
		bots:        make(map[int64]*domain.Bot),
		deployments: make(map[int64]string),
		leave:       make(map[int64]bool),
	}
	for _, b := range bots {
		f.bots[b.ID] = b
	}
	return f
}

func (f *fakeBotStore) GetBot(ctx context.Context, id int64) (*domain.Bot, error) {
	b, ok := f.bots[id]
	if !ok {
		return nil, store.ErrBotNotFound
	}
	return b, nil
}

func (f *fakeBotStore) UpdateBotStatus(ctx context.Context, id int64, status domain.BotStatus) error {
	b, ok := f.bots[id]
	if !ok {
		return store.ErrBotNotFound
	}
	if b.Status.IsTerminal() {
		return store.ErrTerminalStatus
	}
	b.Status = status
	return nil
}

func (f *fakeBotStore) SetBotFatal(ctx context.Context, id int64, msg string) error {
	b, ok := f.bots[id]
	if !ok {
		return store.ErrBotNotFound
	}
	if !b.Status.IsTerminal() {
		b.Status = domain.StatusFatal
		b.DeploymentError = msg
	}
	return nil
}

func (f *fakeBotStore) SetBotDeployment(ctx context.Context, id int64, platform, identifier string) error {
	f.deployments[id] = platform + "/" + identifier
	return nil
}

func (f *fakeBotStore) SetLeaveRequested(ctx context.Context, id int64, requested bool) error {
	f.leave[id] = requested
	return nil
}

func (f *fakeBotStore) ListDeployableBots(ctx context.Context, horizon time.Time, limit int) ([]*domain.Bot, error) {
	return f.due, nil
}

type fakeEventStore struct {
	store.EventStore

	events []*domain.Event
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakeEventStore) has(typ domain.EventType) bool {
	for _, ev := range f.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

type fakeBotPool struct {
	saturated bool
	slot      *domain.PoolSlot
	started   map[int64]string // bot id -> agent token
	released  []int64
	errored   []int64
	errorMsg  string
	startErr  error
}

func newFakeBotPool() *fakeBotPool {
	return &fakeBotPool{
		slot:    &domain.PoolSlot{ID: 1, SlotName: "pool-meet-001", ServiceID: "svc-1", Platform: domain.PlatformMeet},
		started: make(map[int64]string),
	}
}

func (f *fakeBotPool) Acquire(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error) {
	if f.saturated {
		return nil, pool.ErrPoolSaturated
	}
	return f.slot, nil
}

func (f *fakeBotPool) ConfigureAndStart(ctx context.Context, slot *domain.PoolSlot, bot *domain.Bot, token string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started[bot.ID] = token
	return nil
}

func (f *fakeBotPool) Release(ctx context.Context, slot *domain.PoolSlot) error {
	f.released = append(f.released, slot.ID)
	return nil
}

func (f *fakeBotPool) ReleaseByBot(ctx context.Context, botID int64) error {
	f.released = append(f.released, botID)
	return nil
}

func (f *fakeBotPool) MarkError(ctx context.Context, slot *domain.PoolSlot, msg string) error {
	f.errored = append(f.errored, slot.ID)
	f.errorMsg = msg
	return nil
}

func (f *fakeBotPool) Variant() string { return "warm-pool-test" }

type fakeAdapter struct {
	status orchestrator.ServiceStatus
}

func (f *fakeAdapter) Create(ctx context.Context, spec orchestrator.ContainerSpec) (string, error) {
	return "svc-" + spec.Name, nil
}
func (f *fakeAdapter) Start(ctx context.Context, serviceID string) error  { return nil }
func (f *fakeAdapter) Stop(ctx context.Context, serviceID string) error   { return nil }
func (f *fakeAdapter) Delete(ctx context.Context, serviceID string) error { return nil }
func (f *fakeAdapter) UpdateEnv(ctx context.Context, serviceID string, env map[string]string) error {
	return nil
}
func (f *fakeAdapter) Describe(ctx context.Context, serviceID string) (orchestrator.ServiceStatus, error) {
	if f.status == "" {
		return orchestrator.StatusRunning, nil
	}
	return f.status, nil
}
func (f *fakeAdapter) SetDescription(ctx context.Context, serviceID, description string) error {
	return nil
}
func (f *fakeAdapter) Variant() string { return "adapter-test" }

type fakeWaitQueue struct {
	enqueued []int64
	removed  []int64
	kicks    int
	position int
}

func (f *fakeWaitQueue) Enqueue(ctx context.Context, bot *domain.Bot, timeout time.Duration) (*domain.QueueEntry, int, error) {
	f.enqueued = append(f.enqueued, bot.ID)
	bot.Status = domain.StatusQueued
	return &domain.QueueEntry{ID: 1, BotID: bot.ID, TimeoutAt: time.Now().Add(timeout)}, f.position, nil
}

func (f *fakeWaitQueue) Remove(ctx context.Context, botID int64) (bool, error) {
	f.removed = append(f.removed, botID)
	return true, nil
}

func (f *fakeWaitQueue) Kick(ctx context.Context) { f.kicks++ }

type fakeTokens struct{ fail bool }

func (f *fakeTokens) IssueAgentToken(botID int64) (string, error) {
	if f.fail {
		return "", errors.New("signing key unavailable")
	}
	return "tok-agent", nil
}

func createdBot(id int64) *domain.Bot {
	return &domain.Bot{
		ID:          id,
		TenantID:    "acme",
		Status:      domain.StatusCreated,
		DisplayName: "Notetaker",
		MeetingInfo: domain.MeetingInfo{Platform: domain.PlatformMeet, URL: "https://meet.google.com/abc"},
	}
}

func newTestCoordinator(fb *fakeBotStore, fe *fakeEventStore, fp *fakeBotPool, fq *fakeWaitQueue) *Coordinator {
	st := &store.Store{BotStore: fb, EventStore: fe}
	cfg := Config{StartupWait: 50 * time.Millisecond, StartupGrace: time.Millisecond, StartupPoll: time.Millisecond}
	return NewCoordinator(st, fp, fq, &fakeTokens{}, &fakeAdapter{}, cfg)
}

func TestDeployOntoSlot(t *testing.T) {
	bot := createdBot(1)
	fb := newFakeBotStore(bot)
	fe := &fakeEventStore{}
	fp := newFakeBotPool()
	fq := &fakeWaitQueue{}
	c := newTestCoordinator(fb, fe, fp, fq)

	res, err := c.Deploy(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.Queued {
		t.Fatal("should not be queued")
	}
	if bot.Status != domain.StatusJoiningCall {
		t.Fatalf("after hand-off status = %s, want JOINING_CALL", bot.Status)
	}
	if fp.started[1] != "tok-agent" {
		t.Fatalf("agent token not handed to pool: %q", fp.started[1])
	}
	if !fe.has(domain.EventDeploying) {
		t.Fatal("no DEPLOYING event recorded")
	}
	if !fe.has(domain.EventJoiningCall) {
		t.Fatal("no JOINING_CALL event recorded")
	}
	if fb.deployments[1] != "warm-pool-test/pool-meet-001" {
		t.Fatalf("deployment target not recorded: %q", fb.deployments[1])
	}
}

func TestDeployQueuesOnSaturation(t *testing.T) {
	bot := createdBot(1)
	fb := newFakeBotStore(bot)
	fp := newFakeBotPool()
	fp.saturated = true
	fq := &fakeWaitQueue{position: 4}
	c := newTestCoordinator(fb, &fakeEventStore{}, fp, fq)

	res, err := c.Deploy(context.Background(), 1, 2*time.Minute)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !res.Queued {
		t.Fatal("expected queued result")
	}
	if res.QueuePosition != 4 {
		t.Fatalf("position = %d", res.QueuePosition)
	}
	if res.EstimatedWaitMs != 4*30_000 {
		t.Fatalf("estimated wait = %d", res.EstimatedWaitMs)
	}
	if len(fq.enqueued) != 1 || fq.enqueued[0] != 1 {
		t.Fatalf("bot not enqueued: %v", fq.enqueued)
	}
	if bot.Status == domain.StatusFatal {
		t.Fatal("saturation must not fail the bot")
	}
}

func TestDeployRejectsDeployedBot(t *testing.T) {
	bot := createdBot(1)
	bot.Status = domain.StatusInCall
	c := newTestCoordinator(newFakeBotStore(bot), &fakeEventStore{}, newFakeBotPool(), &fakeWaitQueue{})

	_, err := c.Deploy(context.Background(), 1, 0)
	if !errors.Is(err, ErrAlreadyDeployed) {
		t.Fatalf("expected ErrAlreadyDeployed, got %v", err)
	}
}

func TestStartFailureIsFatalAndReleasesSlot(t *testing.T) {
	bot := createdBot(1)
	fb := newFakeBotStore(bot)
	fe := &fakeEventStore{}
	fp := newFakeBotPool()
	fp.startErr = errors.New("container refused to start")
	c := newTestCoordinator(fb, fe, fp, &fakeWaitQueue{})

	if _, err := c.Deploy(context.Background(), 1, 0); err == nil {
		t.Fatal("expected deploy error")
	}
	if bot.Status != domain.StatusFatal {
		t.Fatalf("expected FATAL, got %s", bot.Status)
	}
	if bot.DeploymentError == "" {
		t.Fatal("deployment error not recorded")
	}
	if len(fp.released) == 0 {
		t.Fatal("slot not released after failure")
	}
	if !fe.has(domain.EventFatal) {
		t.Fatal("no FATAL event recorded")
	}
}

func TestWatchFailsBotWhenContainerDies(t *testing.T) {
	bot := createdBot(1)
	bot.Status = domain.StatusJoiningCall
	fb := newFakeBotStore(bot)
	fp := newFakeBotPool()
	c := newTestCoordinator(fb, &fakeEventStore{}, fp, &fakeWaitQueue{})
	c.adapter = &fakeAdapter{status: orchestrator.StatusError}

	c.watchDeployment(1, fp.slot)

	if bot.Status != domain.StatusFatal {
		t.Fatalf("status = %s, want FATAL", bot.Status)
	}
	if bot.DeploymentError == "" {
		t.Fatal("deployment error not recorded")
	}
	if len(fp.errored) != 1 || fp.errored[0] != fp.slot.ID {
		t.Fatalf("slot not marked for recovery: %v", fp.errored)
	}
}

func TestWatchIgnoresFinishedBot(t *testing.T) {
	bot := createdBot(1)
	bot.Status = domain.StatusDone
	fb := newFakeBotStore(bot)
	fp := newFakeBotPool()
	c := newTestCoordinator(fb, &fakeEventStore{}, fp, &fakeWaitQueue{})
	// The slot was released and its container stopped when the bot finished.
	c.adapter = &fakeAdapter{status: orchestrator.StatusStopped}

	c.watchDeployment(1, fp.slot)

	if bot.Status != domain.StatusDone {
		t.Fatalf("status = %s, finished bot must stay DONE", bot.Status)
	}
	if len(fp.errored) != 0 {
		t.Fatalf("slot wrongly marked broken: %v", fp.errored)
	}
}

func TestCancelQueuedBot(t *testing.T) {
	bot := createdBot(1)
	bot.Status = domain.StatusQueued
	fb := newFakeBotStore(bot)
	fp := newFakeBotPool()
	fq := &fakeWaitQueue{}
	c := newTestCoordinator(fb, &fakeEventStore{}, fp, fq)

	got, err := c.Cancel(context.Background(), 1)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if len(fq.removed) != 1 {
		t.Fatal("queue entry not removed")
	}
	if fq.kicks == 0 {
		t.Fatal("drain worker not kicked")
	}
}

func TestCancelRejectedOnceInCall(t *testing.T) {
	bot := createdBot(1)
	bot.Status = domain.StatusInCall
	c := newTestCoordinator(newFakeBotStore(bot), &fakeEventStore{}, newFakeBotPool(), &fakeWaitQueue{})

	if _, err := c.Cancel(context.Background(), 1); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestRequestLeave(t *testing.T) {
	bot := createdBot(1)
	bot.Status = domain.StatusInCall
	fb := newFakeBotStore(bot)
	c := newTestCoordinator(fb, &fakeEventStore{}, newFakeBotPool(), &fakeWaitQueue{})

	if err := c.RequestLeave(context.Background(), 1); err != nil {
		t.Fatalf("request leave: %v", err)
	}
	if !fb.leave[1] {
		t.Fatal("leave flag not set")
	}

	bot.Status = domain.StatusDone
	if err := c.RequestLeave(context.Background(), 1); !errors.Is(err, store.ErrTerminalStatus) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestFinishReleasesSlotAndKicks(t *testing.T) {
	fp := newFakeBotPool()
	fq := &fakeWaitQueue{}
	c := newTestCoordinator(newFakeBotStore(), &fakeEventStore{}, fp, fq)

	c.Finish(context.Background(), 7)
	if len(fp.released) != 1 || fp.released[0] != 7 {
		t.Fatalf("slot not released: %v", fp.released)
	}
	if fq.kicks != 1 {
		t.Fatal("drain worker not kicked")
	}
}

func TestSweeperDeploysDueBots(t *testing.T) {
	b1, b2 := createdBot(1), createdBot(2)
	fb := newFakeBotStore(b1, b2)
	fb.due = []*domain.Bot{b1, b2}
	fp := newFakeBotPool()
	c := newTestCoordinator(fb, &fakeEventStore{}, fp, &fakeWaitQueue{})

	sw := NewSweeper(&store.Store{BotStore: fb}, c, time.Second)
	if got := sw.SweepOnce(context.Background()); got != 2 {
		t.Fatalf("expected 2 deployed, got %d", got)
	}
	if b1.Status != domain.StatusJoiningCall || b2.Status != domain.StatusJoiningCall {
		t.Fatalf("bots not handed off: %s %s", b1.Status, b2.Status)
	}
}
