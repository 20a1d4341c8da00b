package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/orchestrator"
	"github.com/oriys/usher/internal/store"
)

type fakeSlotStore struct {
	store.SlotStore

	idle      []*domain.PoolSlot
	slots     map[int64]*domain.PoolSlot
	nextID    int64
	count     int
	createErr error
}

func newFakeSlotStore() *fakeSlotStore {
	return &fakeSlotStore{slots: make(map[int64]*domain.PoolSlot)}
}

func (f *fakeSlotStore) AcquireIdleSlot(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error) {
	for i, sl := range f.idle {
		if sl.Platform == platform {
			f.idle = append(f.idle[:i], f.idle[i+1:]...)
			sl.Status = domain.SlotBusy
			sl.AssignedBotID = &botID
			return sl, nil
		}
	}
	return nil, nil
}

func (f *fakeSlotStore) CreateSlot(ctx context.Context, platform domain.MeetingPlatform, serviceID func(string) (string, error), botID int64, maxSize int) (*domain.PoolSlot, int, error) {
	if f.createErr != nil {
		return nil, f.count, f.createErr
	}
	if f.count >= maxSize {
		return nil, f.count, nil
	}
	name := fmt.Sprintf("pool-%s-%03d", platform, f.count+1)
	svcID, err := serviceID(name)
	if err != nil {
		return nil, f.count, err
	}
	f.nextID++
	f.count++
	sl := &domain.PoolSlot{
		ID:        f.nextID,
		SlotName:  name,
		ServiceID: svcID,
		Platform:  platform,
		Status:    domain.SlotDeploying,
	}
	if botID != 0 {
		sl.AssignedBotID = &botID
	}
	f.slots[sl.ID] = sl
	return sl, f.count, nil
}

func (f *fakeSlotStore) MarkSlotBusy(ctx context.Context, id, botID int64) error {
	sl, ok := f.slots[id]
	if !ok {
		return store.ErrSlotNotFound
	}
	sl.Status = domain.SlotBusy
	sl.AssignedBotID = &botID
	return nil
}

func (f *fakeSlotStore) MarkSlotError(ctx context.Context, id int64, msg string) error {
	sl, ok := f.slots[id]
	if !ok {
		return store.ErrSlotNotFound
	}
	sl.Status = domain.SlotError
	sl.ErrorMessage = msg
	return nil
}

func (f *fakeSlotStore) ReleaseSlot(ctx context.Context, id int64) error {
	sl, ok := f.slots[id]
	if !ok {
		return store.ErrSlotNotFound
	}
	sl.Status = domain.SlotIdle
	sl.AssignedBotID = nil
	f.idle = append(f.idle, sl)
	return nil
}

func (f *fakeSlotStore) GetSlotByBot(ctx context.Context, botID int64) (*domain.PoolSlot, error) {
	for _, sl := range f.slots {
		if sl.AssignedBotID != nil && *sl.AssignedBotID == botID {
			return sl, nil
		}
	}
	return nil, nil
}

type fakeAdapter struct {
	created []string
	started []string
	stopped []string
	env     map[string]map[string]string

	stopErr error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{env: make(map[string]map[string]string)}
}

func (f *fakeAdapter) Create(ctx context.Context, spec orchestrator.ContainerSpec) (string, error) {
	f.created = append(f.created, spec.Name)
	return "svc-" + spec.Name, nil
}

func (f *fakeAdapter) Start(ctx context.Context, serviceID string) error {
	f.started = append(f.started, serviceID)
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context, serviceID string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, serviceID)
	return nil
}

func (f *fakeAdapter) Delete(ctx context.Context, serviceID string) error { return nil }

func (f *fakeAdapter) UpdateEnv(ctx context.Context, serviceID string, env map[string]string) error {
	f.env[serviceID] = env
	return nil
}

func (f *fakeAdapter) Describe(ctx context.Context, serviceID string) (orchestrator.ServiceStatus, error) {
	return orchestrator.StatusRunning, nil
}

func (f *fakeAdapter) SetDescription(ctx context.Context, serviceID, description string) error {
	return nil
}

func (f *fakeAdapter) Variant() string { return "fake" }

func TestAcquirePrefersIdleSlot(t *testing.T) {
	slots := newFakeSlotStore()
	idle := &domain.PoolSlot{ID: 7, SlotName: "pool-meet-001", ServiceID: "svc-1", Platform: domain.PlatformMeet, Status: domain.SlotIdle}
	slots.slots[7] = idle
	slots.idle = []*domain.PoolSlot{idle}
	slots.count = 1
	adapter := newFakeAdapter()

	m := NewManager(slots, adapter, Config{MaxSize: 10})
	got, err := m.Acquire(context.Background(), domain.PlatformMeet, 42)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.ID != 7 {
		t.Fatalf("expected idle slot reused, got %+v", got)
	}
	if len(adapter.created) != 0 {
		t.Fatalf("no container should be created on reuse")
	}
	if got.AssignedBotID == nil || *got.AssignedBotID != 42 {
		t.Fatalf("slot not assigned to bot: %+v", got)
	}
}

func TestAcquireGrowsPoolWhenEmpty(t *testing.T) {
	slots := newFakeSlotStore()
	adapter := newFakeAdapter()

	m := NewManager(slots, adapter, Config{MaxSize: 10})
	got, err := m.Acquire(context.Background(), domain.PlatformTeams, 42)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.SlotName != "pool-teams-001" {
		t.Fatalf("got slot name %q", got.SlotName)
	}
	if got.Status != domain.SlotBusy {
		t.Fatalf("new slot should be busy, got %s", got.Status)
	}
	if len(adapter.created) != 1 || adapter.created[0] != "pool-teams-001" {
		t.Fatalf("container not created: %v", adapter.created)
	}
}

func TestAcquireSaturated(t *testing.T) {
	slots := newFakeSlotStore()
	slots.count = 2
	adapter := newFakeAdapter()

	m := NewManager(slots, adapter, Config{MaxSize: 2})
	_, err := m.Acquire(context.Background(), domain.PlatformMeet, 42)
	if !errors.Is(err, ErrPoolSaturated) {
		t.Fatalf("expected ErrPoolSaturated, got %v", err)
	}
}

func TestConfigureAndStartInjectsEnv(t *testing.T) {
	slots := newFakeSlotStore()
	adapter := newFakeAdapter()
	m := NewManager(slots, adapter, Config{
		MaxSize:         10,
		ControlPlaneURL: "http://cp.internal:8080",
		ArtifactCreds:   "creds-blob",
	})

	slot := &domain.PoolSlot{ID: 1, SlotName: "pool-meet-001", ServiceID: "svc-1", Platform: domain.PlatformMeet}
	bot := &domain.Bot{
		ID:          9,
		TenantID:    "acme",
		DisplayName: "Notetaker",
		MeetingInfo: domain.MeetingInfo{Platform: domain.PlatformMeet, URL: "https://meet.google.com/abc-defg-hij"},
	}

	if err := m.ConfigureAndStart(context.Background(), slot, bot, "tok-123"); err != nil {
		t.Fatalf("configure and start: %v", err)
	}
	env := adapter.env["svc-1"]
	if env == nil {
		t.Fatal("env never set")
	}
	if env[domain.EnvAgentToken] != "tok-123" {
		t.Errorf("agent token not injected: %v", env)
	}
	if env[domain.EnvControlPlaneURL] != "http://cp.internal:8080" {
		t.Errorf("control plane url not injected: %v", env)
	}
	if env[domain.EnvArtifactCreds] != "creds-blob" {
		t.Errorf("artifact creds not injected: %v", env)
	}
	cfg, err := domain.DecodeBotConfig(env[domain.EnvBotData])
	if err != nil {
		t.Fatalf("bot data round-trip: %v", err)
	}
	if cfg.ID != 9 || cfg.MeetingInfo.Platform != domain.PlatformMeet {
		t.Fatalf("unexpected decoded config: %+v", cfg)
	}
	if len(adapter.started) != 1 || adapter.started[0] != "svc-1" {
		t.Fatalf("container not started: %v", adapter.started)
	}
}

func TestReleaseReturnsSlotToIdle(t *testing.T) {
	slots := newFakeSlotStore()
	botID := int64(42)
	sl := &domain.PoolSlot{ID: 3, SlotName: "pool-meet-003", ServiceID: "svc-3", Platform: domain.PlatformMeet, Status: domain.SlotBusy, AssignedBotID: &botID}
	slots.slots[3] = sl
	adapter := newFakeAdapter()

	m := NewManager(slots, adapter, Config{MaxSize: 10})
	if err := m.ReleaseByBot(context.Background(), botID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if sl.Status != domain.SlotIdle || sl.AssignedBotID != nil {
		t.Fatalf("slot not idle after release: %+v", sl)
	}
	if len(adapter.stopped) != 1 {
		t.Fatalf("container not stopped: %v", adapter.stopped)
	}
}

func TestReleaseStopFailureMarksSlotError(t *testing.T) {
	slots := newFakeSlotStore()
	sl := &domain.PoolSlot{ID: 3, SlotName: "pool-meet-003", ServiceID: "svc-3", Platform: domain.PlatformMeet, Status: domain.SlotBusy}
	slots.slots[3] = sl
	adapter := newFakeAdapter()
	adapter.stopErr = errors.New("daemon unreachable")

	m := NewManager(slots, adapter, Config{MaxSize: 10})
	err := m.Release(context.Background(), sl)
	if err == nil {
		t.Fatal("expected release error")
	}
	if sl.Status != domain.SlotError {
		t.Fatalf("slot should be in error, got %s", sl.Status)
	}
	if !strings.Contains(sl.ErrorMessage, "daemon unreachable") {
		t.Fatalf("error message not recorded: %q", sl.ErrorMessage)
	}
}

func TestMarkErrorFlagsSlotForRecovery(t *testing.T) {
	slots := newFakeSlotStore()
	sl := &domain.PoolSlot{ID: 5, SlotName: "pool-meet-005", ServiceID: "svc-5", Platform: domain.PlatformMeet, Status: domain.SlotBusy}
	slots.slots[5] = sl

	m := NewManager(slots, newFakeAdapter(), Config{MaxSize: 10})
	if err := m.MarkError(context.Background(), sl, "container exited after hand-off"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	if sl.Status != domain.SlotError {
		t.Fatalf("slot should be in error, got %s", sl.Status)
	}
	if !strings.Contains(sl.ErrorMessage, "exited after hand-off") {
		t.Fatalf("error message not recorded: %q", sl.ErrorMessage)
	}
}

func TestReleaseByBotWithoutSlotIsNoop(t *testing.T) {
	m := NewManager(newFakeSlotStore(), newFakeAdapter(), Config{MaxSize: 10})
	if err := m.ReleaseByBot(context.Background(), 99); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestWarmCreatesIdleSlots(t *testing.T) {
	slots := newFakeSlotStore()
	adapter := newFakeAdapter()
	m := NewManager(slots, adapter, Config{MaxSize: 10})

	if err := m.Warm(context.Background(), domain.PlatformMeet, 3); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if len(slots.idle) != 3 {
		t.Fatalf("expected 3 idle slots, got %d", len(slots.idle))
	}
	for _, sl := range slots.idle {
		if sl.AssignedBotID != nil {
			t.Fatalf("warm slot should be unassigned: %+v", sl)
		}
	}
}
