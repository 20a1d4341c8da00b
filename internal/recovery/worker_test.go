package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/orchestrator"
	"github.com/oriys/usher/internal/store"
)

type fakeSlotStore struct {
	store.SlotStore

	broken  []*domain.PoolSlot
	reset   []int64
	deleted []int64
	bumped  map[int64]int
}

func newFakeSlotStore(broken ...*domain.PoolSlot) *fakeSlotStore {
	return &fakeSlotStore{broken: broken, bumped: make(map[int64]int)}
}

func (f *fakeSlotStore) ListBrokenSlots(ctx context.Context, stuckSince time.Time) ([]*domain.PoolSlot, error) {
	return f.broken, nil
}

func (f *fakeSlotStore) ResetSlot(ctx context.Context, id int64) error {
	f.reset = append(f.reset, id)
	return nil
}

func (f *fakeSlotStore) DeleteSlot(ctx context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSlotStore) IncrementSlotRecovery(ctx context.Context, id int64) (int, error) {
	f.bumped[id]++
	return f.bumped[id], nil
}

type fakeBotStore struct {
	store.BotStore

	fatals map[int64]string
}

func (f *fakeBotStore) SetBotFatal(ctx context.Context, id int64, msg string) error {
	if f.fatals == nil {
		f.fatals = make(map[int64]string)
	}
	f.fatals[id] = msg
	return nil
}

type fakeEventStore struct {
	store.EventStore

	events []*domain.Event
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	f.events = append(f.events, ev)
	return ev, nil
}

type fakeAdapter struct {
	orchestrator.Adapter

	stopErr error
	stopped []string
	removed []string
}

func (f *fakeAdapter) Stop(ctx context.Context, serviceID string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, serviceID)
	return nil
}

func (f *fakeAdapter) Delete(ctx context.Context, serviceID string) error {
	f.removed = append(f.removed, serviceID)
	return nil
}

func errorSlot(id int64, attempts int) *domain.PoolSlot {
	return &domain.PoolSlot{
		ID:               id,
		SlotName:         "pool-meet-001",
		ServiceID:        "svc-1",
		Platform:         domain.PlatformMeet,
		Status:           domain.SlotError,
		RecoveryAttempts: attempts,
		ErrorMessage:     "stop failed",
	}
}

func newWorker(slots *fakeSlotStore, bots *fakeBotStore, adapter *fakeAdapter) *Worker {
	st := &store.Store{SlotStore: slots, BotStore: bots, EventStore: &fakeEventStore{}}
	return NewWorker(st, adapter, Config{})
}

func TestSweepRecoversSlot(t *testing.T) {
	slots := newFakeSlotStore(errorSlot(1, 0))
	adapter := &fakeAdapter{}
	w := newWorker(slots, &fakeBotStore{}, adapter)

	recovered, failed, deleted := w.SweepOnce(context.Background())
	if recovered != 1 || failed != 0 || deleted != 0 {
		t.Fatalf("got recovered=%d failed=%d deleted=%d", recovered, failed, deleted)
	}
	if len(slots.reset) != 1 || slots.reset[0] != 1 {
		t.Fatalf("slot not reset: %v", slots.reset)
	}
	if len(adapter.stopped) != 1 {
		t.Fatalf("container not stopped: %v", adapter.stopped)
	}
}

func TestSweepIncrementsAttemptOnStopFailure(t *testing.T) {
	slots := newFakeSlotStore(errorSlot(1, 1))
	adapter := &fakeAdapter{stopErr: errors.New("daemon unreachable")}
	w := newWorker(slots, &fakeBotStore{}, adapter)

	recovered, failed, _ := w.SweepOnce(context.Background())
	if recovered != 0 || failed != 1 {
		t.Fatalf("got recovered=%d failed=%d", recovered, failed)
	}
	if slots.bumped[1] != 1 {
		t.Fatalf("recovery attempt not recorded: %v", slots.bumped)
	}
	if len(slots.reset) != 0 {
		t.Fatal("failed slot must not be reset")
	}
}

func TestSweepDeletesSlotAfterBudget(t *testing.T) {
	slots := newFakeSlotStore(errorSlot(1, domain.MaxRecoveryAttempts))
	adapter := &fakeAdapter{stopErr: errors.New("still broken")}
	w := newWorker(slots, &fakeBotStore{}, adapter)

	_, _, deleted := w.SweepOnce(context.Background())
	if deleted != 1 {
		t.Fatalf("expected deletion, got %d", deleted)
	}
	if len(adapter.removed) != 1 || adapter.removed[0] != "svc-1" {
		t.Fatalf("container not deleted: %v", adapter.removed)
	}
	if len(slots.deleted) != 1 || slots.deleted[0] != 1 {
		t.Fatalf("slot row not deleted: %v", slots.deleted)
	}
}

func TestSweepStrandsAssignedBot(t *testing.T) {
	botID := int64(42)
	sl := errorSlot(1, 0)
	sl.AssignedBotID = &botID
	slots := newFakeSlotStore(sl)
	bots := &fakeBotStore{}
	w := newWorker(slots, bots, &fakeAdapter{})

	w.SweepOnce(context.Background())
	if _, ok := bots.fatals[botID]; !ok {
		t.Fatal("assigned bot not failed")
	}
}

func TestSweepEmptyPool(t *testing.T) {
	w := newWorker(newFakeSlotStore(), &fakeBotStore{}, &fakeAdapter{})
	if r, f, d := w.SweepOnce(context.Background()); r+f+d != 0 {
		t.Fatalf("expected no work, got %d %d %d", r, f, d)
	}
}
