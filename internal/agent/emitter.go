package agent

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
)

// Subscriber observes local status transitions as (new, old) pairs.
// Subscribers run in emit order; a panicking subscriber is logged and does
// not stop the others or the event loop.
type Subscriber func(newStatus, oldStatus domain.BotStatus)

type emitRecord struct {
	event             *domain.Event
	status            domain.BotStatus // "" for non-status events
	recordingKey      string
	speakerTimeframes []domain.SpeakerTimeframe
}

// Emitter is the single mutator of the bot's in-process lifecycle state.
// Emitting a status-class event advances the state, notifies subscribers,
// and reports event + status to the control plane from a background worker
// so the attendance loop never blocks on the network. Reporting is
// at-least-once; failures are logged and dropped.
type Emitter struct {
	botID int64
	cp    ControlPlane

	mu     sync.Mutex
	status domain.BotStatus
	fatal  bool
	subs   []Subscriber

	queue chan emitRecord
	done  chan struct{}
}

const emitQueueSize = 256

func NewEmitter(botID int64, cp ControlPlane) *Emitter {
	e := &Emitter{
		botID:  botID,
		cp:     cp,
		status: domain.StatusDeploying,
		queue:  make(chan emitRecord, emitQueueSize),
		done:   make(chan struct{}),
	}
	go e.report()
	return e
}

// Subscribe registers a status observer. Not safe to call once events flow.
func (e *Emitter) Subscribe(fn Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// Emit publishes one lifecycle event.
func (e *Emitter) Emit(t domain.EventType, data *domain.EventData) {
	e.emit(t, data, "", nil)
}

// EmitDone publishes the terminal DONE event together with the recording
// artifact reference and collected speaker timeframes.
func (e *Emitter) EmitDone(recordingKey string, timeframes []domain.SpeakerTimeframe) {
	e.emit(domain.EventDone, nil, recordingKey, timeframes)
}

func (e *Emitter) emit(t domain.EventType, data *domain.EventData, recordingKey string, timeframes []domain.SpeakerTimeframe) {
	rec := emitRecord{
		event: &domain.Event{
			BotID:     e.botID,
			Type:      t,
			EventTime: time.Now().UTC(),
			Data:      data,
		},
		recordingKey:      recordingKey,
		speakerTimeframes: timeframes,
	}

	if t.IsStatusEvent() {
		e.mu.Lock()
		if e.status.IsTerminal() {
			e.mu.Unlock()
			logging.Op().Warn("event after terminal status dropped",
				"bot_id", e.botID, "event", t, "status", e.status)
			return
		}
		old := e.status
		e.status = t.Status()
		if t == domain.EventFatal {
			e.fatal = true
		}
		subs := e.subs
		e.mu.Unlock()

		rec.status = t.Status()
		for _, fn := range subs {
			e.notify(fn, rec.status, old)
		}
	}

	select {
	case e.queue <- rec:
	default:
		logging.Op().Error("emit queue full, event dropped", "bot_id", e.botID, "event", t)
	}
}

func (e *Emitter) notify(fn Subscriber, newStatus, oldStatus domain.BotStatus) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("status subscriber panicked", "bot_id", e.botID, "panic", r)
		}
	}()
	fn(newStatus, oldStatus)
}

// report drains the queue, delivering each event and its status projection.
func (e *Emitter) report() {
	defer close(e.done)
	for rec := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := e.cp.ReportEvent(ctx, rec.event); err != nil {
			logging.Op().Error("report event", "bot_id", e.botID, "event", rec.event.Type, "error", err)
		}
		if rec.status != "" {
			if err := e.cp.UpdateStatus(ctx, rec.status, rec.recordingKey, rec.speakerTimeframes); err != nil {
				logging.Op().Error("update status", "bot_id", e.botID, "status", rec.status, "error", err)
			}
		}
		cancel()
	}
}

// Close flushes pending reports and stops the worker. Part of graceful
// shutdown; events emitted after Close panic.
func (e *Emitter) Close() {
	close(e.queue)
	select {
	case <-e.done:
	case <-time.After(30 * time.Second):
		logging.Op().Warn("emitter flush timed out", "bot_id", e.botID)
	}
}

// Status returns the current lifecycle state.
func (e *Emitter) Status() domain.BotStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Fatal reports whether a FATAL event was emitted; it decides the exit code.
func (e *Emitter) Fatal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}
