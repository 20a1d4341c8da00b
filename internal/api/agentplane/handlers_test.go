package agentplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/usher/internal/auth"
	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/store"
)

type fakeBotStore struct {
	store.BotStore
	bots       map[int64]*domain.Bot
	heartbeats []time.Time
}

func (f *fakeBotStore) GetBot(ctx context.Context, id int64) (*domain.Bot, error) {
	b, ok := f.bots[id]
	if !ok {
		return nil, store.ErrBotNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBotStore) SetBotHeartbeat(ctx context.Context, id int64, at time.Time) error {
	f.heartbeats = append(f.heartbeats, at)
	return nil
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

func (f *fakeBotStore) AttachRecording(ctx context.Context, id int64, key string, tfs []domain.SpeakerTimeframe) error {
	b, ok := f.bots[id]
	if !ok {
		return store.ErrBotNotFound
	}
	b.RecordingKey = key
	b.SpeakerTimeframes = tfs
	return nil
}

type fakeEventStore struct {
	store.EventStore
	events []*domain.Event
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	e := *ev
	e.ID = int64(len(f.events) + 1)
	f.events = append(f.events, &e)
	return &e, nil
}

type fakeChatStore struct {
	store.ChatStore
	queue []string
}

func (f *fakeChatStore) DequeueChatMessage(ctx context.Context, botID int64) (string, bool, error) {
	if len(f.queue) == 0 {
		return "", false, nil
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, true, nil
}

type fakeScreenshotStore struct {
	store.ScreenshotStore
	records []*store.Screenshot
}

func (f *fakeScreenshotStore) AddScreenshot(ctx context.Context, sc *store.Screenshot) (*store.Screenshot, error) {
	rec := *sc
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, &rec)
	return &rec, nil
}

type fakeArtifacts struct {
	objects map[string][]byte
}

func (f *fakeArtifacts) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	data, _ := io.ReadAll(body)
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = data
	return nil
}

type fakeFinisher struct{ finished []int64 }

func (f *fakeFinisher) Finish(ctx context.Context, botID int64) {
	f.finished = append(f.finished, botID)
}

type fakeCallbacks struct {
	urls     []string
	statuses []domain.BotStatus
}

func (f *fakeCallbacks) DeliverAsync(url string, botID int64, status domain.BotStatus) {
	f.urls = append(f.urls, url)
	f.statuses = append(f.statuses, status)
}

type env struct {
	mux       *http.ServeMux
	bots      *fakeBotStore
	events    *fakeEventStore
	chat      *fakeChatStore
	shots     *fakeScreenshotStore
	artifacts *fakeArtifacts
	finisher  *fakeFinisher
	callbacks *fakeCallbacks
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		mux:       http.NewServeMux(),
		bots:      &fakeBotStore{bots: map[int64]*domain.Bot{}},
		events:    &fakeEventStore{},
		chat:      &fakeChatStore{},
		shots:     &fakeScreenshotStore{},
		artifacts: &fakeArtifacts{},
		finisher:  &fakeFinisher{},
		callbacks: &fakeCallbacks{},
	}
	h := &Handler{
		Store: &store.Store{
			BotStore:        e.bots,
			EventStore:      e.events,
			ChatStore:       e.chat,
			ScreenshotStore: e.shots,
		},
		Artifacts: e.artifacts,
		Finisher:  e.finisher,
		Callbacks: e.callbacks,
	}
	h.RegisterRoutes(e.mux)
	return e
}

func (e *env) do(method, path, body string, botID int64) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r = r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{
		Subject: "agent", BotID: botID, Source: "agent-token",
	}))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, r)
	return rec
}

func TestHeartbeatReturnsOperatorIntent(t *testing.T) {
	e := newEnv(t)
	e.bots.bots[7] = &domain.Bot{
		ID: 7, Status: domain.StatusInCall, LeaveRequested: true, DesiredLogLevel: "debug",
	}

	rec := e.do(http.MethodPost, "/agent/v1/bots/7/heartbeat", "{}", 7)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		ShouldLeave bool   `json:"should_leave"`
		LogLevel    string `json:"log_level"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.ShouldLeave || resp.LogLevel != "debug" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(e.bots.heartbeats) != 1 {
		t.Fatal("heartbeat not persisted")
	}
}

func TestAgentTokenIsScopedToItsBot(t *testing.T) {
	e := newEnv(t)
	e.bots.bots[7] = &domain.Bot{ID: 7, Status: domain.StatusInCall}

	rec := e.do(http.MethodPost, "/agent/v1/bots/7/heartbeat", "{}", 8)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, foreign agent token must be rejected", rec.Code)
	}
}

func TestReportEventAppends(t *testing.T) {
	e := newEnv(t)
	e.bots.bots[7] = &domain.Bot{ID: 7, Status: domain.StatusInCall}

	rec := e.do(http.MethodPost, "/agent/v1/bots/7/events",
		`{"event_type":"PARTICIPANT_JOIN","data":{"description":"Alice"}}`, 7)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(e.events.events) != 1 || e.events.events[0].Type != domain.EventParticipantJoin {
		t.Fatalf("events = %v", e.events.events)
	}

	rec = e.do(http.MethodPost, "/agent/v1/bots/7/events", `{"event_type":"NOT_A_THING"}`, 7)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d for unknown event type", rec.Code)
	}
}

func TestUpdateStatusDoneRequiresRecording(t *testing.T) {
	e := newEnv(t)
	e.bots.bots[7] = &domain.Bot{
		ID: 7, Status: domain.StatusCallEnded, RecordingEnabled: true,
		CallbackURL: "https://ops.example/hook",
	}

	rec := e.do(http.MethodPost, "/agent/v1/bots/7/status", `{"status":"DONE"}`, 7)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, DONE without recording must be rejected", rec.Code)
	}

	rec = e.do(http.MethodPost, "/agent/v1/bots/7/status",
		`{"status":"DONE","recording_key":"recordings/x-meet-recording.mp4","speaker_timeframes":[{"speaker":"Alice","start_ms":0,"end_ms":900}]}`, 7)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if e.bots.bots[7].Status != domain.StatusDone {
		t.Fatalf("bot status = %s", e.bots.bots[7].Status)
	}
	if e.bots.bots[7].RecordingKey == "" || len(e.bots.bots[7].SpeakerTimeframes) != 1 {
		t.Fatal("recording not attached")
	}
	if len(e.finisher.finished) != 1 || e.finisher.finished[0] != 7 {
		t.Fatalf("finisher calls = %v", e.finisher.finished)
	}
	if len(e.callbacks.urls) != 1 || e.callbacks.statuses[0] != domain.StatusDone {
		t.Fatalf("callbacks = %v %v", e.callbacks.urls, e.callbacks.statuses)
	}
}

func TestUpdateStatusTerminalReplayIsIgnored(t *testing.T) {
	e := newEnv(t)
	e.bots.bots[7] = &domain.Bot{ID: 7, Status: domain.StatusFatal}

	rec := e.do(http.MethodPost, "/agent/v1/bots/7/status", `{"status":"IN_CALL"}`, 7)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Fatalf("body = %s", rec.Body)
	}
	if e.bots.bots[7].Status != domain.StatusFatal {
		t.Fatalf("terminal status overwritten: %s", e.bots.bots[7].Status)
	}
	if len(e.finisher.finished) != 0 {
		t.Fatal("finisher ran on ignored replay")
	}
}

func TestUpdateStatusAttachesRecordingOnlyOnAcceptedDone(t *testing.T) {
	e := newEnv(t)
	e.bots.bots[7] = &domain.Bot{ID: 7, Status: domain.StatusFatal}

	// A replayed DONE against a finished bot is ignored and must not bolt a
	// recording onto it.
	rec := e.do(http.MethodPost, "/agent/v1/bots/7/status",
		`{"status":"DONE","recording_key":"recordings/late-meet-recording.mp4"}`, 7)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ignored") {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if e.bots.bots[7].RecordingKey != "" {
		t.Fatalf("recording attached to terminal bot: %q", e.bots.bots[7].RecordingKey)
	}

	// A recording key riding on a mid-call status is dropped too.
	e.bots.bots[8] = &domain.Bot{ID: 8, Status: domain.StatusInCall}
	rec = e.do(http.MethodPost, "/agent/v1/bots/8/status",
		`{"status":"CALL_ENDED","recording_key":"recordings/early-meet-recording.mp4"}`, 8)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if e.bots.bots[8].Status != domain.StatusCallEnded {
		t.Fatalf("bot status = %s", e.bots.bots[8].Status)
	}
	if e.bots.bots[8].RecordingKey != "" {
		t.Fatalf("recording attached before DONE: %q", e.bots.bots[8].RecordingKey)
	}
}

func TestUpdateStatusRejectsNonAgentStatuses(t *testing.T) {
	e := newEnv(t)
	e.bots.bots[7] = &domain.Bot{ID: 7, Status: domain.StatusInCall}

	for _, s := range []string{"QUEUED", "CREATED", "DEPLOYING", "CANCELLED"} {
		rec := e.do(http.MethodPost, "/agent/v1/bots/7/status", `{"status":"`+s+`"}`, 7)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status %s: code = %d", s, rec.Code)
		}
	}
}

func TestDequeueChatAtMostOnce(t *testing.T) {
	e := newEnv(t)
	e.bots.bots[7] = &domain.Bot{ID: 7, Status: domain.StatusInCall}
	e.chat.queue = []string{"hello"}

	rec := e.do(http.MethodGet, "/agent/v1/bots/7/chat/next", "", 7)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hello") {
		t.Fatalf("body = %s", rec.Body)
	}

	rec = e.do(http.MethodGet, "/agent/v1/bots/7/chat/next", "", 7)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d on empty queue", rec.Code)
	}
}

func TestUploadScreenshotStoresObjectAndRecord(t *testing.T) {
	e := newEnv(t)
	e.bots.bots[7] = &domain.Bot{ID: 7, Status: domain.StatusInCall}

	rec := e.do(http.MethodPost,
		"/agent/v1/bots/7/screenshots?type=fatal&state=FATAL&trigger=status_change",
		"\x89PNG fake bytes", 7)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	if len(e.shots.records) != 1 {
		t.Fatalf("records = %d", len(e.shots.records))
	}
	record := e.shots.records[0]
	if record.Type != "fatal" || record.State != "FATAL" || record.Trigger != "status_change" {
		t.Fatalf("record = %+v", record)
	}
	if !strings.HasPrefix(record.ObjectKey, "bots/7/screenshots/") {
		t.Fatalf("key = %s", record.ObjectKey)
	}
	if _, ok := e.artifacts.objects[record.ObjectKey]; !ok {
		t.Fatal("object not stored")
	}

	rec = e.do(http.MethodPost, "/agent/v1/bots/7/screenshots?type=status&state=IN_CALL", "", 7)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d for empty body", rec.Code)
	}
}
