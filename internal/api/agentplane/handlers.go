// Package agentplane serves the endpoints bot agents call from inside their
// containers: heartbeats, event reporting, status projection, chat dequeue
// and screenshot upload.
package agentplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/usher/internal/artifact"
	"github.com/oriys/usher/internal/auth"
	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/metrics"
	"github.com/oriys/usher/internal/store"
)

// maxScreenshotBytes bounds an uploaded PNG.
const maxScreenshotBytes = 10 << 20

// ArtifactStore is the slice of the object store the agent plane needs.
type ArtifactStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
}

// Finisher releases control-plane resources once a bot reaches a terminal
// status. The deployment coordinator implements it.
type Finisher interface {
	Finish(ctx context.Context, botID int64)
}

// CallbackNotifier posts terminal status callbacks to the operator's URL.
type CallbackNotifier interface {
	DeliverAsync(url string, botID int64, status domain.BotStatus)
}

// Handler handles agent plane HTTP requests.
type Handler struct {
	Store     *store.Store
	Artifacts ArtifactStore
	Finisher  Finisher
	Callbacks CallbackNotifier
}

// RegisterRoutes registers all agent plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agent/v1/bots/{id}/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /agent/v1/bots/{id}/events", h.ReportEvent)
	mux.HandleFunc("POST /agent/v1/bots/{id}/status", h.UpdateStatus)
	mux.HandleFunc("GET /agent/v1/bots/{id}/chat/next", h.DequeueChat)
	mux.HandleFunc("POST /agent/v1/bots/{id}/screenshots", h.UploadScreenshot)
}

// Heartbeat refreshes last-heartbeat and returns operator intent.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	botID, ok := h.authorizedBotID(w, r)
	if !ok {
		return
	}

	if err := h.Store.SetBotHeartbeat(r.Context(), botID, time.Now().UTC()); err != nil {
		writeStoreError(w, err)
		return
	}
	bot, err := h.Store.GetBot(r.Context(), botID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.HeartbeatsReceived.Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"should_leave": bot.LeaveRequested,
		"log_level":    bot.DesiredLogLevel,
	})
}

// ReportEvent appends one event to the bot's log. Re-delivery is permitted;
// the log is append-only and carries no idempotency key.
func (h *Handler) ReportEvent(w http.ResponseWriter, r *http.Request) {
	botID, ok := h.authorizedBotID(w, r)
	if !ok {
		return
	}

	var req struct {
		Type      domain.EventType  `json:"event_type"`
		EventTime time.Time         `json:"event_time"`
		Data      *domain.EventData `json:"data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !domain.IsValidEventType(req.Type) {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	if req.EventTime.IsZero() {
		req.EventTime = time.Now().UTC()
	}

	ev, err := h.Store.AppendEvent(r.Context(), &domain.Event{
		BotID:     botID,
		Type:      req.Type,
		EventTime: req.EventTime,
		Data:      req.Data,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// UpdateStatus projects an agent-reported status onto the bot row. Terminal
// statuses are monotonic: a late replay against a finished bot is
// acknowledged but ignored. DONE on a recording-enabled bot must carry the
// recording key.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	botID, ok := h.authorizedBotID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status            domain.BotStatus          `json:"status"`
		RecordingKey      string                    `json:"recording_key,omitempty"`
		SpeakerTimeframes []domain.SpeakerTimeframe `json:"speaker_timeframes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if domain.EventType(req.Status).Status() == "" || req.Status == domain.StatusDeploying {
		writeError(w, http.StatusBadRequest, "status not reportable by agents")
		return
	}

	bot, err := h.Store.GetBot(r.Context(), botID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Status == domain.StatusDone && bot.RecordingEnabled && req.RecordingKey == "" {
		writeError(w, http.StatusBadRequest, "recording_key is required on DONE for recording-enabled bots")
		return
	}

	if err := h.Store.UpdateBotStatus(r.Context(), botID, req.Status); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			writeJSON(w, http.StatusOK, map[string]any{"ignored": true})
			return
		}
		writeStoreError(w, err)
		return
	}
	metrics.BotStatusTransitions.WithLabelValues(string(req.Status)).Inc()

	// A recording key on the bot row implies DONE, so the artifact attaches
	// only once that transition was accepted.
	if req.Status == domain.StatusDone && (req.RecordingKey != "" || len(req.SpeakerTimeframes) > 0) {
		if err := h.Store.AttachRecording(r.Context(), botID, req.RecordingKey, req.SpeakerTimeframes); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	if req.Status.IsTerminal() {
		if h.Finisher != nil {
			h.Finisher.Finish(r.Context(), botID)
		}
		if h.Callbacks != nil && bot.CallbackURL != "" {
			h.Callbacks.DeliverAsync(bot.CallbackURL, botID, req.Status)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": req.Status})
}

// DequeueChat pops the next operator chat message, at most once.
func (h *Handler) DequeueChat(w http.ResponseWriter, r *http.Request) {
	botID, ok := h.authorizedBotID(w, r)
	if !ok {
		return
	}

	text, found, err := h.Store.DequeueChatMessage(r.Context(), botID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_text": text})
}

// UploadScreenshot stores raw PNG bytes in the object store and records the
// metadata. Metadata rides in the query string; the body is the image.
func (h *Handler) UploadScreenshot(w http.ResponseWriter, r *http.Request) {
	botID, ok := h.authorizedBotID(w, r)
	if !ok {
		return
	}
	if h.Artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact store not configured")
		return
	}

	png, err := io.ReadAll(io.LimitReader(r.Body, maxScreenshotBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read image body")
		return
	}
	if len(png) == 0 {
		writeError(w, http.StatusBadRequest, "empty image body")
		return
	}
	if len(png) > maxScreenshotBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "screenshot too large")
		return
	}

	q := r.URL.Query()
	shotType := q.Get("type")
	if shotType == "" {
		shotType = "status"
	}
	capturedAt := time.Now().UTC()
	key := artifact.ScreenshotKey(botID, shotType, capturedAt)

	if err := h.Artifacts.Put(r.Context(), key, "image/png", bytes.NewReader(png)); err != nil {
		logging.Op().Error("store screenshot", "bot_id", botID, "error", err)
		writeError(w, http.StatusBadGateway, "screenshot upload failed")
		return
	}

	rec, err := h.Store.AddScreenshot(r.Context(), &store.Screenshot{
		BotID:      botID,
		ObjectKey:  key,
		Type:       shotType,
		State:      q.Get("state"),
		Trigger:    q.Get("trigger"),
		CapturedAt: capturedAt,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// authorizedBotID parses the path id and checks the caller may act for that
// bot: agent tokens are bot-scoped, the system token may act for any bot.
func (h *Handler) authorizedBotID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return 0, false
	}

	identity := auth.GetIdentity(r.Context())
	if identity != nil && identity.IsAgent() && identity.BotID != id {
		writeError(w, http.StatusForbidden, "token is not valid for this bot")
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrBotNotFound) {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
