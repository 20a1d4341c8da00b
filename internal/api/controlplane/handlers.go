// Package controlplane serves the operator-facing bot API.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/usher/internal/auth"
	"github.com/oriys/usher/internal/deploy"
	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/metrics"
	"github.com/oriys/usher/internal/quota"
	"github.com/oriys/usher/internal/store"
)

// Deployer is the slice of the deployment coordinator the API needs.
type Deployer interface {
	Deploy(ctx context.Context, botID int64, queueTimeout time.Duration) (*deploy.DeployResult, error)
	Cancel(ctx context.Context, botID int64) (*domain.Bot, error)
	RequestLeave(ctx context.Context, botID int64) error
}

// QuotaGate admits or rejects bot creation against the tenant's daily limit.
type QuotaGate interface {
	Admit(ctx context.Context, tenantID string) (*quota.Decision, error)
}

// URLSigner turns stored object keys into time-limited download URLs.
type URLSigner interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Handler handles control plane HTTP requests.
type Handler struct {
	Store    *store.Store
	Deployer Deployer
	Quota    QuotaGate
	Signer   URLSigner
}

// RegisterRoutes registers all control plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/bots", h.CreateBot)
	mux.HandleFunc("GET /v1/bots", h.ListBots)
	mux.HandleFunc("DELETE /v1/bots", h.DeleteBots)
	mux.HandleFunc("GET /v1/bots/{id}", h.GetBot)
	mux.HandleFunc("POST /v1/bots/{id}/deploy", h.DeployBot)
	mux.HandleFunc("POST /v1/bots/{id}/cancel", h.CancelBot)
	mux.HandleFunc("POST /v1/bots/{id}/leave", h.LeaveBot)
	mux.HandleFunc("POST /v1/bots/{id}/chat", h.EnqueueChat)
	mux.HandleFunc("GET /v1/bots/{id}/speakers", h.Speakers)
	mux.HandleFunc("GET /v1/bots/{id}/events", h.Events)
	mux.HandleFunc("GET /v1/bots/{id}/screenshots", h.Screenshots)
}

type createBotRequest struct {
	TenantID          string                 `json:"tenant_id,omitempty"`
	MeetingInfo       domain.MeetingInfo     `json:"meeting_info"`
	MeetingTitle      string                 `json:"meeting_title,omitempty"`
	DisplayName       string                 `json:"display_name,omitempty"`
	ScheduledStart    *time.Time             `json:"scheduled_start,omitempty"`
	ScheduledEnd      *time.Time             `json:"scheduled_end,omitempty"`
	RecordingEnabled  bool                   `json:"recording_enabled"`
	ChatEnabled       bool                   `json:"chat_enabled"`
	HeartbeatInterval int                    `json:"heartbeat_interval_ms,omitempty"`
	AutomaticLeave    *domain.AutomaticLeave `json:"automatic_leave,omitempty"`
	CallbackURL       string                 `json:"callback_url,omitempty"`
	QueueTimeoutMs    int64                  `json:"queue_timeout_ms,omitempty"`
}

type botResponse struct {
	*domain.Bot
	Queued          bool  `json:"queued,omitempty"`
	QueuePosition   int   `json:"queue_position,omitempty"`
	EstimatedWaitMs int64 `json:"estimated_wait_ms,omitempty"`
}

// CreateBot validates and persists a new bot. Quota is consumed atomically
// before the row exists; a bot due now is handed to the coordinator
// immediately, otherwise the sweeper picks it up near its scheduled start.
func (h *Handler) CreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	tenantID, ok := resolveTenant(w, r, req.TenantID)
	if !ok {
		return
	}
	if !domain.IsValidPlatform(req.MeetingInfo.Platform) {
		writeError(w, http.StatusBadRequest, "unknown meeting platform")
		return
	}
	if req.MeetingInfo.URL == "" {
		writeError(w, http.StatusBadRequest, "meeting url is required")
		return
	}

	decision, err := h.Quota.Admit(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "daily bot quota exceeded",
				"used":  decision.Used,
				"limit": decision.Limit,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	bot := &domain.Bot{
		TenantID:          tenantID,
		MeetingInfo:       req.MeetingInfo,
		MeetingTitle:      req.MeetingTitle,
		DisplayName:       req.DisplayName,
		ScheduledStart:    req.ScheduledStart,
		ScheduledEnd:      req.ScheduledEnd,
		RecordingEnabled:  req.RecordingEnabled,
		ChatEnabled:       req.ChatEnabled,
		HeartbeatInterval: req.HeartbeatInterval,
		CallbackURL:       req.CallbackURL,
		Status:            domain.StatusCreated,
	}
	if bot.DisplayName == "" {
		bot.DisplayName = "Usher Notetaker"
	}
	if bot.HeartbeatInterval <= 0 {
		bot.HeartbeatInterval = domain.DefaultHeartbeatIntervalMs
	}
	if req.AutomaticLeave != nil {
		bot.AutomaticLeave = *req.AutomaticLeave
	}
	bot.AutomaticLeave.Normalize()

	bot, err = h.Store.CreateBot(r.Context(), bot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.BotsCreated.WithLabelValues(string(bot.MeetingInfo.Platform)).Inc()

	resp := botResponse{Bot: bot}
	if domain.ShouldDeployImmediately(bot.ScheduledStart, time.Now()) {
		result, err := h.Deployer.Deploy(r.Context(), bot.ID, time.Duration(req.QueueTimeoutMs)*time.Millisecond)
		if err != nil {
			logging.Op().Error("deploy after create", "bot_id", bot.ID, "error", err)
			if refreshed, gerr := h.Store.GetBot(r.Context(), bot.ID); gerr == nil {
				resp.Bot = refreshed
			}
		} else {
			resp.Bot = result.Bot
			resp.Queued = result.Queued
			resp.QueuePosition = result.QueuePosition
			resp.EstimatedWaitMs = result.EstimatedWaitMs
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// DeployBot is the idempotent deploy trigger for a CREATED bot.
func (h *Handler) DeployBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.authorizedBot(w, r)
	if !ok {
		return
	}

	result, err := h.Deployer.Deploy(r.Context(), bot.ID, 0)
	if err != nil {
		switch {
		case errors.Is(err, deploy.ErrAlreadyDeployed):
			writeError(w, http.StatusConflict, "bot is already deployed or finished")
		case errors.Is(err, store.ErrBotNotFound):
			writeError(w, http.StatusNotFound, "bot not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, botResponse{
		Bot:             result.Bot,
		Queued:          result.Queued,
		QueuePosition:   result.QueuePosition,
		EstimatedWaitMs: result.EstimatedWaitMs,
	})
}

func (h *Handler) CancelBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.authorizedBot(w, r)
	if !ok {
		return
	}

	cancelled, err := h.Deployer.Cancel(r.Context(), bot.ID)
	if err != nil {
		switch {
		case errors.Is(err, deploy.ErrNotCancellable):
			writeError(w, http.StatusConflict, "bot can no longer be cancelled")
		case errors.Is(err, store.ErrBotNotFound):
			writeError(w, http.StatusNotFound, "bot not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (h *Handler) LeaveBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.authorizedBot(w, r)
	if !ok {
		return
	}

	if err := h.Deployer.RequestLeave(r.Context(), bot.ID); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			writeError(w, http.StatusConflict, "bot already finished")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leave_requested": true})
}

func (h *Handler) EnqueueChat(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.authorizedBot(w, r)
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if !bot.ChatEnabled {
		writeError(w, http.StatusBadRequest, "chat is not enabled for this bot")
		return
	}
	if bot.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "bot already finished")
		return
	}

	if err := h.Store.EnqueueChatMessage(r.Context(), bot.ID, req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": true})
}

func (h *Handler) GetBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.authorizedBot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (h *Handler) ListBots(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := resolveTenant(w, r, r.URL.Query().Get("tenant_id"))
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)

	bots, err := h.Store.ListBots(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

func (h *Handler) DeleteBots(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string  `json:"tenant_id,omitempty"`
		IDs      []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	tenantID, ok := resolveTenant(w, r, req.TenantID)
	if !ok {
		return
	}

	deleted, err := h.Store.DeleteBots(r.Context(), tenantID, req.IDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *Handler) Speakers(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.authorizedBot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bot_id":             bot.ID,
		"speaker_timeframes": bot.SpeakerTimeframes,
	})
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.authorizedBot(w, r)
	if !ok {
		return
	}
	events, err := h.Store.ListEvents(r.Context(), bot.ID, queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Screenshots lists screenshot records with presigned download URLs when an
// object store is configured.
func (h *Handler) Screenshots(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.authorizedBot(w, r)
	if !ok {
		return
	}
	shots, err := h.Store.ListScreenshots(r.Context(), bot.ID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type shotResponse struct {
		*store.Screenshot
		URL string `json:"url,omitempty"`
	}
	out := make([]shotResponse, 0, len(shots))
	for _, sc := range shots {
		item := shotResponse{Screenshot: sc}
		if h.Signer != nil {
			if url, err := h.Signer.SignedURL(r.Context(), sc.ObjectKey, 15*time.Minute); err == nil {
				item.URL = url
			} else {
				logging.Op().Warn("sign screenshot url", "key", sc.ObjectKey, "error", err)
			}
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"screenshots": out})
}

// authorizedBot loads the bot from the path id and enforces tenant scope.
// A bot outside the caller's tenant reads as not found.
func (h *Handler) authorizedBot(w http.ResponseWriter, r *http.Request) (*domain.Bot, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return nil, false
	}

	bot, err := h.Store.GetBot(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrBotNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}

	identity := auth.GetIdentity(r.Context())
	if identity != nil && identity.TenantID != "" && identity.TenantID != bot.TenantID {
		writeError(w, http.StatusNotFound, "bot not found")
		return nil, false
	}
	return bot, true
}

// resolveTenant picks the effective tenant: scoped keys are pinned to their
// own tenant, unscoped (static/system) keys must name one explicitly.
func resolveTenant(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	identity := auth.GetIdentity(r.Context())
	if identity != nil && identity.TenantID != "" {
		if requested != "" && requested != identity.TenantID {
			writeError(w, http.StatusForbidden, "tenant mismatch")
			return "", false
		}
		return identity.TenantID, true
	}
	if requested == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return "", false
	}
	return requested, true
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
