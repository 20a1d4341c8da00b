package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oriys/usher/internal/artifact"
	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/provider"
)

// ArtifactStore is the slice of the object store the agent needs.
type ArtifactStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
}

// Runtime wires the provider, emitter and background loops into one
// attendance. Run returns the process exit code: 0 on clean DONE, 1 when a
// FATAL event was emitted.
type Runtime struct {
	cfg       *Config
	cp        ControlPlane
	registry  *provider.Registry
	artifacts ArtifactStore
}

func NewRuntime(cfg *Config, cp ControlPlane, registry *provider.Registry, artifacts ArtifactStore) *Runtime {
	return &Runtime{cfg: cfg, cp: cp, registry: registry, artifacts: artifacts}
}

func (r *Runtime) Run(ctx context.Context) (code int) {
	bot := r.cfg.Bot
	emitter := NewEmitter(bot.ID, r.cp)
	defer emitter.Close()

	// A provider panic must still surface as FATAL; the emitter flush in
	// Close runs after this recover.
	defer func() {
		if p := recover(); p != nil {
			logging.Op().Error("attendance panicked", "bot_id", bot.ID, "panic", p)
			emitter.Emit(domain.EventFatal, &domain.EventData{
				Description: fmt.Sprintf("attendance panicked: %v", p),
			})
			code = 1
		}
	}()

	p, err := r.registry.New(bot, emitter)
	if err != nil {
		emitter.Emit(domain.EventFatal, &domain.EventData{
			Description: fmt.Sprintf("provider init failed: %v", err),
		})
		return 1
	}

	var leaveOnce sync.Once
	leave := func() { leaveOnce.Do(p.RequestLeave) }

	// Diagnostic screenshots ride on status transitions but never block them.
	emitter.Subscribe(func(newStatus, _ domain.BotStatus) {
		go r.captureScreenshot(p, newStatus)
	})

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		interval := time.Duration(bot.HeartbeatInterval) * time.Millisecond
		NewHeartbeatLoop(r.cp, interval, leave).Run(loopCtx)
	}()
	go func() {
		defer wg.Done()
		NewDurationMonitor(emitter, r.cfg.MaxCallDuration, leave).Run(loopCtx)
	}()
	if bot.ChatEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			NewChatDrain(r.cp, p.SendChatMessage).Run(loopCtx)
		}()
	}

	emitter.Emit(domain.EventJoiningCall, nil)
	if err := p.Join(ctx); err != nil {
		emitter.Emit(domain.EventFatal, &domain.EventData{
			Description: fmt.Sprintf("failed to join meeting: %v", err),
		})
		r.teardown(p, stopLoops, &wg)
		return 1
	}

	if err := p.Run(ctx); err != nil {
		emitter.Emit(domain.EventFatal, &domain.EventData{
			Description: fmt.Sprintf("attendance loop failed: %v", err),
		})
		r.teardown(p, stopLoops, &wg)
		return 1
	}

	r.finalize(ctx, emitter, p)
	r.teardown(p, stopLoops, &wg)
	if emitter.Fatal() {
		return 1
	}
	return 0
}

// finalize uploads the recording, if any, and emits DONE. A lost recording
// on a recording-enabled bot is FATAL: the operator paid for an artifact
// that does not exist.
func (r *Runtime) finalize(ctx context.Context, emitter *Emitter, p provider.Provider) {
	if emitter.Fatal() {
		return
	}

	timeframes := p.SpeakerTimeframes()
	if !r.cfg.Bot.RecordingEnabled {
		emitter.EmitDone("", timeframes)
		return
	}

	key, err := r.uploadRecording(ctx, p)
	if err != nil {
		emitter.Emit(domain.EventFatal, &domain.EventData{
			Description: fmt.Sprintf("recording upload failed: %v", err),
		})
		return
	}
	emitter.EmitDone(key, timeframes)
}

func (r *Runtime) uploadRecording(ctx context.Context, p provider.Provider) (string, error) {
	path := p.RecordingPath()
	if path == "" {
		return "", fmt.Errorf("provider produced no recording")
	}
	if r.artifacts == nil {
		return "", fmt.Errorf("artifact store not configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	contentType := p.ContentType()
	key := artifact.RecordingKey(r.cfg.Bot.MeetingInfo.Platform, extForContentType(contentType))
	if err := r.artifacts.Put(ctx, key, contentType, f); err != nil {
		return "", err
	}
	logging.Op().Info("recording uploaded", "bot_id", r.cfg.Bot.ID, "key", key)
	return key, nil
}

func (r *Runtime) captureScreenshot(p provider.Provider, status domain.BotStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	png, err := p.Screenshot(ctx)
	if err != nil {
		logging.Op().Warn("screenshot capture failed", "bot_id", r.cfg.Bot.ID, "error", err)
		return
	}

	shotType := "status"
	if status == domain.StatusFatal {
		shotType = "fatal"
	}
	if _, err := r.cp.UploadScreenshot(ctx, png, ScreenshotMeta{
		Type:    shotType,
		State:   string(status),
		Trigger: "status_change",
	}); err != nil {
		logging.Op().Warn("screenshot upload failed", "bot_id", r.cfg.Bot.ID, "error", err)
	}
}

func (r *Runtime) teardown(p provider.Provider, stopLoops context.CancelFunc, wg *sync.WaitGroup) {
	stopLoops()
	wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Cleanup(ctx); err != nil {
		logging.Op().Warn("provider cleanup", "bot_id", r.cfg.Bot.ID, "error", err)
	}
}

func extForContentType(ct string) string {
	switch {
	case strings.Contains(ct, "webm"):
		return "webm"
	case strings.Contains(ct, "mp4"):
		return "mp4"
	default:
		return "mp4"
	}
}
