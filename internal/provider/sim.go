package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
)

// SimConfig tunes the simulated meeting. Zero values fall back to timings
// long enough to look like a real short call; tests shrink them.
type SimConfig struct {
	JoinDelay    time.Duration // time spent "navigating" before the waiting room
	WaitingRoom  time.Duration // 0 skips IN_WAITING_ROOM
	CallDuration time.Duration // how long the fake call lasts
	Participants []string      // fake attendees; default a single host
	WorkDir      string        // recording output dir, default os.TempDir()
}

func (c *SimConfig) normalize() {
	if c.JoinDelay <= 0 {
		c.JoinDelay = 2 * time.Second
	}
	if c.CallDuration <= 0 {
		c.CallDuration = 30 * time.Second
	}
	if len(c.Participants) == 0 {
		c.Participants = []string{"Sim Host"}
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
}

// SimFactory returns a factory producing simulated providers. Local dev mode
// registers it for every platform.
func SimFactory(sim SimConfig) Factory {
	return func(cfg *domain.BotConfig, sink EventSink) (Provider, error) {
		if cfg.MeetingInfo.URL == "" {
			return nil, fmt.Errorf("meeting url is empty")
		}
		s := sim
		s.normalize()
		return &Sim{cfg: cfg, sink: sink, sim: s, leave: make(chan struct{})}, nil
	}
}

// Sim attends a pretend meeting: it walks the status-class lifecycle on
// timers, invents participant churn and speaker turns, and writes a
// placeholder recording file.
type Sim struct {
	cfg  *domain.BotConfig
	sink EventSink
	sim  SimConfig

	leaveOnce sync.Once
	leave     chan struct{}

	mu            sync.Mutex
	joined        bool
	removed       bool
	recordingPath string
	timeframes    []domain.SpeakerTimeframe
}

func (s *Sim) Join(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.sim.JoinDelay):
	}
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	return nil
}

func (s *Sim) Run(ctx context.Context) error {
	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return errors.New("run before join")
	}

	if s.sim.WaitingRoom > 0 {
		s.sink.Emit(domain.EventInWaitingRoom, nil)
		if !s.sleep(ctx, s.sim.WaitingRoom) {
			return s.finish()
		}
	}

	s.sink.Emit(domain.EventInCall, nil)
	callStart := time.Now()
	for _, p := range s.sim.Participants {
		s.sink.Emit(domain.EventParticipantJoin, &domain.EventData{Description: p})
	}

	// Carve the call into speaker turns so speaker timeframes are non-trivial.
	deadline := time.After(s.sim.CallDuration)
	turn := s.sim.CallDuration / time.Duration(len(s.sim.Participants)*2)
	if turn < 10*time.Millisecond {
		turn = 10 * time.Millisecond
	}
	i := 0
	ended := true
loop:
	for {
		speaker := s.sim.Participants[i%len(s.sim.Participants)]
		start := time.Since(callStart)
		select {
		case <-ctx.Done():
			ended = false
			break loop
		case <-s.leave:
			ended = false
			break loop
		case <-deadline:
			break loop
		case <-time.After(turn):
			s.mu.Lock()
			s.timeframes = append(s.timeframes, domain.SpeakerTimeframe{
				Speaker: speaker,
				StartMs: start.Milliseconds(),
				EndMs:   time.Since(callStart).Milliseconds(),
			})
			s.mu.Unlock()
		}
		i++
	}

	if ended {
		for _, p := range s.sim.Participants {
			s.sink.Emit(domain.EventParticipantLeave, &domain.EventData{Description: p})
		}
	}
	return s.finish()
}

// finish writes the recording artifact and emits CALL_ENDED.
func (s *Sim) finish() error {
	if s.cfg.RecordingEnabled {
		if err := s.writeRecording(); err != nil {
			logging.Op().Error("write placeholder recording", "bot_id", s.cfg.ID, "error", err)
		}
	}
	s.sink.Emit(domain.EventCallEnded, nil)
	return nil
}

func (s *Sim) writeRecording() error {
	path := filepath.Join(s.sim.WorkDir, fmt.Sprintf("sim-recording-%d-%d.mp4", s.cfg.ID, rand.Int63()))
	payload := fmt.Sprintf("simulated recording for bot %d (%s)\n", s.cfg.ID, s.cfg.MeetingInfo.Platform)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		return err
	}
	s.mu.Lock()
	s.recordingPath = path
	s.mu.Unlock()
	return nil
}

func (s *Sim) RequestLeave() {
	s.leaveOnce.Do(func() { close(s.leave) })
}

func (s *Sim) RemovedFromCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

func (s *Sim) SendChatMessage(ctx context.Context, text string) error {
	s.sink.Emit(domain.EventLog, &domain.EventData{Description: "chat: " + text})
	return nil
}

// Screenshot returns a minimal valid 1x1 PNG.
func (s *Sim) Screenshot(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), simPNG...), nil
}

func (s *Sim) RecordingPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingPath
}

func (s *Sim) ContentType() string { return "video/mp4" }

func (s *Sim) SpeakerTimeframes() []domain.SpeakerTimeframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SpeakerTimeframe, len(s.timeframes))
	copy(out, s.timeframes)
	return out
}

func (s *Sim) Cleanup(ctx context.Context) error { return nil }

func (s *Sim) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.leave:
		return false
	case <-time.After(d):
		return true
	}
}

// simPNG is a 1x1 transparent PNG.
var simPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}
