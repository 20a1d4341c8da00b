// Package provider defines the platform capability surface the agent drives.
// A provider owns everything between "the container is up" and "the call is
// over": joining, watching participants, recording, chat, and leaving.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oriys/usher/internal/domain"
)

// ErrPlatformUnsupported is returned when no provider is registered for the
// requested meeting platform.
var ErrPlatformUnsupported = errors.New("no provider registered for platform")

// EventSink receives lifecycle events from a provider. Delivery must not
// block the provider's loop; the agent's emitter satisfies that.
type EventSink interface {
	Emit(t domain.EventType, data *domain.EventData)
}

// Provider is one bot's attachment to a meeting platform.
//
// Join and Run split the lifecycle: Join performs the sign-in and navigation
// up to the point of requesting entry, Run drives the attendance until the
// call ends, leave is requested, or the context is cancelled. Both emit
// status-class events through the sink as the state advances.
type Provider interface {
	Join(ctx context.Context) error
	Run(ctx context.Context) error

	// RequestLeave asks the provider to leave gracefully. Safe to call from
	// another goroutine and more than once; Run returns soon after.
	RequestLeave()

	// RemovedFromCall reports whether the platform ejected the bot, as
	// opposed to the call ending or a requested leave.
	RemovedFromCall() bool

	SendChatMessage(ctx context.Context, text string) error

	// Screenshot captures the current view as PNG bytes. Failures are
	// diagnostic only and must never affect the attendance loop.
	Screenshot(ctx context.Context) ([]byte, error)

	// RecordingPath returns the local path of the finished recording, empty
	// when recording was disabled or nothing was captured.
	RecordingPath() string
	ContentType() string
	SpeakerTimeframes() []domain.SpeakerTimeframe

	// Cleanup releases platform resources (browser, temp files). Called
	// exactly once after Run returns.
	Cleanup(ctx context.Context) error
}

// Factory builds a provider for one bot.
type Factory func(cfg *domain.BotConfig, sink EventSink) (Provider, error)

// Registry maps meeting platforms to provider factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.MeetingPlatform]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.MeetingPlatform]Factory)}
}

// Register binds a factory to a platform, replacing any previous binding.
func (r *Registry) Register(platform domain.MeetingPlatform, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[platform] = f
}

// New builds a provider for the bot's platform.
func (r *Registry) New(cfg *domain.BotConfig, sink EventSink) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.MeetingInfo.Platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformUnsupported, cfg.MeetingInfo.Platform)
	}
	return f(cfg, sink)
}

// Platforms returns the registered platform names.
func (r *Registry) Platforms() []domain.MeetingPlatform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.MeetingPlatform, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	return out
}
