package agent

import (
	"context"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
)

// DurationMonitor enforces the hard per-call runtime ceiling. When reached
// it emits FATAL with the duration sub-code and asks the provider to leave.
type DurationMonitor struct {
	emitter      *Emitter
	max          time.Duration
	requestLeave func()
	tick         time.Duration
	started      time.Time
}

func NewDurationMonitor(emitter *Emitter, max time.Duration, requestLeave func()) *DurationMonitor {
	if max <= 0 {
		max = DefaultMaxCallDuration
	}
	return &DurationMonitor{
		emitter:      emitter,
		max:          max,
		requestLeave: requestLeave,
		tick:         time.Minute,
		started:      time.Now(),
	}
}

func (m *DurationMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(m.started)
			if elapsed < m.max {
				continue
			}
			logging.Op().Error("call duration limit reached",
				"elapsed", elapsed.Round(time.Second), "limit", m.max)
			m.emitter.Emit(domain.EventFatal, &domain.EventData{
				Description: "call exceeded the maximum allowed duration",
				SubCode:     domain.SubCodeDurationLimitExceeded,
			})
			if m.requestLeave != nil {
				m.requestLeave()
			}
			return
		}
	}
}
