package agent

import (
	"context"
	"math/rand"
	"time"

	"github.com/oriys/usher/internal/logging"
)

const (
	heartbeatRetries     = 3
	heartbeatBackoffBase = 1 * time.Second
	heartbeatBackoffCap  = 10 * time.Second
)

// HeartbeatLoop keeps the control plane's last-heartbeat fresh and applies
// the operator intent carried in the response. A lost heartbeat never
// crashes the bot; after the retry budget the tick is skipped.
type HeartbeatLoop struct {
	cp       ControlPlane
	interval time.Duration
	onLeave  func()

	// test hooks
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewHeartbeatLoop(cp ControlPlane, interval time.Duration, onLeave func()) *HeartbeatLoop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HeartbeatLoop{
		cp:          cp,
		interval:    interval,
		onLeave:     onLeave,
		backoffBase: heartbeatBackoffBase,
		backoffCap:  heartbeatBackoffCap,
	}
}

// Run beats until the context is cancelled or the operator requests leave.
func (h *HeartbeatLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := h.beat(ctx)
			if err != nil {
				logging.Op().Warn("heartbeat unreachable, continuing", "error", err)
				continue
			}
			if resp.LogLevel != "" {
				logging.SetLevelFromString(resp.LogLevel)
			}
			if resp.ShouldLeave {
				logging.Op().Info("leave requested via heartbeat")
				if h.onLeave != nil {
					h.onLeave()
				}
				return
			}
		}
	}
}

// beat sends one heartbeat with up to heartbeatRetries attempts, backing off
// exponentially from backoffBase to backoffCap with ±25% jitter.
func (h *HeartbeatLoop) beat(ctx context.Context) (*HeartbeatResponse, error) {
	backoff := h.backoffBase
	var lastErr error
	for attempt := 0; attempt < heartbeatRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > h.backoffCap {
				backoff = h.backoffCap
			}
		}
		resp, err := h.cp.Heartbeat(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// jitter spreads a duration by ±25%.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.25
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
