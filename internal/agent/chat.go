package agent

import (
	"context"
	"math/rand"
	"time"

	"github.com/oriys/usher/internal/logging"
)

// ChatDrain polls the control plane for operator-enqueued chat messages and
// dispatches them to the platform provider. A uniform random pause before
// each dispatch keeps the bot from posting at machine cadence.
type ChatDrain struct {
	cp   ControlPlane
	send func(ctx context.Context, text string) error

	poll      time.Duration
	jitterMin time.Duration
	jitterMax time.Duration
}

func NewChatDrain(cp ControlPlane, send func(ctx context.Context, text string) error) *ChatDrain {
	return &ChatDrain{
		cp:        cp,
		send:      send,
		poll:      5 * time.Second,
		jitterMin: 1 * time.Second,
		jitterMax: 6 * time.Second,
	}
}

func (d *ChatDrain) Run(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := d.cp.DequeueChat(ctx)
			if err != nil {
				logging.Op().Warn("dequeue chat message", "error", err)
				continue
			}
			if msg == nil {
				continue
			}

			pause := d.jitterMin
			if d.jitterMax > d.jitterMin {
				pause += time.Duration(rand.Int63n(int64(d.jitterMax - d.jitterMin)))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}

			if err := d.send(ctx, msg.MessageText); err != nil {
				logging.Op().Warn("send chat message", "error", err)
			}
		}
	}
}
