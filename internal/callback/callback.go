// Package callback notifies tenant webhooks when a bot reaches a terminal
// status. Delivery is best effort: bounded retries, then give up and log.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/metrics"
)

const (
	maxAttempts    = 3
	initialBackoff = time.Second
	requestTimeout = 10 * time.Second
)

// Payload is the webhook body.
type Payload struct {
	BotID  int64            `json:"bot_id"`
	Status domain.BotStatus `json:"status"`
}

// Notifier posts terminal-status callbacks.
type Notifier struct {
	client *http.Client
}

func NewNotifier() *Notifier {
	return &Notifier{client: &http.Client{Timeout: requestTimeout}}
}

// Deliver posts the payload, retrying transient failures. A 2xx response
// counts as delivered; 4xx responses are not retried.
func (n *Notifier) Deliver(ctx context.Context, url string, botID int64, status domain.BotStatus) error {
	body, err := json.Marshal(Payload{BotID: botID, Status: status})
	if err != nil {
		return err
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = n.post(ctx, url, body)
		if lastErr == nil {
			metrics.CallbacksSent.WithLabelValues("ok").Inc()
			return nil
		}
		var pe *permanentError
		if errors.As(lastErr, &pe) {
			break
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			metrics.CallbacksSent.WithLabelValues("failed").Inc()
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	metrics.CallbacksSent.WithLabelValues("failed").Inc()
	return fmt.Errorf("callback to %s for bot %d: %w", url, botID, lastErr)
}

// DeliverAsync fires the callback without blocking the caller. Failures are
// logged, never surfaced.
func (n *Notifier) DeliverAsync(url string, botID int64, status domain.BotStatus) {
	if url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := n.Deliver(ctx, url, botID, status); err != nil {
			logging.Op().Warn("status callback failed", "bot_id", botID, "status", status, "error", err)
		}
	}()
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{fmt.Errorf("receiver rejected callback: %s", resp.Status)}
	default:
		return fmt.Errorf("callback got %s", resp.Status)
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
