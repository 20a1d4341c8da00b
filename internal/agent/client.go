package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/oriys/usher/internal/domain"
)

// HeartbeatResponse carries operator intent back to the agent.
type HeartbeatResponse struct {
	ShouldLeave bool   `json:"should_leave"`
	LogLevel    string `json:"log_level,omitempty"`
}

// ChatMessage is one operator-enqueued message to post into the meeting.
type ChatMessage struct {
	MessageText string `json:"message_text"`
}

// ScreenshotMeta describes a diagnostic capture being uploaded.
type ScreenshotMeta struct {
	Type    string // "status", "fatal", "error"
	State   string // bot status at capture time
	Trigger string
}

// ControlPlane is the agent's view of the control plane RPC surface.
type ControlPlane interface {
	Heartbeat(ctx context.Context) (*HeartbeatResponse, error)
	ReportEvent(ctx context.Context, ev *domain.Event) error
	UpdateStatus(ctx context.Context, status domain.BotStatus, recordingKey string, timeframes []domain.SpeakerTimeframe) error
	// DequeueChat returns (nil, nil) when no message is waiting.
	DequeueChat(ctx context.Context) (*ChatMessage, error)
	// UploadScreenshot delivers raw PNG bytes and returns the object key.
	UploadScreenshot(ctx context.Context, png []byte, meta ScreenshotMeta) (string, error)
}

// Client is the HTTP implementation of ControlPlane against the agent
// endpoints under /agent/v1.
type Client struct {
	baseURL string
	token   string
	botID   int64
	http    *http.Client
}

func NewClient(baseURL, token string, botID int64) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		botID:   botID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) path(suffix string) string {
	return fmt.Sprintf("%s/agent/v1/bots/%d/%s", c.baseURL, c.botID, suffix)
}

func (c *Client) do(ctx context.Context, method, url, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", url, err)
		}
	}
	return nil
}

var errNoContent = fmt.Errorf("no content")

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, url, "application/json", bytes.NewReader(payload), out)
}

func (c *Client) Heartbeat(ctx context.Context) (*HeartbeatResponse, error) {
	var out HeartbeatResponse
	if err := c.postJSON(ctx, c.path("heartbeat"), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportEvent(ctx context.Context, ev *domain.Event) error {
	body := struct {
		Type      domain.EventType  `json:"event_type"`
		EventTime time.Time         `json:"event_time"`
		Data      *domain.EventData `json:"data,omitempty"`
	}{ev.Type, ev.EventTime, ev.Data}
	return c.postJSON(ctx, c.path("events"), body, nil)
}

func (c *Client) UpdateStatus(ctx context.Context, status domain.BotStatus, recordingKey string, timeframes []domain.SpeakerTimeframe) error {
	body := struct {
		Status            domain.BotStatus          `json:"status"`
		RecordingKey      string                    `json:"recording_key,omitempty"`
		SpeakerTimeframes []domain.SpeakerTimeframe `json:"speaker_timeframes,omitempty"`
	}{status, recordingKey, timeframes}
	return c.postJSON(ctx, c.path("status"), body, nil)
}

func (c *Client) DequeueChat(ctx context.Context) (*ChatMessage, error) {
	var out ChatMessage
	err := c.do(ctx, http.MethodGet, c.path("chat/next"), "", nil, &out)
	if err == errNoContent {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UploadScreenshot(ctx context.Context, png []byte, meta ScreenshotMeta) (string, error) {
	q := url.Values{}
	q.Set("type", meta.Type)
	q.Set("state", meta.State)
	if meta.Trigger != "" {
		q.Set("trigger", meta.Trigger)
	}
	var out struct {
		ObjectKey string `json:"object_key"`
	}
	err := c.do(ctx, http.MethodPost, c.path("screenshots")+"?"+q.Encode(), "image/png", bytes.NewReader(png), &out)
	if err != nil {
		return "", err
	}
	return out.ObjectKey, nil
}
