package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Environment variable names forming the agent's inbound contract. The bot
// config travels base64-encoded in a single variable to avoid shell-quoting
// hazards across orchestrators.
const (
	EnvBotData         = "BOT_DATA"
	EnvAgentToken      = "USHER_AGENT_TOKEN"
	EnvControlPlaneURL = "USHER_CONTROL_PLANE_URL"
	EnvArtifactCreds   = "USHER_ARTIFACT_CREDENTIALS"
)

// BotConfig is the payload delivered to the agent via environment.
type BotConfig struct {
	ID                int64          `json:"id"`
	TenantID          string         `json:"tenant_id"`
	MeetingInfo       MeetingInfo    `json:"meeting_info"`
	MeetingTitle      string         `json:"meeting_title,omitempty"`
	StartTime         *time.Time     `json:"start_time,omitempty"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
	DisplayName       string         `json:"display_name"`
	Image             string         `json:"image,omitempty"`
	RecordingEnabled  bool           `json:"recording_enabled"`
	HeartbeatInterval int            `json:"heartbeat_interval_ms"`
	AutomaticLeave    AutomaticLeave `json:"automatic_leave"`
	CallbackURL       string         `json:"callback_url,omitempty"`
	ChatEnabled       bool           `json:"chat_enabled"`
}

// BotConfigFromBot builds the agent payload from a bot row.
func BotConfigFromBot(b *Bot) *BotConfig {
	return &BotConfig{
		ID:                b.ID,
		TenantID:          b.TenantID,
		MeetingInfo:       b.MeetingInfo,
		MeetingTitle:      b.MeetingTitle,
		StartTime:         b.ScheduledStart,
		EndTime:           b.ScheduledEnd,
		DisplayName:       b.DisplayName,
		RecordingEnabled:  b.RecordingEnabled,
		HeartbeatInterval: b.HeartbeatInterval,
		AutomaticLeave:    b.AutomaticLeave,
		CallbackURL:       b.CallbackURL,
		ChatEnabled:       b.ChatEnabled,
	}
}

// Encode serializes the config as base64-encoded JSON for EnvBotData.
func (c *BotConfig) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal bot config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeBotConfig parses the base64-encoded JSON payload from EnvBotData.
func DecodeBotConfig(encoded string) (*BotConfig, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%s is empty", EnvBotData)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", EnvBotData, err)
	}
	var cfg BotConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse bot config: %w", err)
	}
	if cfg.ID == 0 {
		return nil, fmt.Errorf("bot config missing id")
	}
	if !IsValidPlatform(cfg.MeetingInfo.Platform) {
		return nil, fmt.Errorf("bot config has unknown platform %q", cfg.MeetingInfo.Platform)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatIntervalMs
	}
	cfg.AutomaticLeave.Normalize()
	return &cfg, nil
}
