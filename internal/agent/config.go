// Package agent is the per-bot process that runs inside a pool container.
// It decodes its assignment from the environment, drives a platform
// provider through the call, and reports lifecycle events back to the
// control plane.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oriys/usher/internal/config"
	"github.com/oriys/usher/internal/domain"
)

// DefaultMaxCallDuration bounds a single attendance; the duration monitor
// turns the bot FATAL when it is reached.
const DefaultMaxCallDuration = 60 * time.Minute

// Config is everything the agent needs, assembled from the environment the
// control plane injected at slot start.
type Config struct {
	Bot             *domain.BotConfig
	AgentToken      string
	ControlPlaneURL string
	Artifact        config.ArtifactConfig
	MaxCallDuration time.Duration
}

// FromEnv reads the agent contract from the process environment.
func FromEnv() (*Config, error) {
	bot, err := domain.DecodeBotConfig(os.Getenv(domain.EnvBotData))
	if err != nil {
		return nil, err
	}

	token := os.Getenv(domain.EnvAgentToken)
	if token == "" {
		return nil, fmt.Errorf("%s is empty", domain.EnvAgentToken)
	}
	baseURL := os.Getenv(domain.EnvControlPlaneURL)
	if baseURL == "" {
		return nil, fmt.Errorf("%s is empty", domain.EnvControlPlaneURL)
	}

	cfg := &Config{
		Bot:             bot,
		AgentToken:      token,
		ControlPlaneURL: baseURL,
		MaxCallDuration: DefaultMaxCallDuration,
	}

	if creds := os.Getenv(domain.EnvArtifactCreds); creds != "" {
		if err := json.Unmarshal([]byte(creds), &cfg.Artifact); err != nil {
			return nil, fmt.Errorf("parse %s: %w", domain.EnvArtifactCreds, err)
		}
	}

	if v := os.Getenv("USHER_MAX_CALL_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid USHER_MAX_CALL_DURATION %q", v)
		}
		cfg.MaxCallDuration = d
	}

	return cfg, nil
}
