// Package orchestrator abstracts the container backend the control plane
// uses to run bot agents: a warm-pool Docker backend for production and a
// local process backend for development.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/usher/internal/domain"
)

// ServiceStatus is the normalized describe-status vocabulary. Backends map
// their native states onto these tokens; anything unrecognized becomes
// StatusUnknown and is treated as still in progress.
type ServiceStatus string

const (
	StatusRunning    ServiceStatus = "running"
	StatusHealthy    ServiceStatus = "healthy"
	StatusStarting   ServiceStatus = "starting"
	StatusRestarting ServiceStatus = "restarting"
	StatusUnhealthy  ServiceStatus = "unhealthy"
	StatusExited     ServiceStatus = "exited"
	StatusStopped    ServiceStatus = "stopped"
	StatusError      ServiceStatus = "error"
	StatusDegraded   ServiceStatus = "degraded"
	StatusUnknown    ServiceStatus = "unknown"
)

// NormalizeStatus maps a backend-native state string onto the shared
// vocabulary.
func NormalizeStatus(raw string) ServiceStatus {
	switch ServiceStatus(raw) {
	case StatusRunning, StatusHealthy, StatusStarting, StatusRestarting,
		StatusUnhealthy, StatusExited, StatusStopped, StatusError, StatusDegraded:
		return ServiceStatus(raw)
	}
	return StatusUnknown
}

// ContainerSpec describes the container to create for a slot or bot.
type ContainerSpec struct {
	Image string
	Name  string
	Env   map[string]string
}

// Error is the distinguished failure type for adapter operations. The
// primitive operations never retry internally; retry is the caller's policy.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("orchestrator %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrPlatformUnsupported is returned when no image exists for a platform.
var ErrPlatformUnsupported = errors.New("unsupported meeting platform")

// Adapter is the capability set every container backend implements.
type Adapter interface {
	// Create provisions a container and returns its opaque service id. The
	// container is not started.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	Start(ctx context.Context, serviceID string) error
	Stop(ctx context.Context, serviceID string) error
	Delete(ctx context.Context, serviceID string) error

	// UpdateEnv replaces the per-tenancy environment of a stopped service.
	// The next Start picks it up.
	UpdateEnv(ctx context.Context, serviceID string, env map[string]string) error

	Describe(ctx context.Context, serviceID string) (ServiceStatus, error)

	// SetDescription updates human-readable metadata on the service.
	// Best effort: failures must not affect the caller.
	SetDescription(ctx context.Context, serviceID, description string) error

	// Variant names the backend for the bot's deployment-platform field.
	Variant() string
}

// ImageForPlatform selects the agent image for a meeting platform.
func ImageForPlatform(platform domain.MeetingPlatform, prefix string) (string, error) {
	if !domain.IsValidPlatform(platform) {
		return "", fmt.Errorf("%w: %q", ErrPlatformUnsupported, platform)
	}
	if prefix == "" {
		prefix = "usher-bot"
	}
	return fmt.Sprintf("%s-%s:latest", prefix, platform), nil
}

// WaitResult reports the outcome of WaitForDeployment.
type WaitResult struct {
	Success bool
	Status  ServiceStatus
	Err     error
}

const (
	DefaultDeployWait   = 30 * time.Minute
	DefaultExitGrace    = 20 * time.Minute
	DefaultPollInterval = 10 * time.Second
)

// WaitForDeployment polls Describe until the service is running or healthy.
// error/degraded fail immediately. exited/stopped fail only after the grace
// window, because image pull and extraction can keep a service down for many
// minutes before its first start.
func WaitForDeployment(ctx context.Context, a Adapter, serviceID string, timeout, grace, pollInterval time.Duration) WaitResult {
	if timeout <= 0 {
		timeout = DefaultDeployWait
	}
	if grace <= 0 {
		grace = DefaultExitGrace
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	graceUntil := time.Now().Add(grace)

	for {
		status, err := a.Describe(ctx, serviceID)
		if err == nil {
			switch status {
			case StatusRunning, StatusHealthy:
				return WaitResult{Success: true, Status: status}
			case StatusError, StatusDegraded:
				return WaitResult{Status: status, Err: fmt.Errorf("service %s entered %s", serviceID, status)}
			case StatusExited, StatusStopped:
				if time.Now().After(graceUntil) {
					return WaitResult{Status: status, Err: fmt.Errorf("service %s %s after grace period", serviceID, status)}
				}
			}
		}

		if time.Now().After(deadline) {
			return WaitResult{Status: status, Err: fmt.Errorf("service %s deployment timed out after %s", serviceID, timeout)}
		}

		select {
		case <-ctx.Done():
			return WaitResult{Status: status, Err: ctx.Err()}
		case <-time.After(pollInterval):
		}
	}
}

const (
	DefaultDeployRetries = 3
	maxRetryBackoff      = 30 * time.Second
)

// DeployWithRetry creates and starts a service, restarting the same service
// id with exponential backoff on failure. After the final attempt the
// service is deleted and the last error surfaced.
func DeployWithRetry(ctx context.Context, a Adapter, spec ContainerSpec, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultDeployRetries
	}

	serviceID, err := a.Create(ctx, spec)
	if err != nil {
		return "", err
	}

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := a.Start(ctx, serviceID); err == nil {
			return serviceID, nil
		} else {
			lastErr = err
		}

		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxRetries
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}

	_ = a.Delete(ctx, serviceID)
	return "", fmt.Errorf("deploy %s failed after %d attempts: %w", spec.Name, maxRetries, lastErr)
}
