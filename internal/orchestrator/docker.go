package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/oriys/usher/internal/logging"
)

// DockerConfig tunes the Docker warm-pool backend.
type DockerConfig struct {
	Network string // optional docker network for agent containers
}

// DockerAdapter drives long-lived bot containers through the docker CLI.
// Docker cannot change the environment of an existing container, so the
// adapter keeps the desired spec per service and recreates the container
// under the same name on Start. The service id is the stable container name,
// which survives recreation.
type DockerAdapter struct {
	config   DockerConfig
	mu       sync.Mutex
	services map[string]*dockerService // service id -> desired state
}

type dockerService struct {
	image string
	env   map[string]string
}

func NewDockerAdapter(cfg DockerConfig) (*DockerAdapter, error) {
	if err := exec.Command("docker", "version").Run(); err != nil {
		return nil, &Error{Op: "init", Err: fmt.Errorf("docker not available: %w", err)}
	}
	return &DockerAdapter{
		config:   cfg,
		services: make(map[string]*dockerService),
	}, nil
}

func (d *DockerAdapter) Variant() string { return "warm-pool-docker" }

func (d *DockerAdapter) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	name := spec.Name
	if name == "" {
		return "", &Error{Op: "create", Err: fmt.Errorf("container name is required")}
	}

	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}

	args := []string{"create", "--name", name, "--label", "usher.managed=true"}
	if d.config.Network != "" {
		args = append(args, "--network", d.config.Network)
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, spec.Image)

	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return "", &Error{Op: "create", Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))}
	}

	d.mu.Lock()
	d.services[name] = &dockerService{image: spec.Image, env: env}
	d.mu.Unlock()

	logging.Op().Debug("docker container created", "name", name, "image", spec.Image)
	return name, nil
}

// Start recreates the container with the currently desired env and runs it.
// Recreation is how env updates take effect between tenancies.
func (d *DockerAdapter) Start(ctx context.Context, serviceID string) error {
	d.mu.Lock()
	svc, ok := d.services[serviceID]
	d.mu.Unlock()
	if !ok {
		return &Error{Op: "start", Err: fmt.Errorf("unknown service %s", serviceID)}
	}

	// Remove the previous incarnation; ignore "no such container".
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", serviceID).Run()

	args := []string{"run", "-d", "--name", serviceID, "--label", "usher.managed=true"}
	if d.config.Network != "" {
		args = append(args, "--network", d.config.Network)
	}
	for k, v := range svc.env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, svc.image)

	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return &Error{Op: "start", Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))}
	}
	logging.Op().Info("docker container started", "name", serviceID)
	return nil
}

func (d *DockerAdapter) Stop(ctx context.Context, serviceID string) error {
	if out, err := exec.CommandContext(ctx, "docker", "stop", serviceID).CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "No such container") {
			return nil
		}
		return &Error{Op: "stop", Err: fmt.Errorf("%w: %s", err, msg)}
	}
	return nil
}

func (d *DockerAdapter) Delete(ctx context.Context, serviceID string) error {
	if out, err := exec.CommandContext(ctx, "docker", "rm", "-f", serviceID).CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if !strings.Contains(msg, "No such container") {
			return &Error{Op: "delete", Err: fmt.Errorf("%w: %s", err, msg)}
		}
	}
	d.mu.Lock()
	delete(d.services, serviceID)
	d.mu.Unlock()
	return nil
}

func (d *DockerAdapter) UpdateEnv(ctx context.Context, serviceID string, env map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	svc, ok := d.services[serviceID]
	if !ok {
		return &Error{Op: "update-env", Err: fmt.Errorf("unknown service %s", serviceID)}
	}
	svc.env = make(map[string]string, len(env))
	for k, v := range env {
		svc.env[k] = v
	}
	return nil
}

func (d *DockerAdapter) Describe(ctx context.Context, serviceID string) (ServiceStatus, error) {
	out, err := exec.CommandContext(ctx, "docker", "inspect",
		"--format", "{{.State.Status}}|{{if .State.Health}}{{.State.Health.Status}}{{end}}",
		serviceID).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "No such object") || strings.Contains(msg, "No such container") {
			return StatusStopped, nil
		}
		return StatusUnknown, &Error{Op: "describe", Err: fmt.Errorf("%w: %s", err, msg)}
	}

	parts := strings.SplitN(strings.TrimSpace(string(out)), "|", 2)
	state := parts[0]
	health := ""
	if len(parts) == 2 {
		health = parts[1]
	}

	switch state {
	case "running":
		if health == "healthy" {
			return StatusHealthy, nil
		}
		if health == "unhealthy" {
			return StatusUnhealthy, nil
		}
		return StatusRunning, nil
	case "created":
		return StatusStarting, nil
	case "restarting":
		return StatusRestarting, nil
	case "exited":
		return StatusExited, nil
	case "dead":
		return StatusError, nil
	case "paused":
		return StatusStopped, nil
	}
	return NormalizeStatus(state), nil
}

// SetDescription is a no-op beyond a log line: docker has no mutable
// description field for containers.
func (d *DockerAdapter) SetDescription(ctx context.Context, serviceID, description string) error {
	logging.Op().Debug("slot description", "service", serviceID, "description", description)
	return nil
}
