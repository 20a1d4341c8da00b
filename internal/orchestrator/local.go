package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/oriys/usher/internal/logging"
)

// LocalConfig configures the local process backend.
type LocalConfig struct {
	AgentBinary string // path to the agent binary; defaults to "usher-agent" on PATH
}

// LocalAdapter runs bot agents as child processes of the daemon. It exists
// for development: no warm pool, no images, a "service" is just a pid.
type LocalAdapter struct {
	config LocalConfig
	mu     sync.Mutex
	procs  map[string]*localProc
}

type localProc struct {
	env  map[string]string
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func NewLocalAdapter(cfg LocalConfig) *LocalAdapter {
	if cfg.AgentBinary == "" {
		cfg.AgentBinary = "usher-agent"
	}
	return &LocalAdapter{config: cfg, procs: make(map[string]*localProc)}
}

func (l *LocalAdapter) Variant() string { return "local" }

func (l *LocalAdapter) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	if spec.Name == "" {
		return "", &Error{Op: "create", Err: fmt.Errorf("service name is required")}
	}
	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}
	l.mu.Lock()
	l.procs[spec.Name] = &localProc{env: env}
	l.mu.Unlock()
	return spec.Name, nil
}

func (l *LocalAdapter) Start(ctx context.Context, serviceID string) error {
	l.mu.Lock()
	p, ok := l.procs[serviceID]
	if !ok {
		l.mu.Unlock()
		return &Error{Op: "start", Err: fmt.Errorf("unknown service %s", serviceID)}
	}

	cmd := exec.Command(l.config.AgentBinary)
	cmd.Env = os.Environ()
	for k, v := range p.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return &Error{Op: "start", Err: err}
	}
	p.cmd = cmd
	p.done = make(chan struct{})
	l.mu.Unlock()

	go func() {
		p.err = cmd.Wait()
		close(p.done)
		logging.Op().Info("local agent exited", "service", serviceID, "err", p.err)
	}()
	return nil
}

func (l *LocalAdapter) Stop(ctx context.Context, serviceID string) error {
	l.mu.Lock()
	p, ok := l.procs[serviceID]
	l.mu.Unlock()
	if !ok || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return &Error{Op: "stop", Err: err}
	}
	return nil
}

func (l *LocalAdapter) Delete(ctx context.Context, serviceID string) error {
	if err := l.Stop(ctx, serviceID); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.procs, serviceID)
	l.mu.Unlock()
	return nil
}

func (l *LocalAdapter) UpdateEnv(ctx context.Context, serviceID string, env map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[serviceID]
	if !ok {
		return &Error{Op: "update-env", Err: fmt.Errorf("unknown service %s", serviceID)}
	}
	p.env = make(map[string]string, len(env))
	for k, v := range env {
		p.env[k] = v
	}
	return nil
}

func (l *LocalAdapter) Describe(ctx context.Context, serviceID string) (ServiceStatus, error) {
	l.mu.Lock()
	p, ok := l.procs[serviceID]
	l.mu.Unlock()
	if !ok {
		return StatusStopped, nil
	}
	if p.cmd == nil {
		return StatusStarting, nil
	}
	select {
	case <-p.done:
		if p.err != nil {
			return StatusError, nil
		}
		return StatusExited, nil
	default:
		return StatusRunning, nil
	}
}

func (l *LocalAdapter) SetDescription(ctx context.Context, serviceID, description string) error {
	return nil
}
