package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// An Endpoint is where a running cluster can be reached
type Endpoint struct {
	Host          string
	Port          int // The SQL port
	StatusPort    int // The HTTP status port of the SQL frontend
	DashboardPort int // The client port of the coordinator, which also serves the dashboard
}

// Address returns the host:port of the SQL port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// A LaunchSpec is everything a backend needs to start a cluster
type LaunchSpec struct {
	TaskID     string
	Artifact   *Artifact
	Topology   Topology
	PortOffset int
	LogFile    string // Where the cluster's output is written to
}

// A Backend starts clusters
type Backend interface {
	// Start spawns a cluster and returns without waiting for it to become live
	Start(ctx context.Context, spec LaunchSpec) (Instance, error)
}

// An Instance is a spawned cluster
type Instance interface {
	ID() string // The pid or container id
	Endpoint() Endpoint
	// Done is closed once the instance exited
	Done() <-chan struct{}
	// Stop asks the instance to terminate and waits for it to exit. Once ctx expires, the instance is killed.
	// Stopping an instance which already exited is a no-op.
	Stop(ctx context.Context) error
}

// An Environment is a live cluster running a candidate
type Environment struct {
	Candidate  Candidate
	Endpoint   Endpoint
	PortOffset int
	LogFile    string

	handle *ProcessHandle
}

// A Launcher starts clusters for artifacts and waits until they are live
type Launcher struct {
	backend  Backend
	executor SQLExecutor // Used for the liveness probe

	config   LaunchConfig
	topology Topology
	logDir   string

	ports   *portAllocator
	metrics *metrics
}

// Launch starts a cluster running the passed artifact and blocks until it answers the liveness probe.
// The whole launch sequence is retried according to the launch retry policy, stopping the instance of every failed attempt.
// Every spawned instance is registered with the task. If all attempts failed, the returned error wraps [ErrBoot].
func (l *Launcher) Launch(ctx context.Context, task *Task, artifact *Artifact) (*Environment, error) {
	c := artifact.Candidate
	env, ok := Retry(task, "boot "+c.String(), l.config.Retry, func(int) (*Environment, error) {
		env, err := l.launchOnce(ctx, task, artifact)
		l.metrics.launchAttempts.WithLabelValues(outcomeLabel(err)).Inc()
		return env, err
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBoot, c)
	}
	return env, nil
}

func (l *Launcher) launchOnce(ctx context.Context, task *Task, artifact *Artifact) (*Environment, error) {
	c := artifact.Candidate

	offset, err := l.ports.allocate()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		l.ports.release(offset)
		return nil, err
	}
	logFile := filepath.Join(l.logDir, fmt.Sprintf("task_%s_%s.log", shortID(task.ID), c))

	inst, err := l.backend.Start(ctx, LaunchSpec{
		TaskID:     task.ID,
		Artifact:   artifact,
		Topology:   l.topology,
		PortOffset: offset,
		LogFile:    logFile,
	})
	if err != nil {
		l.ports.release(offset)
		return nil, err
	}

	handle := &ProcessHandle{
		Candidate:  c.String(),
		ID:         inst.ID(),
		PortOffset: offset,
		LogFile:    logFile,
		instance:   inst,
		release:    func() { l.ports.release(offset) },
	}
	task.registerProcess(handle)
	task.Logf("%s: started cluster %s with port offset %d, waiting for it to become live...", c, inst.ID(), offset)

	if err := l.waitReady(ctx, inst); err != nil {
		if errors.Is(err, ErrProcessExited) {
			if out, readErr := os.ReadFile(logFile); readErr == nil {
				err = fmt.Errorf("%w, log tail: %s", err, tail(string(out), 10))
			}
		}
		l.stop(ctx, task, handle)
		return nil, err
	}

	task.Logf("%s: cluster %s is live at %s", c, inst.ID(), inst.Endpoint().Address())

	return &Environment{
		Candidate:  c,
		Endpoint:   inst.Endpoint(),
		PortOffset: offset,
		LogFile:    logFile,
		handle:     handle,
	}, nil
}

// waitReady polls the liveness probe until it succeeds, the instance exited or all probes were used up
func (l *Launcher) waitReady(ctx context.Context, inst Instance) error {
	var lastErr error
	for i := 0; i < l.config.ProbeAttempts; i++ {
		select {
		case <-inst.Done():
			return ErrProcessExited
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.ProbeInterval):
		}

		if lastErr = l.executor.Ping(ctx, inst.Endpoint()); lastErr == nil {
			return nil
		}
	}
	return errors.Join(fmt.Errorf("%w after %d probes", ErrBootTimeout, l.config.ProbeAttempts), lastErr)
}

// Teardown stops the environment's cluster and frees its port offset
func (l *Launcher) Teardown(ctx context.Context, task *Task, env *Environment) error {
	if err := l.stop(ctx, task, env.handle); err != nil {
		return err
	}
	task.Logf("%s: cluster %s stopped", env.Candidate, env.handle.ID)
	return nil
}

func (l *Launcher) stop(ctx context.Context, task *Task, handle *ProcessHandle) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.StopTimeout)
	defer cancel()
	if err := handle.stop(ctx); err != nil {
		task.Warnf("Failed to stop cluster %s - %v", handle.ID, err)
		return err
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
