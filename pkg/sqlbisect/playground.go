package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// A PlaygroundBackend starts clusters as local `tiup playground` processes
type PlaygroundBackend struct {
	Tiup string // The tiup binary
}

func (b PlaygroundBackend) Start(ctx context.Context, spec LaunchSpec) (Instance, error) {
	args := playgroundArgs(spec)

	logFile, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open log file %s", spec.LogFile), err)
	}

	// Not bound to ctx, the cluster outlives the request which started it
	cmd := exec.Command(b.Tiup, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group, so the components spawned by tiup are signalled as well
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, errors.Join(fmt.Errorf("failed to start %s %v", b.Tiup, args), err)
	}
	// The child has its own handle
	logFile.Close()

	p := &playgroundProcess{
		cmd:  cmd,
		done: make(chan struct{}),
		endpoint: Endpoint{
			Host:          "127.0.0.1",
			Port:          baseSQLPort + spec.PortOffset,
			StatusPort:    baseStatusPort + spec.PortOffset,
			DashboardPort: baseDashboardPort + spec.PortOffset,
		},
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

func playgroundArgs(spec LaunchSpec) []string {
	args := []string{
		"playground", spec.Artifact.Candidate.Release,
		"--port-offset=" + strconv.Itoa(spec.PortOffset),
		"--db", strconv.Itoa(spec.Topology.SQL),
		"--kv", strconv.Itoa(spec.Topology.Storage),
		"--pd", strconv.Itoa(spec.Topology.Coordinator),
		"--tiflash", strconv.Itoa(spec.Topology.Columnar),
		"--without-monitor",
	}
	if spec.Artifact.BinaryPath != "" {
		args = append(args, "--db.binpath", spec.Artifact.BinaryPath)
	}
	return args
}

type playgroundProcess struct {
	cmd      *exec.Cmd
	endpoint Endpoint

	done    chan struct{}
	waitErr error // Only valid once done is closed
}

func (p *playgroundProcess) ID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *playgroundProcess) Endpoint() Endpoint {
	return p.endpoint
}

func (p *playgroundProcess) Done() <-chan struct{} {
	return p.done
}

func (p *playgroundProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pgid := -p.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.Join(fmt.Errorf("failed to terminate process group %d", -pgid), err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	// Did not exit in time
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.Join(fmt.Errorf("failed to kill process group %d", -pgid), err)
	}
	<-p.done
	return nil
}
