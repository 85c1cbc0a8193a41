package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// An Artifact is a provisioned candidate which is ready to be launched
type Artifact struct {
	Candidate  Candidate
	BinaryPath string // The path to the built server binary. Empty for installed releases
	Toolchain  string // The toolchain the binary was built with
}

// A Provisioner turns candidates into artifacts, either by installing a release or by building a commit
type Provisioner struct {
	catalog    ReleaseCatalog
	workspaces *WorkspaceIsolator // Only needed for building commits

	build      BuildConfig
	toolchains ToolchainTable

	buildSemaphore *semaphore.Weighted // Bounds the amount of concurrent builds across tasks
	installs       *singleflight.Group // Deduplicates concurrent installs of the same release across tasks

	metrics *metrics
}

// Provision produces a runnable artifact for the passed candidate. Candidates with a commit are built in the task's
// workspace, which has to be acquired beforehand. Releases are installed using the release catalog.
// Provisioning is retried according to the build retry policy. If all attempts failed, the returned error wraps [ErrProvisioning].
func (p *Provisioner) Provision(ctx context.Context, task *Task, c Candidate) (*Artifact, error) {
	strategy := "install"
	if c.Commit != "" {
		strategy = "build"
	}

	artifact, ok := Retry(task, fmt.Sprintf("%s %s", strategy, c), p.build.Retry, func(int) (*Artifact, error) {
		var artifact *Artifact
		var err error
		if c.Commit == "" {
			artifact, err = p.install(ctx, task, c)
		} else {
			artifact, err = p.buildCommit(ctx, task, c)
		}
		p.metrics.provisions.WithLabelValues(strategy, outcomeLabel(err)).Inc()
		return artifact, err
	})
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrProvisioning, c)
	}
	return artifact, nil
}

func (p *Provisioner) install(ctx context.Context, task *Task, c Candidate) (*Artifact, error) {
	task.Logf("Release %s: installing...", c.Release)

	_, err, shared := p.installs.Do(c.Release, func() (any, error) {
		return nil, p.catalog.Install(ctx, c.Release)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		task.Logf("Release %s: installed by a concurrent task", c.Release)
	}

	return &Artifact{Candidate: c}, nil
}

func (p *Provisioner) buildCommit(ctx context.Context, task *Task, c Candidate) (*Artifact, error) {
	if p.workspaces == nil {
		return nil, fmt.Errorf("cannot build commit %s without a repository", c.Commit)
	}
	dir, ok := p.workspaces.Path(task.ID)
	if !ok {
		return nil, fmt.Errorf("no workspace acquired for task %s", task.ID)
	}

	family, err := releaseFamily(c.Release)
	if err != nil {
		return nil, err
	}
	toolchain, known := p.toolchains.Resolve(family)
	if !known {
		task.Warnf("No toolchain pinned for release family %s, falling back to the newest known toolchain %q", family, toolchain)
	}

	task.Logf("Commit %s: checking out and building with toolchain %q...", shortHash(c.Commit), toolchain)
	if err := p.workspaces.Checkout(ctx, task.ID, c.Commit); err != nil {
		return nil, err
	}

	if err := p.buildSemaphore.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.buildSemaphore.Release(1)

	// The toolchain is only set for this build, not for the whole process
	cmd := exec.CommandContext(ctx, "sh", "-c", p.build.Command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if toolchain != "" {
		cmd.Env = append(cmd.Env, "GOTOOLCHAIN="+toolchain)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.Join(fmt.Errorf("build of commit %s failed, output: %s", shortHash(c.Commit), tail(string(out), 20)), err)
	}

	binary := filepath.Join(dir, p.build.BinaryPath)
	info, err := os.Stat(binary)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("build of commit %s did not produce %s", shortHash(c.Commit), binary), err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("build artifact %s of commit %s is not a regular file", binary, shortHash(c.Commit))
	}

	task.Logf("Commit %s: built %s", shortHash(c.Commit), binary)

	return &Artifact{
		Candidate:  c,
		BinaryPath: binary,
		Toolchain:  toolchain,
	}, nil
}

// tail returns the last n lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
