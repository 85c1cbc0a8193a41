package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testIdentityQuery = "SELECT tidb_version()"

type fakeInstance struct {
	id       string
	endpoint Endpoint

	done  chan struct{}
	once  sync.Once
	stops atomic.Int32
}

func newFakeInstance(id string, endpoint Endpoint) *fakeInstance {
	return &fakeInstance{id: id, endpoint: endpoint, done: make(chan struct{})}
}

func (i *fakeInstance) exit() {
	i.once.Do(func() { close(i.done) })
}

func (i *fakeInstance) ID() string            { return i.id }
func (i *fakeInstance) Endpoint() Endpoint    { return i.endpoint }
func (i *fakeInstance) Done() <-chan struct{} { return i.done }

func (i *fakeInstance) Stop(context.Context) error {
	i.stops.Add(1)
	i.exit()
	return nil
}

// A fakeCluster is a backend and a SQL executor in one. The executor answers for the candidate running on an endpoint.
type fakeCluster struct {
	mu        sync.Mutex
	running   map[int]Candidate // SQL port to the candidate listening on it
	instances []*fakeInstance
	evaluated []Candidate // Candidates in the order their workload ran

	bad       func(c Candidate) bool // Whether the workload fails on a candidate
	exitEarly func(c Candidate) bool // Whether a candidate's instance exits before becoming live
	neverLive bool                   // Whether pings always fail
	identity  func(c Candidate) string

	pings atomic.Int32
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		running:   make(map[int]Candidate),
		bad:       func(Candidate) bool { return false },
		exitEarly: func(Candidate) bool { return false },
		identity: func(c Candidate) string {
			return fmt.Sprintf("Release Version: %s\nGit Commit Hash: %s\n", c.Release, c.Commit)
		},
	}
}

func (f *fakeCluster) Start(_ context.Context, spec LaunchSpec) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := spec.Artifact.Candidate
	port := baseSQLPort + spec.PortOffset
	inst := newFakeInstance(fmt.Sprintf("fake-%d", len(f.instances)), Endpoint{
		Host:          "127.0.0.1",
		Port:          port,
		StatusPort:    baseStatusPort + spec.PortOffset,
		DashboardPort: baseDashboardPort + spec.PortOffset,
	})
	if f.exitEarly(c) {
		os.WriteFile(spec.LogFile, []byte("panic: failed to bootstrap\n"), 0o644)
		inst.exit()
	}
	f.running[port] = c
	f.instances = append(f.instances, inst)
	return inst, nil
}

func (f *fakeCluster) Ping(context.Context, Endpoint) error {
	f.pings.Add(1)
	if f.neverLive {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeCluster) Execute(_ context.Context, endpoint Endpoint, batch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.running[endpoint.Port]
	if !ok {
		return "", errors.New("connection refused")
	}
	switch batch {
	case testIdentityQuery:
		return f.identity(c), nil
	case "":
		return "", nil
	}

	f.evaluated = append(f.evaluated, c)
	if f.bad(c) {
		return "[(0)]", nil
	}
	return "[(1)]", nil
}

func (f *fakeCluster) evaluations() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Candidate(nil), f.evaluated...)
}

func (f *fakeCluster) allInstances() []*fakeInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeInstance(nil), f.instances...)
}

func testJob(t *testing.T) *Job {
	return &Job{
		WorkDir: t.TempDir(),
		LogDir:  t.TempDir(),

		StartVersion: "v1.0.0",
		EndVersion:   "v1.4.0",

		Workload: Workload{
			SQL:           "SELECT 1",
			Expected:      "(1)",
			ScriptTimeout: 10 * time.Second,
			IdentityQuery: testIdentityQuery,
		},
		Topology: Topology{SQL: 1, Storage: 1, Coordinator: 1},

		Build: BuildConfig{
			Command:    "mkdir -p bin && touch bin/tidb-server",
			BinaryPath: "bin/tidb-server",
			Retry:      RetryPolicy{MaxAttempts: 1},
		},
		Launch: LaunchConfig{
			Retry:         RetryPolicy{MaxAttempts: 1},
			ProbeInterval: time.Millisecond,
			ProbeAttempts: 3,
			StopTimeout:   time.Second,
		},
		Toolchains: ToolchainTable{"1.0": "", "1.1": ""},
	}
}

func testTask(kind TaskKind) *Task {
	return NewRegistry(nil).Create(kind)
}

func testMetrics() *metrics {
	return newMetrics(prometheus.NewRegistry())
}

func testRunner(t *testing.T, catalog ReleaseCatalog, cluster *fakeCluster) *Runner {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	r, err := NewRunner(RunnerConfig{
		Catalog:  catalog,
		Executor: cluster,
		Backend:  cluster,
		Log:      log,
	})
	require.Nil(t, err, "NewRunner returned an error")
	r.ports.bindable = func(int) bool { return true }
	return r
}

// waitFinished polls the task until it left the running state
func waitFinished(t *testing.T, task *Task) TaskSnapshot {
	require.Eventually(t, func() bool {
		return task.Status() != TaskRunning
	}, 20*time.Second, 5*time.Millisecond, "task did not finish in time")
	return task.Snapshot()
}

func requireGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
}

// testRepo is a git repository whose commits are made by the tests
type testRepo struct {
	t   *testing.T
	dir string
}

func newTestRepo(t *testing.T) *testRepo {
	requireGit(t)
	r := &testRepo{t: t, dir: t.TempDir()}
	r.git("init", "-q")
	return r
}

func (r *testRepo) git(args ...string) string {
	args = append([]string{"-c", "user.name=Test Author", "-c", "user.email=author@example.com", "-c", "commit.gpgsign=false", "-c", "tag.gpgsign=false"}, args...)
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	require.Nilf(r.t, err, "git %v failed: %s", args, out)
	return strings.TrimSpace(string(out))
}

// commit writes a file named after the message and returns the hash of the new commit
func (r *testRepo) commit(message string) string {
	name := strings.ReplaceAll(message, " ", "_") + ".txt"
	require.Nil(r.t, os.WriteFile(filepath.Join(r.dir, name), []byte(message), 0o644), "failed to write file")
	r.git("add", ".")
	r.git("commit", "-q", "-m", message)
	return r.git("rev-parse", "HEAD")
}

func (r *testRepo) tag(name string) {
	r.git("tag", name)
}

// writeScript writes an executable shell script and returns its path
func writeScript(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "script.sh")
	require.Nil(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755), "Failed to write script")
	return path
}
