package sqlbisect

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLauncher(t *testing.T, cluster *fakeCluster, attempts int) *Launcher {
	ports := newPortAllocator()
	ports.bindable = func(int) bool { return true }
	return &Launcher{
		backend:  cluster,
		executor: cluster,
		config: LaunchConfig{
			Retry:         RetryPolicy{MaxAttempts: attempts},
			ProbeInterval: time.Millisecond,
			ProbeAttempts: 5,
			StopTimeout:   time.Second,
		},
		topology: Topology{SQL: 1, Storage: 1, Coordinator: 1},
		logDir:   t.TempDir(),
		ports:    ports,
		metrics:  testMetrics(),
	}
}

func bootAttemptLines(task *Task) []string {
	var lines []string
	for _, line := range task.Snapshot().Log {
		if strings.HasPrefix(line, "boot ") && strings.Contains(line, " attempt ") {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestLaunch(t *testing.T) {
	artifact := &Artifact{Candidate: Candidate{Release: "v8.5.0"}}

	t.Run("Live cluster round trip", func(t *testing.T) {
		cluster := newFakeCluster()
		l := testLauncher(t, cluster, 3)
		task := testTask(KindLocate)

		env, err := l.Launch(context.Background(), task, artifact)
		require.Nil(t, err, "Launch returned an error")

		assert.Equal(t, baseSQLPort+env.PortOffset, env.Endpoint.Port, "SQL port does not match the offset")
		assert.GreaterOrEqual(t, env.PortOffset, minPortOffset, "Offset out of range")
		assert.Less(t, env.PortOffset, maxPortOffset, "Offset out of range")
		assert.Equal(t, []string{"boot v8.5.0 attempt 1/3 succeeded"}, bootAttemptLines(task), "Wrong boot attempt lines")

		processes := task.Snapshot().Processes
		require.Len(t, processes, 1, "Instance not registered with the task")
		assert.True(t, processes[0].Running, "Live instance not running")

		assert.Nil(t, l.Teardown(context.Background(), task, env), "Teardown returned an error")
		for _, p := range task.Snapshot().Processes {
			assert.False(t, p.Running, "Instance still running after teardown")
		}
		assert.Equal(t, 0, l.ports.reserved(), "Port offset not released after teardown")
	})
	t.Run("Cluster that never becomes live", func(t *testing.T) {
		cluster := newFakeCluster()
		cluster.neverLive = true
		l := testLauncher(t, cluster, 3)
		task := testTask(KindLocate)

		_, err := l.Launch(context.Background(), task, artifact)
		assert.ErrorIs(t, err, ErrBoot, "Wrong error")

		lines := bootAttemptLines(task)
		assert.Len(t, lines, 3, "Task log does not show exactly one line per boot attempt")
		for _, line := range lines {
			assert.Contains(t, line, "failed", "Boot attempt did not fail")
		}
		assert.Equal(t, int32(15), cluster.pings.Load(), "Wrong amount of liveness probes")
		assert.Equal(t, 3.0, testutil.ToFloat64(l.metrics.launchAttempts.WithLabelValues("failure")), "Failed attempts not counted")

		// Instances of failed attempts are stopped
		for _, inst := range cluster.allInstances() {
			assert.Equal(t, int32(1), inst.stops.Load(), "Instance of failed attempt not stopped")
		}
		assert.Equal(t, 0, l.ports.reserved(), "Port offsets of failed attempts not released")
	})
	t.Run("Early exit fails the attempt without waiting for probes", func(t *testing.T) {
		cluster := newFakeCluster()
		cluster.exitEarly = func(Candidate) bool { return true }
		l := testLauncher(t, cluster, 2)
		l.config.ProbeInterval = time.Hour
		task := testTask(KindLocate)

		start := time.Now()
		_, err := l.Launch(context.Background(), task, artifact)
		assert.ErrorIs(t, err, ErrBoot, "Wrong error")
		assert.Less(t, time.Since(start), time.Minute, "Launch waited for the probe interval")
		assert.Equal(t, int32(0), cluster.pings.Load(), "Exited instance was probed")

		lines := bootAttemptLines(task)
		require.Len(t, lines, 2, "Wrong amount of boot attempts")
		assert.Contains(t, lines[0], ErrProcessExited.Error(), "Early exit not reported")
		assert.Contains(t, lines[0], "failed to bootstrap", "Log tail not reported")
	})
	t.Run("Retry after a failed attempt", func(t *testing.T) {
		cluster := newFakeCluster()
		attempt := 0
		cluster.exitEarly = func(Candidate) bool {
			attempt++
			return attempt == 1
		}
		l := testLauncher(t, cluster, 3)
		task := testTask(KindLocate)

		env, err := l.Launch(context.Background(), task, artifact)
		require.Nil(t, err, "Launch returned an error")
		defer l.Teardown(context.Background(), task, env)

		assert.Len(t, bootAttemptLines(task), 2, "Wrong amount of boot attempts")
		assert.Len(t, task.Snapshot().Processes, 2, "Every spawned instance has to be registered")
	})
}

func TestPortAllocator(t *testing.T) {
	t.Run("Offsets are unique and in range", func(t *testing.T) {
		ports := newPortAllocator()
		ports.bindable = func(int) bool { return true }

		seen := make(map[int]bool)
		for i := 0; i < 100; i++ {
			offset, err := ports.allocate()
			require.Nil(t, err, "allocate returned an error")
			assert.False(t, seen[offset], "Offset allocated twice")
			assert.GreaterOrEqual(t, offset, minPortOffset, "Offset out of range")
			assert.Less(t, offset, maxPortOffset, "Offset out of range")
			seen[offset] = true
		}
		for offset := range seen {
			ports.release(offset)
		}
		assert.Equal(t, 0, ports.reserved(), "Ports not released")
	})
	t.Run("Offsets with unbindable ports are skipped", func(t *testing.T) {
		ports := newPortAllocator()
		ports.attempts = 10
		ports.bindable = func(int) bool { return false }

		_, err := ports.allocate()
		assert.NotNil(t, err, "Offset with unbindable ports allocated")
	})
}

func TestPlaygroundArgs(t *testing.T) {
	spec := LaunchSpec{
		Artifact:   &Artifact{Candidate: Candidate{Release: "v8.5.0", Commit: "abc"}, BinaryPath: "/ws/bin/tidb-server"},
		Topology:   Topology{SQL: 1, Storage: 3, Coordinator: 1, Columnar: 1},
		PortOffset: 12345,
	}

	assert.Equal(t, []string{
		"playground", "v8.5.0",
		"--port-offset=12345",
		"--db", "1",
		"--kv", "3",
		"--pd", "1",
		"--tiflash", "1",
		"--without-monitor",
		"--db.binpath", "/ws/bin/tidb-server",
	}, playgroundArgs(spec), "Wrong playground arguments")
}

func TestPlaygroundProcess(t *testing.T) {
	t.Run("Stop terminates the process", func(t *testing.T) {
		backend := PlaygroundBackend{Tiup: writeScript(t, "exec sleep 60")}

		spec := LaunchSpec{
			Artifact:   &Artifact{Candidate: Candidate{Release: "v8.5.0"}},
			PortOffset: 10000,
			LogFile:    t.TempDir() + "/cluster.log",
		}
		inst, err := backend.Start(context.Background(), spec)
		require.Nil(t, err, "Start returned an error")
		assert.Equal(t, 14000, inst.Endpoint().Port, "Wrong SQL port")

		select {
		case <-inst.Done():
			t.Fatal("Process exited on its own")
		case <-time.After(50 * time.Millisecond):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.Nil(t, inst.Stop(ctx), "Stop returned an error")

		select {
		case <-inst.Done():
		default:
			t.Fatal("Process still running after Stop returned")
		}
		assert.Nil(t, inst.Stop(ctx), "Stopping an exited process failed")
	})
	t.Run("Output is written to the log file", func(t *testing.T) {
		script := writeScript(t, `echo "starting $@"`)
		logFile := t.TempDir() + "/cluster.log"
		inst, err := PlaygroundBackend{Tiup: script}.Start(context.Background(), LaunchSpec{
			Artifact: &Artifact{Candidate: Candidate{Release: "v8.5.0"}},
			LogFile:  logFile,
		})
		require.Nil(t, err, "Start returned an error")

		select {
		case <-inst.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("Process did not exit")
		}
		assert.FileExists(t, logFile, "Log file missing")
		out, err := os.ReadFile(logFile)
		assert.Nil(t, err, "Log file not readable")
		assert.Contains(t, string(out), "starting playground v8.5.0", "Output not logged")
	})
}
