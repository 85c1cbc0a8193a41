package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DominicWuest/sqlbisect/pkg/sqlbisect"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// unbootableBackend fails to start any cluster, so every candidate is an environment error
type unbootableBackend struct{}

func (unbootableBackend) Start(context.Context, sqlbisect.LaunchSpec) (sqlbisect.Instance, error) {
	return nil, errors.New("no capacity")
}

func testServer(t *testing.T) *Server {
	reg := prometheus.NewRegistry()
	runner, err := sqlbisect.NewRunner(sqlbisect.RunnerConfig{
		Catalog:    sqlbisect.StaticCatalog{Releases: []string{"v8.1.0", "v7.5.0", "v8.5.0"}},
		Backend:    unbootableBackend{},
		Registerer: reg,
	})
	require.Nil(t, err, "NewRunner returned an error")

	base := &sqlbisect.Job{
		LogDir: t.TempDir(),
		Launch: sqlbisect.LaunchConfig{
			Retry:         sqlbisect.RetryPolicy{MaxAttempts: 1},
			ProbeInterval: time.Millisecond,
			ProbeAttempts: 1,
			StopTimeout:   time.Second,
		},
	}
	return NewServer(runner, base, reg)
}

func request(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func startTask(t *testing.T, s *Server, path string, body any) string {
	w := request(s, http.MethodPost, path, body)
	require.Equal(t, http.StatusOK, w.Code, "Task not started: %s", w.Body.String())

	var res taskResponse
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &res), "Invalid response")
	require.NotEmpty(t, res.TaskID, "No task id returned")
	return res.TaskID
}

// waitStatus polls the status of a task until it finished
func waitStatus(t *testing.T, s *Server, id string) sqlbisect.TaskSnapshot {
	var snap sqlbisect.TaskSnapshot
	require.Eventually(t, func() bool {
		w := request(s, http.MethodGet, "/status/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		snap = sqlbisect.TaskSnapshot{}
		return json.Unmarshal(w.Body.Bytes(), &snap) == nil && snap.Status != sqlbisect.TaskRunning
	}, 20*time.Second, 10*time.Millisecond, "Task did not finish in time")
	return snap
}

func TestStartTest(t *testing.T) {
	s := testServer(t)

	id := startTask(t, s, "/start_test", map[string]any{
		"versions": []string{"v8.1.0", "8.5.0"},
		"sql":      "SELECT 1",
		"expected": "1",
	})

	snap := waitStatus(t, s, id)
	assert.Equal(t, sqlbisect.TaskComplete, snap.Status, "Wrong task status")
	assert.Equal(t, sqlbisect.KindTest, snap.Kind, "Wrong task kind")
	assert.Equal(t, "0/2 releases passed", snap.FinalResult, "Wrong final result")
	require.Len(t, snap.Results, 2, "Wrong amount of results")
	assert.Equal(t, "v8.1.0", snap.Results[0].Candidate, "Wrong order of results")
	assert.Equal(t, "v8.5.0", snap.Results[1].Candidate, "Wrong order of results")
	for _, res := range snap.Results {
		assert.Equal(t, sqlbisect.EnvironmentError, res.Status, "Unbootable release not an environment error")
	}
	assert.NotEmpty(t, snap.Log, "Task log empty")
}

func TestStartTestInvalid(t *testing.T) {
	s := testServer(t)

	values := []struct {
		name string
		body any
	}{
		{"No versions", map[string]any{"sql": "SELECT 1"}},
		{"Invalid version", map[string]any{"versions": []string{"latest"}, "sql": "SELECT 1"}},
		{"No workload", map[string]any{"versions": []string{"v8.5.0"}}},
		{"Malformed body", "not an object"},
	}

	for _, v := range values {
		t.Run(v.name, func(t *testing.T) {
			w := request(s, http.MethodPost, "/start_test", v.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, "Invalid request accepted")

			var res errorResponse
			assert.Nil(t, json.Unmarshal(w.Body.Bytes(), &res), "Invalid response")
			assert.NotEmpty(t, res.Error, "No error returned")
		})
	}
}

func TestStartLocate(t *testing.T) {
	s := testServer(t)

	t.Run("Invalid requests are rejected", func(t *testing.T) {
		values := []struct {
			name string
			body map[string]any
		}{
			{"Missing bug version", map[string]any{"sql": "SELECT 1"}},
			{"Start not before bug version", map[string]any{"sql": "SELECT 1", "bug_version": "v8.1.0", "start_version": "v8.5.0"}},
			{"Invalid version", map[string]any{"sql": "SELECT 1", "bug_version": "eight"}},
		}
		for _, v := range values {
			w := request(s, http.MethodPost, "/start_locate", v.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, "%s: invalid request accepted", v.name)
		}
	})
	t.Run("Unbootable start release fails the task", func(t *testing.T) {
		id := startTask(t, s, "/start_locate", map[string]any{
			"sql":           "SELECT 1",
			"bug_version":   "v8.5.0",
			"start_version": "v7.5.0",
		})

		snap := waitStatus(t, s, id)
		assert.Equal(t, sqlbisect.TaskError, snap.Status, "Wrong task status")
		assert.Equal(t, sqlbisect.KindLocate, snap.Kind, "Wrong task kind")
		assert.Contains(t, snap.FinalResult, "v7.5.0", "Start release not reported")
	})
}

func TestStatusNotFound(t *testing.T) {
	s := testServer(t)

	w := request(s, http.MethodGet, "/status/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "Unknown task found")
	assert.JSONEq(t, `{"status": "not_found"}`, w.Body.String(), "Wrong response")
}

func TestClean(t *testing.T) {
	s := testServer(t)

	id := startTask(t, s, "/start_test", map[string]any{"versions": []string{"v8.5.0"}, "sql": "SELECT 1"})
	waitStatus(t, s, id)

	// Without ids, the tasks created through the server are cleaned
	w := request(s, http.MethodPost, "/clean", nil)
	require.Equal(t, http.StatusOK, w.Code, "Clean failed")
	var report sqlbisect.CleanupReport
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &report), "Invalid response")
	assert.Empty(t, report.Errors, "Cleanup of tracked tasks reported errors")
	assert.Empty(t, s.untrackAll(), "Tasks still tracked after cleanup")

	w = request(s, http.MethodPost, "/clean", cleanRequest{TaskIDs: []string{"unknown"}})
	require.Equal(t, http.StatusOK, w.Code, "Clean failed")
	report = sqlbisect.CleanupReport{}
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &report), "Invalid response")
	require.Len(t, report.Errors, 1, "Unknown task not reported")
	assert.Contains(t, report.Errors[0], sqlbisect.ErrTaskNotFound.Error(), "Wrong error")
}

func TestReleases(t *testing.T) {
	s := testServer(t)

	w := request(s, http.MethodGet, "/releases", nil)
	require.Equal(t, http.StatusOK, w.Code, "Listing releases failed")
	assert.JSONEq(t, `{"releases": ["v7.5.0", "v8.1.0", "v8.5.0"]}`, w.Body.String(), "Wrong releases")
}

func TestMetrics(t *testing.T) {
	s := testServer(t)

	id := startTask(t, s, "/start_test", map[string]any{"versions": []string{"v8.5.0"}, "sql": "SELECT 1"})
	waitStatus(t, s, id)

	w := request(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code, "Metrics not served")
	assert.Contains(t, w.Body.String(), `sqlbisect_evaluations_total{status="environment_error"} 1`, "Evaluation not counted")
	assert.Contains(t, w.Body.String(), "sqlbisect_launch_attempts_total", "Launch attempts not exposed")
}
