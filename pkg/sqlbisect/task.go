package sqlbisect

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type TaskStatus string

const (
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskError    TaskStatus = "error"
)

type TaskKind string

const (
	KindTest   TaskKind = "test"   // Concurrent evaluation of a set of releases
	KindLocate TaskKind = "locate" // Two-phase bisection
)

// A Task is a unit of asynchronous work. It is only mutated by the goroutines started for it and is never removed
// from its [Registry].
type Task struct {
	ID   string
	Kind TaskKind

	mu sync.RWMutex

	status      TaskStatus
	logLines    []string            // Append-only, human readable progress
	results     []*EvaluationResult // A nil entry is a reserved index whose evaluation has not finished yet
	finalResult string
	finished    bool

	processes []*ProcessHandle // Every cluster instance spawned for this task

	log *logrus.Entry
}

func newTask(id string, kind TaskKind, log *logrus.Logger) *Task {
	return &Task{
		ID:     id,
		Kind:   kind,
		status: TaskRunning,
		log:    log.WithField("task-id", id),
	}
}

// Logf appends a line to the task log
func (t *Task) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	t.mu.Lock()
	t.logLines = append(t.logLines, line)
	t.mu.Unlock()
	t.log.Info(line)
}

// Warnf appends a line to the task log, logging it as a warning
func (t *Task) Warnf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	t.mu.Lock()
	t.logLines = append(t.logLines, line)
	t.mu.Unlock()
	t.log.Warn(line)
}

// reserveResults appends n placeholders to the results and returns the index of the first one
func (t *Task) reserveResults(n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := len(t.results)
	t.results = append(t.results, make([]*EvaluationResult, n)...)
	return start
}

// setResult writes the result at a reserved index. Every index may only be written once.
func (t *Task) setResult(index int, res *EvaluationResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.results) {
		return fmt.Errorf("result index %d was never reserved, %d results reserved", index, len(t.results))
	}
	if t.results[index] != nil {
		return fmt.Errorf("%w: index %d", ErrResultAlreadyWritten, index)
	}
	t.results[index] = res
	return nil
}

// Result returns the result at the passed index.
// The returned boolean is false if the index is still a placeholder or was never reserved.
func (t *Task) Result(index int) (*EvaluationResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.results) || t.results[index] == nil {
		return nil, false
	}
	return t.results[index], true
}

// finish moves the task into a terminal state and sets its final result.
// Only the first call has an effect, later calls return false.
func (t *Task) finish(status TaskStatus, summary string) bool {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return false
	}
	t.finished = true
	t.status = status
	t.finalResult = summary
	t.mu.Unlock()

	t.log.WithField("status", status).Infof("Task finished: %s", summary)
	return true
}

func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) registerProcess(p *ProcessHandle) {
	t.mu.Lock()
	t.processes = append(t.processes, p)
	t.mu.Unlock()
}

func (t *Task) processHandles() []*ProcessHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*ProcessHandle(nil), t.processes...)
}

// Snapshot returns a copy of the task's current state
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := TaskSnapshot{
		ID:          t.ID,
		Kind:        t.Kind,
		Status:      t.status,
		Log:         append([]string{}, t.logLines...),
		Results:     append([]*EvaluationResult{}, t.results...),
		FinalResult: t.finalResult,
		Processes:   make([]ProcessInfo, 0, len(t.processes)),
	}
	for _, p := range t.processes {
		snap.Processes = append(snap.Processes, p.info())
	}
	return snap
}

// A TaskSnapshot is the state of a task at the time it was queried
type TaskSnapshot struct {
	ID          string              `json:"id"`
	Kind        TaskKind            `json:"type"`
	Status      TaskStatus          `json:"status"`
	Log         []string            `json:"log"`
	Results     []*EvaluationResult `json:"results"`
	FinalResult string              `json:"final_result,omitempty"`
	Processes   []ProcessInfo       `json:"processes_info"`
}

// A ProcessHandle tracks a cluster instance spawned for a task so it can be terminated later on
type ProcessHandle struct {
	Candidate  string // The candidate the instance is running
	ID         string // The pid or container id of the instance
	PortOffset int    // The port offset allocated to the instance
	LogFile    string // The file the instance's output is written to. Empty if the instance has no log file

	instance    Instance
	release     func() // Frees the port offset, called once after the instance was stopped
	releaseOnce sync.Once
}

// stop stops the instance and frees its port offset
func (p *ProcessHandle) stop(ctx context.Context) error {
	if err := p.instance.Stop(ctx); err != nil {
		return err
	}
	if p.release != nil {
		p.releaseOnce.Do(p.release)
	}
	return nil
}

// Running reports whether the instance has not exited yet
func (p *ProcessHandle) Running() bool {
	select {
	case <-p.instance.Done():
		return false
	default:
		return true
	}
}

func (p *ProcessHandle) info() ProcessInfo {
	return ProcessInfo{
		Candidate:  p.Candidate,
		ID:         p.ID,
		PortOffset: p.PortOffset,
		Running:    p.Running(),
	}
}

type ProcessInfo struct {
	Candidate  string `json:"version"`
	ID         string `json:"pid"`
	PortOffset int    `json:"offset"`
	Running    bool   `json:"is_running"`
}
