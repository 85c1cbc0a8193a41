package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// A Registry holds every task created by a [Runner]. Tasks are added but never removed.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	log *logrus.Logger
}

// NewRegistry creates an empty registry. If log is nil, task logs are only kept in memory.
func NewRegistry(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Registry{
		tasks: make(map[string]*Task),
		log:   log,
	}
}

// Create adds a new running task of the passed kind
func (r *Registry) Create(kind TaskKind) *Task {
	task := newTask(uuid.NewString(), kind, r.log)

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()

	return task
}

func (r *Registry) Get(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

// Status returns the status, full log, results so far and final result of a task.
// If no task with the passed id exists, the returned error wraps [ErrTaskNotFound].
func (r *Registry) Status(id string) (TaskSnapshot, error) {
	task, err := r.Get(id)
	if err != nil {
		return TaskSnapshot{}, err
	}
	return task.Snapshot(), nil
}

// A CleanupReport lists what a call to [Registry.Cleanup] did
type CleanupReport struct {
	Stopped     []string `json:"cleaned_pids"`
	DeletedLogs []string `json:"deleted_logs"`
	Errors      []string `json:"errors"`
}

// Cleanup stops every still running instance of the passed tasks and deletes their log files.
// It is best effort: failures are collected in the report and do not stop the cleanup of other items.
func (r *Registry) Cleanup(ctx context.Context, ids ...string) CleanupReport {
	report := CleanupReport{
		Stopped:     []string{},
		DeletedLogs: []string{},
		Errors:      []string{},
	}
	deleted := make(map[string]bool)

	for _, id := range ids {
		task, err := r.Get(id)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}

		for _, p := range task.processHandles() {
			// Exited instances are stopped too, freeing their port offsets
			running := p.Running()
			if err := p.stop(ctx); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("failed to stop %s of task %s - %v", p.ID, id, err))
			} else if running {
				report.Stopped = append(report.Stopped, p.ID)
			}

			if p.LogFile == "" || deleted[p.LogFile] {
				continue
			}
			if err := os.Remove(p.LogFile); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					report.Errors = append(report.Errors, fmt.Sprintf("failed to delete log file %s - %v", p.LogFile, err))
				}
				continue
			}
			deleted[p.LogFile] = true
			report.DeletedLogs = append(report.DeletedLogs, p.LogFile)
		}
	}

	r.log.Infof("Cleaned up %d tasks: stopped %d instances, deleted %d log files, %d errors", len(ids), len(report.Stopped), len(report.DeletedLogs), len(report.Errors))

	return report
}
