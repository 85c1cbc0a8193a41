package sqlbisect

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// RunnerConfig configures the collaborators of a [Runner]. Only Catalog is required.
type RunnerConfig struct {
	Catalog  ReleaseCatalog
	Executor SQLExecutor // Defaults to a MySQLExecutor
	Backend  Backend     // Overrides the backend selected by a job

	Registry   *Registry
	Log        *logrus.Logger        // The log to which information gets printed to
	Registerer prometheus.Registerer // Where metrics are registered. Defaults to a private registry

	MaxConcurrentBuilds int64 // The max amount of commits built at once across all tasks. Defaults to 1
}

// A Runner starts tasks and owns the state shared between them
type Runner struct {
	registry *Registry
	catalog  ReleaseCatalog
	executor SQLExecutor
	backend  Backend

	ports          *portAllocator
	buildSemaphore *semaphore.Weighted
	installs       *singleflight.Group

	metrics *metrics
}

func NewRunner(config RunnerConfig) (*Runner, error) {
	if config.Catalog == nil {
		return nil, fmt.Errorf("%w: a release catalog is required", ErrInvalidInput)
	}
	if config.Log == nil {
		// Mute logger
		config.Log = logrus.New()
		config.Log.SetOutput(io.Discard)
	}
	if config.Executor == nil {
		config.Executor = NewMySQLExecutor()
	}
	if config.Registry == nil {
		config.Registry = NewRegistry(config.Log)
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.NewRegistry()
	}
	if config.MaxConcurrentBuilds <= 0 {
		config.MaxConcurrentBuilds = 1
	}

	return &Runner{
		registry: config.Registry,
		catalog:  config.Catalog,
		executor: config.Executor,
		backend:  config.Backend,

		ports:          newPortAllocator(),
		buildSemaphore: semaphore.NewWeighted(config.MaxConcurrentBuilds),
		installs:       &singleflight.Group{},

		metrics: newMetrics(config.Registerer),
	}, nil
}

func (r *Runner) Registry() *Registry {
	return r.registry
}

// Releases returns all releases known to the release catalog, ordered from oldest to newest
func (r *Runner) Releases(ctx context.Context) ([]string, error) {
	return r.catalog.ListReleases(ctx)
}

// A pipeline turns a candidate into an evaluation result for a single task
type pipeline struct {
	job *Job

	provisioner *Provisioner
	launcher    *Launcher
	evaluator   *Evaluator
}

func (r *Runner) newPipeline(job *Job, workspaces *WorkspaceIsolator) *pipeline {
	backend := r.backend
	if backend == nil {
		switch job.Backend {
		case BackendDocker:
			backend = DockerBackend{Image: job.Launch.Image}
		default:
			backend = PlaygroundBackend{Tiup: job.Launch.Tiup}
		}
	}

	logDir := job.LogDir
	if logDir == "" {
		logDir = "."
	}

	return &pipeline{
		job: job,
		provisioner: &Provisioner{
			catalog:        r.catalog,
			workspaces:     workspaces,
			build:          job.Build,
			toolchains:     job.Toolchains,
			buildSemaphore: r.buildSemaphore,
			installs:       r.installs,
			metrics:        r.metrics,
		},
		launcher: &Launcher{
			backend:  backend,
			executor: r.executor,
			config:   job.Launch,
			topology: job.Topology,
			logDir:   logDir,
			ports:    r.ports,
			metrics:  r.metrics,
		},
		evaluator: &Evaluator{
			executor: r.executor,
			metrics:  r.metrics,
		},
	}
}

// evaluateCandidate provisions, launches and evaluates a single candidate.
// If oneShot is set, the environment is torn down afterwards, otherwise it is left running until the task is cleaned up.
func (r *Runner) evaluateCandidate(ctx context.Context, task *Task, p *pipeline, c Candidate, oneShot bool) *EvaluationResult {
	start := time.Now()
	defer func() {
		r.metrics.evaluationDuration.Observe(time.Since(start).Seconds())
	}()

	artifact, err := p.provisioner.Provision(ctx, task, c)
	if err != nil {
		task.Warnf("%s: %v", c, err)
		r.metrics.evaluations.WithLabelValues(string(EnvironmentError)).Inc()
		return environmentError(c, err)
	}

	env, err := p.launcher.Launch(ctx, task, artifact)
	if err != nil {
		task.Warnf("%s: %v", c, err)
		r.metrics.evaluations.WithLabelValues(string(EnvironmentError)).Inc()
		return environmentError(c, err)
	}

	res := p.evaluator.Evaluate(ctx, task, env, p.job.Workload)

	if oneShot {
		// Failures are logged to the task, the verdict stands regardless
		p.launcher.Teardown(ctx, task, env)
	}
	return res
}

// Test evaluates every passed release concurrently. The clusters are left running until the task is cleaned up.
// Invalid input is reported synchronously, before anything is provisioned.
func (r *Runner) Test(job *Job, versions []string) (*Task, error) {
	job = job.Clone()
	if err := job.Workload.Validate(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: no versions to test", ErrInvalidInput)
	}
	releases := make([]string, len(versions))
	for i, v := range versions {
		normalized, err := normalizeVersion(v)
		if err != nil {
			return nil, err
		}
		releases[i] = normalized
	}

	task := r.registry.Create(KindTest)
	task.Logf("Testing %d releases: %v", len(releases), releases)
	r.metrics.runningTasks.WithLabelValues(string(KindTest)).Inc()

	p := r.newPipeline(job, nil)
	first := task.reserveResults(len(releases))

	ctx := context.Background()
	var passed atomic.Int32
	var g errgroup.Group
	for i, release := range releases {
		g.Go(func() error {
			res := r.evaluateCandidate(ctx, task, p, Candidate{Release: release}, false)
			if res.Status == Success {
				passed.Add(1)
			}
			return task.setResult(first+i, res)
		})
	}

	// Supervisor
	go func() {
		defer r.metrics.runningTasks.WithLabelValues(string(KindTest)).Dec()
		if err := g.Wait(); err != nil {
			task.finish(TaskError, fmt.Sprintf("Failed to record results - %v", err))
			return
		}
		task.finish(TaskComplete, fmt.Sprintf("%d/%d releases passed", passed.Load(), len(releases)))
	}()

	return task, nil
}
