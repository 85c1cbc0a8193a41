package sqlbisect

import (
	"context"
	"fmt"
	"strings"
)

// Locate searches for the first release at which the job's workload fails and then for the first commit within
// that release. Invalid input is reported synchronously, before anything is provisioned.
// The search runs in the background; its progress is available through the returned task.
func (r *Runner) Locate(job *Job) (*Task, error) {
	job = job.Clone()
	if err := job.validateLocate(); err != nil {
		return nil, err
	}

	task := r.registry.Create(KindLocate)
	task.Logf("Locating regression between %s and %s", job.StartVersion, job.EndVersion)
	r.metrics.runningTasks.WithLabelValues(string(KindLocate)).Inc()

	go func() {
		defer r.metrics.runningTasks.WithLabelValues(string(KindLocate)).Dec()

		var workspaces *WorkspaceIsolator
		if job.Repository != "" && !job.SkipCommits {
			workspaces = NewWorkspaceIsolator(job.Repository, job.WorkDir)
		}
		flow := &locateFlow{
			runner:     r,
			task:       task,
			job:        job,
			pipeline:   r.newPipeline(job, workspaces),
			workspaces: workspaces,
		}

		status, summary := flow.run(context.Background())
		task.finish(status, summary)
	}()

	return task, nil
}

// A locateFlow is the state of a single two-phase search
type locateFlow struct {
	runner     *Runner
	task       *Task
	job        *Job
	pipeline   *pipeline
	workspaces *WorkspaceIsolator // Nil if commits are not searched

	releases []string
}

func (f *locateFlow) run(ctx context.Context) (TaskStatus, string) {
	var err error
	f.releases, err = f.runner.catalog.ListReleases(ctx)
	if err != nil {
		return TaskError, fmt.Sprintf("Failed to list releases - %v", err)
	}

	firstBad, status, summary := f.searchReleases(ctx)
	if status != TaskComplete || firstBad == "" {
		return status, summary
	}

	switch {
	case f.job.SkipCommits:
		return TaskComplete, summary
	case f.workspaces == nil:
		f.task.Logf("No repository configured, not searching commits")
		return TaskComplete, summary
	}

	prev, ok := precedingRelease(f.releases, firstBad)
	if !ok {
		f.task.Logf("No release precedes %s, not searching commits", firstBad)
		return TaskComplete, summary
	}

	commitStatus, commitSummary := f.searchCommits(ctx, prev, firstBad)
	return commitStatus, summary + ". " + commitSummary
}

// evaluate evaluates a single candidate and records its result in the task
func (f *locateFlow) evaluate(ctx context.Context, c Candidate) *EvaluationResult {
	index := f.task.reserveResults(1)
	res := f.runner.evaluateCandidate(ctx, f.task, f.pipeline, c, true)
	if err := f.task.setResult(index, res); err != nil {
		f.task.Warnf("Failed to record result of %s - %v", c, err)
	}
	f.task.Logf("%s: %s", c, res.Status)
	return res
}

// bisect runs a binary search over the candidates
func (f *locateFlow) bisect(ctx context.Context, candidates []Candidate) SearchOutcome {
	f.task.Logf("Bisecting %d candidates from %s to %s", len(candidates), candidates[0], candidates[len(candidates)-1])
	return Bisect(len(candidates), func(i int) Status {
		return f.evaluate(ctx, candidates[i]).Status
	})
}

// confirm evaluates the first bad candidate a second time if the job asks for it and returns a note for the summary
func (f *locateFlow) confirm(ctx context.Context, c Candidate) string {
	if !f.job.ConfirmBoundary {
		return ""
	}
	f.task.Logf("Re-evaluating %s to confirm it is the first bad candidate", c)
	if res := f.evaluate(ctx, c); res.Status != Failure {
		f.task.Warnf("%s did not fail again (%s), the workload may not fail reliably", c, res.Status)
		return fmt.Sprintf(" (unconfirmed, re-run was %s)", res.Status)
	}
	return " (confirmed)"
}

// searchReleases finds the first bad release. If none was found, the returned release is empty.
func (f *locateFlow) searchReleases(ctx context.Context) (string, TaskStatus, string) {
	start, end := f.job.StartVersion, f.job.EndVersion
	searched := releasesBetween(f.releases, start, end)

	// Set if the start release was already found to be bad
	knownBad := ""

	if !f.job.SkipStartCheck {
		f.task.Logf("Checking that start release %s is good", start)
		res := f.evaluate(ctx, Candidate{Release: start})
		switch res.Status {
		case EnvironmentError:
			return "", TaskError, fmt.Sprintf("Start release %s could not be evaluated - %s", start, res.Error)
		case Success:
			if len(searched) > 0 && searched[0] == start {
				searched = searched[1:]
			}
		case Failure:
			knownBad = start
			prev, ok := precedingRelease(f.releases, start)
			if !ok {
				return start, TaskComplete, fmt.Sprintf("First bad release: %s, it is the oldest known release", start)
			}
			fallback := f.job.FallbackStartVersion
			if fallback == "" {
				fallback = f.releases[0]
			}
			f.task.Warnf("Start release %s is already bad, searching from %s to %s instead", start, fallback, prev)
			searched = releasesBetween(f.releases, fallback, prev)
		}
	}

	if len(searched) == 0 {
		if knownBad != "" {
			return knownBad, TaskComplete, "First bad release: " + knownBad + f.confirm(ctx, Candidate{Release: knownBad})
		}
		return "", TaskComplete, fmt.Sprintf("No releases to search between %s and %s", start, end)
	}

	candidates := make([]Candidate, len(searched))
	for i, release := range searched {
		candidates[i] = Candidate{Release: release}
	}

	outcome := f.bisect(ctx, candidates)
	f.task.Logf("Release search finished after %d evaluations: %s", outcome.Evaluations, outcome.State)

	firstBad := ""
	switch outcome.State {
	case AbortedInconclusive:
		return "", TaskError, fmt.Sprintf("Search aborted, release %s could not be evaluated", searched[outcome.Inconclusive])
	case FoundBad:
		firstBad = searched[outcome.FirstBad]
	case ExhaustedNoBad:
		if knownBad == "" {
			return "", TaskComplete, fmt.Sprintf("No bad release found between %s and %s", searched[0], searched[len(searched)-1])
		}
		firstBad = knownBad
	}

	return firstBad, TaskComplete, "First bad release: " + firstBad + f.confirm(ctx, Candidate{Release: firstBad})
}

// searchCommits finds the first bad commit between the passed good release and the first bad release
func (f *locateFlow) searchCommits(ctx context.Context, good, bad string) (TaskStatus, string) {
	if err := f.workspaces.Sync(ctx); err != nil {
		f.task.Warnf("Failed to sync %s, searching the commits known locally - %v", f.job.Repository, err)
	}

	dir, err := f.workspaces.Acquire(ctx, f.task.ID, bad)
	if err != nil {
		return TaskError, fmt.Sprintf("Failed to create workspace - %v", err)
	}
	defer func() {
		if err := f.workspaces.Release(f.task.ID); err != nil {
			f.task.Warnf("Failed to remove workspace %s - %v", dir, err)
		}
	}()

	commits, err := listCommitsBetween(ctx, dir, good, bad)
	if err != nil {
		return TaskError, fmt.Sprintf("Failed to list commits between %s and %s - %v", good, bad, err)
	}
	if len(commits) == 0 {
		return TaskComplete, fmt.Sprintf("No commits between %s and %s", good, bad)
	}
	f.task.Logf("Found %d commits between %s and %s", len(commits), good, bad)

	// The last commit is the one the bad release was tagged on, which is known to be bad
	searched := commits[:len(commits)-1]
	firstBad := commits[len(commits)-1]

	if len(searched) > 0 {
		candidates := make([]Candidate, len(searched))
		for i, commit := range searched {
			candidates[i] = Candidate{Release: bad, Commit: commit}
		}

		outcome := f.bisect(ctx, candidates)
		f.task.Logf("Commit search finished after %d evaluations: %s", outcome.Evaluations, outcome.State)

		switch outcome.State {
		case AbortedInconclusive:
			return TaskError, fmt.Sprintf("Search aborted, commit %s could not be evaluated", searched[outcome.Inconclusive])
		case FoundBad:
			firstBad = searched[outcome.FirstBad]
		}
	}

	note := f.confirm(ctx, Candidate{Release: bad, Commit: firstBad})
	return TaskComplete, f.describe(ctx, dir, firstBad) + note
}

// describe renders the details of the first bad commit
func (f *locateFlow) describe(ctx context.Context, dir, commit string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "First bad commit: %s", commit)

	info, err := describeCommit(ctx, dir, commit)
	if err != nil {
		f.task.Warnf("Couldn't get additional info of commit %s - %v", commit, err)
	} else {
		fmt.Fprintf(&sb, " %q by %s on %s", info.Subject(), info.Author, info.Date)
	}

	parent, err := resolveRef(ctx, dir, commit+"^1")
	if err != nil {
		return sb.String()
	}
	merged, err := getMergedParent(ctx, commit, parent, dir)
	if err != nil {
		f.task.Warnf("Failed to get merge parent of %s - %v", commit, err)
	} else if merged != "" {
		fmt.Fprintf(&sb, ", merging %s", merged)
	}
	return sb.String()
}
