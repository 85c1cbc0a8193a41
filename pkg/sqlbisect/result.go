package sqlbisect

import (
	"fmt"
	"time"
)

// A Candidate is either a release or a commit built in the context of a release
type Candidate struct {
	Release string // The release tag, e.g. v8.5.0. For commits, the release the commit is bisected towards
	Commit  string // The commit hash, or empty for released versions
}

func (c Candidate) String() string {
	if c.Commit == "" {
		return c.Release
	}
	return fmt.Sprintf("%s-%s", c.Release, shortHash(c.Commit))
}

func shortHash(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

// The Status of a single candidate evaluation
type Status string

const (
	Success          Status = "success"           // All configured checks passed, the candidate is good
	Failure          Status = "failure"           // A configured check failed, the candidate is bad
	EnvironmentError Status = "environment_error" // No verdict could be produced for the candidate
)

// An EvaluationResult is the outcome of evaluating one candidate. It is not modified after being written into a task.
type EvaluationResult struct {
	Candidate string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Status    Status `json:"status"`

	Expected string `json:"expected,omitempty"` // The expected signature of the SQL check
	Actual   string `json:"actual,omitempty"`   // The rendered rows of the SQL check, or the driver error

	ScriptRun    bool   `json:"script_run,omitempty"`
	ScriptPassed bool   `json:"script_passed,omitempty"`
	ScriptOutput string `json:"script_output,omitempty"` // Combined stdout and stderr of the check script

	SQLPort       int `json:"sql_port,omitempty"`
	DashboardPort int `json:"dashboard_port,omitempty"`
	PortOffset    int `json:"offset,omitempty"`

	Error string `json:"error,omitempty"`

	Duration time.Duration `json:"duration"`
}

func environmentError(c Candidate, err error) *EvaluationResult {
	return &EvaluationResult{
		Candidate: c.String(),
		Commit:    c.Commit,
		Status:    EnvironmentError,
		Error:     err.Error(),
	}
}
