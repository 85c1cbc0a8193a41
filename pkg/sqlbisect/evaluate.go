package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// A Workload is what is run against every candidate to decide whether it is good or bad
type Workload struct {
	SQL      string // Statements separated by ;
	Expected string // Must appear in the rendered rows of SQL, ignoring whitespace. If empty, SQL only has to execute without an error

	CheckScript   string        // A shell script which passes if it exits with code 0
	ScriptTimeout time.Duration // After this duration the script is killed and considered to have failed

	IdentityQuery string // Query whose output contains the commit a server was built from
	LogPathQuery  string // Query whose output contains the path of the server's log file
}

// Validate returns [ErrNoCheckConfigured] if the workload checks nothing
func (w Workload) Validate() error {
	if strings.TrimSpace(w.SQL) == "" && strings.TrimSpace(w.CheckScript) == "" {
		return ErrNoCheckConfigured
	}
	return nil
}

// An Evaluator runs workloads against live environments and classifies the outcome
type Evaluator struct {
	executor SQLExecutor
	metrics  *metrics
}

// Evaluate runs the workload against env and returns the result. It never returns nil.
// Environments running a built commit first have to report that commit, otherwise the result is an [EnvironmentError].
func (e *Evaluator) Evaluate(ctx context.Context, task *Task, env *Environment, w Workload) *EvaluationResult {
	start := time.Now()
	res := e.evaluate(ctx, task, env, w)
	res.Duration = time.Since(start)
	e.metrics.evaluations.WithLabelValues(string(res.Status)).Inc()
	return res
}

func (e *Evaluator) evaluate(ctx context.Context, task *Task, env *Environment, w Workload) *EvaluationResult {
	c := env.Candidate
	res := &EvaluationResult{
		Candidate:     c.String(),
		Commit:        c.Commit,
		Expected:      w.Expected,
		SQLPort:       env.Endpoint.Port,
		DashboardPort: env.Endpoint.DashboardPort,
		PortOffset:    env.PortOffset,
	}

	if c.Commit != "" {
		if err := e.verifyIdentity(ctx, env, w.IdentityQuery); err != nil {
			task.Warnf("%s: %v", c, err)
			res.Status = EnvironmentError
			res.Error = err.Error()
			return res
		}
	}

	passed := true

	if strings.TrimSpace(w.SQL) != "" {
		actual, err := e.executor.Execute(ctx, env.Endpoint, w.SQL)
		if err != nil {
			res.Actual = err.Error()
			passed = false
			task.Logf("%s: SQL check failed - %v", c, err)
		} else {
			res.Actual = actual
			if !containsIgnoringWhitespace(actual, w.Expected) {
				passed = false
				task.Logf("%s: SQL check failed, expected %q in %q", c, w.Expected, actual)
			} else {
				task.Logf("%s: SQL check passed", c)
			}
		}
	}

	if strings.TrimSpace(w.CheckScript) != "" {
		res.ScriptRun = true
		scriptDir := e.scriptDir(ctx, env, w.LogPathQuery)
		out, err := runCheckScript(ctx, scriptDir, w.CheckScript, w.ScriptTimeout, scriptEnv(env))
		res.ScriptOutput = out
		if err != nil {
			if errors.Is(err, errScriptSetup) {
				// The script never ran, which says nothing about the candidate
				task.Warnf("%s: %v", c, err)
				res.Status = EnvironmentError
				res.Error = err.Error()
				return res
			}
			passed = false
			task.Logf("%s: check script failed - %v", c, err)
		} else {
			res.ScriptPassed = true
			task.Logf("%s: check script passed", c)
		}
	}

	if passed {
		res.Status = Success
	} else {
		res.Status = Failure
	}
	return res
}

// verifyIdentity checks that the server of env reports the commit it is supposed to run
func (e *Evaluator) verifyIdentity(ctx context.Context, env *Environment, query string) error {
	out, err := e.executor.Execute(ctx, env.Endpoint, query)
	if err != nil {
		return errors.Join(fmt.Errorf("%w: identity query failed", ErrIdentityMismatch), err)
	}
	if !strings.Contains(stripWhitespace(out), env.Candidate.Commit) {
		return fmt.Errorf("%w: expected %s, server reported %q", ErrIdentityMismatch, env.Candidate.Commit, out)
	}
	return nil
}

func containsIgnoringWhitespace(s, substr string) bool {
	return strings.Contains(stripWhitespace(s), stripWhitespace(substr))
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
