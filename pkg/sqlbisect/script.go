package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

var errScriptSetup = errors.New("failed to set up check script")

// logPathPattern matches the value column of the log path query, e.g. | tidb | 127.0.0.1:4000 | log.file.filename | /a/tidb.log |
var logPathPattern = regexp.MustCompile(`(/[^\s,()|'"]+)`)

// scriptDir returns the directory the check script is written to. It is the directory of the server's own log file,
// as reported by the server, falling back to the directory of the environment's log file.
func (e *Evaluator) scriptDir(ctx context.Context, env *Environment, logPathQuery string) string {
	fallback := filepath.Dir(env.LogFile)
	if logPathQuery == "" {
		return fallback
	}

	out, err := e.executor.Execute(ctx, env.Endpoint, logPathQuery)
	if err != nil {
		return fallback
	}
	matches := logPathPattern.FindAllString(out, -1)
	if len(matches) == 0 {
		return fallback
	}

	dir := filepath.Dir(matches[len(matches)-1])
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fallback
	}
	return dir
}

func scriptEnv(env *Environment) []string {
	return []string{
		"SQL_HOST=" + env.Endpoint.Host,
		"SQL_PORT=" + strconv.Itoa(env.Endpoint.Port),
		"STATUS_PORT=" + strconv.Itoa(env.Endpoint.StatusPort),
		"DASHBOARD_PORT=" + strconv.Itoa(env.Endpoint.DashboardPort),
		"CANDIDATE=" + env.Candidate.String(),
	}
}

// runCheckScript writes script to an executable file in dir, runs it and returns its combined output.
// The returned error is nil if the script exited with code 0. The file is removed afterwards.
func runCheckScript(ctx context.Context, dir, script string, timeout time.Duration, env []string) (string, error) {
	f, err := os.CreateTemp(dir, "check_*.sh")
	if err != nil {
		return "", errors.Join(errScriptSetup, err)
	}
	path := f.Name()
	defer os.Remove(path)

	_, err = f.WriteString(script)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(path, 0o700)
	}
	if err != nil {
		return "", errors.Join(errScriptSetup, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", path)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	// Don't wait on pipes held open by processes the script left behind
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("check script timed out after %s", timeout)
	}
	return string(out), err
}
