package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// git runs a git command in the passed directory and returns its stdout
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", errors.Join(fmt.Errorf("git %s at %s failed, output: %s", strings.Join(args, " "), dir, exitErr.Stderr), err)
		}
		return "", errors.Join(fmt.Errorf("git %s at %s failed", strings.Join(args, " "), dir), err)
	}
	return string(out), nil
}

// listCommitsBetween returns the hashes of all commits on the first-parent history of toRef which are not reachable from fromRef.
// The returned slice is ordered chronologically, starting with the oldest commit. The commit of toRef is the last element.
func listCommitsBetween(ctx context.Context, repoPath, fromRef, toRef string) ([]string, error) {
	out, err := git(ctx, repoPath, "rev-list", "--reverse", "--first-parent", "^"+fromRef, toRef)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to get rev-list of %s to %s", fromRef, toRef), err)
	}
	return strings.Fields(out), nil
}

// resolveRef returns the commit hash the passed ref points to.
func resolveRef(ctx context.Context, repoPath, ref string) (string, error) {
	out, err := git(ctx, repoPath, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// getMergedParent returns the commit hash of the current commit's parent which got merged, given the
// passed parent is on the branch the parent got merged on.
// If the current commit is not a merge commit or an octopus commit, getMergedParent returns an empty string
func getMergedParent(ctx context.Context, curCommitHash, parentCommitHash, repoPath string) (string, error) {
	out, err := git(ctx, repoPath, "rev-parse", fmt.Sprintf("%s^@", curCommitHash))
	if err != nil {
		return "", fmt.Errorf("couldn't check if commit is merge commit or not - %v", err)
	}
	parents := strings.Fields(out)
	if len(parents) != 2 {
		// Regular or octopus commit
		return "", nil
	}

	if parentCommitHash == parents[0] {
		return parents[1], nil
	} else if parentCommitHash == parents[1] {
		return parents[0], nil
	}

	return "", fmt.Errorf("passed parent commit %s is not actually a parent of %s (%s or %s)", parentCommitHash, curCommitHash, parents[0], parents[1])
}

// CommitInfo holds additional information about a commit
type CommitInfo struct {
	Hash    string
	Message string
	Date    string
	Author  string
}

func (c CommitInfo) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return subject
}

// describeCommit returns the message, date and author of the passed commit
func describeCommit(ctx context.Context, repoPath, commitHash string) (CommitInfo, error) {
	info := CommitInfo{Hash: commitHash}

	out, err := git(ctx, repoPath, "--no-pager", "show", "-s", "--format=%B%n%aD%n%an <%ae>", commitHash)
	if err != nil {
		return info, err
	}
	if len(out) == 0 || strings.Count(out, "\n") < 3 {
		return info, fmt.Errorf("git show output is not of the expected format: %q", out)
	}

	// Trim trailing newline
	out = out[:len(out)-1]
	authorOffset := strings.LastIndex(out, "\n")
	dateOffset := strings.LastIndex(out[:authorOffset], "\n")

	info.Message = strings.TrimSpace(out[:dateOffset])
	info.Date = out[dateOffset+1 : authorOffset]
	info.Author = out[authorOffset+1:]

	return info, nil
}
