package sqlbisect

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dchest/uniuri"
	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
	"github.com/otiai10/copy"
)

// A WorkspaceIsolator hands out private copies of a shared source tree, one per task.
// Tasks can check out different commits in their copies concurrently without interfering with each other.
type WorkspaceIsolator struct {
	SourcePath string // The path to the shared clone of the repository. It is only read from, apart from Sync
	Root       string // The directory in which workspaces are created

	mu         sync.Mutex
	workspaces map[string]string // Task id to the workspace's path
}

func NewWorkspaceIsolator(sourcePath, root string) *WorkspaceIsolator {
	if root == "" {
		root = os.TempDir()
	}
	return &WorkspaceIsolator{
		SourcePath: sourcePath,
		Root:       root,
		workspaces: make(map[string]string),
	}
}

// sourceLock returns a new file lock guarding the shared source tree.
// Every caller gets its own lock, since a single flock is not safe to share between goroutines.
func (w *WorkspaceIsolator) sourceLock() (*flock.Flock, error) {
	if err := os.MkdirAll(w.Root, 0o755); err != nil {
		return nil, err
	}
	return flock.New(filepath.Join(w.Root, ".source.lock")), nil
}

// Sync fetches all branches and tags into the shared source tree.
// It waits until no workspace is being copied from the source tree.
func (w *WorkspaceIsolator) Sync(ctx context.Context) error {
	lock, err := w.sourceLock()
	if err != nil {
		return err
	}
	if err := lock.Lock(); err != nil {
		return errors.Join(fmt.Errorf("failed to lock source tree %s", w.SourcePath), err)
	}
	defer lock.Unlock()

	_, err = git(ctx, w.SourcePath, "fetch", "--all", "--tags", "--force")
	return err
}

// Acquire creates a private copy of the source tree for the passed task, checked out at baseRef, and returns its path.
// Acquiring a workspace for a task which already has one returns the existing workspace, checked out at baseRef.
// Every acquired workspace has to be released using [WorkspaceIsolator.Release].
func (w *WorkspaceIsolator) Acquire(ctx context.Context, taskID, baseRef string) (string, error) {
	w.mu.Lock()
	dir, ok := w.workspaces[taskID]
	w.mu.Unlock()
	if ok {
		return dir, w.Checkout(ctx, taskID, baseRef)
	}

	lock, err := w.sourceLock()
	if err != nil {
		return "", err
	}
	if err := lock.RLock(); err != nil {
		return "", errors.Join(fmt.Errorf("failed to lock source tree %s", w.SourcePath), err)
	}

	dir = filepath.Join(w.Root, fmt.Sprintf("ws-%s-%s", taskID, uniuri.NewLen(6)))
	err = copy.Copy(w.SourcePath, dir, copy.Options{
		Specials: true,
	})
	lock.Unlock()
	if err != nil {
		os.RemoveAll(dir)
		return "", errors.Join(fmt.Errorf("failed to copy %s to %s", w.SourcePath, dir), err)
	}

	w.mu.Lock()
	w.workspaces[taskID] = dir
	w.mu.Unlock()

	if err := w.Checkout(ctx, taskID, baseRef); err != nil {
		w.Release(taskID)
		return "", err
	}
	return dir, nil
}

// Path returns the path of the passed task's workspace
func (w *WorkspaceIsolator) Path(taskID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dir, ok := w.workspaces[taskID]
	return dir, ok
}

// Checkout moves the passed task's workspace to ref, discarding all changes made to it
func (w *WorkspaceIsolator) Checkout(ctx context.Context, taskID, ref string) error {
	dir, ok := w.Path(taskID)
	if !ok {
		return fmt.Errorf("no workspace acquired for task %s", taskID)
	}

	if _, err := git(ctx, dir, "add", "."); err != nil {
		return err
	}
	if _, err := git(ctx, dir, "reset", "--hard", ref); err != nil {
		return errors.Join(fmt.Errorf("git checkout of %s at %s failed for task %s", ref, dir, taskID), err)
	}
	if _, err := git(ctx, dir, "clean", "-fdx"); err != nil {
		return err
	}

	// Update all submodules
	if _, err := git(ctx, dir, "submodule", "update", "--init", "--recursive"); err != nil {
		return errors.Join(fmt.Errorf("git submodule update at %s failed for task %s", dir, taskID), err)
	}
	return nil
}

// Digest returns a digest over the paths and contents of all files checked out in the passed task's workspace
func (w *WorkspaceIsolator) Digest(taskID string) (digest.Digest, error) {
	dir, ok := w.Path(taskID)
	if !ok {
		return "", fmt.Errorf("no workspace acquired for task %s", taskID)
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	digester := digest.Canonical.Digester()
	for _, path := range files {
		rel, _ := filepath.Rel(dir, path)
		fmt.Fprintf(digester.Hash(), "%s\x00", filepath.ToSlash(rel))
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(digester.Hash(), f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return digester.Digest(), nil
}

// Release removes the passed task's workspace. Releasing a task without a workspace, or whose workspace was
// already removed, is not an error.
func (w *WorkspaceIsolator) Release(taskID string) error {
	w.mu.Lock()
	dir, ok := w.workspaces[taskID]
	delete(w.workspaces, taskID)
	w.mu.Unlock()

	if !ok {
		return nil
	}
	return os.RemoveAll(dir)
}
