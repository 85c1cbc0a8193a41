package sqlbisect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListCommitsBetween(t *testing.T) {
	repo := newTestRepo(t)
	repo.commit("initial")
	repo.tag("v1.0.0")
	first := repo.commit("first")
	second := repo.commit("second")
	repo.tag("v1.1.0")
	ctx := context.Background()

	commits, err := listCommitsBetween(ctx, repo.dir, "v1.0.0", "v1.1.0")
	require.Nil(t, err, "listCommitsBetween returned an error")
	assert.Equal(t, []string{first, second}, commits, "Wrong commits")

	commits, err = listCommitsBetween(ctx, repo.dir, "v1.1.0", "v1.1.0")
	require.Nil(t, err, "listCommitsBetween returned an error")
	assert.Empty(t, commits, "Commits listed for identical refs")

	_, err = listCommitsBetween(ctx, repo.dir, "v1.0.0", "v9.9.9")
	assert.NotNil(t, err, "Unknown ref accepted")
}

func TestListCommitsBetweenFirstParent(t *testing.T) {
	repo := newTestRepo(t)
	repo.commit("initial")
	repo.tag("v1.0.0")
	main := repo.git("rev-parse", "--abbrev-ref", "HEAD")

	repo.git("checkout", "-q", "-b", "feature")
	feature := repo.commit("feature work")
	repo.git("checkout", "-q", main)
	before := repo.commit("before merge")
	repo.git("merge", "-q", "--no-ff", "-m", "merge feature", "feature")
	merge := repo.git("rev-parse", "HEAD")
	ctx := context.Background()

	commits, err := listCommitsBetween(ctx, repo.dir, "v1.0.0", "HEAD")
	require.Nil(t, err, "listCommitsBetween returned an error")
	assert.Equal(t, []string{before, merge}, commits, "Commits of merged branches listed")

	merged, err := getMergedParent(ctx, merge, before, repo.dir)
	assert.Nil(t, err, "getMergedParent returned an error")
	assert.Equal(t, feature, merged, "Wrong merged parent")

	merged, err = getMergedParent(ctx, before, commits[0], repo.dir)
	assert.Nil(t, err, "getMergedParent returned an error")
	assert.Empty(t, merged, "Regular commit has a merged parent")

	_, err = getMergedParent(ctx, merge, merge, repo.dir)
	assert.NotNil(t, err, "Commit accepted as its own parent")
}

func TestDescribeCommit(t *testing.T) {
	repo := newTestRepo(t)
	repo.commit("initial")
	repo.git("commit", "-q", "--allow-empty", "-m", "fix planner\n\nThe planner picked the wrong index.")
	hash := repo.git("rev-parse", "HEAD")

	info, err := describeCommit(context.Background(), repo.dir, hash)
	require.Nil(t, err, "describeCommit returned an error")
	assert.Equal(t, hash, info.Hash, "Wrong hash")
	assert.Equal(t, "fix planner", info.Subject(), "Wrong subject")
	assert.Contains(t, info.Message, "The planner picked the wrong index.", "Body missing")
	assert.Equal(t, "Test Author <author@example.com>", info.Author, "Wrong author")
	assert.NotEmpty(t, info.Date, "Date missing")

	resolved, err := resolveRef(context.Background(), repo.dir, "HEAD")
	assert.Nil(t, err, "resolveRef returned an error")
	assert.Equal(t, hash, resolved, "Wrong resolved ref")
}
