package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, repo
}

func TestSnapshotCreatesRefAtHead(t *testing.T) {
	dir, repo := initRepo(t)

	ok, err := NewGit(dir).Snapshot(context.Background(), "task 42/run")
	require.NoError(t, err)
	assert.True(t, ok)

	head, err := repo.Head()
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.ReferenceName(SnapshotRefPrefix+"task-42-run"), false)
	require.NoError(t, err)
	assert.Equal(t, head.Hash(), ref.Hash())
}

func TestSnapshotOutsideRepository(t *testing.T) {
	ok, err := NewGit(t.TempDir()).Snapshot(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotWithoutCommits(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	ok, err := NewGit(dir).Snapshot(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitStagesChangesAndSkipsExcludes(t *testing.T) {
	dir, repo := initRepo(t)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "app.go"), []byte("package app\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".ai-buddy", "logs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ai-buddy", "logs", "run.log"), []byte("log"), 0644))

	res, err := NewGit(dir, ".ai-buddy").WithAuthor("bot", "bot@example.com").Commit(context.Background(), "implement task")
	require.NoError(t, err)
	require.True(t, res.Committed)

	commit, err := repo.CommitObject(plumbing.NewHash(res.Hash))
	require.NoError(t, err)
	assert.Equal(t, "implement task", commit.Message)
	assert.Equal(t, "bot", commit.Author.Name)

	tree, err := commit.Tree()
	require.NoError(t, err)
	_, err = tree.File("src/app.go")
	assert.NoError(t, err)
	_, err = tree.File(".ai-buddy/logs/run.log")
	assert.Error(t, err, "state directory must not be committed")

	readme, err := tree.File("README.md")
	require.NoError(t, err)
	content, err := readme.Contents()
	require.NoError(t, err)
	assert.Equal(t, "changed\n", content)
}

func TestCommitCleanTree(t *testing.T) {
	dir, _ := initRepo(t)

	res, err := NewGit(dir).Commit(context.Background(), "nothing")
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Empty(t, res.Hash)
}

func TestCancelledContext(t *testing.T) {
	dir, _ := initRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGit(dir).Snapshot(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = NewGit(dir).Commit(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
