// Package vcs snapshots and commits the project working tree with go-git.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// SnapshotRefPrefix namespaces snapshot branches.
const SnapshotRefPrefix = "refs/heads/ai-buddy/snapshot-"

// CommitResult describes a commit made by Commit.
type CommitResult struct {
	Hash      string
	Committed bool // false when the tree was clean
}

// VersionControl is the optional snapshot/commit collaborator.
type VersionControl interface {
	// Snapshot records the current HEAD under label. It returns false
	// without error when the project is not a repository or has no commits.
	Snapshot(ctx context.Context, label string) (bool, error)

	// Commit stages every change outside the excluded paths and commits it.
	Commit(ctx context.Context, message string) (CommitResult, error)
}

// Git implements VersionControl for a local repository.
type Git struct {
	path     string
	excludes []string
	author   string
	email    string
}

// NewGit opens the repository containing path lazily. Paths in excludes
// (e.g. the engine state directory) are never staged.
func NewGit(path string, excludes ...string) *Git {
	return &Git{
		path:     path,
		excludes: excludes,
		author:   "ai-buddy",
		email:    "ai-buddy@localhost",
	}
}

// WithAuthor sets the commit author.
func (g *Git) WithAuthor(name, email string) *Git {
	g.author = name
	g.email = email
	return g
}

func (g *Git) open() (*git.Repository, error) {
	return git.PlainOpenWithOptions(g.path, &git.PlainOpenOptions{DetectDotGit: true})
}

var unsafeRefChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Snapshot creates refs/heads/ai-buddy/snapshot-<label> pointing at HEAD.
func (g *Git) Snapshot(ctx context.Context, label string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	repo, err := g.open()
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	name := plumbing.ReferenceName(SnapshotRefPrefix + unsafeRefChars.ReplaceAllString(label, "-"))
	if err := repo.Storer.SetReference(plumbing.NewHashReference(name, head.Hash())); err != nil {
		return false, fmt.Errorf("failed to create snapshot ref %s: %w", name, err)
	}
	return true, nil
}

// Commit stages every changed path reported by status and commits.
func (g *Git) Commit(ctx context.Context, message string) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	repo, err := g.open()
	if err != nil {
		return CommitResult{}, fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return CommitResult{}, fmt.Errorf("failed to get worktree: %w", err)
	}
	for _, ex := range g.excludes {
		wt.Excludes = append(wt.Excludes, gitignore.ParsePattern(ex, nil))
	}

	status, err := wt.Status()
	if err != nil {
		return CommitResult{}, fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		return CommitResult{}, nil
	}

	// Status already filtered .gitignore and excludes
	for path := range status {
		if _, err := wt.Add(path); err != nil {
			return CommitResult{}, fmt.Errorf("failed to stage %s: %w", path, err)
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.author,
			Email: g.email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("failed to commit: %w", err)
	}
	return CommitResult{Hash: hash.String(), Committed: true}, nil
}
