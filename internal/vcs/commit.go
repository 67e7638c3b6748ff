package vcs

import (
	"context"
	"fmt"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Committer records the current state of a directory in version control.
type Committer interface {
	// Commit stages every change in dir and commits it. It returns the new
	// commit hash, or "" when there was nothing to commit.
	Commit(ctx context.Context, dir, message string) (string, error)
}

// Author identifies who dump commits are made by.
type Author struct {
	Name  string
	Email string
}

// GoGitCommitter implements Committer with go-git, without a git binary.
type GoGitCommitter struct {
	author Author
	now    func() time.Time
}

// NewGoGitCommitter creates a committer signing commits as author.
func NewGoGitCommitter(author Author) *GoGitCommitter {
	return &GoGitCommitter{author: author, now: time.Now}
}

// Commit stages additions, modifications and removals like `git add -A`.
func (c *GoGitCommitter) Commit(ctx context.Context, dir, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	if err := w.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}

	status, err := w.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}

	sig := &object.Signature{
		Name:  c.author.Name,
		Email: c.author.Email,
		When:  c.now(),
	}
	hash, err := w.Commit(message, &gogit.CommitOptions{
		Author:    sig,
		Committer: sig,
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}
