package worktree

import "errors"

// Typed errors surfaced by worktree operations.
var (
	// ErrNotRepo indicates the given path is not inside a git repository.
	ErrNotRepo = errors.New("path is not a git repository")

	// ErrWorktreeExists indicates a worktree directory already exists at the target path.
	ErrWorktreeExists = errors.New("worktree already exists")

	// ErrWorktreeNotFound indicates no worktree is tracked for the agent.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrWorktreeLocked indicates the worktree is still in use by its agent.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrGitCommandFailed indicates an underlying git command errored or timed out.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrMainDirty indicates the main working copy has uncommitted changes,
	// making a checkout-and-merge unsafe.
	ErrMainDirty = errors.New("main working copy has uncommitted changes")
)
