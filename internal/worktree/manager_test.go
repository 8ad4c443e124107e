package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleethub/fleethub/internal/common/logger"
)

// initTestRepo creates a git repository with one commit and returns its path.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		output, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, output)
	}

	run("init", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")

	// Resolve symlinks so assertions match RepoRoot's canonical paths.
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(DefaultConfig(), nil, logger.Default())
}

func TestIsRepo(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)

	assert.True(t, m.IsRepo(repo))
	assert.False(t, m.IsRepo(t.TempDir()))
}

func TestRepoRoot(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)

	subdir := filepath.Join(repo, "sub")
	require.NoError(t, os.MkdirAll(subdir, 0o755))

	root, err := m.RepoRoot(subdir)
	require.NoError(t, err)
	assert.Equal(t, repo, root)

	_, err = m.RepoRoot(t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepo)
}

func TestCreateWorktree(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, repo, "agent-1", "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(repo, worktreeBaseDir, "agent-1"), wt.Path)
	assert.Equal(t, "agent-agent-1", wt.Branch)
	assert.True(t, wt.Locked)
	assert.DirExists(t, wt.Path)
	assert.FileExists(t, filepath.Join(wt.Path, "README.md"))

	// Creating again for the same agent fails: the path exists.
	_, err = m.Create(ctx, repo, "agent-1", "")
	assert.ErrorIs(t, err, ErrWorktreeExists)
}

func TestCreateNotRepo(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), t.TempDir(), "agent-1", "")
	assert.ErrorIs(t, err, ErrNotRepo)
}

func TestCreateAttachesToExistingBranch(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	// Pre-create the branch the worktree will use.
	cmd := exec.Command("git", "branch", "agent-existing")
	cmd.Dir = repo
	require.NoError(t, cmd.Run())

	wt, err := m.Create(ctx, repo, "agent-x", "agent-existing")
	require.NoError(t, err)
	assert.Equal(t, "agent-existing", wt.Branch)
	assert.DirExists(t, wt.Path)
}

func TestGetOrCreate(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	// Non-repository path is returned unchanged.
	plain := t.TempDir()
	assert.Equal(t, plain, m.GetOrCreate(ctx, plain, "agent-1", ""))

	// First call creates; second call returns the same path without
	// touching git.
	path := m.GetOrCreate(ctx, repo, "agent-2", "")
	assert.NotEqual(t, repo, path)
	assert.DirExists(t, path)

	again := m.GetOrCreate(ctx, repo, "agent-2", "")
	assert.Equal(t, path, again)
}

func TestRemoveWorktree(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, repo, "agent-1", "")
	require.NoError(t, err)

	// Locked worktrees are refused without force.
	err = m.Remove(ctx, "agent-1", false)
	assert.ErrorIs(t, err, ErrWorktreeLocked)
	assert.DirExists(t, wt.Path)

	m.Unlock("agent-1")
	require.NoError(t, m.Remove(ctx, "agent-1", false))
	assert.NoDirExists(t, wt.Path)

	// Removal is idempotent.
	require.NoError(t, m.Remove(ctx, "agent-1", false))
}

func TestRemoveForceOverridesLock(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, repo, "agent-1", "")
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, "agent-1", true))
	assert.NoDirExists(t, wt.Path)
}

func TestCleanupOldSparesLockedWorktrees(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	lockedWt, err := m.Create(ctx, repo, "agent-locked", "")
	require.NoError(t, err)

	oldWt, err := m.Create(ctx, repo, "agent-old", "")
	require.NoError(t, err)
	m.Unlock("agent-old")

	freshWt, err := m.Create(ctx, repo, "agent-fresh", "")
	require.NoError(t, err)
	m.Unlock("agent-fresh")

	// Everything is older than the cutoff except the fresh one.
	future := time.Now().Add(48 * time.Hour)
	m.mu.Lock()
	m.worktrees["agent-fresh"].CreatedAt = future.Add(-time.Hour)
	m.mu.Unlock()

	removed := m.CleanupOld(ctx, repo, future)
	assert.Equal(t, 1, removed)

	// Locked worktrees survive regardless of age.
	assert.DirExists(t, lockedWt.Path)
	assert.NoDirExists(t, oldWt.Path)
	assert.DirExists(t, freshWt.Path)
}

func TestListWorktrees(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	_, err := m.Create(ctx, repo, "agent-1", "")
	require.NoError(t, err)
	_, err = m.Create(ctx, repo, "agent-2", "")
	require.NoError(t, err)

	entries, err := m.List(ctx, repo)
	require.NoError(t, err)

	// The main working copy plus two agent worktrees.
	require.Len(t, entries, 3)
	paths := make(map[string]bool)
	for _, entry := range entries {
		require.NotEmpty(t, entry.Path)
		paths[filepath.Base(entry.Path)] = true
	}
	assert.True(t, paths["agent-1"])
	assert.True(t, paths["agent-2"])

	_, err = m.List(ctx, t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepo)
}

func TestSyncToMain(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, repo, "agent-1", "")
	require.NoError(t, err)

	// Agent writes a file in its worktree.
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "out.txt"), []byte("42\n"), 0o644))

	require.NoError(t, m.SyncToMain(ctx, "agent-1"))

	// The merge landed on main in the primary working copy.
	assert.FileExists(t, filepath.Join(repo, "out.txt"))
}

func TestSyncToMainRefusesDirtyMain(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, repo, "agent-1", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "out.txt"), []byte("42\n"), 0o644))

	// Dirty the main working copy.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("edited\n"), 0o644))

	err = m.SyncToMain(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrMainDirty)
}

func TestSyncToMainNoChanges(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	_, err := m.Create(ctx, repo, "agent-1", "")
	require.NoError(t, err)

	assert.NoError(t, m.SyncToMain(ctx, "agent-1"))
}

func TestSyncToMainUnknownAgent(t *testing.T) {
	m := newTestManager(t)
	err := m.SyncToMain(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrWorktreeNotFound)
}

func TestConcurrentGetOrCreate(t *testing.T) {
	m := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	// Concurrent creation for distinct agents must not race on git.
	const n = 4
	paths := make([]string, n)
	done := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			paths[i] = m.GetOrCreate(ctx, repo, string(rune('a'+i)), "")
			done <- i
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	seen := make(map[string]bool)
	for _, path := range paths {
		assert.NotEqual(t, repo, path)
		assert.False(t, seen[path], "worktree path %s assigned twice", path)
		seen[path] = true
		assert.DirExists(t, path)
	}
}
