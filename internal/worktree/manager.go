// Package worktree gives each concurrent agent an isolated working
// directory backed by git's worktree primitive.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/events"
)

const (
	// worktreeBaseDir is created beneath the repository root to hold all
	// per-agent worktree directories.
	worktreeBaseDir = ".agent-worktrees"

	// Timeouts for git subprocess calls: short for read-only queries,
	// longer for worktree mutations.
	readTimeout   = 5 * time.Second
	mutateTimeout = 30 * time.Second
)

// Worktree is an isolated working directory tied to one agent.
type Worktree struct {
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
	Locked    bool      `json:"locked"`
}

// ListEntry is one parsed record of `git worktree list --porcelain`.
type ListEntry struct {
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
	Head   string `json:"head,omitempty"`
}

// Config holds worktree manager configuration.
type Config struct {
	// CleanupAfter is the age past which an unlocked worktree is eligible
	// for removal by CleanupOld.
	CleanupAfter time.Duration
}

// DefaultConfig returns the default worktree configuration.
func DefaultConfig() Config {
	return Config{CleanupAfter: 24 * time.Hour}
}

// repoLockEntry tracks a repository lock and its reference count.
type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager creates, tracks, unlocks, and garbage-collects git worktrees.
//
// The tracking map is process-local; worktrees on disk are the authoritative
// state and the map is reconstructable by listing them.
type Manager struct {
	config  Config
	logger  *logger.Logger
	emitter *events.Emitter

	worktrees  map[string]*Worktree // agentID -> worktree
	mu         sync.RWMutex
	repoLocks  map[string]*repoLockEntry
	repoLockMu sync.Mutex
}

// NewManager creates a new worktree manager. The emitter is optional; when
// present, worktree lifecycle events are published through it.
func NewManager(cfg Config, emitter *events.Emitter, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if cfg.CleanupAfter <= 0 {
		cfg.CleanupAfter = DefaultConfig().CleanupAfter
	}
	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		emitter:   emitter,
		worktrees: make(map[string]*Worktree),
		repoLocks: make(map[string]*repoLockEntry),
	}
}

// getRepoLock returns a mutex for the given repository root and increments
// its reference count. Serializes git branch operations per repository.
func (m *Manager) getRepoLock(repoRoot string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if entry, exists := m.repoLocks[repoRoot]; exists {
		entry.refCount++
		return entry.mu
	}

	entry := &repoLockEntry{mu: &sync.Mutex{}, refCount: 1}
	m.repoLocks[repoRoot] = entry
	return entry.mu
}

// releaseRepoLock decrements the reference count for a repository lock.
// If the count reaches zero, the lock is removed from the map.
func (m *Manager) releaseRepoLock(repoRoot string) {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	entry, exists := m.repoLocks[repoRoot]
	if !exists {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, repoRoot)
	}
}

// IsRepo returns whether path is inside a git repository.
func (m *Manager) IsRepo(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	cmd.Dir = path
	return cmd.Run() == nil
}

// RepoRoot returns the canonical repository root for path, with symlinks
// resolved (e.g. /tmp -> /private/tmp on macOS). Returns ErrNotRepo when
// path is not inside a repository.
func (m *Manager) RepoRoot(path string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return "", ErrNotRepo
	}

	root := strings.TrimSpace(string(output))
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return root, nil
	}
	return resolved, nil
}

// Create creates a new worktree for the agent on branch `agent-<id>` (or the
// supplied name) under <repo_root>/.agent-worktrees/<id>. If the branch
// already exists the worktree attaches to it. The worktree starts locked.
func (m *Manager) Create(ctx context.Context, repoPath, agentID, branch string) (*Worktree, error) {
	if !m.IsRepo(repoPath) {
		return nil, ErrNotRepo
	}

	repoRoot, err := m.RepoRoot(repoPath)
	if err != nil {
		return nil, err
	}

	repoLock := m.getRepoLock(repoRoot)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repoRoot)
	}()

	base := filepath.Join(repoRoot, worktreeBaseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	worktreePath := filepath.Join(base, agentID)
	if _, err := os.Stat(worktreePath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, worktreePath)
	}

	if branch == "" {
		branch = "agent-" + agentID
	}

	// git worktree add -b creates the branch; when it already exists the
	// command fails and we attach to the existing branch instead.
	if output, err := m.git(ctx, repoRoot, mutateTimeout,
		"worktree", "add", "-b", branch, worktreePath); err != nil {
		if attachOut, attachErr := m.git(ctx, repoRoot, mutateTimeout,
			"worktree", "add", worktreePath, branch); attachErr != nil {
			m.logger.Error("git worktree add failed",
				zap.String("branch", branch),
				zap.String("output", output),
				zap.String("attach_output", attachOut),
				zap.Error(attachErr))
			return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, attachOut)
		}
	}

	wt := &Worktree{
		Path:      worktreePath,
		Branch:    branch,
		AgentID:   agentID,
		CreatedAt: time.Now(),
		Locked:    true,
	}

	m.mu.Lock()
	m.worktrees[agentID] = wt
	m.mu.Unlock()

	m.logger.Info("created worktree",
		zap.String("agent_id", agentID),
		zap.String("path", worktreePath),
		zap.String("branch", branch))

	if m.emitter != nil {
		m.emitter.WorktreeCreated(ctx, agentID, worktreePath, repoRoot, branch, filepath.Base(repoRoot))
	}

	return wt, nil
}

// GetOrCreate returns a working directory for the agent. Non-repository
// paths are returned unchanged, an already-tracked agent gets its existing
// worktree without touching git, and a creation failure degrades to the
// repository path itself.
func (m *Manager) GetOrCreate(ctx context.Context, repoPath, agentID, branch string) string {
	m.mu.RLock()
	if wt, ok := m.worktrees[agentID]; ok {
		m.mu.RUnlock()
		m.logger.Debug("reusing existing worktree",
			zap.String("agent_id", agentID),
			zap.String("path", wt.Path))
		return wt.Path
	}
	m.mu.RUnlock()

	if !m.IsRepo(repoPath) {
		return repoPath
	}

	wt, err := m.Create(ctx, repoPath, agentID, branch)
	if err != nil {
		m.logger.Warn("worktree creation failed, falling back to repository path",
			zap.String("agent_id", agentID),
			zap.String("repo_path", repoPath),
			zap.Error(err))
		return repoPath
	}
	return wt.Path
}

// Get returns the tracked worktree for an agent.
func (m *Manager) Get(agentID string) (*Worktree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wt, ok := m.worktrees[agentID]
	if !ok {
		return nil, ErrWorktreeNotFound
	}
	copied := *wt
	return &copied, nil
}

// Unlock marks an agent's worktree as no longer in use.
func (m *Manager) Unlock(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wt, ok := m.worktrees[agentID]; ok {
		wt.Locked = false
		m.logger.Debug("unlocked worktree", zap.String("agent_id", agentID))
	}
}

// Remove removes an agent's worktree. A locked worktree is refused unless
// force is set. Removing an untracked agent is a no-op.
func (m *Manager) Remove(ctx context.Context, agentID string, force bool) error {
	m.mu.Lock()
	wt, ok := m.worktrees[agentID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if wt.Locked && !force {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, wt.Path)
	}
	m.mu.Unlock()

	// .agent-worktrees/<agent_id> -> grandparent is the repo root.
	repoRoot := filepath.Dir(filepath.Dir(wt.Path))

	repoLock := m.getRepoLock(repoRoot)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repoRoot)
	}()

	args := []string{"worktree", "remove", wt.Path}
	if force {
		args = append(args, "--force")
	}
	if output, err := m.git(ctx, repoRoot, mutateTimeout, args...); err != nil {
		m.logger.Error("git worktree remove failed",
			zap.String("agent_id", agentID),
			zap.String("output", output),
			zap.Error(err))
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, output)
	}

	m.mu.Lock()
	delete(m.worktrees, agentID)
	m.mu.Unlock()

	m.logger.Info("removed worktree",
		zap.String("agent_id", agentID),
		zap.String("path", wt.Path))

	if m.emitter != nil {
		m.emitter.WorktreeRemoved(ctx, agentID, wt.Path, repoRoot, wt.Branch, filepath.Base(repoRoot))
	}

	return nil
}

// CleanupOld removes tracked worktrees under the repository that are
// unlocked and older than the configured cleanup age. Locked worktrees are
// never removed regardless of age. Returns the number removed.
func (m *Manager) CleanupOld(ctx context.Context, repoPath string, now time.Time) int {
	if !m.IsRepo(repoPath) {
		return 0
	}
	repoRoot, err := m.RepoRoot(repoPath)
	if err != nil {
		return 0
	}

	cutoff := now.Add(-m.config.CleanupAfter)

	m.mu.RLock()
	candidates := make([]string, 0)
	for agentID, wt := range m.worktrees {
		if wt.Locked {
			continue
		}
		if !strings.HasPrefix(wt.Path, repoRoot+string(filepath.Separator)) {
			continue
		}
		if wt.CreatedAt.Before(cutoff) {
			candidates = append(candidates, agentID)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, agentID := range candidates {
		if err := m.Remove(ctx, agentID, false); err != nil {
			m.logger.Warn("failed to clean up old worktree",
				zap.String("agent_id", agentID),
				zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("cleaned up old worktrees",
			zap.String("repo_path", repoPath),
			zap.Int("removed", removed))
	}
	return removed
}

// List parses `git worktree list --porcelain` into structured records.
func (m *Manager) List(ctx context.Context, repoPath string) ([]ListEntry, error) {
	if !m.IsRepo(repoPath) {
		return nil, ErrNotRepo
	}

	output, err := m.git(ctx, repoPath, readTimeout, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, output)
	}

	var entries []ListEntry
	var current ListEntry
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current.Path != "" {
				entries = append(entries, current)
			}
			current = ListEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case line == "":
			if current.Path != "" {
				entries = append(entries, current)
				current = ListEntry{}
			}
		}
	}
	if current.Path != "" {
		entries = append(entries, current)
	}
	return entries, nil
}

// SyncToMain stages and commits all changes in the agent's worktree, then
// checks out main in the primary working copy and merges the agent branch
// with --no-ff. It refuses when the main working copy is dirty. Exposed for
// explicit use only; never invoked automatically.
func (m *Manager) SyncToMain(ctx context.Context, agentID string) error {
	m.mu.RLock()
	wt, ok := m.worktrees[agentID]
	m.mu.RUnlock()
	if !ok {
		return ErrWorktreeNotFound
	}

	repoRoot := filepath.Dir(filepath.Dir(wt.Path))

	repoLock := m.getRepoLock(repoRoot)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repoRoot)
	}()

	// Nothing to do when the worktree is clean.
	status, err := m.git(ctx, wt.Path, readTimeout, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, status)
	}
	if strings.TrimSpace(status) == "" {
		m.logger.Debug("no changes to sync", zap.String("agent_id", agentID))
		return nil
	}

	// Checking out main mid-session is only safe when the main working
	// copy carries no uncommitted changes. Untracked files, such as the
	// worktree base directory itself, do not count.
	mainStatus, err := m.git(ctx, repoRoot, readTimeout, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, mainStatus)
	}
	if strings.TrimSpace(mainStatus) != "" {
		return ErrMainDirty
	}

	if output, err := m.git(ctx, wt.Path, readTimeout, "add", "-A"); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, output)
	}
	commitMsg := fmt.Sprintf("Agent %s changes", agentID)
	if output, err := m.git(ctx, wt.Path, readTimeout, "commit", "-m", commitMsg); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, output)
	}

	if output, err := m.git(ctx, repoRoot, readTimeout, "checkout", "main"); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, output)
	}

	mergeMsg := fmt.Sprintf("Merge agent %s changes", agentID)
	if output, err := m.git(ctx, repoRoot, mutateTimeout,
		"merge", "--no-ff", wt.Branch, "-m", mergeMsg); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, output)
	}

	m.logger.Info("synced worktree changes to main",
		zap.String("agent_id", agentID),
		zap.String("branch", wt.Branch))
	return nil
}

// Tracked returns a snapshot of all tracked worktrees.
func (m *Manager) Tracked() []*Worktree {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Worktree, 0, len(m.worktrees))
	for _, wt := range m.worktrees {
		copied := *wt
		out = append(out, &copied)
	}
	return out
}

// git runs a git command in dir with the given timeout, returning combined
// output. The parent context still applies when it expires sooner.
func (m *Manager) git(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}
