package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/common/logger"
)

// ErrSessionNotFound indicates no session exists for the workspace.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions as JSON documents, one directory per workspace:
// <root>/<workspace>/session.json plus a history archive written on every
// save at <root>/<workspace>/history/<YYYY-MM-DD_HH-MM>.json.
type Store struct {
	root   string
	logger *logger.Logger
}

// NewStore creates a session store rooted at the given directory.
func NewStore(root string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}
	return &Store{
		root:   root,
		logger: log.WithFields(zap.String("component", "session-store")),
	}, nil
}

// Create creates and saves a new session for a workspace.
func (s *Store) Create(workspace, primaryDriver string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:            fmt.Sprintf("%s_%s", workspace, now.Format("20060102_150405")),
		Workspace:     workspace,
		PrimaryDriver: primaryDriver,
		CreatedAt:     now,
		LastActive:    now,
		Conversation:  []Turn{},
		Context:       map[string]any{},
	}
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load loads the current session for a workspace.
func (s *Store) Load(workspace string) (*Session, error) {
	path := filepath.Join(s.root, workspace, "session.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session file: %w", err)
	}
	return &sess, nil
}

// LoadOrCreate loads the workspace session or creates a fresh one.
func (s *Store) LoadOrCreate(workspace, primaryDriver string) (*Session, error) {
	sess, err := s.Load(workspace)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return s.Create(workspace, primaryDriver)
}

// Save writes the session and archives a copy into its history directory.
func (s *Store) Save(sess *Session) error {
	dir := filepath.Join(s.root, sess.Workspace)
	historyDir := filepath.Join(dir, "history")
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	sess.LastActive = time.Now()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "session.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	historyFile := filepath.Join(historyDir, sess.LastActive.Format("2006-01-02_15-04")+".json")
	if err := os.WriteFile(historyFile, data, 0o644); err != nil {
		s.logger.Warn("failed to archive session history",
			zap.String("workspace", sess.Workspace),
			zap.Error(err))
	}

	return nil
}

// AddTurn appends a conversation turn, increments session totals, and saves.
func (s *Store) AddTurn(sess *Session, turn Turn) error {
	sess.Conversation = append(sess.Conversation, turn)
	sess.TotalTokens += turn.Tokens
	sess.TotalCost += turn.Cost
	return s.Save(sess)
}

// SwitchPrimary updates the session's primary driver and saves.
func (s *Store) SwitchPrimary(sess *Session, newDriver string) error {
	sess.PrimaryDriver = newDriver
	return s.Save(sess)
}

// ListWorkspaces lists all workspaces with persisted sessions.
func (s *Store) ListWorkspaces() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read session root: %w", err)
	}
	var workspaces []string
	for _, entry := range entries {
		if entry.IsDir() {
			workspaces = append(workspaces, entry.Name())
		}
	}
	return workspaces, nil
}
