// Package store provides the durable append-only event log backing the
// query API and project analytics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/db"
	"github.com/fleethub/fleethub/internal/events"
	"github.com/fleethub/fleethub/internal/events/bus"
)

// timeFormat is a fixed-width RFC3339 variant so lexicographic ordering on
// the timestamp column matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the persistent append-only event log.
type Store struct {
	db      *sqlx.DB // writer
	ro      *sqlx.DB // reader pool
	dialect db.Dialect
	logger  *logger.Logger
	subs    []bus.Subscription
}

// Filter narrows a Query to matching events. Zero values match everything.
type Filter struct {
	Kind    bus.Kind
	Project string
	AgentID string
}

// ToolCount is one entry of the per-project tool usage ranking.
type ToolCount struct {
	ToolName string `json:"tool_name" db:"tool_name"`
	Count    int    `json:"count" db:"count"`
}

// ProjectStats aggregates a project's event history.
type ProjectStats struct {
	Project     string      `json:"project"`
	TotalAgents int         `json:"total_agents"`
	Completed   int         `json:"completed"`
	Failed      int         `json:"failed"`
	TotalCost   float64     `json:"total_cost"`
	TotalTokens int         `json:"total_tokens"`
	ToolUsage   []ToolCount `json:"tool_usage"`
}

// ProjectCount is one entry of the project listing.
type ProjectCount struct {
	Project    string `json:"project" db:"project"`
	EventCount int    `json:"event_count" db:"event_count"`
}

// New creates a Store over the given writer and reader connections and
// initializes the schema. The reader may be the writer itself for drivers
// without a reader/writer split.
func New(writer, reader *sqlx.DB, dialect db.Dialect, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if reader == nil {
		reader = writer
	}
	s := &Store{
		db:      writer,
		ro:      reader,
		dialect: dialect,
		logger:  log.WithFields(zap.String("component", "event-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS events (
		id %s,
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		project TEXT NOT NULL,

		agent_id TEXT,
		agent_name TEXT,
		task TEXT,
		workspace_path TEXT,

		tokens_used INTEGER,
		cost DOUBLE PRECISION,
		time_taken DOUBLE PRECISION,
		response TEXT,
		error_message TEXT,

		tool_name TEXT,
		tool_input TEXT,
		success INTEGER,

		worktree_path TEXT,
		repo_path TEXT,
		branch TEXT,

		session_name TEXT,
		total_tokens INTEGER,
		total_cost DOUBLE PRECISION,
		conversation_turns INTEGER,

		metadata TEXT NOT NULL DEFAULT '{}'
	)`, s.dialect.AutoIncrementPK())

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project ON events(project)`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent_id ON events(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

// AttachBus subscribes the store to every event kind on the bus so each
// emitted event is appended to the log.
func (s *Store) AttachBus(b bus.Bus) error {
	subs, err := events.SubscribeAll(b, func(ctx context.Context, event *bus.Event) error {
		return s.Store(ctx, event)
	})
	if err != nil {
		return err
	}
	s.subs = subs
	return nil
}

// Detach removes the store's bus subscriptions.
func (s *Store) Detach() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// Store appends an event to the log. The row is durable when Store returns.
func (s *Store) Store(ctx context.Context, event *bus.Event) error {
	metadata := "{}"
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = string(data)
	}

	var toolInput sql.NullString
	if len(event.ToolInput) > 0 {
		data, err := json.Marshal(event.ToolInput)
		if err != nil {
			return fmt.Errorf("failed to marshal tool input: %w", err)
		}
		toolInput = sql.NullString{String: string(data), Valid: true}
	}

	var success sql.NullInt64
	if event.Success != nil {
		success = sql.NullInt64{Valid: true}
		if *event.Success {
			success.Int64 = 1
		}
	}

	query := s.db.Rebind(`
		INSERT INTO events (
			event_id, kind, timestamp, project,
			agent_id, agent_name, task, workspace_path,
			tokens_used, cost, time_taken, response, error_message,
			tool_name, tool_input, success,
			worktree_path, repo_path, branch,
			session_name, total_tokens, total_cost, conversation_turns,
			metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Kind),
		event.Timestamp.UTC().Format(timeFormat),
		event.Project,
		nullString(event.AgentID),
		nullString(event.AgentName),
		nullString(event.Task),
		nullString(event.WorkspacePath),
		nullInt(event.TokensUsed),
		nullFloat(event.Cost),
		nullFloat(event.TimeTaken),
		nullString(event.Response),
		nullString(event.ErrorMessage),
		nullString(event.ToolName),
		toolInput,
		success,
		nullString(event.WorktreePath),
		nullString(event.RepoPath),
		nullString(event.Branch),
		nullString(event.SessionName),
		nullInt(event.TotalTokens),
		nullFloat(event.TotalCost),
		nullInt(event.ConversationTurns),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// Query returns events matching all filters, newest first.
func (s *Store) Query(ctx context.Context, f Filter, limit, offset int) ([]*bus.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT * FROM events WHERE 1=1`
	args := []any{}

	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Project != "" {
		query += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}

	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return s.queryEvents(ctx, query, args...)
}

// AgentTimeline returns all events for an agent in chronological order.
func (s *Store) AgentTimeline(ctx context.Context, agentID string) ([]*bus.Event, error) {
	return s.queryEvents(ctx,
		`SELECT * FROM events WHERE agent_id = ? ORDER BY timestamp ASC, id ASC`,
		agentID)
}

// ProjectStats aggregates the event log for one project.
func (s *Store) ProjectStats(ctx context.Context, project string) (*ProjectStats, error) {
	stats := &ProjectStats{Project: project, ToolUsage: []ToolCount{}}

	err := s.ro.GetContext(ctx, &stats.TotalAgents, s.ro.Rebind(
		`SELECT COUNT(DISTINCT agent_id) FROM events WHERE project = ? AND kind = ?`),
		project, string(bus.KindAgentSpawned))
	if err != nil {
		return nil, fmt.Errorf("failed to count spawned agents: %w", err)
	}

	err = s.ro.GetContext(ctx, &stats.Completed, s.ro.Rebind(
		`SELECT COUNT(*) FROM events WHERE project = ? AND kind = ?`),
		project, string(bus.KindAgentCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to count completed agents: %w", err)
	}

	err = s.ro.GetContext(ctx, &stats.Failed, s.ro.Rebind(
		`SELECT COUNT(*) FROM events WHERE project = ? AND kind = ?`),
		project, string(bus.KindAgentFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to count failed agents: %w", err)
	}

	var totals struct {
		Cost   float64 `db:"total_cost"`
		Tokens int     `db:"total_tokens"`
	}
	err = s.ro.GetContext(ctx, &totals, s.ro.Rebind(`
		SELECT
			COALESCE(SUM(cost), 0) AS total_cost,
			COALESCE(SUM(tokens_used), 0) AS total_tokens
		FROM events
		WHERE project = ? AND kind = ?`),
		project, string(bus.KindAgentCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to sum cost and tokens: %w", err)
	}
	stats.TotalCost = totals.Cost
	stats.TotalTokens = totals.Tokens

	err = s.ro.SelectContext(ctx, &stats.ToolUsage, s.ro.Rebind(`
		SELECT tool_name, COUNT(*) AS count
		FROM events
		WHERE project = ? AND kind = ? AND tool_name IS NOT NULL
		GROUP BY tool_name
		ORDER BY count DESC
		LIMIT 10`),
		project, string(bus.KindToolUsed))
	if err != nil {
		return nil, fmt.Errorf("failed to rank tool usage: %w", err)
	}

	return stats, nil
}

// ListProjects returns distinct projects with their event counts.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectCount, error) {
	projects := []ProjectCount{}
	err := s.ro.SelectContext(ctx, &projects, `
		SELECT project, COUNT(*) AS event_count
		FROM events
		GROUP BY project
		ORDER BY event_count DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// ClearProject removes every event for the project. Destructive.
func (s *Store) ClearProject(ctx context.Context, project string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM events WHERE project = ?`), project)
	if err != nil {
		return 0, fmt.Errorf("failed to clear project events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	s.logger.Info("cleared project events",
		zap.String("project", project),
		zap.Int64("removed", removed))
	return removed, nil
}

// Vacuum reclaims storage after large deletes. SQLite only; on other drivers
// it does nothing and returns nil.
func (s *Store) Vacuum(ctx context.Context) error {
	if s.dialect != db.DialectSQLite {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*bus.Event, error) {
	rows, err := s.ro.QueryxContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*bus.Event
	for rows.Next() {
		var row eventRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

// eventRow mirrors the events table with nullable columns.
type eventRow struct {
	ID        int64  `db:"id"`
	EventID   string `db:"event_id"`
	Kind      string `db:"kind"`
	Timestamp string `db:"timestamp"`
	Project   string `db:"project"`

	AgentID       sql.NullString `db:"agent_id"`
	AgentName     sql.NullString `db:"agent_name"`
	Task          sql.NullString `db:"task"`
	WorkspacePath sql.NullString `db:"workspace_path"`

	TokensUsed   sql.NullInt64   `db:"tokens_used"`
	Cost         sql.NullFloat64 `db:"cost"`
	TimeTaken    sql.NullFloat64 `db:"time_taken"`
	Response     sql.NullString  `db:"response"`
	ErrorMessage sql.NullString  `db:"error_message"`

	ToolName  sql.NullString `db:"tool_name"`
	ToolInput sql.NullString `db:"tool_input"`
	Success   sql.NullInt64  `db:"success"`

	WorktreePath sql.NullString `db:"worktree_path"`
	RepoPath     sql.NullString `db:"repo_path"`
	Branch       sql.NullString `db:"branch"`

	SessionName       sql.NullString  `db:"session_name"`
	TotalTokens       sql.NullInt64   `db:"total_tokens"`
	TotalCost         sql.NullFloat64 `db:"total_cost"`
	ConversationTurns sql.NullInt64   `db:"conversation_turns"`

	Metadata string `db:"metadata"`
}

func (r *eventRow) toEvent() (*bus.Event, error) {
	ts, err := time.Parse(timeFormat, r.Timestamp)
	if err != nil {
		// Fall back to plain RFC3339 for rows written by older versions.
		ts, err = time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp %q: %w", r.Timestamp, err)
		}
	}

	event := &bus.Event{
		ID:            r.EventID,
		Kind:          bus.Kind(r.Kind),
		Timestamp:     ts,
		Project:       r.Project,
		AgentID:       r.AgentID.String,
		AgentName:     r.AgentName.String,
		Task:          r.Task.String,
		WorkspacePath: r.WorkspacePath.String,
		TokensUsed:    int(r.TokensUsed.Int64),
		Cost:          r.Cost.Float64,
		TimeTaken:     r.TimeTaken.Float64,
		Response:      r.Response.String,
		ErrorMessage:  r.ErrorMessage.String,
		ToolName:      r.ToolName.String,
		WorktreePath:  r.WorktreePath.String,
		RepoPath:      r.RepoPath.String,
		Branch:        r.Branch.String,
		SessionName:   r.SessionName.String,
		TotalTokens:   int(r.TotalTokens.Int64),
		TotalCost:     r.TotalCost.Float64,
		ConversationTurns: int(r.ConversationTurns.Int64),
	}

	if r.Success.Valid {
		success := r.Success.Int64 != 0
		event.Success = &success
	}
	if r.ToolInput.Valid && r.ToolInput.String != "" {
		if err := json.Unmarshal([]byte(r.ToolInput.String), &event.ToolInput); err != nil {
			return nil, fmt.Errorf("failed to decode tool input: %w", err)
		}
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode event metadata: %w", err)
		}
	}

	return event, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i != 0}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}
