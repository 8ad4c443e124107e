package fleet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleethub/fleethub/internal/common/logger"
)

// registryTimeFormat keeps registry timestamps lexicographically sortable.
const registryTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Registry is the durable store of agent instance rows, rewritten on each
// state change and queryable after the instance leaves the active set.
type Registry struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// RegistryProjectStats aggregates registry rows for one project.
type RegistryProjectStats struct {
	TotalAgents int     `json:"total_agents" db:"total_agents"`
	Completed   int     `json:"completed" db:"completed"`
	Failed      int     `json:"failed" db:"failed"`
	TotalTokens int     `json:"total_tokens" db:"total_tokens"`
	TotalCost   float64 `json:"total_cost" db:"total_cost"`
	AvgDuration float64 `json:"avg_duration_seconds" db:"avg_duration"`
}

// NewRegistry creates the registry over an open database connection and
// initializes its schema.
func NewRegistry(database *sqlx.DB, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Default()
	}
	r := &Registry{db: database, logger: log}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize fleet registry schema: %w", err)
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		driver TEXT NOT NULL,
		project TEXT NOT NULL,
		task TEXT NOT NULL,
		state TEXT NOT NULL,
		worktree_path TEXT,
		spawn_time TEXT NOT NULL,
		completion_time TEXT,
		error TEXT,
		tokens_used INTEGER,
		cost DOUBLE PRECISION,
		duration_seconds DOUBLE PRECISION
	)`
	if _, err := r.db.Exec(schema); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state)`,
	}
	for _, idx := range indexes {
		if _, err := r.db.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts the instance row so the registry always reflects the latest
// state.
func (r *Registry) Save(ctx context.Context, inst *Instance) error {
	var completionTime, errMsg, worktreePath sql.NullString
	var tokensUsed sql.NullInt64
	var cost, duration sql.NullFloat64

	if inst.CompletedAt != nil {
		completionTime = sql.NullString{
			String: inst.CompletedAt.UTC().Format(registryTimeFormat),
			Valid:  true,
		}
		duration = sql.NullFloat64{Float64: inst.DurationSeconds(), Valid: true}
	}
	if inst.Error != "" {
		errMsg = sql.NullString{String: inst.Error, Valid: true}
	}
	if inst.WorktreePath != "" {
		worktreePath = sql.NullString{String: inst.WorktreePath, Valid: true}
	}
	if inst.Result != nil {
		tokensUsed = sql.NullInt64{Int64: int64(inst.Result.TokensUsed), Valid: true}
		cost = sql.NullFloat64{Float64: inst.Result.Cost, Valid: true}
	}

	query := r.db.Rebind(`
		INSERT INTO agents (
			agent_id, driver, project, task, state, worktree_path,
			spawn_time, completion_time, error, tokens_used, cost, duration_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			state = excluded.state,
			worktree_path = excluded.worktree_path,
			completion_time = excluded.completion_time,
			error = excluded.error,
			tokens_used = excluded.tokens_used,
			cost = excluded.cost,
			duration_seconds = excluded.duration_seconds`)

	_, err := r.db.ExecContext(ctx, query,
		inst.ID,
		inst.Driver,
		inst.Project,
		inst.Task,
		string(inst.State),
		worktreePath,
		inst.SpawnedAt.UTC().Format(registryTimeFormat),
		completionTime,
		errMsg,
		tokensUsed,
		cost,
		duration,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent instance: %w", err)
	}
	return nil
}

// Get returns the persisted row for an agent id.
func (r *Registry) Get(ctx context.Context, agentID string) (*Instance, error) {
	var row agentRow
	err := r.db.GetContext(ctx, &row,
		r.db.Rebind(`SELECT * FROM agents WHERE agent_id = ?`), agentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUnknownAgent
		}
		return nil, fmt.Errorf("failed to load agent instance: %w", err)
	}
	return row.toInstance()
}

// ListByProject returns all persisted rows for a project, newest first.
func (r *Registry) ListByProject(ctx context.Context, project string) ([]*Instance, error) {
	var rows []agentRow
	err := r.db.SelectContext(ctx, &rows,
		r.db.Rebind(`SELECT * FROM agents WHERE project = ? ORDER BY spawn_time DESC`), project)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents by project: %w", err)
	}
	out := make([]*Instance, 0, len(rows))
	for i := range rows {
		inst, err := rows[i].toInstance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// ProjectStats aggregates registry rows for a project.
func (r *Registry) ProjectStats(ctx context.Context, project string) (*RegistryProjectStats, error) {
	var stats RegistryProjectStats
	query := r.db.Rebind(`
		SELECT
			COUNT(*) AS total_agents,
			COUNT(CASE WHEN state = 'completed' THEN 1 END) AS completed,
			COUNT(CASE WHEN state = 'failed' THEN 1 END) AS failed,
			COALESCE(SUM(tokens_used), 0) AS total_tokens,
			COALESCE(SUM(cost), 0) AS total_cost,
			COALESCE(AVG(duration_seconds), 0) AS avg_duration
		FROM agents
		WHERE project = ?`)
	if err := r.db.GetContext(ctx, &stats, query, project); err != nil {
		return nil, fmt.Errorf("failed to aggregate project stats: %w", err)
	}
	return &stats, nil
}

// agentRow mirrors the agents table with nullable columns.
type agentRow struct {
	AgentID        string          `db:"agent_id"`
	Driver         string          `db:"driver"`
	Project        string          `db:"project"`
	Task           string          `db:"task"`
	State          string          `db:"state"`
	WorktreePath   sql.NullString  `db:"worktree_path"`
	SpawnTime      string          `db:"spawn_time"`
	CompletionTime sql.NullString  `db:"completion_time"`
	Error          sql.NullString  `db:"error"`
	TokensUsed     sql.NullInt64   `db:"tokens_used"`
	Cost           sql.NullFloat64 `db:"cost"`
	Duration       sql.NullFloat64 `db:"duration_seconds"`
}

func (row *agentRow) toInstance() (*Instance, error) {
	spawned, err := time.Parse(registryTimeFormat, row.SpawnTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse spawn time %q: %w", row.SpawnTime, err)
	}

	inst := &Instance{
		ID:           row.AgentID,
		Driver:       row.Driver,
		Project:      row.Project,
		Task:         row.Task,
		State:        State(row.State),
		WorktreePath: row.WorktreePath.String,
		SpawnedAt:    spawned,
		Error:        row.Error.String,
	}

	if row.CompletionTime.Valid {
		completed, err := time.Parse(registryTimeFormat, row.CompletionTime.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completion time %q: %w", row.CompletionTime.String, err)
		}
		inst.CompletedAt = &completed
	}

	if inst.State == StateCompleted && row.TokensUsed.Valid {
		inst.Result = &Result{
			TokensUsed: int(row.TokensUsed.Int64),
			Cost:       row.Cost.Float64,
			Duration:   row.Duration.Float64,
		}
	}

	return inst, nil
}
