package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/db"
	"github.com/fleethub/fleethub/internal/events/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	s, err := New(database, nil, db.DialectSQLite, logger.Default())
	require.NoError(t, err)
	return s
}

func completedEvent(project, agentID string, ts time.Time) *bus.Event {
	e := bus.NewEvent(bus.KindAgentCompleted, project)
	e.Timestamp = ts
	e.AgentID = agentID
	e.TokensUsed = 100
	e.Cost = 0.05
	e.Response = "done"
	return e
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	success := true
	event := bus.NewEvent(bus.KindToolUsed, "proj")
	event.AgentID = "agent-1"
	event.ToolName = "bash"
	event.ToolInput = map[string]any{"command": "ls -la"}
	event.Success = &success
	event.Metadata = map[string]any{"note": "first run"}

	require.NoError(t, s.Store(ctx, event))

	result, err := s.Query(ctx, Filter{Kind: bus.KindToolUsed, Project: "proj", AgentID: "agent-1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, result, 1)

	got := result[0]
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, bus.KindToolUsed, got.Kind)
	assert.Equal(t, "proj", got.Project)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "bash", got.ToolName)
	assert.Equal(t, "ls -la", got.ToolInput["command"])
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)
	assert.Equal(t, "first run", got.Metadata["note"])
}

func TestStoreQueryOrderingAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e := bus.NewEvent(bus.KindAgentSpawned, "proj")
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		e.AgentID = string(rune('a' + i))
		require.NoError(t, s.Store(ctx, e))
	}

	// Newest first.
	result, err := s.Query(ctx, Filter{Project: "proj"}, 3, 0)
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, "e", result[0].AgentID)
	assert.Equal(t, "d", result[1].AgentID)
	assert.Equal(t, "c", result[2].AgentID)

	// Offset continues the ordering.
	rest, err := s.Query(ctx, Filter{Project: "proj"}, 3, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].AgentID)
	assert.Equal(t, "a", rest[1].AgentID)
}

func TestStoreQueryFiltersCompose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, completedEvent("alpha", "a1", time.Now().UTC())))
	require.NoError(t, s.Store(ctx, completedEvent("beta", "b1", time.Now().UTC())))

	spawned := bus.NewEvent(bus.KindAgentSpawned, "alpha")
	spawned.AgentID = "a1"
	require.NoError(t, s.Store(ctx, spawned))

	result, err := s.Query(ctx, Filter{Kind: bus.KindAgentCompleted, Project: "alpha"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "a1", result[0].AgentID)
}

func TestAgentTimelineAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	kinds := []bus.Kind{bus.KindAgentSpawned, bus.KindAgentStarted, bus.KindToolUsed, bus.KindAgentCompleted}
	for i, kind := range kinds {
		e := bus.NewEvent(kind, "proj")
		e.Timestamp = base.Add(time.Duration(i) * time.Millisecond)
		e.AgentID = "agent-1"
		require.NoError(t, s.Store(ctx, e))
	}

	// Another agent's event must not appear.
	other := bus.NewEvent(bus.KindAgentSpawned, "proj")
	other.AgentID = "agent-2"
	require.NoError(t, s.Store(ctx, other))

	timeline, err := s.AgentTimeline(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, timeline, 4)
	for i, kind := range kinds {
		assert.Equal(t, kind, timeline[i].Kind)
	}
	for i := 1; i < len(timeline); i++ {
		assert.False(t, timeline[i].Timestamp.Before(timeline[i-1].Timestamp))
	}
}

func TestProjectStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, agentID := range []string{"a1", "a2", "a3"} {
		e := bus.NewEvent(bus.KindAgentSpawned, "proj")
		e.AgentID = agentID
		require.NoError(t, s.Store(ctx, e))
	}
	require.NoError(t, s.Store(ctx, completedEvent("proj", "a1", now)))
	require.NoError(t, s.Store(ctx, completedEvent("proj", "a2", now)))

	failed := bus.NewEvent(bus.KindAgentFailed, "proj")
	failed.AgentID = "a3"
	failed.ErrorMessage = "driver exploded"
	require.NoError(t, s.Store(ctx, failed))

	for i := 0; i < 3; i++ {
		tool := bus.NewEvent(bus.KindToolUsed, "proj")
		tool.AgentID = "a1"
		tool.ToolName = "bash"
		require.NoError(t, s.Store(ctx, tool))
	}
	edit := bus.NewEvent(bus.KindToolUsed, "proj")
	edit.AgentID = "a2"
	edit.ToolName = "edit"
	require.NoError(t, s.Store(ctx, edit))

	stats, err := s.ProjectStats(ctx, "proj")
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalAgents)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 200, stats.TotalTokens)
	assert.InDelta(t, 0.10, stats.TotalCost, 1e-9)
	require.Len(t, stats.ToolUsage, 2)
	assert.Equal(t, "bash", stats.ToolUsage[0].ToolName)
	assert.Equal(t, 3, stats.ToolUsage[0].Count)
}

func TestListProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Store(ctx, bus.NewEvent(bus.KindAgentSpawned, "alpha")))
	}
	require.NoError(t, s.Store(ctx, bus.NewEvent(bus.KindAgentSpawned, "beta")))

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "alpha", projects[0].Project)
	assert.Equal(t, 3, projects[0].EventCount)
	assert.Equal(t, "beta", projects[1].Project)
}

func TestClearProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, bus.NewEvent(bus.KindAgentSpawned, "alpha")))
	require.NoError(t, s.Store(ctx, bus.NewEvent(bus.KindAgentSpawned, "alpha")))
	require.NoError(t, s.Store(ctx, bus.NewEvent(bus.KindAgentSpawned, "beta")))

	removed, err := s.ClearProject(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	remaining, err := s.Query(ctx, Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "beta", remaining[0].Project)
}

func TestAttachBusPersistsEmittedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()
	require.NoError(t, s.AttachBus(b))

	event := bus.NewEvent(bus.KindAgentSpawned, "proj")
	event.AgentID = "agent-1"
	require.NoError(t, b.Emit(ctx, event))

	// Emit is synchronous: the row is durable once Emit returns.
	result, err := s.Query(ctx, Filter{AgentID: "agent-1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, event.ID, result[0].ID)
}
