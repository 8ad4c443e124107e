// Package events wires the event bus implementations and provides typed
// emit helpers for the lifecycle events Fleethub produces.
package events

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/common/config"
	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/events/bus"
)

// Provide builds the configured event bus implementation: NATS when a URL is
// configured, the in-memory bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (bus.Bus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := bus.NewMemoryBus(log)
	return memBus, func() error { return nil }, nil
}

// SubscribeAll registers a handler for every known event kind and returns
// the subscriptions. Used by fan-out consumers such as the event store and
// the websocket broadcaster.
func SubscribeAll(b bus.Bus, handler bus.Handler) ([]bus.Subscription, error) {
	subs := make([]bus.Subscription, 0, len(bus.Kinds()))
	for _, kind := range bus.Kinds() {
		sub, err := b.Subscribe(kind, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", kind, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Emitter provides convenience methods for building and emitting the
// lifecycle events with their kind-specific fields populated.
type Emitter struct {
	bus bus.Bus
	log *logger.Logger
}

// NewEmitter creates an emitter over the given bus.
func NewEmitter(b bus.Bus, log *logger.Logger) *Emitter {
	if log == nil {
		log = logger.Default()
	}
	return &Emitter{bus: b, log: log}
}

// Bus returns the underlying bus.
func (e *Emitter) Bus() bus.Bus {
	return e.bus
}

func (e *Emitter) emit(ctx context.Context, event *bus.Event) {
	if e == nil || e.bus == nil {
		return
	}
	if err := e.bus.Emit(ctx, event); err != nil {
		e.log.Warn("failed to emit event",
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

// AgentSpawned emits an agent_spawned event.
func (e *Emitter) AgentSpawned(ctx context.Context, agentID, agentName, task, workspacePath, project string, metadata map[string]any) {
	event := bus.NewEvent(bus.KindAgentSpawned, project)
	event.AgentID = agentID
	event.AgentName = agentName
	event.Task = task
	event.WorkspacePath = workspacePath
	event.Metadata = metadata
	e.emit(ctx, event)
}

// AgentStarted emits an agent_started event.
func (e *Emitter) AgentStarted(ctx context.Context, agentID, agentName, task, workspacePath, project string) {
	event := bus.NewEvent(bus.KindAgentStarted, project)
	event.AgentID = agentID
	event.AgentName = agentName
	event.Task = task
	event.WorkspacePath = workspacePath
	e.emit(ctx, event)
}

// AgentCompleted emits an agent_completed event carrying the result totals.
func (e *Emitter) AgentCompleted(ctx context.Context, agentID, agentName, task, workspacePath, project string, tokensUsed int, cost, timeTaken float64, response string) {
	event := bus.NewEvent(bus.KindAgentCompleted, project)
	event.AgentID = agentID
	event.AgentName = agentName
	event.Task = task
	event.WorkspacePath = workspacePath
	event.TokensUsed = tokensUsed
	event.Cost = cost
	event.TimeTaken = timeTaken
	event.Response = response
	e.emit(ctx, event)
}

// AgentFailed emits an agent_failed event.
func (e *Emitter) AgentFailed(ctx context.Context, agentID, agentName, task, workspacePath, project, errorMessage string) {
	event := bus.NewEvent(bus.KindAgentFailed, project)
	event.AgentID = agentID
	event.AgentName = agentName
	event.Task = task
	event.WorkspacePath = workspacePath
	event.ErrorMessage = errorMessage
	e.emit(ctx, event)
}

// ToolUsed emits a tool_used event.
func (e *Emitter) ToolUsed(ctx context.Context, agentID, project, toolName string, toolInput map[string]any, success bool, errorMessage string) {
	event := bus.NewEvent(bus.KindToolUsed, project)
	event.AgentID = agentID
	event.ToolName = toolName
	event.ToolInput = toolInput
	event.Success = &success
	event.ErrorMessage = errorMessage
	e.emit(ctx, event)
}

// WorktreeCreated emits a worktree_created event.
func (e *Emitter) WorktreeCreated(ctx context.Context, agentID, worktreePath, repoPath, branch, project string) {
	event := bus.NewEvent(bus.KindWorktreeCreated, project)
	event.AgentID = agentID
	event.WorktreePath = worktreePath
	event.RepoPath = repoPath
	event.Branch = branch
	e.emit(ctx, event)
}

// WorktreeRemoved emits a worktree_removed event.
func (e *Emitter) WorktreeRemoved(ctx context.Context, agentID, worktreePath, repoPath, branch, project string) {
	event := bus.NewEvent(bus.KindWorktreeRemoved, project)
	event.AgentID = agentID
	event.WorktreePath = worktreePath
	event.RepoPath = repoPath
	event.Branch = branch
	e.emit(ctx, event)
}

// SessionUpdated emits a session_updated event.
func (e *Emitter) SessionUpdated(ctx context.Context, sessionName, project string, totalTokens int, totalCost float64, conversationTurns int) {
	event := bus.NewEvent(bus.KindSessionUpdated, project)
	event.SessionName = sessionName
	event.TotalTokens = totalTokens
	event.TotalCost = totalCost
	event.ConversationTurns = conversationTurns
	e.emit(ctx, event)
}
