// Package bus provides event bus abstractions for Fleethub.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the lifecycle occurrence an event records.
type Kind string

// Event kinds for the agent lifecycle, tool usage, worktrees, and sessions.
const (
	KindAgentSpawned    Kind = "agent_spawned"
	KindAgentStarted    Kind = "agent_started"
	KindAgentCompleted  Kind = "agent_completed"
	KindAgentFailed     Kind = "agent_failed"
	KindToolUsed        Kind = "tool_used"
	KindWorktreeCreated Kind = "worktree_created"
	KindWorktreeRemoved Kind = "worktree_removed"
	KindSessionUpdated  Kind = "session_updated"
)

// Kinds returns every known event kind.
func Kinds() []Kind {
	return []Kind{
		KindAgentSpawned,
		KindAgentStarted,
		KindAgentCompleted,
		KindAgentFailed,
		KindToolUsed,
		KindWorktreeCreated,
		KindWorktreeRemoved,
		KindSessionUpdated,
	}
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Event is an immutable record of a lifecycle occurrence. It carries the
// union of all kind-specific fields; unused fields stay at their zero value
// and are omitted from the serialized form.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Project   string    `json:"project"`

	// Agent fields
	AgentID       string `json:"agent_id,omitempty"`
	AgentName     string `json:"agent_name,omitempty"`
	Task          string `json:"task,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`

	// Result fields
	TokensUsed   int     `json:"tokens_used,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
	TimeTaken    float64 `json:"time_taken,omitempty"`
	Response     string  `json:"response,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`

	// Tool fields
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Success   *bool          `json:"success,omitempty"`

	// Worktree fields
	WorktreePath string `json:"worktree_path,omitempty"`
	RepoPath     string `json:"repo_path,omitempty"`
	Branch       string `json:"branch,omitempty"`

	// Session fields
	SessionName       string  `json:"session_name,omitempty"`
	TotalTokens       int     `json:"total_tokens,omitempty"`
	TotalCost         float64 `json:"total_cost,omitempty"`
	ConversationTurns int     `json:"conversation_turns,omitempty"`

	// Open mapping for forward-compatible kind-specific data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(kind Kind, project string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Project:   project,
	}
}

// Handler is a function that handles an event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the interface for typed event publish/subscribe.
//
// In both implementations a handler failure neither propagates to the
// publisher nor prevents delivery to other handlers. MemoryBus's Emit returns
// only after every handler registered for the event's kind has returned;
// NATSBus's Emit publishes and returns without waiting for remote handlers.
type Bus interface {
	// Subscribe registers a handler for one event kind. Duplicate
	// registrations are allowed and will each be invoked.
	Subscribe(kind Kind, handler Handler) (Subscription, error)

	// Emit delivers an event to every handler registered for its kind.
	Emit(ctx context.Context, event *Event) error

	// Close shuts the bus down; subsequent Emit calls fail.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
