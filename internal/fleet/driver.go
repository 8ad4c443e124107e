package fleet

import "context"

// ToolUse describes one tool invocation made by a driver mid-run. Drivers
// report these through the OnToolUse callback as they occur.
type ToolUse struct {
	Name         string
	Input        map[string]any
	Success      bool
	ErrorMessage string
}

// DriverConfig carries everything a driver needs for one execution.
type DriverConfig struct {
	// WorkspacePath is the working directory the driver operates in; an
	// isolated worktree when the scheduler assigned one.
	WorkspacePath string

	// OnToolUse, when set, is invoked for each tool use as it occurs.
	OnToolUse func(ToolUse)

	// Options holds driver-specific settings the core does not interpret.
	Options map[string]string
}

// Result is the structured outcome of a successful driver execution.
type Result struct {
	Response     string  `json:"response"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	TokensUsed   int     `json:"tokens_used"`
	Cost         float64 `json:"cost"`
	Duration     float64 `json:"duration"` // seconds
	ToolUseCount int     `json:"tool_use_count"`
}

// Driver is the external agent collaborator: an opaque callable that
// executes a natural-language task in a working directory. Implementations
// may run arbitrarily long and must honor ctx cancellation to be stoppable.
//
// Errors returned from Execute are captured into the instance's Failed
// state by the scheduler; they are never retried and never panic through
// the scheduler boundary.
type Driver interface {
	Execute(ctx context.Context, task string, cfg DriverConfig) (*Result, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, task string, cfg DriverConfig) (*Result, error)

// Execute implements Driver.
func (f DriverFunc) Execute(ctx context.Context, task string, cfg DriverConfig) (*Result, error) {
	return f(ctx, task, cfg)
}

// ContextPorter is implemented by drivers whose conversational context can
// be exported and imported when the orchestrator switches primaries.
type ContextPorter interface {
	ExportContext() map[string]any
	ImportContext(data map[string]any)
}
