// Package orchestrator composes routing, worktree acquisition, fleet
// submission, result aggregation, and session updates for a user task.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/events"
	"github.com/fleethub/fleethub/internal/fleet"
	"github.com/fleethub/fleethub/internal/routing"
	"github.com/fleethub/fleethub/internal/session"
	"github.com/fleethub/fleethub/internal/worktree"
)

// Mode selects how a task is executed.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// Config holds orchestrator configuration.
type Config struct {
	// Workspace is the user-facing workspace name, used as the project
	// grouping key on instances and events.
	Workspace string
	// WorkspacePath is the filesystem path agents operate in.
	WorkspacePath string
	// PrimaryDriver is the driver kind used for routing and as default.
	PrimaryDriver string
	// SingleWaitTimeout bounds the wait in single mode (default 300s).
	SingleWaitTimeout time.Duration
	// MultiWaitTimeout bounds each agent's wait in multi mode (default 600s).
	MultiWaitTimeout time.Duration
	// DefaultMultiAgents is the agent count when auto mode upgrades to
	// multi and neither the caller nor the routing plan's recommended
	// agents give one.
	DefaultMultiAgents int
	// MaxConcurrent mirrors the scheduler's ceiling for status reporting.
	MaxConcurrent int
}

// Orchestrator coordinates the fleet, worktrees, sessions, and routing for
// user tasks.
type Orchestrator struct {
	config    Config
	drivers   map[string]fleet.Driver
	primary   string
	scheduler *fleet.Scheduler
	registry  *fleet.Registry
	worktrees *worktree.Manager
	sessions  *session.Store
	session   *session.Session
	router    routing.Provider
	emitter   *events.Emitter
	logger    *logger.Logger
}

// New creates an orchestrator and loads (or creates) the workspace session.
func New(
	cfg Config,
	drivers map[string]fleet.Driver,
	scheduler *fleet.Scheduler,
	registry *fleet.Registry,
	worktrees *worktree.Manager,
	sessions *session.Store,
	router routing.Provider,
	emitter *events.Emitter,
	log *logger.Logger,
) (*Orchestrator, error) {
	if log == nil {
		log = logger.Default()
	}
	if _, ok := drivers[cfg.PrimaryDriver]; !ok {
		return nil, fmt.Errorf("primary driver %q not configured", cfg.PrimaryDriver)
	}
	if cfg.SingleWaitTimeout <= 0 {
		cfg.SingleWaitTimeout = 300 * time.Second
	}
	if cfg.MultiWaitTimeout <= 0 {
		cfg.MultiWaitTimeout = 600 * time.Second
	}
	if cfg.DefaultMultiAgents <= 0 {
		cfg.DefaultMultiAgents = 2
	}

	sess, err := sessions.LoadOrCreate(cfg.Workspace, cfg.PrimaryDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return &Orchestrator{
		config:    cfg,
		drivers:   drivers,
		primary:   cfg.PrimaryDriver,
		scheduler: scheduler,
		registry:  registry,
		worktrees: worktrees,
		sessions:  sessions,
		session:   sess,
		router:    router,
		emitter:   emitter,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}, nil
}

// Session returns the active workspace session.
func (o *Orchestrator) Session() *session.Session {
	return o.session
}

// Primary returns the current primary driver kind.
func (o *Orchestrator) Primary() string {
	return o.primary
}

// Execute runs a user task in the requested mode and returns the rendered
// response. numAgents is used by multi mode and by auto mode when the
// routing plan asks for multiple agents.
func (o *Orchestrator) Execute(ctx context.Context, task string, mode Mode, numAgents int) (string, error) {
	switch mode {
	case ModeSingle:
		return o.executeSingle(ctx, task)
	case ModeMulti:
		if numAgents <= 0 {
			return "", fmt.Errorf("multi mode requires a positive agent count")
		}
		return o.executeMulti(ctx, task, numAgents)
	case ModeAuto:
		return o.executeAuto(ctx, task, numAgents)
	default:
		return "", fmt.Errorf("unknown execution mode: %s", mode)
	}
}

// plan asks the routing provider for a suggestion, degrading to a safe
// single-agent default on provider errors.
func (o *Orchestrator) plan(ctx context.Context, task string) *routing.Plan {
	available := o.availableDrivers()
	plan, err := o.router.Plan(ctx, task, available, o.buildContext())
	if err != nil || plan == nil {
		o.logger.Warn("routing provider failed, using default plan", zap.Error(err))
		return routing.DefaultPlan(task, o.primary)
	}
	return plan
}

func (o *Orchestrator) executeAuto(ctx context.Context, task string, numAgents int) (string, error) {
	plan := o.plan(ctx, task)
	if !plan.RequiresMultiple {
		return o.executeSingle(ctx, task)
	}

	n := numAgents
	if n <= 0 {
		n = len(plan.RecommendedAgents)
	}
	if n <= 0 {
		n = o.config.DefaultMultiAgents
	}

	o.logger.Info("routing plan suggests multiple agents",
		zap.String("intent", plan.Intent),
		zap.Float64("complexity", plan.Complexity),
		zap.Int("agents", n))

	suggestion := fmt.Sprintf("Suggestion: %s task (complexity %.2f), running %d agents\n",
		plan.Intent, plan.Complexity, n)
	result, err := o.executeMulti(ctx, task, n)
	if err != nil {
		return "", err
	}
	return suggestion + result, nil
}

func (o *Orchestrator) executeSingle(ctx context.Context, task string) (string, error) {
	plan := o.plan(ctx, task)

	kind := o.primary
	if len(plan.RecommendedAgents) > 0 {
		if _, ok := o.drivers[plan.RecommendedAgents[0]]; ok {
			kind = plan.RecommendedAgents[0]
		}
	}

	// Single execution needs no isolation: the agent works in the
	// workspace itself.
	sub, err := o.scheduler.Submit(ctx, fleet.SubmitRequest{
		Driver:     o.drivers[kind],
		DriverKind: kind,
		Task:       task,
		Project:    o.config.Workspace,
		Config:     fleet.DriverConfig{WorkspacePath: o.config.WorkspacePath},
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit task: %w", err)
	}

	defer o.scheduler.CleanupCompleted()

	result, err := o.scheduler.Wait(ctx, sub.ID, o.config.SingleWaitTimeout)
	if err != nil {
		return "", fmt.Errorf("task execution failed: %w", err)
	}

	o.recordTurn(ctx, kind, result)
	return result.Response, nil
}

func (o *Orchestrator) executeMulti(ctx context.Context, task string, numAgents int) (string, error) {
	o.logger.Info("spawning agents",
		zap.Int("count", numAgents),
		zap.String("project", o.config.Workspace))

	type spawned struct {
		submissionID string
		hint         string
		isolated     bool
	}

	agents := make([]spawned, 0, numAgents)
	for i := 0; i < numAgents; i++ {
		hint := fmt.Sprintf("agent-%d-%s", i+1, shortHex())

		// Each agent gets an isolated worktree when the workspace is a
		// repository; otherwise they share the workspace path.
		path := o.worktrees.GetOrCreate(ctx, o.config.WorkspacePath, hint, "")
		isolated := path != o.config.WorkspacePath

		req := fleet.SubmitRequest{
			Driver:     o.drivers[o.primary],
			DriverKind: o.primary,
			Task:       task,
			Project:    o.config.Workspace,
			Config:     fleet.DriverConfig{WorkspacePath: path},
		}
		if isolated {
			req.WorktreePath = path
		}

		sub, err := o.scheduler.Submit(ctx, req)
		if err != nil {
			o.logger.Error("failed to submit agent",
				zap.Int("agent", i+1),
				zap.Error(err))
			if isolated {
				o.worktrees.Unlock(hint)
			}
			continue
		}
		agents = append(agents, spawned{submissionID: sub.ID, hint: hint, isolated: isolated})
	}

	if len(agents) == 0 {
		return "", fmt.Errorf("no agents could be spawned")
	}

	panels := make([]Panel, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		g.Go(func() error {
			result, err := o.scheduler.Wait(gctx, agent.submissionID, o.config.MultiWaitTimeout)
			panels[i] = Panel{
				Index:     i + 1,
				AgentID:   agent.submissionID,
				AgentName: o.primary,
				Result:    result,
				Err:       err,
			}
			if agent.isolated {
				o.worktrees.Unlock(agent.hint)
			}
			// Partial failures are tolerated; they render as error banners.
			return nil
		})
	}
	_ = g.Wait()

	o.scheduler.CleanupCompleted()

	for _, panel := range panels {
		if panel.Err == nil && panel.Result != nil {
			o.recordTurn(ctx, panel.AgentName, panel.Result)
		}
	}

	return FormatMultiResults(panels, task), nil
}

// recordTurn appends an assistant turn for a successful result and bumps
// the session totals.
func (o *Orchestrator) recordTurn(ctx context.Context, driverKind string, result *fleet.Result) {
	turn := session.Turn{
		Role:      "assistant",
		Content:   result.Response,
		Agent:     driverKind,
		Timestamp: time.Now(),
		Tokens:    result.TokensUsed,
		Cost:      result.Cost,
	}
	if err := o.sessions.AddTurn(o.session, turn); err != nil {
		o.logger.Error("failed to record session turn", zap.Error(err))
		return
	}
	if o.emitter != nil {
		o.emitter.SessionUpdated(ctx, o.session.Workspace, o.config.Workspace,
			o.session.TotalTokens, o.session.TotalCost, len(o.session.Conversation))
	}
}

// Switch changes the primary driver mid-session, porting conversational
// context between drivers that support it.
func (o *Orchestrator) Switch(newKind string) error {
	newDriver, ok := o.drivers[newKind]
	if !ok {
		return fmt.Errorf("driver %q not found, available: %s",
			newKind, strings.Join(o.availableDrivers(), ", "))
	}
	if newKind == o.primary {
		return nil
	}

	if exporter, ok := o.drivers[o.primary].(fleet.ContextPorter); ok {
		if importer, ok := newDriver.(fleet.ContextPorter); ok {
			importer.ImportContext(exporter.ExportContext())
		}
	}

	o.primary = newKind
	if err := o.sessions.SwitchPrimary(o.session, newKind); err != nil {
		return fmt.Errorf("failed to update session primary driver: %w", err)
	}

	o.logger.Info("switched primary driver", zap.String("driver", newKind))
	return nil
}

// FleetStatus summarizes the scheduler's current load.
type FleetStatus struct {
	ActiveAgents  int `json:"active_agents"`
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// FleetStatus returns the scheduler's current load summary.
func (o *Orchestrator) FleetStatus() FleetStatus {
	return FleetStatus{
		ActiveAgents:  len(o.scheduler.ListActive()),
		Running:       o.scheduler.RunningCount(),
		Queued:        o.scheduler.QueueSize(),
		MaxConcurrent: o.config.MaxConcurrent,
	}
}

// ProjectStats aggregates the fleet registry for the current workspace.
func (o *Orchestrator) ProjectStats(ctx context.Context) (*fleet.RegistryProjectStats, error) {
	return o.registry.ProjectStats(ctx, o.config.Workspace)
}

func (o *Orchestrator) availableDrivers() []string {
	kinds := make([]string, 0, len(o.drivers))
	for kind := range o.drivers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// buildContext assembles the routing context from the last ten session turns.
func (o *Orchestrator) buildContext() map[string]any {
	turns := o.session.Conversation
	if len(turns) > 10 {
		turns = turns[len(turns)-10:]
	}
	conversation := make([]map[string]any, 0, len(turns))
	for _, turn := range turns {
		conversation = append(conversation, map[string]any{
			"role":    turn.Role,
			"content": turn.Content,
			"agent":   turn.Agent,
		})
	}
	return map[string]any{
		"conversation": conversation,
		"workspace":    o.config.Workspace,
	}
}

func shortHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
