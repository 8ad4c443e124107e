package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/events"
)

// Common errors
var (
	ErrUnknownAgent    = errors.New("unknown agent id")
	ErrWaitTimeout     = errors.New("timed out waiting for agent")
	ErrAgentFailed     = errors.New("agent failed")
	ErrAgentShutdown   = errors.New("agent was shut down")
	ErrSchedulerClosed = errors.New("scheduler is closed")
	ErrNilDriver       = errors.New("driver must not be nil")
)

// Config holds scheduler configuration.
type Config struct {
	// MaxConcurrent is the hard ceiling on simultaneously admitted workers.
	MaxConcurrent int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 10}
}

// SubmitRequest describes one unit of work for the fleet.
type SubmitRequest struct {
	Driver       Driver
	DriverKind   string
	Task         string
	Project      string
	Config       DriverConfig
	WorktreePath string // empty when no isolation is needed
}

// Submission is the immediate outcome of Submit. IDs are assigned at
// submission time even when the work is queued, so queued submissions stay
// traceable.
type Submission struct {
	ID     string `json:"agent_id"`
	Queued bool   `json:"queued"`
}

// MetricsRecorder receives scheduler gauge and counter updates. Optional.
type MetricsRecorder interface {
	AgentSpawned()
	AgentCompleted()
	AgentFailed()
	SetRunning(n int)
	SetQueued(n int)
}

// entry pairs an instance with its submission and completion signal.
type entry struct {
	inst     *Instance
	req      SubmitRequest
	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
}

func (e *entry) signalDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Scheduler is the bounded-concurrency fleet scheduler. Overflow
// submissions queue FIFO and are admitted as workers finish.
type Scheduler struct {
	config   Config
	registry *Registry
	emitter  *events.Emitter
	metrics  MetricsRecorder
	logger   *logger.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	queue    []*entry
	admitted int
	closed   bool
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. The registry is required; metrics may
// be nil.
func NewScheduler(cfg Config, registry *Registry, emitter *events.Emitter, metrics MetricsRecorder, log *logger.Logger) (*Scheduler, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max_concurrent must be positive, got %d", cfg.MaxConcurrent)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		config:   cfg,
		registry: registry,
		emitter:  emitter,
		metrics:  metrics,
		logger:   log.WithFields(zap.String("component", "fleet-scheduler")),
		entries:  make(map[string]*entry),
	}, nil
}

// newAgentID builds a unique id of the form <driver>-<8 hex chars>.
func newAgentID(driverKind string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return driverKind + "-" + hex[:8]
}

// Submit registers the work, persists a spawning instance, emits
// agent_spawned, and either launches a worker or queues the submission when
// the concurrency budget is exhausted. Persistence failures are fatal and
// surfaced to the caller.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if req.Driver == nil {
		return nil, ErrNilDriver
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.mu.Unlock()

	inst := &Instance{
		ID:           newAgentID(req.DriverKind),
		Driver:       req.DriverKind,
		Project:      req.Project,
		Task:         req.Task,
		State:        StateSpawning,
		WorktreePath: req.WorktreePath,
		SpawnedAt:    time.Now(),
	}

	// Write-before-emit: the registry row must be durable before any
	// subscriber can observe the spawn.
	if err := s.registry.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to persist agent instance: %w", err)
	}

	e := &entry{
		inst: inst,
		req:  req,
		done: make(chan struct{}),
	}

	var metadata map[string]any
	if req.WorktreePath != "" {
		metadata = map[string]any{"worktree_path": req.WorktreePath}
	}
	if s.emitter != nil {
		s.emitter.AgentSpawned(ctx, inst.ID, req.DriverKind, req.Task, req.Config.WorkspacePath, req.Project, metadata)
	}
	if s.metrics != nil {
		s.metrics.AgentSpawned()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.entries[inst.ID] = e

	if s.admitted >= s.config.MaxConcurrent {
		s.queue = append(s.queue, e)
		queued := len(s.queue)
		s.mu.Unlock()

		s.logger.Info("max concurrency reached, queued submission",
			zap.String("agent_id", inst.ID),
			zap.Int("queue_size", queued))
		s.updateGauges()
		return &Submission{ID: inst.ID, Queued: true}, nil
	}

	s.admitted++
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runWorker(e)

	s.logger.Info("spawned agent",
		zap.String("agent_id", inst.ID),
		zap.String("driver", req.DriverKind),
		zap.String("project", req.Project))
	s.updateGauges()

	return &Submission{ID: inst.ID}, nil
}

// runWorker drives one admitted submission through its lifecycle.
func (s *Scheduler) runWorker(e *entry) {
	defer s.wg.Done()
	defer s.finalize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if e.inst.State != StateSpawning {
		// Shut down before admission; nothing to run.
		s.mu.Unlock()
		return
	}
	e.cancel = cancel
	e.inst.State = StateRunning
	inst := e.inst.snapshot()
	s.mu.Unlock()

	if err := s.registry.Save(ctx, inst); err != nil {
		s.logger.Error("failed to persist running state",
			zap.String("agent_id", inst.ID),
			zap.Error(err))
	}
	if s.emitter != nil {
		s.emitter.AgentStarted(ctx, inst.ID, inst.Driver, inst.Task, e.req.Config.WorkspacePath, inst.Project)
	}
	s.updateGauges()

	cfg := e.req.Config
	if e.req.WorktreePath != "" {
		cfg.WorkspacePath = e.req.WorktreePath
	}

	// Surface driver tool-use events through the bus as they occur.
	userCallback := cfg.OnToolUse
	cfg.OnToolUse = func(tu ToolUse) {
		if s.emitter != nil {
			s.emitter.ToolUsed(ctx, inst.ID, inst.Project, tu.Name, tu.Input, tu.Success, tu.ErrorMessage)
		}
		if userCallback != nil {
			userCallback(tu)
		}
	}

	start := time.Now()
	result, execErr := s.execute(ctx, e.req.Driver, e.req.Task, cfg)
	elapsed := time.Since(start)

	now := time.Now()
	s.mu.Lock()
	if e.inst.State == StateShutdown {
		// Detached: the result is no longer observable as completed.
		s.mu.Unlock()
		s.logger.Info("driver returned after shutdown, discarding outcome",
			zap.String("agent_id", inst.ID))
		e.signalDone()
		return
	}
	if execErr != nil {
		e.inst.State = StateFailed
		e.inst.Error = execErr.Error()
	} else {
		if result.Duration == 0 {
			result.Duration = elapsed.Seconds()
		}
		e.inst.State = StateCompleted
		e.inst.Result = result
	}
	e.inst.CompletedAt = &now
	terminal := e.inst.snapshot()
	s.mu.Unlock()

	// Write-before-emit on the terminal transition as well.
	if err := s.registry.Save(context.Background(), terminal); err != nil {
		s.logger.Error("failed to persist terminal state",
			zap.String("agent_id", terminal.ID),
			zap.Error(err))
	}

	if execErr != nil {
		s.logger.Warn("agent failed",
			zap.String("agent_id", terminal.ID),
			zap.Error(execErr))
		if s.emitter != nil {
			s.emitter.AgentFailed(context.Background(), terminal.ID, terminal.Driver, terminal.Task,
				cfg.WorkspacePath, terminal.Project, execErr.Error())
		}
		if s.metrics != nil {
			s.metrics.AgentFailed()
		}
	} else {
		s.logger.Info("agent completed",
			zap.String("agent_id", terminal.ID),
			zap.Int("tokens_used", result.TokensUsed),
			zap.Float64("cost", result.Cost))
		if s.emitter != nil {
			s.emitter.AgentCompleted(context.Background(), terminal.ID, terminal.Driver, terminal.Task,
				cfg.WorkspacePath, terminal.Project,
				result.TokensUsed, result.Cost, terminal.DurationSeconds(), result.Response)
		}
		if s.metrics != nil {
			s.metrics.AgentCompleted()
		}
	}

	e.signalDone()
}

// execute invokes the driver, converting panics into errors so a misbehaving
// driver cannot take down the scheduler.
func (s *Scheduler) execute(ctx context.Context, driver Driver, task string, cfg DriverConfig) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	result, err = driver.Execute(ctx, task, cfg)
	if err == nil && result == nil {
		err = errors.New("driver returned no result")
	}
	return result, err
}

// finalize releases a concurrency slot and admits the next queued
// submission, if any. The pop and the slot accounting share one critical
// section so two simultaneous completions cannot admit the same entry.
func (s *Scheduler) finalize() {
	s.mu.Lock()
	s.admitted--
	var next *entry
	if len(s.queue) > 0 && s.admitted < s.config.MaxConcurrent && !s.closed {
		next = s.queue[0]
		s.queue = s.queue[1:]
		s.admitted++
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.updateGauges()

	if next != nil {
		s.logger.Info("admitting queued submission",
			zap.String("agent_id", next.inst.ID))
		go s.runWorker(next)
	}
}

// Status returns a read-only snapshot of the instance.
func (s *Scheduler) Status(id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrUnknownAgent
	}
	return e.inst.snapshot(), nil
}

// ListActive returns snapshots of all instances still in the active set.
func (s *Scheduler) ListActive() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.inst.snapshot())
	}
	return out
}

// ListByProject returns snapshots of active instances for one project.
func (s *Scheduler) ListByProject(project string) []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, 0)
	for _, e := range s.entries {
		if e.inst.Project == project {
			out = append(out, e.inst.snapshot())
		}
	}
	return out
}

// RunningCount returns the number of instances currently in the running state.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.inst.State == StateRunning {
			count++
		}
	}
	return count
}

// QueueSize returns the number of queued submissions.
func (s *Scheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Wait blocks until the instance reaches a terminal state or the timeout
// expires. A zero timeout checks once and returns ErrWaitTimeout when the
// instance is not yet terminal; a negative timeout waits indefinitely.
// Waiting on a queued instance blocks through admission to its terminal
// state. Multiple waiters observe the same outcome. The timeout does not
// change the instance's state.
func (s *Scheduler) Wait(ctx context.Context, id string, timeout time.Duration) (*Result, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownAgent
	}

	if timeout == 0 {
		select {
		case <-e.done:
		default:
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, id)
		}
	} else if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-e.done:
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, id, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.inst.State {
	case StateCompleted:
		r := *e.inst.Result
		return &r, nil
	case StateFailed:
		return nil, fmt.Errorf("%w: %s", ErrAgentFailed, e.inst.Error)
	case StateShutdown:
		return nil, fmt.Errorf("%w: %s", ErrAgentShutdown, id)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
}

// WaitAll waits best-effort on the current snapshot of active ids and
// returns the results of every instance that completed. Failures and
// timeouts are logged, not returned.
func (s *Scheduler) WaitAll(ctx context.Context, timeout time.Duration) map[string]*Result {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	results := make(map[string]*Result)
	for _, id := range ids {
		result, err := s.Wait(ctx, id, timeout)
		if err != nil {
			s.logger.Warn("error waiting for agent",
				zap.String("agent_id", id),
				zap.Error(err))
			continue
		}
		results[id] = result
	}
	return results
}

// CleanupCompleted removes terminal instances from the active set. They
// remain in the registry and the event log. Returns the number removed.
func (s *Scheduler) CleanupCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.inst.State.Terminal() {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("cleaned up completed agents", zap.Int("removed", removed))
	}
	return removed
}

// Shutdown marks a non-terminal instance as shut down and cancels its
// worker context. It emits no further lifecycle events for the instance;
// a driver that does not honor cancellation keeps running detached, but its
// outcome is no longer observable as completed.
func (s *Scheduler) Shutdown(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownAgent
	}
	if e.inst.State.Terminal() {
		s.mu.Unlock()
		return nil
	}

	now := time.Now()
	e.inst.State = StateShutdown
	e.inst.CompletedAt = &now
	cancel := e.cancel

	// Drop from the queue when not yet admitted.
	for i, queued := range s.queue {
		if queued == e {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	inst := e.inst.snapshot()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.registry.Save(ctx, inst); err != nil {
		s.logger.Error("failed to persist shutdown state",
			zap.String("agent_id", id),
			zap.Error(err))
	}
	e.signalDone()
	s.updateGauges()

	s.logger.Info("shut down agent", zap.String("agent_id", id))
	return nil
}

// ShutdownAll shuts down every non-terminal instance.
func (s *Scheduler) ShutdownAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if !e.inst.State.Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Shutdown(ctx, id); err != nil && !errors.Is(err, ErrUnknownAgent) {
			s.logger.Warn("failed to shut down agent",
				zap.String("agent_id", id),
				zap.Error(err))
		}
	}
}

// Close shuts down all instances, refuses further submissions, and waits
// for in-flight workers to return.
func (s *Scheduler) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.ShutdownAll(ctx)
	s.wg.Wait()
	s.logger.Info("fleet scheduler closed")
}

func (s *Scheduler) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetRunning(s.RunningCount())
	s.metrics.SetQueued(s.QueueSize())
}
