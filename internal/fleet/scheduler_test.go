package fleet

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/db"
	"github.com/fleethub/fleethub/internal/events"
	"github.com/fleethub/fleethub/internal/events/bus"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	registry, err := NewRegistry(database, logger.Default())
	require.NoError(t, err)
	return registry
}

// eventRecorder captures every event emitted on the bus, in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) handler(ctx context.Context, e *bus.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) kindsFor(agentID string) []bus.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []bus.Kind
	for _, e := range r.events {
		if e.AgentID == agentID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

func (r *eventRecorder) countKind(kind bus.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.events {
		if e.Kind == kind {
			count++
		}
	}
	return count
}

func newTestScheduler(t *testing.T, maxConcurrent int) (*Scheduler, *eventRecorder, *Registry) {
	t.Helper()
	registry := newTestRegistry(t)

	memBus := bus.NewMemoryBus(logger.Default())
	t.Cleanup(memBus.Close)

	recorder := &eventRecorder{}
	_, err := events.SubscribeAll(memBus, recorder.handler)
	require.NoError(t, err)

	scheduler, err := NewScheduler(
		Config{MaxConcurrent: maxConcurrent},
		registry,
		events.NewEmitter(memBus, logger.Default()),
		nil,
		logger.Default(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { scheduler.Close(context.Background()) })

	return scheduler, recorder, registry
}

// blockingDriver holds every execution until released.
type blockingDriver struct {
	release chan struct{}
	mu      sync.Mutex
	started []string
}

func newBlockingDriver() *blockingDriver {
	return &blockingDriver{release: make(chan struct{})}
}

func (d *blockingDriver) Execute(ctx context.Context, task string, cfg DriverConfig) (*Result, error) {
	d.mu.Lock()
	d.started = append(d.started, task)
	d.mu.Unlock()

	select {
	case <-d.release:
		return &Result{Response: "done: " + task, TokensUsed: 10, Cost: 0.01}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *blockingDriver) startedTasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.started...)
}

func echoDriver() Driver {
	return DriverFunc(func(ctx context.Context, task string, cfg DriverConfig) (*Result, error) {
		return &Result{Response: task, TokensUsed: 5, Cost: 0.005}, nil
	})
}

func submit(t *testing.T, s *Scheduler, driver Driver, task string) *Submission {
	t.Helper()
	sub, err := s.Submit(context.Background(), SubmitRequest{
		Driver:     driver,
		DriverKind: "test",
		Task:       task,
		Project:    "proj",
	})
	require.NoError(t, err)
	return sub
}

func TestSubmitRunsAndCompletes(t *testing.T) {
	s, recorder, _ := newTestScheduler(t, 2)

	sub := submit(t, s, echoDriver(), "hello")
	require.False(t, sub.Queued)
	require.NotEmpty(t, sub.ID)

	result, err := s.Wait(context.Background(), sub.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Response)
	assert.Equal(t, 5, result.TokensUsed)

	status, err := s.Status(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	require.NotNil(t, status.CompletedAt)
	require.NotNil(t, status.Result)
	assert.Empty(t, status.Error)

	// Lifecycle trace: spawned, started, then exactly one terminal event.
	assert.Equal(t, []bus.Kind{
		bus.KindAgentSpawned,
		bus.KindAgentStarted,
		bus.KindAgentCompleted,
	}, recorder.kindsFor(sub.ID))
}

func TestConcurrencyCeiling(t *testing.T) {
	s, recorder, _ := newTestScheduler(t, 2)
	driver := newBlockingDriver()

	subs := make([]*Submission, 4)
	for i := range subs {
		subs[i] = submit(t, s, driver, fmt.Sprintf("task-%d", i))
	}

	// Two admitted, two queued; every submission has an observable id.
	require.Eventually(t, func() bool {
		return s.RunningCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, s.RunningCount(), 2)
	assert.GreaterOrEqual(t, s.QueueSize(), 2)
	for _, sub := range subs {
		assert.NotEmpty(t, sub.ID)
	}
	assert.True(t, subs[2].Queued)
	assert.True(t, subs[3].Queued)

	close(driver.release)

	results := s.WaitAll(context.Background(), 5*time.Second)
	assert.Len(t, results, 4)
	assert.Equal(t, 4, recorder.countKind(bus.KindAgentCompleted))

	// The ceiling held throughout.
	assert.LessOrEqual(t, s.RunningCount(), 2)
}

func TestQueueAdmissionIsFIFO(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	driver := newBlockingDriver()

	first := submit(t, s, driver, "first")
	require.False(t, first.Queued)

	queued := make([]*Submission, 3)
	for i := range queued {
		queued[i] = submit(t, s, driver, fmt.Sprintf("queued-%d", i))
		require.True(t, queued[i].Queued)
	}

	require.Eventually(t, func() bool {
		return len(driver.startedTasks()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	close(driver.release)

	_ = s.WaitAll(context.Background(), 5*time.Second)

	// Admissions preserved submission order.
	assert.Equal(t, []string{"first", "queued-0", "queued-1", "queued-2"}, driver.startedTasks())
}

func TestBoundaryAdmission(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)
	driver := newBlockingDriver()

	// active == max_concurrent - 1 admits.
	first := submit(t, s, driver, "a")
	assert.False(t, first.Queued)
	second := submit(t, s, driver, "b")
	assert.False(t, second.Queued)

	// active == max_concurrent queues.
	third := submit(t, s, driver, "c")
	assert.True(t, third.Queued)

	close(driver.release)
	_ = s.WaitAll(context.Background(), 5*time.Second)
}

func TestWaitTimeoutDoesNotChangeState(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	driver := newBlockingDriver()

	sub := submit(t, s, driver, "slow")

	// Zero timeout on a not-yet-terminal instance returns Timeout.
	_, err := s.Wait(context.Background(), sub.ID, 0)
	require.ErrorIs(t, err, ErrWaitTimeout)

	_, err = s.Wait(context.Background(), sub.ID, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	// The instance is unaffected and still completes.
	close(driver.release)
	result, err := s.Wait(context.Background(), sub.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done: slow", result.Response)

	// A later wait observes the same terminal outcome.
	again, err := s.Wait(context.Background(), sub.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, result.Response, again.Response)
}

func TestWaitOnQueuedSubmission(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	driver := newBlockingDriver()

	submit(t, s, driver, "first")
	queued := submit(t, s, driver, "second")
	require.True(t, queued.Queued)

	done := make(chan *Result, 1)
	go func() {
		result, err := s.Wait(context.Background(), queued.ID, 5*time.Second)
		if err == nil {
			done <- result
		}
		close(done)
	}()

	close(driver.release)

	select {
	case result, ok := <-done:
		require.True(t, ok)
		assert.Equal(t, "done: second", result.Response)
	case <-time.After(5 * time.Second):
		t.Fatal("wait on queued submission never returned")
	}
}

func TestDriverFailure(t *testing.T) {
	s, recorder, registry := newTestScheduler(t, 3)

	var calls int
	var mu sync.Mutex
	driver := DriverFunc(func(ctx context.Context, task string, cfg DriverConfig) (*Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 3 {
			return nil, errors.New("model quota exceeded")
		}
		return &Result{Response: "ok", TokensUsed: 1}, nil
	})

	subs := make([]*Submission, 3)
	for i := range subs {
		subs[i] = submit(t, s, driver, fmt.Sprintf("task-%d", i))
	}

	results := s.WaitAll(context.Background(), 5*time.Second)
	assert.Len(t, results, 2)

	failedCount := 0
	for _, sub := range subs {
		status, err := s.Status(sub.ID)
		require.NoError(t, err)
		if status.State == StateFailed {
			failedCount++
			assert.NotEmpty(t, status.Error)
			assert.Nil(t, status.Result)
			require.NotNil(t, status.CompletedAt)
		}
	}
	assert.Equal(t, 1, failedCount)

	assert.Equal(t, 2, recorder.countKind(bus.KindAgentCompleted))
	assert.Equal(t, 1, recorder.countKind(bus.KindAgentFailed))

	stats, err := registry.ProjectStats(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
}

func TestDriverPanicBecomesFailure(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)

	driver := DriverFunc(func(ctx context.Context, task string, cfg DriverConfig) (*Result, error) {
		panic("driver bug")
	})

	sub := submit(t, s, driver, "task")
	_, err := s.Wait(context.Background(), sub.ID, 5*time.Second)
	require.ErrorIs(t, err, ErrAgentFailed)

	status, err := s.Status(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.Error, "driver panic")
}

func TestToolUseEventsSurfaced(t *testing.T) {
	s, recorder, _ := newTestScheduler(t, 1)

	driver := DriverFunc(func(ctx context.Context, task string, cfg DriverConfig) (*Result, error) {
		cfg.OnToolUse(ToolUse{Name: "bash", Input: map[string]any{"command": "ls"}, Success: true})
		cfg.OnToolUse(ToolUse{Name: "edit", Success: true})
		return &Result{Response: "ok", ToolUseCount: 2}, nil
	})

	sub := submit(t, s, driver, "task")
	_, err := s.Wait(context.Background(), sub.ID, 5*time.Second)
	require.NoError(t, err)

	// Tool events interleave between started and the terminal event.
	kinds := recorder.kindsFor(sub.ID)
	assert.Equal(t, []bus.Kind{
		bus.KindAgentSpawned,
		bus.KindAgentStarted,
		bus.KindToolUsed,
		bus.KindToolUsed,
		bus.KindAgentCompleted,
	}, kinds)
}

func TestUnknownAgentErrors(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)

	_, err := s.Wait(context.Background(), "nope", time.Second)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = s.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	err = s.Shutdown(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestShutdownDetachesInstance(t *testing.T) {
	s, recorder, _ := newTestScheduler(t, 1)
	driver := newBlockingDriver()

	sub := submit(t, s, driver, "task")
	require.Eventually(t, func() bool {
		return s.RunningCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background(), sub.ID))

	_, err := s.Wait(context.Background(), sub.ID, time.Second)
	require.ErrorIs(t, err, ErrAgentShutdown)

	status, err := s.Status(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StateShutdown, status.State)
	require.NotNil(t, status.CompletedAt)

	// No further lifecycle events for the instance.
	kinds := recorder.kindsFor(sub.ID)
	assert.Equal(t, []bus.Kind{bus.KindAgentSpawned, bus.KindAgentStarted}, kinds)
}

func TestShutdownQueuedSubmission(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	driver := newBlockingDriver()

	submit(t, s, driver, "running")
	queued := submit(t, s, driver, "queued")
	require.True(t, queued.Queued)

	require.NoError(t, s.Shutdown(context.Background(), queued.ID))
	assert.Equal(t, 0, s.QueueSize())

	_, err := s.Wait(context.Background(), queued.ID, time.Second)
	require.ErrorIs(t, err, ErrAgentShutdown)

	// The shut-down entry is never admitted.
	close(driver.release)
	_ = s.WaitAll(context.Background(), 5*time.Second)
	assert.Equal(t, []string{"running"}, driver.startedTasks())
}

func TestCleanupCompleted(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)

	sub := submit(t, s, echoDriver(), "task")
	_, err := s.Wait(context.Background(), sub.ID, 5*time.Second)
	require.NoError(t, err)

	assert.Len(t, s.ListActive(), 1)
	removed := s.CleanupCompleted()
	assert.Equal(t, 1, removed)
	assert.Empty(t, s.ListActive())

	// The instance leaves the active set but stays in the registry.
	_, err = s.Status(sub.ID)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestListByProject(t *testing.T) {
	s, _, _ := newTestScheduler(t, 4)
	driver := newBlockingDriver()

	_, err := s.Submit(context.Background(), SubmitRequest{
		Driver: driver, DriverKind: "test", Task: "a", Project: "alpha",
	})
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), SubmitRequest{
		Driver: driver, DriverKind: "test", Task: "b", Project: "beta",
	})
	require.NoError(t, err)

	alpha := s.ListByProject("alpha")
	require.Len(t, alpha, 1)
	assert.Equal(t, "a", alpha[0].Task)

	close(driver.release)
	_ = s.WaitAll(context.Background(), 5*time.Second)
}

func TestCrashingSubscriberDoesNotAffectScheduling(t *testing.T) {
	registry := newTestRegistry(t)

	memBus := bus.NewMemoryBus(logger.Default())
	t.Cleanup(memBus.Close)

	// The first subscriber panics on every spawn event.
	_, err := memBus.Subscribe(bus.KindAgentSpawned, func(ctx context.Context, e *bus.Event) error {
		panic("subscriber crashed")
	})
	require.NoError(t, err)

	recorder := &eventRecorder{}
	_, err = events.SubscribeAll(memBus, recorder.handler)
	require.NoError(t, err)

	s, err := NewScheduler(Config{MaxConcurrent: 2}, registry,
		events.NewEmitter(memBus, logger.Default()), nil, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })

	sub := submit(t, s, echoDriver(), "task")
	result, err := s.Wait(context.Background(), sub.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task", result.Response)

	// The second subscriber still observed the spawn.
	assert.Equal(t, 1, recorder.countKind(bus.KindAgentSpawned))
}

func TestSchedulerRejectsInvalidConfig(t *testing.T) {
	registry := newTestRegistry(t)
	_, err := NewScheduler(Config{MaxConcurrent: 0}, registry, nil, nil, logger.Default())
	assert.Error(t, err)

	s, err := NewScheduler(DefaultConfig(), registry, nil, nil, logger.Default())
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = s.Submit(context.Background(), SubmitRequest{DriverKind: "test", Task: "x", Project: "p"})
	assert.ErrorIs(t, err, ErrNilDriver)
}
