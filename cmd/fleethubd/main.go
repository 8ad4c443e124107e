// Package main is the unified entry point for Fleethub. The single binary
// runs the fleet scheduler, worktree manager, event pipeline, and query API
// together with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/api"
	"github.com/fleethub/fleethub/internal/common/config"
	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/db"
	"github.com/fleethub/fleethub/internal/events"
	"github.com/fleethub/fleethub/internal/events/bus"
	"github.com/fleethub/fleethub/internal/events/store"
	"github.com/fleethub/fleethub/internal/fleet"
	gateway "github.com/fleethub/fleethub/internal/gateway/websocket"
	"github.com/fleethub/fleethub/internal/orchestrator"
	"github.com/fleethub/fleethub/internal/routing"
	"github.com/fleethub/fleethub/internal/session"
	"github.com/fleethub/fleethub/internal/telemetry"
	"github.com/fleethub/fleethub/internal/worktree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting fleethub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	emitter := events.NewEmitter(eventBus, log)

	// Database: shared by the event store and the fleet registry.
	writer, reader, err := openDatabase(cfg)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = writer.Close() }()
	if reader != writer {
		defer func() { _ = reader.Close() }()
	}

	eventStore, err := store.New(writer, reader, db.DialectFor(cfg.Database.Driver), log)
	if err != nil {
		log.Fatal("failed to initialize event store", zap.Error(err))
	}
	if err := eventStore.AttachBus(eventBus); err != nil {
		log.Fatal("failed to attach event store to bus", zap.Error(err))
	}
	defer eventStore.Detach()

	// Metrics: fleet counters plus a per-kind event counter.
	metrics := telemetry.NewMetrics()
	if _, err := events.SubscribeAll(eventBus, func(ctx context.Context, event *bus.Event) error {
		metrics.EventEmitted(string(event.Kind))
		return nil
	}); err != nil {
		log.Fatal("failed to attach metrics to bus", zap.Error(err))
	}

	registry, err := fleet.NewRegistry(writer, log)
	if err != nil {
		log.Fatal("failed to initialize fleet registry", zap.Error(err))
	}

	scheduler, err := fleet.NewScheduler(
		fleet.Config{MaxConcurrent: cfg.Fleet.MaxConcurrent},
		registry, emitter, metrics, log)
	if err != nil {
		log.Fatal("failed to initialize fleet scheduler", zap.Error(err))
	}
	defer scheduler.Close(context.Background())

	worktrees := worktree.NewManager(
		worktree.Config{CleanupAfter: cfg.Worktree.CleanupAfter()},
		emitter, log)

	sessions, err := session.NewStore(cfg.Session.Root, log)
	if err != nil {
		log.Fatal("failed to initialize session store", zap.Error(err))
	}

	workspacePath, err := os.Getwd()
	if err != nil {
		workspacePath = "."
	}

	drivers := map[string]fleet.Driver{
		// The echo driver answers with the task itself. Real model-backed
		// drivers are registered here by deployments that carry them.
		"echo": fleet.DriverFunc(func(ctx context.Context, task string, dcfg fleet.DriverConfig) (*fleet.Result, error) {
			return &fleet.Result{Response: task}, nil
		}),
	}

	orch, err := orchestrator.New(
		orchestrator.Config{
			Workspace:          workspaceName(workspacePath),
			WorkspacePath:      workspacePath,
			PrimaryDriver:      "echo",
			SingleWaitTimeout:  cfg.Fleet.SingleWaitDuration(),
			MultiWaitTimeout:   cfg.Fleet.MultiWaitDuration(),
			DefaultMultiAgents: cfg.Fleet.DefaultAgentsMulti,
			MaxConcurrent:      cfg.Fleet.MaxConcurrent,
		},
		drivers,
		scheduler,
		registry,
		worktrees,
		sessions,
		routing.NewKeywordProvider("echo"),
		emitter,
		log,
	)
	if err != nil {
		log.Fatal("failed to initialize orchestrator", zap.Error(err))
	}

	// WebSocket hub streaming every bus event to connected dashboards.
	hub := gateway.NewHub(log)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("failed to attach websocket hub to bus", zap.Error(err))
	}
	go hub.Run(ctx)

	router := api.NewRouter(api.RouterDeps{
		Handler:        api.NewHandler(eventStore, log),
		TaskHandler:    api.NewTaskHandler(orch, log),
		WSHandler:      gateway.NewHandler(hub, log),
		MetricsHandler: metrics.Handler(),
		Logger:         log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("query API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Periodic worktree garbage collection for the workspace repository.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				worktrees.CleanupOld(ctx, workspacePath, time.Now())
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	if err := telemetry.ShutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
}

// openDatabase opens the configured database. SQLite gets a writer/reader
// split; postgres shares one pool for both roles.
func openDatabase(cfg *config.Config) (writer, reader *sqlx.DB, err error) {
	switch cfg.Database.Driver {
	case "postgres":
		writer, err = db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return writer, writer, nil
	default:
		writer, err = db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		reader, err = db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, err
		}
		return writer, reader, nil
	}
}

func workspaceName(path string) string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	name := parts[len(parts)-1]
	if name == "" {
		return "default"
	}
	return name
}
