// The orchestrator is the control plane for autonomous coding workers:
// it owns the work item queue, the worker registry, the file lock table
// and the dispatch loop, and exposes the JSON API the worker harnesses
// call back into.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rezkam/whim/internal/application/dispatch"
	"github.com/rezkam/whim/internal/application/locks"
	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/application/specgen"
	"github.com/rezkam/whim/internal/config"
	"github.com/rezkam/whim/internal/domain"
	httpapi "github.com/rezkam/whim/internal/infrastructure/http"
	"github.com/rezkam/whim/internal/infrastructure/http/handler"
	"github.com/rezkam/whim/internal/infrastructure/persistence/memory"
	"github.com/rezkam/whim/internal/infrastructure/persistence/postgres"
	"github.com/rezkam/whim/pkg/observability"
)

const serviceName = "whim-orchestrator"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

// storage is the union of repository interfaces the orchestrator wires.
// Both store backends satisfy it.
type storage interface {
	queue.Repository
	registry.Repository
	registry.TelemetryRepository
	locks.Repository
	specgen.Repository
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations; cancels on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, logger, err := observability.InitLogger(ctx, serviceName, cfg.OTel.Enabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, serviceName, cfg.OTel.Enabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, serviceName, cfg.OTel.Enabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting whim orchestrator", "storage", cfg.Storage.Type)

	store, cleanup, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer cleanup()

	queueSvc := queue.NewService(store)
	reg := registry.New(store, store, registry.DefaultPolicy())
	lockSvc := locks.NewService(store)

	generator := specgen.NewCommandRunner(strings.Fields(cfg.SpecGen.Command))
	manager := specgen.NewManager(store, generator,
		specgen.WithMaxAttempts(cfg.SpecGen.MaxAttempts),
		specgen.WithAttemptTimeout(cfg.SpecGen.AttemptTimeout),
		specgen.WithMaxConcurrent(cfg.SpecGen.MaxConcurrent),
	)

	spawner := dispatch.NewProcessSpawner(dispatch.SpawnConfig{
		ExecutionCommand:    strings.Fields(cfg.Spawn.ExecutionCommand),
		VerificationCommand: strings.Fields(cfg.Spawn.VerificationCommand),
		OrchestratorURL:     cfg.Spawn.OrchestratorURL,
		GitHubToken:         cfg.Spawn.GitHubToken,
		WorkDirRoot:         cfg.Spawn.WorkDirRoot,
	})

	dispatcherOpts := []dispatch.DispatcherOption{
		dispatch.WithPollInterval(cfg.Dispatcher.PollInterval),
		dispatch.WithCapacity(cfg.Dispatcher.Capacity),
		dispatch.WithDailyBudget(cfg.Dispatcher.DailyBudget),
	}
	if cfg.Dispatcher.TypeFilter != "" {
		dispatcherOpts = append(dispatcherOpts, dispatch.WithTypeFilter(domain.WorkItemType(cfg.Dispatcher.TypeFilter)))
	}
	dispatcher := dispatch.New(queueSvc, reg, spawner, dispatcherOpts...)

	sweeper := registry.NewSweeper(reg,
		registry.WithSweepInterval(cfg.Sweeper.SweepInterval),
		registry.WithStaleWindow(cfg.Sweeper.StaleWindow),
		registry.WithRegistrationGrace(cfg.Sweeper.RegistrationGrace),
	)

	apiHandler := handler.New(queueSvc, reg, lockSvc, manager, store, dispatcher)
	server := httpapi.NewAPIServer(apiHandler.Routes(), httpapi.ServerConfig{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return dispatcher.Start(gctx)
	})
	g.Go(func() error {
		return sweeper.Start(gctx)
	})
	// Cancels issued by other orchestrator processes arrive over the store
	// broadcast; the memory store has no such channel.
	if sub, ok := store.(specgen.CancellationSubscriber); ok {
		g.Go(func() error {
			return manager.ListenForCancellations(gctx, sub)
		})
	}

	err = g.Wait()

	// In-flight spec generations hold child processes; abort them and wait
	// for scratch cleanup before exit.
	manager.Stop()

	slog.Info("orchestrator shutdown complete")
	return err
}

// newStore builds the configured storage backend. The returned cleanup
// releases backend resources on shutdown.
func newStore(ctx context.Context, cfg *config.Config) (storage, func(), error) {
	switch cfg.Storage.Type {
	case config.StoragePostgres:
		store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
			DSN:             cfg.Storage.PostgresURL,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Storage.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.InfoContext(ctx, "postgres storage initialized", "url", maskPassword(cfg.Storage.PostgresURL))
		cleanup := func() {
			if err := store.Close(); err != nil {
				slog.Error("failed to close store", "error", err)
			}
		}
		return store, cleanup, nil
	case config.StorageMemory:
		slog.InfoContext(ctx, "in-memory storage initialized; state is lost on restart")
		return memory.NewStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		// If parsing fails, fall back to full redaction to be safe
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
