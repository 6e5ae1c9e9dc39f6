package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sweeper defaults.
const (
	DefaultSweepInterval     = 30 * time.Second
	DefaultStaleWindow       = 120 * time.Second
	DefaultRegistrationGrace = 60 * time.Second
)

// Sweeper is the periodic staleness repair loop. It marks silent workers
// stuck (requeueing their items through the retry policy and reaping their
// locks) and reverts assigned items whose worker never registered.
type Sweeper struct {
	registry *Registry

	interval          time.Duration
	staleWindow       time.Duration
	registrationGrace time.Duration
	operationTimeout  time.Duration

	wg sync.WaitGroup
}

// SweeperOption is a functional option for configuring Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweeper runs.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithStaleWindow sets how long a worker may go without heartbeating.
func WithStaleWindow(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.staleWindow = d }
}

// WithRegistrationGrace sets how long an assigned item may wait for its
// worker to register before reverting to queued.
func WithRegistrationGrace(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.registrationGrace = d }
}

// NewSweeper creates a sweeper over the given registry.
func NewSweeper(registry *Registry, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		registry:          registry,
		interval:          DefaultSweepInterval,
		staleWindow:       DefaultStaleWindow,
		registrationGrace: DefaultRegistrationGrace,
		operationTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep loop until ctx is cancelled, then waits for the
// in-flight sweep to finish.
func (s *Sweeper) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "staleness sweeper started",
		"interval", s.interval,
		"stale_window", s.staleWindow,
		"registration_grace", s.registrationGrace)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				opCtx, cancel := context.WithTimeout(context.Background(), s.operationTimeout)
				defer cancel()
				if err := s.RunSweepOnce(opCtx); err != nil {
					slog.ErrorContext(opCtx, "sweep failed", "error", err)
				}
			}()
		case <-ctx.Done():
			slog.InfoContext(ctx, "sweeper shutdown requested, draining")
			s.wg.Wait()
			return nil
		}
	}
}

// RunSweepOnce executes a single staleness pass.
func (s *Sweeper) RunSweepOnce(ctx context.Context) error {
	now := time.Now().UTC()

	stale, err := s.registry.repo.FindStaleWorkers(ctx, now.Add(-s.staleWindow))
	if err != nil {
		return fmt.Errorf("failed to find stale workers: %w", err)
	}

	for _, worker := range stale {
		silence := now.Sub(worker.LastHeartbeat)
		reason := fmt.Sprintf("no heartbeat for %s", silence.Truncate(time.Second))
		if err := s.registry.Stuck(ctx, worker.ID, reason, 1); err != nil {
			slog.ErrorContext(ctx, "failed to mark stale worker stuck",
				"worker_id", worker.ID,
				"work_item_id", worker.WorkItemID,
				"error", err)
			continue
		}
		slog.WarnContext(ctx, "stale worker marked stuck",
			"worker_id", worker.ID,
			"work_item_id", worker.WorkItemID,
			"silence", silence)
	}

	reverted, err := s.registry.repo.RequeueOrphanedAssignments(ctx, now.Add(-s.registrationGrace))
	if err != nil {
		return fmt.Errorf("failed to requeue orphaned assignments: %w", err)
	}
	if reverted > 0 {
		slog.WarnContext(ctx, "orphaned assignments requeued", "count", reverted)
	}

	return nil
}
