// Package dispatch matches idle worker capacity to the next claimable work
// item, enforcing the per-type claim ordering and the daily iteration
// budget.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/domain"
)

// Dispatcher defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultCapacity     = 4
	DefaultDailyBudget  = 200
)

// Dispatcher is the claim loop. While capacity exists and the daily budget
// holds, it claims the next item, registers a worker and spawns the
// harness. Capacity is reconciled from the registry each pass, so workers
// finishing through any path (RPC, sweeper, kill) free slots without
// callbacks.
type Dispatcher struct {
	queue    *queue.Service
	registry *registry.Registry
	spawner  Spawner

	pollInterval time.Duration
	capacity     int
	dailyBudget  int
	typeFilter   *domain.WorkItemType

	mu         sync.Mutex
	budgetDay  string // UTC calendar day the counter belongs to
	dispatched int
}

// DispatcherOption is a functional option for configuring Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPollInterval sets the idle polling frequency.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.pollInterval = d }
}

// WithCapacity sets the maximum number of concurrently running workers.
func WithCapacity(n int) DispatcherOption {
	return func(dp *Dispatcher) { dp.capacity = n }
}

// WithDailyBudget caps dispatches per UTC calendar day. Exhaustion
// suppresses claiming; queued items are untouched and dispatch resumes at
// the day rollover.
func WithDailyBudget(n int) DispatcherOption {
	return func(dp *Dispatcher) { dp.dailyBudget = n }
}

// WithTypeFilter restricts the dispatcher to one work item type, for
// deployments running a separate verification capacity pool.
func WithTypeFilter(t domain.WorkItemType) DispatcherOption {
	return func(dp *Dispatcher) { dp.typeFilter = &t }
}

// New creates a dispatcher.
func New(q *queue.Service, r *registry.Registry, spawner Spawner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:        q,
		registry:     r,
		spawner:      spawner,
		pollInterval: DefaultPollInterval,
		capacity:     DefaultCapacity,
		dailyBudget:  DefaultDailyBudget,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "dispatcher started",
		"capacity", d.capacity,
		"daily_budget", d.dailyBudget,
		"poll_interval", d.pollInterval)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.RunDispatchOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "dispatch pass failed", "error", err)
			}
		case <-ctx.Done():
			slog.InfoContext(ctx, "dispatcher stopped")
			return nil
		}
	}
}

// RunDispatchOnce claims and dispatches until capacity, budget or the
// queue runs out.
func (d *Dispatcher) RunDispatchOnce(ctx context.Context) error {
	active, err := d.registry.ActiveWorkerCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count active workers: %w", err)
	}

	for active < d.capacity {
		if !d.consumeBudget() {
			return nil
		}

		item, err := d.queue.ClaimNext(ctx, d.typeFilter)
		if err != nil {
			d.refundBudget()
			return fmt.Errorf("failed to claim: %w", err)
		}
		if item == nil {
			d.refundBudget()
			return nil
		}

		if err := d.dispatchOne(ctx, item); err != nil {
			// Nothing ran; the unit goes back so a spawn hiccup cannot
			// starve the day's budget.
			d.refundBudget()
			slog.ErrorContext(ctx, "dispatch failed",
				"work_item_id", item.ID,
				"error", err)
			continue
		}
		active++
	}
	return nil
}

// dispatchOne registers a worker and spawns its harness. A spawn failure
// fails the worker with transient class so the retry policy requeues the
// item.
func (d *Dispatcher) dispatchOne(ctx context.Context, item *domain.WorkItem) error {
	workerID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate worker ID: %w", err)
	}

	worker, err := d.registry.Register(ctx, item.ID, workerID.String())
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	if err := d.spawner.Spawn(ctx, item, worker.ID); err != nil {
		if failErr := d.registry.Fail(ctx, worker.ID, fmt.Sprintf("harness spawn failed: %v", err), 0, registry.FailureTransient); failErr != nil {
			slog.ErrorContext(ctx, "failed to fail worker after spawn error",
				"worker_id", worker.ID,
				"error", failErr)
		}
		return fmt.Errorf("failed to spawn harness: %w", err)
	}

	slog.InfoContext(ctx, "work item dispatched",
		"work_item_id", item.ID,
		"worker_id", worker.ID,
		"type", item.Type,
		"priority", item.Priority)

	return nil
}

// BudgetStatus reports today's dispatch consumption for the status surface.
func (d *Dispatcher) BudgetStatus() (used, budget int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.budgetDay != todayUTC() {
		return 0, d.dailyBudget
	}
	return d.dispatched, d.dailyBudget
}

// consumeBudget takes one dispatch unit from today's budget. The counter
// resets when the UTC day rolls over.
func (d *Dispatcher) consumeBudget() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if today := todayUTC(); d.budgetDay != today {
		d.budgetDay = today
		d.dispatched = 0
	}
	if d.dispatched >= d.dailyBudget {
		return false
	}
	d.dispatched++
	return true
}

// refundBudget returns a unit consumed for a claim that produced nothing.
func (d *Dispatcher) refundBudget() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatched > 0 {
		d.dispatched--
	}
}

func todayUTC() string {
	return time.Now().UTC().Format("2006-01-02")
}
