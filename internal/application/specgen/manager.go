// Package specgen converts description work items into (spec, branch)
// pairs by driving an external spec-generator process per item.
package specgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rezkam/whim/internal/domain"
)

// Manager defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 5 * time.Minute
	DefaultMaxConcurrent  = 4
	maxRetryBackoff       = 60 * time.Second
)

// Repository defines the work-item transitions owned by the spec-gen
// manager.
type Repository interface {
	// FindWorkItemByID retrieves a work item by ID.
	FindWorkItemByID(ctx context.Context, id string) (*domain.WorkItem, error)

	// PromoteGeneratedItem moves a generating item to queued with its
	// generated spec and derived branch. No-op with ErrTerminalState if the
	// item left generating in the meantime (e.g. cancelled).
	PromoteGeneratedItem(ctx context.Context, id, spec, branch string) error

	// FailGeneratedItem moves a generating item to failed with the error
	// detail after attempts are exhausted.
	FailGeneratedItem(ctx context.Context, id, errMsg string) error
}

// Manager runs background generation tasks with per-item exclusivity and a
// global concurrency cap. Start is idempotent per item id.
type Manager struct {
	repo      Repository
	generator Generator

	maxAttempts    int
	attemptTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	sem chan struct{}
	wg  sync.WaitGroup
}

// Option is a functional option for configuring Manager.
type Option func(*Manager)

// WithMaxAttempts sets the per-item attempt cap.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

// WithAttemptTimeout bounds a single generation attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(m *Manager) { m.attemptTimeout = d }
}

// WithMaxConcurrent caps concurrent generator processes.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) { m.sem = make(chan struct{}, n) }
}

// NewManager creates a spec-generation manager.
func NewManager(repo Repository, generator Generator, opts ...Option) *Manager {
	m := &Manager{
		repo:           repo,
		generator:      generator,
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		inflight:       make(map[string]context.CancelFunc),
		sem:            make(chan struct{}, DefaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches generation for the item. Idempotent: if a generation for
// this id is already in flight, Start is a no-op.
func (m *Manager) Start(item *domain.WorkItem) {
	if item.Description == nil || *item.Description == "" {
		return
	}

	m.mu.Lock()
	if _, running := m.inflight[item.ID]; running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.inflight[item.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.finish(item.ID)
		m.runWithRecovery(ctx, item)
	}()
}

// Cancel aborts an in-flight generation: the child process is killed and
// the scratch directory removed. The item's terminal state is whatever the
// canceller wrote (cancelled), not failed.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	cancel, ok := m.inflight[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// IsGenerating reports whether a generation for id is in flight.
func (m *Manager) IsGenerating(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[id]
	return ok
}

// InFlightCount returns the number of in-flight generations.
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// InFlightIDs returns the ids of in-flight generations.
func (m *Manager) InFlightIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.inflight))
	for id := range m.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until all in-flight generations finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Stop aborts every in-flight generation and waits for the drain. Items
// still generating keep that status so a restart can resume them.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.inflight {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// CancellationSubscriber delivers cancelled work item IDs, typically over a
// store notification channel.
type CancellationSubscriber interface {
	SubscribeToCancellations(ctx context.Context) (<-chan string, error)
}

// ListenForCancellations feeds store-level cancellation broadcasts into
// Cancel until ctx is done, so cancels issued by other processes abort
// in-flight generations here too. A dropped subscription is re-established.
func (m *Manager) ListenForCancellations(ctx context.Context, sub CancellationSubscriber) error {
	for {
		ch, err := sub.SubscribeToCancellations(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.WarnContext(ctx, "failed to subscribe to cancellations", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		for id := range ch {
			m.Cancel(id)
		}
		if ctx.Err() != nil {
			return nil
		}
		if !sleepCtx(ctx, time.Second) {
			return nil
		}
	}
}

func (m *Manager) finish(id string) {
	m.mu.Lock()
	if cancel, ok := m.inflight[id]; ok {
		cancel()
		delete(m.inflight, id)
	}
	m.mu.Unlock()
}

func (m *Manager) runWithRecovery(ctx context.Context, item *domain.WorkItem) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("spec generation panicked",
				"work_item_id", item.ID,
				"panic_value", r,
				"stack_trace", string(debug.Stack()))
			m.failItem(item.ID, fmt.Sprintf("spec generation panicked: %v", r))
		}
	}()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return
	}

	m.run(ctx, item)
}

func (m *Manager) run(ctx context.Context, item *domain.WorkItem) {
	var lastErr error

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		result, err := m.runAttempt(ctx, item)
		if err == nil {
			if promoteErr := m.promote(item, result); promoteErr != nil {
				lastErr = promoteErr
			} else {
				return
			}
		} else if errors.Is(err, context.Canceled) {
			// Item was cancelled mid-generation; the cancel path already
			// wrote the terminal state.
			slog.Info("spec generation cancelled", "work_item_id", item.ID, "attempt", attempt)
			return
		} else {
			lastErr = err
		}

		slog.Warn("spec generation attempt failed",
			"work_item_id", item.ID,
			"attempt", attempt,
			"max_attempts", m.maxAttempts,
			"error", lastErr)

		if attempt < m.maxAttempts {
			if !sleepCtx(ctx, retryBackoff(attempt)) {
				return
			}
		}
	}

	m.failItem(item.ID, fmt.Sprintf("spec generation exhausted %d attempts: %v", m.maxAttempts, lastErr))
}

// runAttempt performs one bounded generation attempt in a fresh scratch
// directory, deleted on every exit path.
func (m *Manager) runAttempt(ctx context.Context, item *domain.WorkItem) (string, error) {
	scratch, err := os.MkdirTemp("", "whim-specgen-")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			slog.Warn("failed to remove scratch dir", "dir", scratch, "error", rmErr)
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
	defer cancel()

	event, err := m.generator.Generate(attemptCtx, scratch, *item.Description)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Canceled
		}
		return "", err
	}
	if event.Type == EventFailed {
		return "", fmt.Errorf("generator reported failure: %s", event.Error)
	}

	specPath := event.SpecPath
	if !filepath.IsAbs(specPath) {
		specPath = filepath.Join(scratch, specPath)
	}
	spec, err := os.ReadFile(specPath)
	if err != nil {
		return "", fmt.Errorf("failed to read generated spec: %w", err)
	}
	if len(spec) == 0 {
		return "", fmt.Errorf("generator produced an empty spec")
	}

	return string(spec), nil
}

func (m *Manager) promote(item *domain.WorkItem, spec string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	branch := domain.DeriveBranch(item.Source, item.SourceRef, titleFromDescription(*item.Description), time.Now())
	if err := m.repo.PromoteGeneratedItem(ctx, item.ID, spec, branch); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			slog.Info("skipping promotion of finished item", "work_item_id", item.ID)
			return nil
		}
		return fmt.Errorf("failed to promote generated item: %w", err)
	}

	slog.Info("spec generated",
		"work_item_id", item.ID,
		"branch", branch,
		"spec_bytes", len(spec))
	return nil
}

func (m *Manager) failItem(id, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.repo.FailGeneratedItem(ctx, id, msg); err != nil && !errors.Is(err, domain.ErrTerminalState) {
		slog.Error("failed to mark generation failure", "work_item_id", id, "error", err)
	}
}

// titleFromDescription takes the first non-empty line as the branch title.
func titleFromDescription(description string) string {
	for line := range strings.Lines(description) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return "task"
}

// retryBackoff is 2^attempt seconds, capped.
func retryBackoff(attempt int) time.Duration {
	delay := time.Second << attempt
	if delay > maxRetryBackoff {
		return maxRetryBackoff
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
