// Package memory is the embedded store: the full repository surface backed
// by process memory under one mutex. Single-process deployments and tests
// run against it with the same semantics as the PostgreSQL store, minus
// durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/whim/internal/application/locks"
	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/application/specgen"
	"github.com/rezkam/whim/internal/domain"
)

type lockKey struct {
	repo string
	path string
}

// Store is the in-memory implementation of all repository interfaces.
// The single mutex gives every operation the atomicity the PostgreSQL
// store gets from transactions.
type Store struct {
	mu        sync.Mutex
	items     map[string]*domain.WorkItem
	workers   map[string]*domain.Worker
	locks     map[lockKey]*domain.FileLock
	learnings []*domain.Learning
	metrics   []*domain.WorkerMetric
	reviews   map[string]*domain.PRReview
}

// Compile-time verification that Store implements all repository interfaces.
var (
	_ queue.Repository             = (*Store)(nil)
	_ registry.Repository          = (*Store)(nil)
	_ registry.TelemetryRepository = (*Store)(nil)
	_ locks.Repository             = (*Store)(nil)
	_ specgen.Repository           = (*Store)(nil)
)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		items:   make(map[string]*domain.WorkItem),
		workers: make(map[string]*domain.Worker),
		locks:   make(map[lockKey]*domain.FileLock),
		reviews: make(map[string]*domain.PRReview),
	}
}

// === queue.Repository ===

// InsertWorkItem persists a newly created work item.
func (s *Store) InsertWorkItem(_ context.Context, item *domain.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertWorkItemLocked(item)
}

func (s *Store) insertWorkItemLocked(item *domain.WorkItem) error {
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("work item %s already exists", item.ID)
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

// FindWorkItemByID retrieves a work item by ID.
func (s *Store) FindWorkItemByID(_ context.Context, id string) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkItemNotFound, id)
	}
	return cloneItem(item), nil
}

// ClaimNextWorkItem selects and assigns the highest-ranked visible queued
// item. Selection and transition happen under the store mutex, so no two
// claimers ever receive the same item.
func (s *Store) ClaimNextWorkItem(_ context.Context, typeFilter *domain.WorkItemType) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var candidates []*domain.WorkItem
	for _, item := range s.items {
		if !item.ClaimVisible(now) {
			continue
		}
		if typeFilter != nil && item.Type != *typeFilter {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sortClaimOrder(candidates)

	best := candidates[0]
	best.Status = domain.WorkItemStatusAssigned
	best.UpdatedAt = now
	return cloneItem(best), nil
}

// CancelWorkItem transitions a non-terminal item to cancelled.
func (s *Store) CancelWorkItem(_ context.Context, id string) (domain.WorkItemStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", domain.ErrWorkItemNotFound, id)
	}
	prev := item.Status
	if prev.Terminal() {
		return prev, false, nil
	}

	now := time.Now().UTC()
	item.Status = domain.WorkItemStatusCancelled
	item.UpdatedAt = now
	item.CompletedAt = &now
	return prev, true, nil
}

// ListActiveWorkItems returns non-terminal items in claim order.
func (s *Store) ListActiveWorkItems(_ context.Context, typeFilter *domain.WorkItemType) ([]*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*domain.WorkItem
	for _, item := range s.items {
		if item.Status.Terminal() {
			continue
		}
		if typeFilter != nil && item.Type != *typeFilter {
			continue
		}
		active = append(active, cloneItem(item))
	}
	sortClaimOrder(active)
	return active, nil
}

// QueueStats returns item counts by status and priority.
func (s *Store) QueueStats(_ context.Context) (*domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &domain.QueueStats{
		ByStatus:   make(map[domain.WorkItemStatus]int),
		ByPriority: make(map[domain.Priority]int),
	}
	for _, item := range s.items {
		stats.Total++
		stats.ByStatus[item.Status]++
		stats.ByPriority[item.Priority]++
	}
	return stats, nil
}

// === specgen.Repository ===

// PromoteGeneratedItem moves a generating item to queued with its generated
// spec and derived branch.
func (s *Store) PromoteGeneratedItem(_ context.Context, id, spec, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkItemNotFound, id)
	}
	if item.Status != domain.WorkItemStatusGenerating {
		return fmt.Errorf("%w: work item %s is no longer generating", domain.ErrTerminalState, id)
	}

	item.Status = domain.WorkItemStatusQueued
	item.Spec = &spec
	item.Branch = &branch
	item.UpdatedAt = time.Now().UTC()
	return nil
}

// FailGeneratedItem moves a generating item to failed.
func (s *Store) FailGeneratedItem(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkItemNotFound, id)
	}
	if item.Status != domain.WorkItemStatusGenerating {
		return fmt.Errorf("%w: work item %s is no longer generating", domain.ErrTerminalState, id)
	}

	now := time.Now().UTC()
	item.Status = domain.WorkItemStatusFailed
	item.Error = &errMsg
	item.UpdatedAt = now
	item.CompletedAt = &now
	return nil
}

// === registry.Repository ===

// RegisterWorker creates a worker in starting state and transitions its
// work item from assigned to in_progress.
func (s *Store) RegisterWorker(_ context.Context, worker *domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[worker.WorkItemID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkItemNotFound, worker.WorkItemID)
	}
	if item.Status != domain.WorkItemStatusAssigned {
		return fmt.Errorf("%w: work item %s is not assigned", domain.ErrWorkItemNotFound, worker.WorkItemID)
	}

	item.Status = domain.WorkItemStatusInProgress
	item.WorkerID = &worker.ID
	item.UpdatedAt = time.Now().UTC()
	s.workers[worker.ID] = cloneWorker(worker)
	return nil
}

// FindWorkerByID retrieves a worker by ID.
func (s *Store) FindWorkerByID(_ context.Context, id string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	return cloneWorker(worker), nil
}

// RecordHeartbeat updates liveness and reports whether the item was
// cancelled out from under the worker.
func (s *Store) RecordHeartbeat(_ context.Context, workerID string, update registry.HeartbeatUpdate) (*registry.HeartbeatAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, workerID)
	}
	if worker.Status.Terminal() {
		return nil, fmt.Errorf("%w: worker %s is %s", domain.ErrWorkerTerminal, workerID, worker.Status)
	}

	now := time.Now().UTC()
	worker.LastHeartbeat = now
	worker.Iteration = update.Iteration
	if update.Status != nil {
		worker.Status = *update.Status
	}
	if update.TokensIn != nil {
		worker.TokensIn = *update.TokensIn
	}
	if update.TokensOut != nil {
		worker.TokensOut = *update.TokensOut
	}

	ack := &registry.HeartbeatAck{}
	if item, ok := s.items[worker.WorkItemID]; ok {
		// Terminal rows are settled; only mirror progress onto live items.
		if !item.Status.Terminal() {
			item.Iteration = update.Iteration
			item.UpdatedAt = now
		}
		ack.CancelRequested = item.Status == domain.WorkItemStatusCancelled
	}
	return ack, nil
}

// FinishWorker applies a terminal worker transition atomically with its
// item transition, lock release and telemetry appends.
func (s *Store) FinishWorker(_ context.Context, params registry.FinishParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[params.WorkerID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, params.WorkerID)
	}
	// Kill may land on a stuck worker; any other terminal state is final.
	if worker.Status.Terminal() && !(worker.Status == domain.WorkerStatusStuck && params.WorkerStatus == domain.WorkerStatusKilled) {
		return fmt.Errorf("%w: worker %s is %s", domain.ErrWorkerTerminal, params.WorkerID, worker.Status)
	}

	worker.Status = params.WorkerStatus

	for key, l := range s.locks {
		if l.WorkerID == params.WorkerID {
			delete(s.locks, key)
		}
	}

	// A cancel racing the finish wins: terminal items stay settled and no
	// verification follows from them.
	itemSettled := false
	if t := params.Item; t != nil {
		item, ok := s.items[worker.WorkItemID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrWorkItemNotFound, worker.WorkItemID)
		}
		itemSettled = item.Status.Terminal()
		if !itemSettled {
			item.Status = t.Status
			item.RetryCount = t.RetryCount
			item.NextRetryAt = t.NextRetryAt
			if t.Error != nil {
				item.Error = t.Error
			}
			if t.PRNumber != nil {
				item.PRNumber = t.PRNumber
			}
			if t.PRURL != nil {
				item.PRURL = t.PRURL
			}
			if t.CompletedAt != nil {
				item.CompletedAt = t.CompletedAt
			}
			if t.Iteration != nil {
				item.Iteration = *t.Iteration
			}
			if t.VerificationPassed != nil {
				item.VerificationPassed = t.VerificationPassed
			}
			if t.Status == domain.WorkItemStatusQueued {
				item.WorkerID = nil
			}
			item.UpdatedAt = time.Now().UTC()
		}
	}

	for _, m := range params.Metrics {
		metric := m
		if metric.Timestamp.IsZero() {
			metric.Timestamp = time.Now().UTC()
		}
		s.metrics = append(s.metrics, &metric)
	}
	for _, l := range params.Learnings {
		learning := l
		if learning.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate learning ID: %w", err)
			}
			learning.ID = id.String()
		}
		if learning.CreatedAt.IsZero() {
			learning.CreatedAt = time.Now().UTC()
		}
		s.learnings = append(s.learnings, &learning)
	}
	if params.Review != nil {
		review := *params.Review
		if review.CreatedAt.IsZero() {
			review.CreatedAt = time.Now().UTC()
		}
		s.reviews[review.WorkItemID] = &review
	}

	if params.VerificationItem != nil && !itemSettled {
		if err := s.insertWorkItemLocked(params.VerificationItem); err != nil {
			return err
		}
	}

	if pv := params.ParentVerification; pv != nil && !itemSettled {
		parent, ok := s.items[pv.ParentID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrParentNotFound, pv.ParentID)
		}
		// First verdict wins; repeated completions are no-ops.
		if parent.VerificationPassed == nil {
			passed := pv.Passed
			parent.VerificationPassed = &passed
			parent.UpdatedAt = time.Now().UTC()
		}
	}

	return nil
}

// FindStaleWorkers returns non-terminal workers whose last heartbeat is
// older than the cutoff.
func (s *Store) FindStaleWorkers(_ context.Context, cutoff time.Time) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*domain.Worker
	for _, w := range s.workers {
		if w.Status.Terminal() {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			stale = append(stale, cloneWorker(w))
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastHeartbeat.Before(stale[j].LastHeartbeat)
	})
	return stale, nil
}

// RequeueOrphanedAssignments reverts assigned items with no live worker
// that have sat unclaimed since before the cutoff.
func (s *Store) RequeueOrphanedAssignments(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool)
	for _, w := range s.workers {
		if !w.Status.Terminal() {
			live[w.WorkItemID] = true
		}
	}

	count := 0
	for _, item := range s.items {
		if item.Status != domain.WorkItemStatusAssigned {
			continue
		}
		if item.UpdatedAt.After(cutoff) || item.UpdatedAt.Equal(cutoff) {
			continue
		}
		if live[item.ID] {
			continue
		}
		item.Status = domain.WorkItemStatusQueued
		item.WorkerID = nil
		item.RetryCount++
		item.NextRetryAt = nil
		item.UpdatedAt = time.Now().UTC()
		count++
	}
	return count, nil
}

// ListWorkers returns all worker records, most recent first.
func (s *Store) ListWorkers(_ context.Context) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := make([]*domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, cloneWorker(w))
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].StartedAt.After(workers[j].StartedAt)
	})
	return workers, nil
}

// CountActiveWorkers returns the number of workers in a non-terminal status.
func (s *Store) CountActiveWorkers(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, w := range s.workers {
		if !w.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// === locks.Repository ===

// AcquireFileLocks inserts all paths for the worker or none of them.
func (s *Store) AcquireFileLocks(_ context.Context, workerID, repo string, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range paths {
		if held, ok := s.locks[lockKey{repo, path}]; ok && held.WorkerID != workerID {
			return &domain.LockConflictError{
				Repo:              repo,
				Path:              path,
				ConflictingWorker: held.WorkerID,
			}
		}
	}

	now := time.Now().UTC()
	for _, path := range paths {
		key := lockKey{repo, path}
		if _, ok := s.locks[key]; ok {
			continue
		}
		s.locks[key] = &domain.FileLock{
			Repo:       repo,
			Path:       path,
			WorkerID:   workerID,
			AcquiredAt: now,
		}
	}
	return nil
}

// ReleaseFileLocks removes the worker's locks on the given paths.
func (s *Store) ReleaseFileLocks(_ context.Context, workerID, repo string, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range paths {
		key := lockKey{repo, path}
		if held, ok := s.locks[key]; ok && held.WorkerID == workerID {
			delete(s.locks, key)
		}
	}
	return nil
}

// ReleaseAllLocksOf removes every lock held by the worker.
func (s *Store) ReleaseAllLocksOf(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, l := range s.locks {
		if l.WorkerID == workerID {
			delete(s.locks, key)
		}
	}
	return nil
}

// ListFileLocks returns all currently held locks.
func (s *Store) ListFileLocks(_ context.Context) ([]*domain.FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := make([]*domain.FileLock, 0, len(s.locks))
	for _, l := range s.locks {
		clone := *l
		held = append(held, &clone)
	}
	sort.Slice(held, func(i, j int) bool {
		if held[i].Repo != held[j].Repo {
			return held[i].Repo < held[j].Repo
		}
		return held[i].Path < held[j].Path
	})
	return held, nil
}

// === registry.TelemetryRepository ===

// ListLearnings returns learnings for a repo, optionally narrowed to one
// spec, newest first.
func (s *Store) ListLearnings(_ context.Context, repo, spec string) ([]*domain.Learning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Learning
	for _, l := range s.learnings {
		if l.Repo != repo {
			continue
		}
		if spec != "" && l.Spec != spec {
			continue
		}
		clone := *l
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListMetrics returns all worker metric rows, newest first.
func (s *Store) ListMetrics(_ context.Context) ([]*domain.WorkerMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.WorkerMetric, 0, len(s.metrics))
	for _, m := range s.metrics {
		clone := *m
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// ListReviews returns all PR reviews, newest first.
func (s *Store) ListReviews(_ context.Context) ([]*domain.PRReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.PRReview, 0, len(s.reviews))
	for _, r := range s.reviews {
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// === helpers ===

// sortClaimOrder orders items by the claim ranking: execution before
// verification, priority descending, oldest first.
func sortClaimOrder(items []*domain.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if ti, tj := items[i].Type.Rank(), items[j].Type.Rank(); ti != tj {
			return ti > tj
		}
		if pi, pj := items[i].Priority.Rank(), items[j].Priority.Rank(); pi != pj {
			return pi > pj
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func cloneItem(item *domain.WorkItem) *domain.WorkItem {
	clone := *item
	if item.Metadata != nil {
		clone.Metadata = make(domain.Metadata, len(item.Metadata))
		for k, v := range item.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneWorker(w *domain.Worker) *domain.Worker {
	clone := *w
	return &clone
}
