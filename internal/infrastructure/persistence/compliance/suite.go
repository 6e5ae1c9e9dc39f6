// Package compliance holds the shared conformance suite every store
// implementation must pass. The suite exercises claim ordering, retry
// visibility, lock exclusion and the atomicity of terminal worker
// transitions through the repository interfaces alone, so PostgreSQL and
// memory stores run the same assertions.
package compliance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/whim/internal/application/locks"
	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/application/specgen"
	"github.com/rezkam/whim/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Storage is the full repository surface a store must provide.
type Storage interface {
	queue.Repository
	registry.Repository
	registry.TelemetryRepository
	locks.Repository
	specgen.Repository
}

// RunStorageComplianceTest runs the conformance suite against a Storage
// implementation. setup returns a fresh (clean) instance plus a teardown.
func RunStorageComplianceTest(t *testing.T, setup func() (Storage, func())) {
	t.Run("InsertAndGetWorkItem", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item := newQueuedItem("owner/repo", domain.PriorityMedium)
		require.NoError(t, store.InsertWorkItem(ctx, item))

		fetched, err := store.FindWorkItemByID(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.ID, fetched.ID)
		assert.Equal(t, domain.WorkItemStatusQueued, fetched.Status)
		assert.Equal(t, domain.PriorityMedium, fetched.Priority)
	})

	t.Run("GetNonExistentWorkItem", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		_, err := store.FindWorkItemByID(ctx, uuid.New().String())
		assert.ErrorIs(t, err, domain.ErrWorkItemNotFound)
	})

	t.Run("ClaimOrdersByPriority", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		low := newQueuedItem("owner/repo", domain.PriorityLow)
		critical := newQueuedItem("owner/repo", domain.PriorityCritical)
		high := newQueuedItem("owner/repo", domain.PriorityHigh)
		for _, item := range []*domain.WorkItem{low, critical, high} {
			require.NoError(t, store.InsertWorkItem(ctx, item))
		}

		first, err := store.ClaimNextWorkItem(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, critical.ID, first.ID)
		assert.Equal(t, domain.WorkItemStatusAssigned, first.Status)

		second, err := store.ClaimNextWorkItem(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, high.ID, second.ID)
	})

	t.Run("ClaimPrefersExecutionOverVerification", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		execution := newQueuedItem("owner/repo", domain.PriorityLow)
		require.NoError(t, store.InsertWorkItem(ctx, execution))

		verification := newQueuedItem("owner/repo", domain.PriorityCritical)
		verification.Type = domain.WorkItemTypeVerification
		verification.ParentWorkItemID = &execution.ID
		prNumber := 7
		verification.PRNumber = &prNumber
		require.NoError(t, store.InsertWorkItem(ctx, verification))

		claimed, err := store.ClaimNextWorkItem(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, execution.ID, claimed.ID, "execution items outrank verification items regardless of priority")
	})

	t.Run("ClaimHonorsTypeFilter", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		execution := newQueuedItem("owner/repo", domain.PriorityHigh)
		require.NoError(t, store.InsertWorkItem(ctx, execution))

		verificationType := domain.WorkItemTypeVerification
		claimed, err := store.ClaimNextWorkItem(ctx, &verificationType)
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})

	t.Run("ClaimSkipsFutureRetries", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		future := time.Now().UTC().Add(time.Hour)
		delayed := newQueuedItem("owner/repo", domain.PriorityCritical)
		delayed.NextRetryAt = &future
		require.NoError(t, store.InsertWorkItem(ctx, delayed))

		past := time.Now().UTC().Add(-time.Minute)
		visible := newQueuedItem("owner/repo", domain.PriorityLow)
		visible.NextRetryAt = &past
		require.NoError(t, store.InsertWorkItem(ctx, visible))

		claimed, err := store.ClaimNextWorkItem(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, visible.ID, claimed.ID)

		claimed, err = store.ClaimNextWorkItem(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, claimed, "item with a future nextRetryAt must stay invisible")
	})

	t.Run("ConcurrentClaimsNeverDoubleAssign", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		const itemCount = 10
		for range itemCount {
			require.NoError(t, store.InsertWorkItem(ctx, newQueuedItem("owner/repo", domain.PriorityMedium)))
		}

		var mu sync.Mutex
		claimedIDs := make(map[string]int)
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				item, err := store.ClaimNextWorkItem(ctx, nil)
				if err != nil || item == nil {
					return
				}
				mu.Lock()
				claimedIDs[item.ID]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, claimedIDs, itemCount)
		for id, n := range claimedIDs {
			assert.Equal(t, 1, n, "item %s claimed more than once", id)
		}
	})

	t.Run("CancelReportsPreviousStatus", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item := newQueuedItem("owner/repo", domain.PriorityMedium)
		require.NoError(t, store.InsertWorkItem(ctx, item))

		prev, cancelled, err := store.CancelWorkItem(ctx, item.ID)
		require.NoError(t, err)
		assert.True(t, cancelled)
		assert.Equal(t, domain.WorkItemStatusQueued, prev)

		// Terminal items never transition again.
		prev, cancelled, err = store.CancelWorkItem(ctx, item.ID)
		require.NoError(t, err)
		assert.False(t, cancelled)
		assert.Equal(t, domain.WorkItemStatusCancelled, prev)
	})

	t.Run("PromoteGeneratedItem", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item := newGeneratingItem("owner/repo")
		require.NoError(t, store.InsertWorkItem(ctx, item))

		require.NoError(t, store.PromoteGeneratedItem(ctx, item.ID, "# Spec", "ai/20260824120000-title"))

		fetched, err := store.FindWorkItemByID(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkItemStatusQueued, fetched.Status)
		require.NotNil(t, fetched.Spec)
		assert.Equal(t, "# Spec", *fetched.Spec)
		require.NotNil(t, fetched.Branch)

		// A second promotion finds the item no longer generating.
		err = store.PromoteGeneratedItem(ctx, item.ID, "# Other", "ai/other")
		assert.ErrorIs(t, err, domain.ErrTerminalState)
	})

	t.Run("PromoteSkipsCancelledItem", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item := newGeneratingItem("owner/repo")
		require.NoError(t, store.InsertWorkItem(ctx, item))

		_, cancelled, err := store.CancelWorkItem(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, cancelled)

		err = store.PromoteGeneratedItem(ctx, item.ID, "# Spec", "ai/branch")
		assert.ErrorIs(t, err, domain.ErrTerminalState)

		fetched, err := store.FindWorkItemByID(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkItemStatusCancelled, fetched.Status)
	})

	t.Run("RegisterWorkerTransitionsItem", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item, worker := claimAndRegister(t, store)

		fetched, err := store.FindWorkItemByID(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkItemStatusInProgress, fetched.Status)
		require.NotNil(t, fetched.WorkerID)
		assert.Equal(t, worker.ID, *fetched.WorkerID)
	})

	t.Run("HeartbeatUpdatesAndDetectsCancellation", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item, worker := claimAndRegister(t, store)

		running := domain.WorkerStatusRunning
		ack, err := store.RecordHeartbeat(ctx, worker.ID, registry.HeartbeatUpdate{
			Iteration: 3,
			Status:    &running,
		})
		require.NoError(t, err)
		assert.False(t, ack.CancelRequested)

		_, _, err = store.CancelWorkItem(ctx, item.ID)
		require.NoError(t, err)

		ack, err = store.RecordHeartbeat(ctx, worker.ID, registry.HeartbeatUpdate{Iteration: 4})
		require.NoError(t, err)
		assert.True(t, ack.CancelRequested)
	})

	t.Run("HeartbeatRejectedAfterTerminal", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		_, worker := claimAndRegister(t, store)

		now := time.Now().UTC()
		require.NoError(t, store.FinishWorker(ctx, registry.FinishParams{
			WorkerID:     worker.ID,
			WorkerStatus: domain.WorkerStatusCompleted,
			Item: &registry.ItemTransition{
				Status:      domain.WorkItemStatusCompleted,
				CompletedAt: &now,
			},
		}))

		_, err := store.RecordHeartbeat(ctx, worker.ID, registry.HeartbeatUpdate{Iteration: 5})
		assert.ErrorIs(t, err, domain.ErrWorkerTerminal)
	})

	t.Run("FinishWorkerReleasesLocks", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item, worker := claimAndRegister(t, store)

		require.NoError(t, store.AcquireFileLocks(ctx, worker.ID, item.Repo, []string{"a.go", "b.go"}))
		held, err := store.ListFileLocks(ctx)
		require.NoError(t, err)
		require.Len(t, held, 2)

		now := time.Now().UTC()
		require.NoError(t, store.FinishWorker(ctx, registry.FinishParams{
			WorkerID:     worker.ID,
			WorkerStatus: domain.WorkerStatusCompleted,
			Item: &registry.ItemTransition{
				Status:      domain.WorkItemStatusCompleted,
				CompletedAt: &now,
			},
		}))

		held, err = store.ListFileLocks(ctx)
		require.NoError(t, err)
		assert.Empty(t, held, "terminal workers hold no locks")
	})

	t.Run("FinishWorkerEnqueuesVerificationAtomically", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item, worker := claimAndRegister(t, store)

		verification, err := queue.NewVerificationItem(item, 42)
		require.NoError(t, err)

		now := time.Now().UTC()
		prNumber := 42
		prURL := "https://github.com/owner/repo/pull/42"
		require.NoError(t, store.FinishWorker(ctx, registry.FinishParams{
			WorkerID:     worker.ID,
			WorkerStatus: domain.WorkerStatusCompleted,
			Item: &registry.ItemTransition{
				Status:      domain.WorkItemStatusCompleted,
				PRNumber:    &prNumber,
				PRURL:       &prURL,
				CompletedAt: &now,
			},
			VerificationItem: verification,
			Metrics: []domain.WorkerMetric{{
				WorkerID:   worker.ID,
				WorkItemID: item.ID,
				Iteration:  1,
				TokensIn:   100,
				TokensOut:  50,
			}},
			Learnings: []domain.Learning{{
				Repo:       item.Repo,
				Content:    "tests need -race locally",
				WorkItemID: item.ID,
			}},
		}))

		child, err := store.FindWorkItemByID(ctx, verification.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkItemTypeVerification, child.Type)
		assert.Equal(t, domain.WorkItemStatusQueued, child.Status)
		require.NotNil(t, child.ParentWorkItemID)
		assert.Equal(t, item.ID, *child.ParentWorkItemID)

		metrics, err := store.ListMetrics(ctx)
		require.NoError(t, err)
		require.Len(t, metrics, 1)
		assert.Equal(t, int64(100), metrics[0].TokensIn)

		learnings, err := store.ListLearnings(ctx, item.Repo, "")
		require.NoError(t, err)
		require.Len(t, learnings, 1)
		assert.NotEmpty(t, learnings[0].ID)
	})

	t.Run("FinishWorkerLeavesCancelledItemSettled", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item, worker := claimAndRegister(t, store)

		_, cancelled, err := store.CancelWorkItem(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, cancelled)

		verification, err := queue.NewVerificationItem(item, 13)
		require.NoError(t, err)

		// A cancel racing the finish wins: the worker settles and frees its
		// locks, but the item keeps its terminal state and no verification
		// chain continues from it.
		now := time.Now().UTC()
		prNumber := 13
		require.NoError(t, store.FinishWorker(ctx, registry.FinishParams{
			WorkerID:     worker.ID,
			WorkerStatus: domain.WorkerStatusCompleted,
			Item: &registry.ItemTransition{
				Status:      domain.WorkItemStatusCompleted,
				PRNumber:    &prNumber,
				CompletedAt: &now,
			},
			VerificationItem: verification,
		}))

		fetched, err := store.FindWorkItemByID(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkItemStatusCancelled, fetched.Status)
		assert.Nil(t, fetched.PRNumber)

		_, err = store.FindWorkItemByID(ctx, verification.ID)
		assert.ErrorIs(t, err, domain.ErrWorkItemNotFound)
	})

	t.Run("ParentVerdictFirstWriteWins", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		parent, parentWorker := claimAndRegister(t, store)

		verification, err := queue.NewVerificationItem(parent, 9)
		require.NoError(t, err)

		now := time.Now().UTC()
		prNumber := 9
		require.NoError(t, store.FinishWorker(ctx, registry.FinishParams{
			WorkerID:     parentWorker.ID,
			WorkerStatus: domain.WorkerStatusCompleted,
			Item: &registry.ItemTransition{
				Status:      domain.WorkItemStatusCompleted,
				PRNumber:    &prNumber,
				CompletedAt: &now,
			},
			VerificationItem: verification,
		}))

		// Claim and run the verification item.
		claimed, err := store.ClaimNextWorkItem(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, verification.ID, claimed.ID)

		verifier := &domain.Worker{
			ID:            uuid.New().String(),
			WorkItemID:    claimed.ID,
			Status:        domain.WorkerStatusStarting,
			LastHeartbeat: now,
			StartedAt:     now,
		}
		require.NoError(t, store.RegisterWorker(ctx, verifier))

		passed := true
		require.NoError(t, store.FinishWorker(ctx, registry.FinishParams{
			WorkerID:     verifier.ID,
			WorkerStatus: domain.WorkerStatusCompleted,
			Item: &registry.ItemTransition{
				Status:             domain.WorkItemStatusCompleted,
				CompletedAt:        &now,
				VerificationPassed: &passed,
			},
			ParentVerification: &registry.ParentVerification{ParentID: parent.ID, Passed: true},
		}))

		fetched, err := store.FindWorkItemByID(ctx, parent.ID)
		require.NoError(t, err)
		require.NotNil(t, fetched.VerificationPassed)
		assert.True(t, *fetched.VerificationPassed)

		// A second verification run (e.g. a duplicated retry) must not
		// overwrite the first verdict.
		retried, err := queue.NewVerificationItem(parent, 9)
		require.NoError(t, err)
		require.NoError(t, store.InsertWorkItem(ctx, retried))

		claimed, err = store.ClaimNextWorkItem(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, retried.ID, claimed.ID)

		verifier2 := &domain.Worker{
			ID:            uuid.New().String(),
			WorkItemID:    claimed.ID,
			Status:        domain.WorkerStatusStarting,
			LastHeartbeat: now,
			StartedAt:     now,
		}
		require.NoError(t, store.RegisterWorker(ctx, verifier2))

		failed := false
		require.NoError(t, store.FinishWorker(ctx, registry.FinishParams{
			WorkerID:     verifier2.ID,
			WorkerStatus: domain.WorkerStatusCompleted,
			Item: &registry.ItemTransition{
				Status:             domain.WorkItemStatusCompleted,
				CompletedAt:        &now,
				VerificationPassed: &failed,
			},
			ParentVerification: &registry.ParentVerification{ParentID: parent.ID, Passed: false},
		}))

		fetched, err = store.FindWorkItemByID(ctx, parent.ID)
		require.NoError(t, err)
		require.NotNil(t, fetched.VerificationPassed)
		assert.True(t, *fetched.VerificationPassed, "second verdict must not overwrite the first")
	})

	t.Run("LockConflictNamesHolder", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item, holder := claimAndRegister(t, store)
		_, contender := claimAndRegister(t, store)

		require.NoError(t, store.AcquireFileLocks(ctx, holder.ID, item.Repo, []string{"shared.go"}))

		err := store.AcquireFileLocks(ctx, contender.ID, item.Repo, []string{"other.go", "shared.go"})
		conflict, ok := domain.AsLockConflict(err)
		require.True(t, ok)
		assert.Equal(t, "shared.go", conflict.Path)
		assert.Equal(t, holder.ID, conflict.ConflictingWorker)

		// All-or-nothing: the non-conflicting path must not be held either.
		held, err := store.ListFileLocks(ctx)
		require.NoError(t, err)
		require.Len(t, held, 1)
		assert.Equal(t, holder.ID, held[0].WorkerID)
	})

	t.Run("ReacquireOwnLockIsNoop", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item, worker := claimAndRegister(t, store)

		require.NoError(t, store.AcquireFileLocks(ctx, worker.ID, item.Repo, []string{"a.go"}))
		require.NoError(t, store.AcquireFileLocks(ctx, worker.ID, item.Repo, []string{"a.go", "b.go"}))

		held, err := store.ListFileLocks(ctx)
		require.NoError(t, err)
		assert.Len(t, held, 2)
	})

	t.Run("FindStaleWorkers", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		_, worker := claimAndRegister(t, store)

		cutoff := time.Now().UTC().Add(time.Minute)
		stale, err := store.FindStaleWorkers(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, worker.ID, stale[0].ID)

		cutoff = time.Now().UTC().Add(-time.Minute)
		stale, err = store.FindStaleWorkers(ctx, cutoff)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("RequeueOrphanedAssignments", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		item := newQueuedItem("owner/repo", domain.PriorityMedium)
		require.NoError(t, store.InsertWorkItem(ctx, item))

		claimed, err := store.ClaimNextWorkItem(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		// No worker ever registered: after the grace window the assignment
		// is an orphan.
		count, err := store.RequeueOrphanedAssignments(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		fetched, err := store.FindWorkItemByID(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkItemStatusQueued, fetched.Status)
		assert.Equal(t, 1, fetched.RetryCount)
		assert.Nil(t, fetched.NextRetryAt, "orphaned items requeue immediately visible")
	})
}

// newQueuedItem builds a minimal claimable execution item.
func newQueuedItem(repo string, priority domain.Priority) *domain.WorkItem {
	id := uuid.New().String()
	spec := "# Spec"
	branch := domain.DefaultBranch(id)
	now := time.Now().UTC()
	return &domain.WorkItem{
		ID:            id,
		Repo:          repo,
		Type:          domain.WorkItemTypeExecution,
		Status:        domain.WorkItemStatusQueued,
		Priority:      priority,
		Spec:          &spec,
		Branch:        &branch,
		MaxIterations: 50,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// newGeneratingItem builds a description-sourced item awaiting generation.
func newGeneratingItem(repo string) *domain.WorkItem {
	item := newQueuedItem(repo, domain.PriorityMedium)
	item.Status = domain.WorkItemStatusGenerating
	item.Spec = nil
	item.Branch = nil
	description := "Add retry handling to the fetcher"
	item.Description = &description
	return item
}

// claimAndRegister inserts an item, claims it and registers a worker on it.
func claimAndRegister(t *testing.T, store Storage) (*domain.WorkItem, *domain.Worker) {
	t.Helper()
	ctx := context.Background()

	item := newQueuedItem("owner/repo", domain.PriorityMedium)
	require.NoError(t, store.InsertWorkItem(ctx, item))

	claimed, err := store.ClaimNextWorkItem(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, item.ID, claimed.ID)

	now := time.Now().UTC()
	worker := &domain.Worker{
		ID:            uuid.New().String(),
		WorkItemID:    claimed.ID,
		Status:        domain.WorkerStatusStarting,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	require.NoError(t, store.RegisterWorker(ctx, worker))
	return claimed, worker
}
