package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/whim/internal/application/dispatch"
	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/domain"
	"github.com/rezkam/whim/internal/infrastructure/persistence/memory"
	"github.com/rezkam/whim/internal/ptr"
)

// fakeSpawner records spawn calls; err, when set, fails every spawn.
type fakeSpawner struct {
	mu     sync.Mutex
	err    error
	spawns []spawnCall
}

type spawnCall struct {
	itemID   string
	workerID string
}

func (f *fakeSpawner) Spawn(_ context.Context, item *domain.WorkItem, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.spawns = append(f.spawns, spawnCall{itemID: item.ID, workerID: workerID})
	return nil
}

func (f *fakeSpawner) calls() []spawnCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spawnCall(nil), f.spawns...)
}

type fixture struct {
	store    *memory.Store
	queue    *queue.Service
	registry *registry.Registry
	spawner  *fakeSpawner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	return &fixture{
		store:    store,
		queue:    queue.NewService(store),
		registry: registry.New(store, store, registry.DefaultPolicy()),
		spawner:  &fakeSpawner{},
	}
}

func (f *fixture) submit(t *testing.T, n int) []*domain.WorkItem {
	t.Helper()
	items := make([]*domain.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		item, err := f.queue.Submit(context.Background(), queue.SubmitRequest{
			Repo: "acme/api",
			Spec: ptr.To("# Spec"),
		})
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

func TestDispatchClaimsRegistersAndSpawns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	items := f.submit(t, 2)
	d := dispatch.New(f.queue, f.registry, f.spawner, dispatch.WithCapacity(4))

	require.NoError(t, d.RunDispatchOnce(ctx))

	calls := f.spawner.calls()
	require.Len(t, calls, 2)

	for _, item := range items {
		got, err := f.queue.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkItemStatusInProgress, got.Status)
		require.NotNil(t, got.WorkerID)
	}

	active, err := f.registry.ActiveWorkerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, active)
}

func TestDispatchStopsAtCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, 3)
	d := dispatch.New(f.queue, f.registry, f.spawner, dispatch.WithCapacity(1))

	require.NoError(t, d.RunDispatchOnce(ctx))
	assert.Len(t, f.spawner.calls(), 1)

	// Capacity is still held by the running worker on the next pass.
	require.NoError(t, d.RunDispatchOnce(ctx))
	assert.Len(t, f.spawner.calls(), 1)
}

func TestDispatchFillsSlotFreedByFinishedWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, 2)
	d := dispatch.New(f.queue, f.registry, f.spawner, dispatch.WithCapacity(1))

	require.NoError(t, d.RunDispatchOnce(ctx))
	calls := f.spawner.calls()
	require.Len(t, calls, 1)

	_, err := f.registry.Complete(ctx, calls[0].workerID, registry.CompleteRequest{})
	require.NoError(t, err)

	require.NoError(t, d.RunDispatchOnce(ctx))
	assert.Len(t, f.spawner.calls(), 2)
}

func TestDispatchHonorsDailyBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, 3)
	d := dispatch.New(f.queue, f.registry, f.spawner,
		dispatch.WithCapacity(10),
		dispatch.WithDailyBudget(2),
	)

	require.NoError(t, d.RunDispatchOnce(ctx))
	assert.Len(t, f.spawner.calls(), 2)

	used, budget := d.BudgetStatus()
	assert.Equal(t, 2, used)
	assert.Equal(t, 2, budget)

	// Exhausted: the third item stays queued, untouched.
	require.NoError(t, d.RunDispatchOnce(ctx))
	assert.Len(t, f.spawner.calls(), 2)

	items, err := f.queue.List(ctx, nil)
	require.NoError(t, err)
	queued := 0
	for _, item := range items {
		if item.Status == domain.WorkItemStatusQueued {
			queued++
		}
	}
	assert.Equal(t, 1, queued)
}

func TestDispatchRefundsBudgetOnEmptyQueue(t *testing.T) {
	f := newFixture(t)

	d := dispatch.New(f.queue, f.registry, f.spawner, dispatch.WithDailyBudget(5))
	require.NoError(t, d.RunDispatchOnce(context.Background()))

	used, _ := d.BudgetStatus()
	assert.Equal(t, 0, used, "an empty claim must not consume budget")
}

func TestSpawnFailureRequeuesThroughRetryPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	items := f.submit(t, 1)
	f.spawner.err = errors.New("harness binary missing")
	d := dispatch.New(f.queue, f.registry, f.spawner,
		dispatch.WithCapacity(4),
		dispatch.WithDailyBudget(5),
	)

	require.NoError(t, d.RunDispatchOnce(ctx))

	got, err := f.queue.Get(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now().UTC()))
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "spawn failed")

	active, err := f.registry.ActiveWorkerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, active, "the failed worker must not hold a slot")

	used, _ := d.BudgetStatus()
	assert.Equal(t, 0, used, "nothing ran, so the unit goes back")
}

func TestDispatchTypeFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	execItem := f.submit(t, 1)[0]
	now := time.Now().UTC()
	verItem := &domain.WorkItem{
		ID:               "ver-1",
		Repo:             "acme/api",
		Type:             domain.WorkItemTypeVerification,
		Status:           domain.WorkItemStatusQueued,
		Priority:         domain.PriorityMedium,
		PRNumber:         ptr.To(7),
		ParentWorkItemID: ptr.To(execItem.ID),
		MaxIterations:    50,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.store.InsertWorkItem(ctx, verItem))

	d := dispatch.New(f.queue, f.registry, f.spawner,
		dispatch.WithCapacity(10),
		dispatch.WithTypeFilter(domain.WorkItemTypeVerification),
	)
	require.NoError(t, d.RunDispatchOnce(ctx))

	calls := f.spawner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, verItem.ID, calls[0].itemID)

	got, err := f.queue.Get(ctx, execItem.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusQueued, got.Status)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	d := dispatch.New(f.queue, f.registry, f.spawner,
		dispatch.WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
