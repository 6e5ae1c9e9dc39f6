package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/domain"
	"github.com/rezkam/whim/internal/ptr"
)

func TestSweepMarksSilentWorkerStuck(t *testing.T) {
	h := newHarness(t, registry.DefaultPolicy())
	ctx := context.Background()

	item := h.submitAndRegister(t, "w1")

	// A negative stale window puts the cutoff in the future, so the fresh
	// heartbeat already counts as silence.
	sweeper := registry.NewSweeper(h.registry,
		registry.WithStaleWindow(-time.Second),
		registry.WithRegistrationGrace(time.Hour),
	)
	require.NoError(t, sweeper.RunSweepOnce(ctx))

	workers, err := h.registry.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, domain.WorkerStatusStuck, workers[0].Status)

	got, err := h.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "no heartbeat")
}

func TestSweepLeavesHealthyWorkersAlone(t *testing.T) {
	h := newHarness(t, registry.DefaultPolicy())
	ctx := context.Background()

	item := h.submitAndRegister(t, "w1")

	sweeper := registry.NewSweeper(h.registry,
		registry.WithStaleWindow(time.Hour),
		registry.WithRegistrationGrace(time.Hour),
	)
	require.NoError(t, sweeper.RunSweepOnce(ctx))

	workers, err := h.registry.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, domain.WorkerStatusStarting, workers[0].Status)

	got, err := h.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusInProgress, got.Status)
}

func TestSweepRequeuesOrphanedAssignment(t *testing.T) {
	h := newHarness(t, registry.DefaultPolicy())
	ctx := context.Background()

	// Claimed but never registered: the spawn evidently went nowhere.
	item, err := h.queue.Submit(ctx, queue.SubmitRequest{
		Repo: "acme/api",
		Spec: ptr.To("# Spec"),
	})
	require.NoError(t, err)
	claimed, err := h.queue.ClaimNext(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	sweeper := registry.NewSweeper(h.registry,
		registry.WithStaleWindow(time.Hour),
		registry.WithRegistrationGrace(-time.Second),
	)
	require.NoError(t, sweeper.RunSweepOnce(ctx))

	got, err := h.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.NextRetryAt, "orphan requeues are immediately claimable")

	// And the item can be claimed again right away.
	reclaimed, err := h.queue.ClaimNext(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, item.ID, reclaimed.ID)
}

func TestSweepSkipsRegisteredAssignments(t *testing.T) {
	h := newHarness(t, registry.DefaultPolicy())
	ctx := context.Background()

	item := h.submitAndRegister(t, "w1")

	sweeper := registry.NewSweeper(h.registry,
		registry.WithStaleWindow(time.Hour),
		registry.WithRegistrationGrace(-time.Second),
	)
	require.NoError(t, sweeper.RunSweepOnce(ctx))

	got, err := h.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusInProgress, got.Status, "registered items are not orphans")
}
