package queue_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/domain"
	"github.com/rezkam/whim/internal/infrastructure/persistence/memory"
	"github.com/rezkam/whim/internal/ptr"
)

func newService() *queue.Service {
	return queue.NewService(memory.NewStore())
}

func TestSubmitRequiresRepo(t *testing.T) {
	svc := newService()

	_, err := svc.Submit(context.Background(), queue.SubmitRequest{
		Spec: ptr.To("# Spec"),
	})
	require.ErrorIs(t, err, domain.ErrRepoRequired)
}

func TestSubmitRequiresExactlyOneOfSpecAndDescription(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, err := svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api"})
	require.ErrorIs(t, err, domain.ErrSpecOrDescription)

	_, err = svc.Submit(ctx, queue.SubmitRequest{
		Repo:        "acme/api",
		Spec:        ptr.To("# Spec"),
		Description: ptr.To("do the thing"),
	})
	require.ErrorIs(t, err, domain.ErrSpecOrDescription)

	// Empty strings count as absent.
	_, err = svc.Submit(ctx, queue.SubmitRequest{
		Repo: "acme/api",
		Spec: ptr.To(""),
	})
	require.ErrorIs(t, err, domain.ErrSpecOrDescription)
}

func TestSubmitRejectsUnknownPriority(t *testing.T) {
	svc := newService()

	bad := domain.Priority("urgent")
	_, err := svc.Submit(context.Background(), queue.SubmitRequest{
		Repo:     "acme/api",
		Spec:     ptr.To("# Spec"),
		Priority: &bad,
	})
	require.ErrorIs(t, err, domain.ErrInvalidPriority)
}

func TestSubmitWithSpecQueuesImmediately(t *testing.T) {
	svc := newService()

	item, err := svc.Submit(context.Background(), queue.SubmitRequest{
		Repo: "acme/api",
		Spec: ptr.To("# Add health endpoint"),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WorkItemStatusQueued, item.Status)
	assert.Equal(t, domain.WorkItemTypeExecution, item.Type)
	assert.Equal(t, domain.PriorityMedium, item.Priority)
	assert.Equal(t, queue.DefaultMaxIterations, item.MaxIterations)
	require.NotNil(t, item.Branch)
	assert.True(t, strings.HasPrefix(*item.Branch, "whim/"), "branch %q", *item.Branch)
	assert.Nil(t, item.Description)
}

func TestSubmitWithDescriptionStartsGenerating(t *testing.T) {
	svc := newService()

	item, err := svc.Submit(context.Background(), queue.SubmitRequest{
		Repo:        "acme/api",
		Description: ptr.To("add rate limiting to the public API"),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WorkItemStatusGenerating, item.Status)
	assert.Nil(t, item.Spec)
	assert.Nil(t, item.Branch, "branch is derived at promotion time")
}

func TestSubmitHonorsExplicitBranchAndPriority(t *testing.T) {
	svc := newService()

	p := domain.PriorityCritical
	item, err := svc.Submit(context.Background(), queue.SubmitRequest{
		Repo:          "acme/api",
		Spec:          ptr.To("# Hotfix"),
		Branch:        ptr.To("hotfix/login"),
		Priority:      &p,
		MaxIterations: ptr.To(5),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PriorityCritical, item.Priority)
	assert.Equal(t, "hotfix/login", *item.Branch)
	assert.Equal(t, 5, item.MaxIterations)
}

func TestGetRoundTrip(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	submitted, err := svc.Submit(ctx, queue.SubmitRequest{
		Repo: "acme/api",
		Spec: ptr.To("# Spec"),
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, submitted.ID, got.ID)
	assert.Equal(t, submitted.Repo, got.Repo)

	_, err = svc.Get(ctx, "no-such-id")
	require.ErrorIs(t, err, domain.ErrWorkItemNotFound)
}

func TestClaimNextReturnsNilOnEmptyQueue(t *testing.T) {
	svc := newService()

	item, err := svc.ClaimNext(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestClaimNextAssignsHighestPriority(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	low := domain.PriorityLow
	high := domain.PriorityHigh
	_, err := svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Spec: ptr.To("# a"), Priority: &low})
	require.NoError(t, err)
	want, err := svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Spec: ptr.To("# b"), Priority: &high})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, want.ID, claimed.ID)
	assert.Equal(t, domain.WorkItemStatusAssigned, claimed.Status)
}

func TestCancelReportsPreviousStatus(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	item, err := svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Spec: ptr.To("# Spec")})
	require.NoError(t, err)

	prev, cancelled, err := svc.Cancel(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, domain.WorkItemStatusQueued, prev)

	// Cancelling again is a no-op, not an error.
	prev, cancelled, err = svc.Cancel(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, domain.WorkItemStatusCancelled, prev)
}

func TestListFiltersTerminalItems(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	kept, err := svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Spec: ptr.To("# keep")})
	require.NoError(t, err)
	gone, err := svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Spec: ptr.To("# gone")})
	require.NoError(t, err)
	_, _, err = svc.Cancel(ctx, gone.ID)
	require.NoError(t, err)

	items, err := svc.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, kept.ID, items[0].ID)
}

func TestStatsCountsByStatusAndPriority(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	high := domain.PriorityHigh
	_, err := svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Spec: ptr.To("# a"), Priority: &high})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Spec: ptr.To("# b")})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Description: ptr.To("later")})
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[domain.WorkItemStatusQueued])
	assert.Equal(t, 1, stats.ByStatus[domain.WorkItemStatusGenerating])
	assert.Equal(t, 1, stats.ByPriority[domain.PriorityHigh])
	assert.Equal(t, 2, stats.ByPriority[domain.PriorityMedium])
}

func TestNewVerificationItemInheritsParentFields(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	high := domain.PriorityHigh
	parent, err := svc.Submit(ctx, queue.SubmitRequest{
		Repo:          "acme/api",
		Spec:          ptr.To("# Spec"),
		Priority:      &high,
		MaxIterations: ptr.To(10),
		Source:        ptr.To("github"),
		SourceRef:     ptr.To("issues/42"),
	})
	require.NoError(t, err)

	child, err := queue.NewVerificationItem(parent, 17)
	require.NoError(t, err)

	assert.Equal(t, domain.WorkItemTypeVerification, child.Type)
	assert.Equal(t, domain.WorkItemStatusQueued, child.Status)
	assert.Equal(t, parent.Repo, child.Repo)
	assert.Equal(t, parent.Priority, child.Priority)
	assert.Equal(t, parent.Branch, child.Branch)
	assert.Equal(t, parent.MaxIterations, child.MaxIterations)
	require.NotNil(t, child.ParentWorkItemID)
	assert.Equal(t, parent.ID, *child.ParentWorkItemID)
	require.NotNil(t, child.PRNumber)
	assert.Equal(t, 17, *child.PRNumber)
	assert.NotEqual(t, parent.ID, child.ID)
}

func TestNewVerificationItemRejectsVerificationParent(t *testing.T) {
	parent := &domain.WorkItem{
		ID:   "parent",
		Repo: "acme/api",
		Type: domain.WorkItemTypeVerification,
	}
	_, err := queue.NewVerificationItem(parent, 1)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestEnqueueVerificationPersistsChild(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	parent, err := svc.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Spec: ptr.To("# Spec")})
	require.NoError(t, err)

	child, err := svc.EnqueueVerification(ctx, parent, 9)
	require.NoError(t, err)

	got, err := svc.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemTypeVerification, got.Type)
}
