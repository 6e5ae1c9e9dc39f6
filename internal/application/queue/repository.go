package queue

import (
	"context"

	"github.com/rezkam/whim/internal/domain"
)

// Repository defines storage operations for the work-item queue.
// All methods are safe for concurrent use; claiming is atomic so no two
// callers ever receive the same item.
type Repository interface {
	// InsertWorkItem persists a newly created work item.
	InsertWorkItem(ctx context.Context, item *domain.WorkItem) error

	// FindWorkItemByID retrieves a work item by ID.
	// Returns domain.ErrWorkItemNotFound if it does not exist.
	FindWorkItemByID(ctx context.Context, id string) (*domain.WorkItem, error)

	// ClaimNextWorkItem atomically selects the highest-ranked visible queued
	// item and transitions it to assigned. Ordering: execution before
	// verification when typeFilter is nil, then priority descending, then
	// createdAt ascending. Items whose nextRetryAt is in the future are
	// invisible. Returns nil if nothing is claimable.
	//
	// Implementations must not block on rows locked by a concurrent claimer
	// (SELECT ... FOR UPDATE SKIP LOCKED, or an equivalent guarded
	// remove-before-unlock structure).
	ClaimNextWorkItem(ctx context.Context, typeFilter *domain.WorkItemType) (*domain.WorkItem, error)

	// CancelWorkItem transitions a non-terminal item to cancelled.
	// Returns the status the item held before cancellation and whether the
	// transition occurred. Terminal items are never transitioned.
	CancelWorkItem(ctx context.Context, id string) (domain.WorkItemStatus, bool, error)

	// ListActiveWorkItems returns non-terminal items in claim order.
	ListActiveWorkItems(ctx context.Context, typeFilter *domain.WorkItemType) ([]*domain.WorkItem, error)

	// QueueStats returns item counts by status and priority.
	QueueStats(ctx context.Context) (*domain.QueueStats, error)
}
