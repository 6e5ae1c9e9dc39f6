package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/whim/internal/domain"
)

// Default values applied to submissions that omit them.
const (
	DefaultPriority      = domain.PriorityMedium
	DefaultMaxIterations = 50
)

// SubmitRequest is the validated intake payload for a new work item.
// Exactly one of Spec and Description must be set.
type SubmitRequest struct {
	Repo          string
	Spec          *string
	Description   *string
	Branch        *string
	Priority      *domain.Priority
	MaxIterations *int
	Source        *string
	SourceRef     *string
	Metadata      domain.Metadata
}

// Service implements the queue manager: submission, atomic claiming,
// cancellation, listing and the execution↔verification pairing.
type Service struct {
	repo Repository
}

// NewService creates a queue service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Submit creates a new work item. Submissions with a description start in
// generating (spec and branch arrive later from the spec-generation
// manager); submissions with a spec are immediately queued under a default
// branch derived from the item id.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.WorkItem, error) {
	if req.Repo == "" {
		return nil, domain.ErrRepoRequired
	}
	hasSpec := req.Spec != nil && *req.Spec != ""
	hasDescription := req.Description != nil && *req.Description != ""
	if hasSpec == hasDescription {
		return nil, domain.ErrSpecOrDescription
	}

	priority := DefaultPriority
	if req.Priority != nil {
		if !req.Priority.Valid() {
			return nil, fmt.Errorf("%w: %s", domain.ErrInvalidPriority, *req.Priority)
		}
		priority = *req.Priority
	}

	maxIterations := DefaultMaxIterations
	if req.MaxIterations != nil && *req.MaxIterations > 0 {
		maxIterations = *req.MaxIterations
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate work item ID: %w", err)
	}

	now := time.Now().UTC()
	item := &domain.WorkItem{
		ID:            id.String(),
		Repo:          req.Repo,
		Type:          domain.WorkItemTypeExecution,
		Priority:      priority,
		MaxIterations: maxIterations,
		Source:        req.Source,
		SourceRef:     req.SourceRef,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if hasDescription {
		item.Status = domain.WorkItemStatusGenerating
		item.Description = req.Description
	} else {
		item.Status = domain.WorkItemStatusQueued
		item.Spec = req.Spec
		branch := domain.DefaultBranch(item.ID)
		if req.Branch != nil && *req.Branch != "" {
			branch = *req.Branch
		}
		item.Branch = &branch
	}

	if err := s.repo.InsertWorkItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to insert work item: %w", err)
	}

	slog.InfoContext(ctx, "work item submitted",
		"work_item_id", item.ID,
		"repo", item.Repo,
		"status", item.Status,
		"priority", item.Priority)

	return item, nil
}

// Get retrieves a work item by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.WorkItem, error) {
	return s.repo.FindWorkItemByID(ctx, id)
}

// ClaimNext atomically claims the next visible queued item and transitions
// it to assigned. Returns nil when nothing is claimable.
func (s *Service) ClaimNext(ctx context.Context, typeFilter *domain.WorkItemType) (*domain.WorkItem, error) {
	item, err := s.repo.ClaimNextWorkItem(ctx, typeFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}
	return item, nil
}

// Cancel transitions a non-terminal item to cancelled and reports whether
// the transition occurred. The pre-cancellation status is returned so
// callers can abort in-flight spec generation or signal running workers.
func (s *Service) Cancel(ctx context.Context, id string) (domain.WorkItemStatus, bool, error) {
	prev, cancelled, err := s.repo.CancelWorkItem(ctx, id)
	if err != nil {
		return "", false, err
	}
	if cancelled {
		slog.InfoContext(ctx, "work item cancelled", "work_item_id", id, "previous_status", prev)
	}
	return prev, cancelled, nil
}

// List returns active (non-terminal) items in claim order.
func (s *Service) List(ctx context.Context, typeFilter *domain.WorkItemType) ([]*domain.WorkItem, error) {
	return s.repo.ListActiveWorkItems(ctx, typeFilter)
}

// Stats returns queue counts by status and priority.
func (s *Service) Stats(ctx context.Context) (*domain.QueueStats, error) {
	return s.repo.QueueStats(ctx)
}

// NewVerificationItem builds the verification item paired with a completed
// execution item. The child inherits repo, branch, priority and iteration
// budget, carries the PR number, and references the parent. The caller
// persists it, typically in the same transaction as the parent's completion.
func NewVerificationItem(parent *domain.WorkItem, prNumber int) (*domain.WorkItem, error) {
	if parent.Type != domain.WorkItemTypeExecution {
		return nil, fmt.Errorf("%w: cannot verify a %s item", domain.ErrInvalidRequest, parent.Type)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate work item ID: %w", err)
	}

	now := time.Now().UTC()
	parentID := parent.ID
	return &domain.WorkItem{
		ID:               id.String(),
		Repo:             parent.Repo,
		Type:             domain.WorkItemTypeVerification,
		Status:           domain.WorkItemStatusQueued,
		Priority:         parent.Priority,
		Branch:           parent.Branch,
		PRNumber:         &prNumber,
		PRURL:            parent.PRURL,
		ParentWorkItemID: &parentID,
		MaxIterations:    parent.MaxIterations,
		Source:           parent.Source,
		SourceRef:        parent.SourceRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// EnqueueVerification creates and persists the verification item paired
// with a completed execution item.
func (s *Service) EnqueueVerification(ctx context.Context, parent *domain.WorkItem, prNumber int) (*domain.WorkItem, error) {
	item, err := NewVerificationItem(parent, prNumber)
	if err != nil {
		return nil, err
	}

	if err := s.repo.InsertWorkItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue verification item: %w", err)
	}

	slog.InfoContext(ctx, "verification item enqueued",
		"work_item_id", item.ID,
		"parent_work_item_id", parent.ID,
		"pr_number", prNumber)

	return item, nil
}
