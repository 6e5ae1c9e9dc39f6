package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/domain"
)

// CompleteRequest is the payload of a worker's completion RPC.
type CompleteRequest struct {
	PRURL               *string
	PRNumber            *int
	Metrics             []domain.WorkerMetric
	Learnings           []string
	Review              *domain.PRReview
	VerificationEnabled bool
}

// Registry tracks worker lifecycles: registration, heartbeat ingestion,
// completion with the verification chain-of-custody, and failure routing
// through the retry policy.
type Registry struct {
	repo   Repository
	items  queue.Repository
	policy Policy
}

// New creates a worker registry.
func New(repo Repository, items queue.Repository, policy Policy) *Registry {
	return &Registry{repo: repo, items: items, policy: policy}
}

// Register creates a worker in starting state and moves its work item to
// in_progress.
func (r *Registry) Register(ctx context.Context, workItemID, workerID string) (*domain.Worker, error) {
	now := time.Now().UTC()
	worker := &domain.Worker{
		ID:            workerID,
		WorkItemID:    workItemID,
		Status:        domain.WorkerStatusStarting,
		LastHeartbeat: now,
		StartedAt:     now,
	}

	if err := r.repo.RegisterWorker(ctx, worker); err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	slog.InfoContext(ctx, "worker registered", "worker_id", workerID, "work_item_id", workItemID)
	return worker, nil
}

// Heartbeat ingests a liveness report. The ack tells the worker whether its
// item was cancelled so it can terminate cooperatively. Terminal transitions
// never travel over the heartbeat: they only happen through FinishWorker,
// which releases locks and settles the item.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, update HeartbeatUpdate) (*HeartbeatAck, error) {
	if update.Status != nil {
		switch *update.Status {
		case domain.WorkerStatusStarting, domain.WorkerStatusRunning:
		default:
			return nil, fmt.Errorf("%w: heartbeat cannot set worker status %s", domain.ErrInvalidRequest, *update.Status)
		}
	}

	ack, err := r.repo.RecordHeartbeat(ctx, workerID, update)
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// Complete finishes an execution or verification worker successfully.
// Metrics, learnings and the review persist atomically with the status
// transition; when the execution produced a PR and verification is enabled,
// the paired verification item is enqueued in the same transaction.
func (r *Registry) Complete(ctx context.Context, workerID string, req CompleteRequest) (*domain.WorkItem, error) {
	worker, err := r.repo.FindWorkerByID(ctx, workerID)
	if err != nil {
		return nil, err
	}
	item, err := r.items.FindWorkItemByID(ctx, worker.WorkItemID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	params := FinishParams{
		WorkerID:     workerID,
		WorkerStatus: domain.WorkerStatusCompleted,
	}
	// An item that went terminal mid-run (cancelled) stays where it is; only
	// the worker finishes and its locks release.
	if !item.Status.Terminal() {
		params.Item = &ItemTransition{
			Status:      domain.WorkItemStatusCompleted,
			RetryCount:  item.RetryCount,
			PRNumber:    req.PRNumber,
			PRURL:       req.PRURL,
			CompletedAt: &now,
		}
	}

	// Telemetry rows are keyed by the item, not the reporting payload.
	for _, m := range req.Metrics {
		m.WorkerID = workerID
		m.WorkItemID = item.ID
		params.Metrics = append(params.Metrics, m)
	}
	if req.Review != nil {
		review := *req.Review
		review.WorkItemID = item.ID
		params.Review = &review
	}

	for _, content := range req.Learnings {
		spec := ""
		if item.Spec != nil {
			spec = *item.Spec
		}
		params.Learnings = append(params.Learnings, domain.Learning{
			Repo:       item.Repo,
			Spec:       spec,
			Content:    content,
			WorkItemID: item.ID,
			CreatedAt:  now,
		})
	}

	var verification *domain.WorkItem
	if params.Item != nil && req.PRNumber != nil && req.VerificationEnabled && item.Type == domain.WorkItemTypeExecution {
		verification, err = queue.NewVerificationItem(item, *req.PRNumber)
		if err != nil {
			return nil, err
		}
		params.VerificationItem = verification
	}

	if err := r.repo.FinishWorker(ctx, params); err != nil {
		return nil, fmt.Errorf("failed to complete worker: %w", err)
	}

	slog.InfoContext(ctx, "worker completed",
		"worker_id", workerID,
		"work_item_id", item.ID,
		"pr_number", req.PRNumber,
		"verification_enqueued", verification != nil)

	return verification, nil
}

// CompleteVerification finishes a verification worker and records the
// verdict on the parent execution item. Idempotent: the parent's
// verificationPassed reflects the first call.
func (r *Registry) CompleteVerification(ctx context.Context, workerID string, passed bool) error {
	worker, err := r.repo.FindWorkerByID(ctx, workerID)
	if err != nil {
		return err
	}
	item, err := r.items.FindWorkItemByID(ctx, worker.WorkItemID)
	if err != nil {
		return err
	}
	if item.Type != domain.WorkItemTypeVerification {
		return fmt.Errorf("%w: work item %s is not a verification item", domain.ErrInvalidRequest, item.ID)
	}
	if item.ParentWorkItemID == nil {
		return fmt.Errorf("%w: verification item %s", domain.ErrParentNotFound, item.ID)
	}

	now := time.Now().UTC()
	verdict := passed
	params := FinishParams{
		WorkerID:     workerID,
		WorkerStatus: domain.WorkerStatusCompleted,
	}
	// A cancelled verification renders no verdict: the item keeps its
	// terminal state and the parent's verificationPassed stays unset.
	if !item.Status.Terminal() {
		params.Item = &ItemTransition{
			Status:             domain.WorkItemStatusCompleted,
			RetryCount:         item.RetryCount,
			CompletedAt:        &now,
			VerificationPassed: &verdict,
		}
		params.ParentVerification = &ParentVerification{
			ParentID: *item.ParentWorkItemID,
			Passed:   passed,
		}
	}

	if err := r.repo.FinishWorker(ctx, params); err != nil {
		return fmt.Errorf("failed to complete verification: %w", err)
	}

	slog.InfoContext(ctx, "verification completed",
		"worker_id", workerID,
		"work_item_id", item.ID,
		"parent_work_item_id", *item.ParentWorkItemID,
		"passed", passed)

	return nil
}

// Fail records a worker failure and routes the item through the retry
// policy. errClass decides between requeue with backoff and permanent
// failure.
func (r *Registry) Fail(ctx context.Context, workerID, errMsg string, iteration int, class FailureClass) error {
	return r.finishWithPolicy(ctx, workerID, domain.WorkerStatusFailed, errMsg, &iteration, class)
}

// Stuck marks a worker stuck (heartbeat ceased or operator report); the
// item follows the transient retry path with a stuck marker in its error.
func (r *Registry) Stuck(ctx context.Context, workerID, reason string, attempts int) error {
	msg := fmt.Sprintf("stuck: %s (attempts: %d)", reason, attempts)
	return r.finishWithPolicy(ctx, workerID, domain.WorkerStatusStuck, msg, nil, FailureTransient)
}

// Kill is the operator-initiated transition from starting, running or stuck
// to killed. Locks release with the transition; the item requeues through
// the transient path unless it already left in_progress.
func (r *Registry) Kill(ctx context.Context, workerID string) error {
	worker, err := r.repo.FindWorkerByID(ctx, workerID)
	if err != nil {
		return err
	}
	switch worker.Status {
	case domain.WorkerStatusStarting, domain.WorkerStatusRunning, domain.WorkerStatusStuck:
	default:
		return fmt.Errorf("%w: cannot kill worker in status %s", domain.ErrWorkerTerminal, worker.Status)
	}

	item, err := r.items.FindWorkItemByID(ctx, worker.WorkItemID)
	if err != nil {
		return err
	}

	params := FinishParams{WorkerID: workerID, WorkerStatus: domain.WorkerStatusKilled}
	// A stuck worker's item was already requeued by the sweeper; only
	// transition items still bound to this worker.
	if !item.Status.Terminal() && item.Status != domain.WorkItemStatusQueued {
		outcome := r.policy.Decide(item, FailureTransient, time.Now().UTC())
		msg := "worker killed by operator"
		params.Item = &ItemTransition{
			Status:      outcome.Status,
			RetryCount:  outcome.RetryCount,
			NextRetryAt: outcome.NextRetryAt,
			Error:       &msg,
		}
	}

	if err := r.repo.FinishWorker(ctx, params); err != nil {
		return fmt.Errorf("failed to kill worker: %w", err)
	}

	slog.InfoContext(ctx, "worker killed", "worker_id", workerID, "work_item_id", worker.WorkItemID)
	return nil
}

// ListWorkers returns all worker records for the read surface.
func (r *Registry) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	return r.repo.ListWorkers(ctx)
}

// ActiveWorkerCount returns the number of non-terminal workers.
func (r *Registry) ActiveWorkerCount(ctx context.Context) (int, error) {
	return r.repo.CountActiveWorkers(ctx)
}

func (r *Registry) finishWithPolicy(ctx context.Context, workerID string, status domain.WorkerStatus, errMsg string, iteration *int, class FailureClass) error {
	worker, err := r.repo.FindWorkerByID(ctx, workerID)
	if err != nil {
		return err
	}
	item, err := r.items.FindWorkItemByID(ctx, worker.WorkItemID)
	if err != nil {
		return err
	}

	params := FinishParams{WorkerID: workerID, WorkerStatus: status}
	if !item.Status.Terminal() {
		outcome := r.policy.Decide(item, class, time.Now().UTC())
		params.Item = &ItemTransition{
			Status:      outcome.Status,
			RetryCount:  outcome.RetryCount,
			NextRetryAt: outcome.NextRetryAt,
			Error:       &errMsg,
			Iteration:   iteration,
		}
	}

	if err := r.repo.FinishWorker(ctx, params); err != nil {
		return fmt.Errorf("failed to finish worker: %w", err)
	}

	slog.WarnContext(ctx, "worker finished unsuccessfully",
		"worker_id", workerID,
		"worker_status", status,
		"work_item_id", worker.WorkItemID,
		"error", errMsg)

	return nil
}
