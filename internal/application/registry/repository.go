package registry

import (
	"context"
	"time"

	"github.com/rezkam/whim/internal/domain"
)

// HeartbeatUpdate carries the optional fields of a heartbeat RPC.
type HeartbeatUpdate struct {
	Iteration int
	Status    *domain.WorkerStatus
	TokensIn  *int64
	TokensOut *int64
}

// HeartbeatAck is the orchestrator's answer to a heartbeat. CancelRequested
// signals the worker to terminate cooperatively.
type HeartbeatAck struct {
	CancelRequested bool
}

// ItemTransition describes the work-item side of a terminal worker
// transition.
type ItemTransition struct {
	Status      domain.WorkItemStatus
	RetryCount  int
	NextRetryAt *time.Time
	Error       *string
	PRNumber    *int
	PRURL       *string
	CompletedAt *time.Time
	Iteration   *int
	// VerificationPassed records the verdict on the verification item
	// itself (the parent's copy is written via ParentVerification).
	VerificationPassed *bool
}

// ParentVerification records the verifier's verdict on the parent execution
// item. Applied only if the parent's verdict is still unknown, which makes
// repeated completions idempotent.
type ParentVerification struct {
	ParentID string
	Passed   bool
}

// FinishParams is the single transactional primitive for terminal worker
// transitions. The worker status write, the item transition, file-lock
// release, telemetry appends, the verification enqueue and the parent
// verdict all commit together or not at all.
type FinishParams struct {
	WorkerID     string
	WorkerStatus domain.WorkerStatus
	Item         *ItemTransition // nil leaves the work item untouched

	Metrics   []domain.WorkerMetric
	Learnings []domain.Learning
	Review    *domain.PRReview

	VerificationItem   *domain.WorkItem
	ParentVerification *ParentVerification
}

// Repository defines storage operations for the worker registry.
type Repository interface {
	// RegisterWorker creates a worker in starting state and transitions its
	// work item from assigned to in_progress, recording the association.
	// Both writes happen in one transaction.
	RegisterWorker(ctx context.Context, worker *domain.Worker) error

	// FindWorkerByID retrieves a worker by ID.
	// Returns domain.ErrWorkerNotFound if it does not exist.
	FindWorkerByID(ctx context.Context, id string) (*domain.Worker, error)

	// RecordHeartbeat updates lastHeartbeat, iteration and rolling token
	// counters under row-level locking. Returns domain.ErrWorkerNotFound or
	// domain.ErrWorkerTerminal when the caller should stop. The ack carries
	// whether the item was cancelled out from under the worker.
	RecordHeartbeat(ctx context.Context, workerID string, update HeartbeatUpdate) (*HeartbeatAck, error)

	// FinishWorker applies a terminal worker transition atomically with its
	// item transition, lock release and telemetry appends.
	// Returns domain.ErrWorkerTerminal if the worker already finished.
	FinishWorker(ctx context.Context, params FinishParams) error

	// FindStaleWorkers returns non-terminal workers whose last heartbeat is
	// older than the cutoff.
	FindStaleWorkers(ctx context.Context, cutoff time.Time) ([]*domain.Worker, error)

	// RequeueOrphanedAssignments reverts assigned items with no registered
	// worker that have sat unclaimed since before the cutoff: back to
	// queued, retry counter incremented, immediately visible.
	// Returns the number of items reverted.
	RequeueOrphanedAssignments(ctx context.Context, cutoff time.Time) (int, error)

	// ListWorkers returns all worker records, most recent first.
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)

	// CountActiveWorkers returns the number of workers in a non-terminal
	// status.
	CountActiveWorkers(ctx context.Context) (int, error)
}

// TelemetryRepository defines the append-only side tables and their read
// projections.
type TelemetryRepository interface {
	ListLearnings(ctx context.Context, repo, spec string) ([]*domain.Learning, error)
	ListMetrics(ctx context.Context) ([]*domain.WorkerMetric, error)
	ListReviews(ctx context.Context) ([]*domain.PRReview, error)
}
