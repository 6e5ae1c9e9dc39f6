package domain

import (
	"time"
)

// WorkItemType distinguishes the two pipeline stages a work item can belong to.
type WorkItemType string

const (
	// WorkItemTypeExecution produces a pull request from a spec.
	WorkItemTypeExecution WorkItemType = "execution"
	// WorkItemTypeVerification validates the pull request of its parent execution item.
	WorkItemTypeVerification WorkItemType = "verification"
)

// Valid reports whether t is a known work item type.
func (t WorkItemType) Valid() bool {
	return t == WorkItemTypeExecution || t == WorkItemTypeVerification
}

// Rank orders types for claiming: execution items outrank verification items
// so that PRs keep flowing and verifications never block new executions.
func (t WorkItemType) Rank() int {
	if t == WorkItemTypeExecution {
		return 1
	}
	return 0
}

// WorkItemStatus is the lifecycle state of a work item.
type WorkItemStatus string

const (
	WorkItemStatusGenerating WorkItemStatus = "generating"
	WorkItemStatusQueued     WorkItemStatus = "queued"
	WorkItemStatusAssigned   WorkItemStatus = "assigned"
	WorkItemStatusInProgress WorkItemStatus = "in_progress"
	WorkItemStatusCompleted  WorkItemStatus = "completed"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusCancelled  WorkItemStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkItemStatus) Terminal() bool {
	switch s {
	case WorkItemStatusCompleted, WorkItemStatusFailed, WorkItemStatusCancelled:
		return true
	}
	return false
}

// Priority orders work items within a type. Higher rank claims first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank returns the numeric claim rank: critical > high > medium > low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// WorkerStatus is the lifecycle state of a worker record.
type WorkerStatus string

const (
	WorkerStatusStarting  WorkerStatus = "starting"
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusCompleted WorkerStatus = "completed"
	WorkerStatusFailed    WorkerStatus = "failed"
	WorkerStatusStuck     WorkerStatus = "stuck"
	WorkerStatusKilled    WorkerStatus = "killed"
)

// Terminal reports whether the worker can make no further transitions.
// Terminal workers hold no file locks; lock release happens in the same
// transaction as the terminal transition.
func (s WorkerStatus) Terminal() bool {
	switch s {
	case WorkerStatusCompleted, WorkerStatusFailed, WorkerStatusStuck, WorkerStatusKilled:
		return true
	}
	return false
}

// Metadata is the opaque provenance payload carried on a work item.
// Persisted verbatim; consumers project it into typed views at the edge.
type Metadata map[string]any

// WorkItem is the durable unit of work tracked through the pipeline.
type WorkItem struct {
	ID          string
	Repo        string // "owner/name"
	Type        WorkItemType
	Status      WorkItemStatus
	Priority    Priority
	Spec        *string // nil iff verification item or execution still generating
	Description *string // nil iff spec supplied directly
	Branch      *string // nil iff status=generating

	PRNumber *int
	PRURL    *string

	// ParentWorkItemID links a verification item to the execution item
	// whose PR it validates. Non-nil iff Type=verification.
	ParentWorkItemID *string
	// VerificationPassed is tri-state: nil until the paired verification
	// item completes, then the verifier's verdict.
	VerificationPassed *bool

	Iteration     int
	MaxIterations int

	RetryCount  int
	NextRetryAt *time.Time

	Source    *string
	SourceRef *string
	Metadata  Metadata

	WorkerID *string

	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ClaimVisible reports whether the item is eligible for claiming at now:
// queued and past its retry gate.
func (w *WorkItem) ClaimVisible(now time.Time) bool {
	if w.Status != WorkItemStatusQueued {
		return false
	}
	return w.NextRetryAt == nil || !w.NextRetryAt.After(now)
}

// Worker is the lifecycle record of one external harness process
// consuming one work item.
type Worker struct {
	ID            string
	WorkItemID    string
	Status        WorkerStatus
	Iteration     int
	TokensIn      int64
	TokensOut     int64
	LastHeartbeat time.Time
	StartedAt     time.Time
}

// FileLock is an exclusive per-path reservation within a repo.
// An entry exists iff the holder is a non-terminal worker.
type FileLock struct {
	Repo       string
	Path       string
	WorkerID   string
	AcquiredAt time.Time
}

// Learning is an append-only note persisted after a run and surfaced to
// subsequent workers on the same repo.
type Learning struct {
	ID         string
	Repo       string
	Spec       string
	Content    string
	WorkItemID string
	CreatedAt  time.Time
}

// WorkerMetric is one per-iteration measurement row. Append-only.
type WorkerMetric struct {
	WorkerID      string
	WorkItemID    string
	Iteration     int
	TokensIn      int64
	TokensOut     int64
	Duration      time.Duration
	FilesModified int
	TestsRun      int
	TestsPassed   int
	Timestamp     time.Time
}

// PRReview is the verifier's structured report, keyed by work item.
type PRReview struct {
	WorkItemID     string
	SpecAlignment  string
	CodeQuality    string
	OverallSummary *string
	CreatedAt      time.Time
}

// QueueStats is the denormalized queue projection served read-only.
type QueueStats struct {
	Total      int
	ByStatus   map[WorkItemStatus]int
	ByPriority map[Priority]int
}
