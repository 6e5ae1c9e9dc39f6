package handler

import (
	"time"

	"github.com/rezkam/whim/internal/domain"
)

// workItemResponse is the wire shape of a work item.
type workItemResponse struct {
	ID                 string          `json:"id"`
	Repo               string          `json:"repo"`
	Type               string          `json:"type"`
	Status             string          `json:"status"`
	Priority           string          `json:"priority"`
	Spec               *string         `json:"spec,omitempty"`
	Description        *string         `json:"description,omitempty"`
	Branch             *string         `json:"branch,omitempty"`
	PRNumber           *int            `json:"prNumber,omitempty"`
	PRURL              *string         `json:"prUrl,omitempty"`
	ParentWorkItemID   *string         `json:"parentWorkItemId,omitempty"`
	VerificationPassed *bool           `json:"verificationPassed,omitempty"`
	Iteration          int             `json:"iteration"`
	MaxIterations      int             `json:"maxIterations"`
	RetryCount         int             `json:"retryCount"`
	NextRetryAt        *time.Time      `json:"nextRetryAt,omitempty"`
	Source             *string         `json:"source,omitempty"`
	SourceRef          *string         `json:"sourceRef,omitempty"`
	Metadata           domain.Metadata `json:"metadata,omitempty"`
	WorkerID           *string         `json:"workerId,omitempty"`
	Error              *string         `json:"error,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
}

func toWorkItemResponse(item *domain.WorkItem) workItemResponse {
	return workItemResponse{
		ID:                 item.ID,
		Repo:               item.Repo,
		Type:               string(item.Type),
		Status:             string(item.Status),
		Priority:           string(item.Priority),
		Spec:               item.Spec,
		Description:        item.Description,
		Branch:             item.Branch,
		PRNumber:           item.PRNumber,
		PRURL:              item.PRURL,
		ParentWorkItemID:   item.ParentWorkItemID,
		VerificationPassed: item.VerificationPassed,
		Iteration:          item.Iteration,
		MaxIterations:      item.MaxIterations,
		RetryCount:         item.RetryCount,
		NextRetryAt:        item.NextRetryAt,
		Source:             item.Source,
		SourceRef:          item.SourceRef,
		Metadata:           item.Metadata,
		WorkerID:           item.WorkerID,
		Error:              item.Error,
		CreatedAt:          item.CreatedAt,
		UpdatedAt:          item.UpdatedAt,
		CompletedAt:        item.CompletedAt,
	}
}

func toWorkItemResponses(items []*domain.WorkItem) []workItemResponse {
	out := make([]workItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toWorkItemResponse(item))
	}
	return out
}

// workerResponse is the wire shape of a worker record.
type workerResponse struct {
	ID            string    `json:"id"`
	WorkItemID    string    `json:"workItemId"`
	Status        string    `json:"status"`
	Iteration     int       `json:"iteration"`
	TokensIn      int64     `json:"tokensIn"`
	TokensOut     int64     `json:"tokensOut"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	StartedAt     time.Time `json:"startedAt"`
}

func toWorkerResponse(w *domain.Worker) workerResponse {
	return workerResponse{
		ID:            w.ID,
		WorkItemID:    w.WorkItemID,
		Status:        string(w.Status),
		Iteration:     w.Iteration,
		TokensIn:      w.TokensIn,
		TokensOut:     w.TokensOut,
		LastHeartbeat: w.LastHeartbeat,
		StartedAt:     w.StartedAt,
	}
}

func toWorkerResponses(workers []*domain.Worker) []workerResponse {
	out := make([]workerResponse, 0, len(workers))
	for _, w := range workers {
		out = append(out, toWorkerResponse(w))
	}
	return out
}

type fileLockResponse struct {
	Repo       string    `json:"repo"`
	Path       string    `json:"path"`
	WorkerID   string    `json:"workerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

func toFileLockResponses(held []*domain.FileLock) []fileLockResponse {
	out := make([]fileLockResponse, 0, len(held))
	for _, l := range held {
		out = append(out, fileLockResponse{
			Repo:       l.Repo,
			Path:       l.Path,
			WorkerID:   l.WorkerID,
			AcquiredAt: l.AcquiredAt,
		})
	}
	return out
}

type learningResponse struct {
	ID         string    `json:"id"`
	Repo       string    `json:"repo"`
	Spec       string    `json:"spec,omitempty"`
	Content    string    `json:"content"`
	WorkItemID string    `json:"workItemId"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toLearningResponses(learnings []*domain.Learning) []learningResponse {
	out := make([]learningResponse, 0, len(learnings))
	for _, l := range learnings {
		out = append(out, learningResponse{
			ID:         l.ID,
			Repo:       l.Repo,
			Spec:       l.Spec,
			Content:    l.Content,
			WorkItemID: l.WorkItemID,
			CreatedAt:  l.CreatedAt,
		})
	}
	return out
}

type metricResponse struct {
	WorkerID      string    `json:"workerId"`
	WorkItemID    string    `json:"workItemId"`
	Iteration     int       `json:"iteration"`
	TokensIn      int64     `json:"tokensIn"`
	TokensOut     int64     `json:"tokensOut"`
	DurationMs    int64     `json:"durationMs"`
	FilesModified int       `json:"filesModified"`
	TestsRun      int       `json:"testsRun"`
	TestsPassed   int       `json:"testsPassed"`
	Timestamp     time.Time `json:"timestamp"`
}

func toMetricResponses(metrics []*domain.WorkerMetric) []metricResponse {
	out := make([]metricResponse, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, metricResponse{
			WorkerID:      m.WorkerID,
			WorkItemID:    m.WorkItemID,
			Iteration:     m.Iteration,
			TokensIn:      m.TokensIn,
			TokensOut:     m.TokensOut,
			DurationMs:    m.Duration.Milliseconds(),
			FilesModified: m.FilesModified,
			TestsRun:      m.TestsRun,
			TestsPassed:   m.TestsPassed,
			Timestamp:     m.Timestamp,
		})
	}
	return out
}

type reviewResponse struct {
	WorkItemID     string    `json:"workItemId"`
	SpecAlignment  string    `json:"specAlignment"`
	CodeQuality    string    `json:"codeQuality"`
	OverallSummary *string   `json:"overallSummary,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toReviewResponses(reviews []*domain.PRReview) []reviewResponse {
	out := make([]reviewResponse, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, reviewResponse{
			WorkItemID:     r.WorkItemID,
			SpecAlignment:  r.SpecAlignment,
			CodeQuality:    r.CodeQuality,
			OverallSummary: r.OverallSummary,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out
}
