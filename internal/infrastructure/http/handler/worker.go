package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/domain"
	"github.com/rezkam/whim/internal/infrastructure/http/response"
)

// heartbeatRequest is the worker liveness payload.
type heartbeatRequest struct {
	Iteration int     `json:"iteration"`
	Status    *string `json:"status,omitempty"`
	TokensIn  *int64  `json:"tokensIn,omitempty"`
	TokensOut *int64  `json:"tokensOut,omitempty"`
}

type heartbeatResponse struct {
	CancelRequested bool `json:"cancelRequested"`
}

// Heartbeat handles POST /api/worker/{workerID}/heartbeat. The response
// tells the worker whether its item was cancelled.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	update := registry.HeartbeatUpdate{
		Iteration: req.Iteration,
		TokensIn:  req.TokensIn,
		TokensOut: req.TokensOut,
	}
	if req.Status != nil {
		status := domain.WorkerStatus(*req.Status)
		update.Status = &status
	}

	ack, err := h.registry.Heartbeat(r.Context(), chi.URLParam(r, "workerID"), update)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	response.OK(w, heartbeatResponse{CancelRequested: ack.CancelRequested})
}

// lockRequest names the paths a worker wants to reserve or free.
type lockRequest struct {
	Repo  string   `json:"repo"`
	Files []string `json:"files"`
}

type lockResponse struct {
	Acquired          bool   `json:"acquired"`
	ConflictingWorker string `json:"conflictingWorker,omitempty"`
}

// Lock handles POST /api/worker/{workerID}/lock. All paths are acquired or
// none; a conflict is a normal 200 with acquired=false.
func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Repo == "" {
		response.ValidationError(w, "repo", "required field missing")
		return
	}

	result, err := h.locks.Acquire(r.Context(), chi.URLParam(r, "workerID"), req.Repo, req.Files)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	response.OK(w, lockResponse{
		Acquired:          result.Acquired,
		ConflictingWorker: result.ConflictingWorker,
	})
}

// Unlock handles POST /api/worker/{workerID}/unlock.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	if err := h.locks.Release(r.Context(), chi.URLParam(r, "workerID"), req.Repo, req.Files); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

// metricInput is one per-iteration measurement in a completion payload.
type metricInput struct {
	Iteration     int   `json:"iteration"`
	TokensIn      int64 `json:"tokensIn"`
	TokensOut     int64 `json:"tokensOut"`
	DurationMs    int64 `json:"durationMs"`
	FilesModified int   `json:"filesModified"`
	TestsRun      int   `json:"testsRun"`
	TestsPassed   int   `json:"testsPassed"`
}

// reviewInput is the verifier's structured report.
type reviewInput struct {
	SpecAlignment  string  `json:"specAlignment"`
	CodeQuality    string  `json:"codeQuality"`
	OverallSummary *string `json:"overallSummary,omitempty"`
}

// completeRequest is the overloaded completion payload. The form carrying
// only verificationPassed is the verification-complete signal; everything
// else is an execution completion.
type completeRequest struct {
	PRURL               *string       `json:"prUrl,omitempty"`
	PRNumber            *int          `json:"prNumber,omitempty"`
	Metrics             []metricInput `json:"metrics,omitempty"`
	Learnings           []string      `json:"learnings,omitempty"`
	Review              *reviewInput  `json:"review,omitempty"`
	VerificationEnabled bool          `json:"verificationEnabled,omitempty"`
	VerificationPassed  *bool         `json:"verificationPassed,omitempty"`
}

func (req *completeRequest) isVerificationForm() bool {
	return req.VerificationPassed != nil &&
		req.PRURL == nil && req.PRNumber == nil &&
		len(req.Metrics) == 0 && len(req.Learnings) == 0 && req.Review == nil
}

type completeResponse struct {
	VerificationWorkItemID *string `json:"verificationWorkItemId,omitempty"`
}

// Complete handles POST /api/worker/{workerID}/complete for both the
// execution and verification forms.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	if req.isVerificationForm() {
		if err := h.registry.CompleteVerification(r.Context(), workerID, *req.VerificationPassed); err != nil {
			response.FromDomainError(w, r, err)
			return
		}
		response.OK(w, completeResponse{})
		return
	}

	completeReq := registry.CompleteRequest{
		PRURL:               req.PRURL,
		PRNumber:            req.PRNumber,
		Learnings:           req.Learnings,
		VerificationEnabled: req.VerificationEnabled,
	}
	for _, m := range req.Metrics {
		completeReq.Metrics = append(completeReq.Metrics, domain.WorkerMetric{
			WorkerID:      workerID,
			Iteration:     m.Iteration,
			TokensIn:      m.TokensIn,
			TokensOut:     m.TokensOut,
			Duration:      time.Duration(m.DurationMs) * time.Millisecond,
			FilesModified: m.FilesModified,
			TestsRun:      m.TestsRun,
			TestsPassed:   m.TestsPassed,
		})
	}
	if req.Review != nil {
		completeReq.Review = &domain.PRReview{
			SpecAlignment:  req.Review.SpecAlignment,
			CodeQuality:    req.Review.CodeQuality,
			OverallSummary: req.Review.OverallSummary,
		}
	}

	verification, err := h.registry.Complete(r.Context(), workerID, completeReq)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	resp := completeResponse{}
	if verification != nil {
		resp.VerificationWorkItemID = &verification.ID
	}
	response.OK(w, resp)
}

// failRequest is the worker failure payload. Terminal marks the failure as
// unrecoverable; otherwise the retry policy applies.
type failRequest struct {
	Error     string `json:"error"`
	Iteration int    `json:"iteration"`
	Terminal  bool   `json:"terminal,omitempty"`
}

// Fail handles POST /api/worker/{workerID}/fail.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Error == "" {
		response.ValidationError(w, "error", "required field missing")
		return
	}

	class := registry.FailureTransient
	if req.Terminal {
		class = registry.FailureTerminal
	}

	if err := h.registry.Fail(r.Context(), chi.URLParam(r, "workerID"), req.Error, req.Iteration, class); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

// stuckRequest reports a worker that stopped making progress.
type stuckRequest struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// Stuck handles POST /api/worker/{workerID}/stuck.
func (h *Handler) Stuck(w http.ResponseWriter, r *http.Request) {
	var req stuckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		response.ValidationError(w, "reason", "required field missing")
		return
	}

	if err := h.registry.Stuck(r.Context(), chi.URLParam(r, "workerID"), req.Reason, req.Attempts); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

// Kill handles POST /api/workers/{workerID}/kill, the operator-initiated
// termination.
func (h *Handler) Kill(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Kill(r.Context(), chi.URLParam(r, "workerID")); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}
