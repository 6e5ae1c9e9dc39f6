package handler

import (
	"net/http"

	"github.com/rezkam/whim/internal/domain"
	"github.com/rezkam/whim/internal/infrastructure/http/response"
)

// queueResponse is the active-queue projection.
type queueResponse struct {
	Items []workItemResponse `json:"items"`
	Stats queueStats         `json:"stats"`
}

type queueStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	ByPriority map[string]int `json:"byPriority"`
}

// Queue handles GET /api/queue.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	var typeFilter *domain.WorkItemType
	if t := r.URL.Query().Get("type"); t != "" {
		wt := domain.WorkItemType(t)
		if !wt.Valid() {
			response.ValidationError(w, "type", "must be execution or verification")
			return
		}
		typeFilter = &wt
	}

	items, err := h.queue.List(r.Context(), typeFilter)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	response.OK(w, queueResponse{
		Items: toWorkItemResponses(items),
		Stats: toQueueStats(stats),
	})
}

// Workers handles GET /api/workers.
func (h *Handler) Workers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.registry.ListWorkers(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toWorkerResponses(workers))
}

// Locks handles GET /api/locks.
func (h *Handler) Locks(w http.ResponseWriter, r *http.Request) {
	held, err := h.locks.List(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toFileLockResponses(held))
}

// statusResponse is the combined operational snapshot.
type statusResponse struct {
	Queue         queueStats         `json:"queue"`
	ActiveWorkers int                `json:"activeWorkers"`
	Generating    []string           `json:"generating,omitempty"`
	Locks         []fileLockResponse `json:"locks"`
	Budget        *budgetStatus      `json:"budget,omitempty"`
}

type budgetStatus struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// Status handles GET /api/status: queue counts, live worker count,
// in-flight generations, held locks and the dispatch budget.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	active, err := h.registry.ActiveWorkerCount(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	held, err := h.locks.List(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	resp := statusResponse{
		Queue:         toQueueStats(stats),
		ActiveWorkers: active,
		Generating:    h.specgen.InFlightIDs(),
		Locks:         toFileLockResponses(held),
	}
	if h.budget != nil {
		used, total := h.budget.BudgetStatus()
		resp.Budget = &budgetStatus{Used: used, Total: total}
	}

	response.OK(w, resp)
}

// Metrics handles GET /api/metrics.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.telemetry.ListMetrics(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toMetricResponses(metrics))
}

// Learnings handles GET /api/learnings?repo=&spec=.
func (h *Handler) Learnings(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		response.ValidationError(w, "repo", "required query parameter")
		return
	}

	learnings, err := h.telemetry.ListLearnings(r.Context(), repo, r.URL.Query().Get("spec"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toLearningResponses(learnings))
}

// Reviews handles GET /api/reviews.
func (h *Handler) Reviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := h.telemetry.ListReviews(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toReviewResponses(reviews))
}

func toQueueStats(stats *domain.QueueStats) queueStats {
	out := queueStats{
		Total:      stats.Total,
		ByStatus:   make(map[string]int, len(stats.ByStatus)),
		ByPriority: make(map[string]int, len(stats.ByPriority)),
	}
	for status, n := range stats.ByStatus {
		out.ByStatus[string(status)] = n
	}
	for priority, n := range stats.ByPriority {
		out.ByPriority[string(priority)] = n
	}
	return out
}
