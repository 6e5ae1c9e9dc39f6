package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/domain"
	"github.com/rezkam/whim/internal/infrastructure/http/response"
)

// submitRequest is the submission payload. Exactly one of description and
// spec must be set.
type submitRequest struct {
	Repo          string          `json:"repo"`
	Description   *string         `json:"description,omitempty"`
	Spec          *string         `json:"spec,omitempty"`
	Branch        *string         `json:"branch,omitempty"`
	Priority      *string         `json:"priority,omitempty"`
	MaxIterations *int            `json:"maxIterations,omitempty"`
	Source        *string         `json:"source,omitempty"`
	SourceRef     *string         `json:"sourceRef,omitempty"`
	Metadata      domain.Metadata `json:"metadata,omitempty"`
}

// SubmitWork handles POST /api/work. Description submissions start spec
// generation in the background; spec submissions are immediately claimable.
func (h *Handler) SubmitWork(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	var priority *domain.Priority
	if req.Priority != nil {
		p := domain.Priority(*req.Priority)
		priority = &p
	}

	item, err := h.queue.Submit(r.Context(), queue.SubmitRequest{
		Repo:          req.Repo,
		Spec:          req.Spec,
		Description:   req.Description,
		Branch:        req.Branch,
		Priority:      priority,
		MaxIterations: req.MaxIterations,
		Source:        req.Source,
		SourceRef:     req.SourceRef,
		Metadata:      req.Metadata,
	})
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	if item.Status == domain.WorkItemStatusGenerating {
		h.specgen.Start(item)
	}

	response.Created(w, toWorkItemResponse(item))
}

// GetWork handles GET /api/work/{id}.
func (h *Handler) GetWork(w http.ResponseWriter, r *http.Request) {
	item, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toWorkItemResponse(item))
}

// cancelResponse reports the outcome of a cancellation request.
type cancelResponse struct {
	Cancelled      bool   `json:"cancelled"`
	PreviousStatus string `json:"previousStatus"`
}

// CancelWork handles POST /api/work/{id}/cancel. Generating items get their
// spec-gen child aborted; running workers learn of the cancel on their next
// heartbeat.
func (h *Handler) CancelWork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	prev, cancelled, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	if cancelled && prev == domain.WorkItemStatusGenerating {
		h.specgen.Cancel(id)
	}

	response.OK(w, cancelResponse{
		Cancelled:      cancelled,
		PreviousStatus: string(prev),
	})
}
