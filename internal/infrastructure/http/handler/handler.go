// Package handler implements the orchestrator's JSON API: work item
// submission, worker RPCs and the read-only projections.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rezkam/whim/internal/application/locks"
	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/application/specgen"
)

// BudgetReporter reports daily dispatch budget consumption for the status
// projection.
type BudgetReporter interface {
	BudgetStatus() (used, budget int)
}

// Handler holds the application services behind the HTTP surface.
type Handler struct {
	queue     *queue.Service
	registry  *registry.Registry
	locks     *locks.Service
	specgen   *specgen.Manager
	telemetry registry.TelemetryRepository
	budget    BudgetReporter
}

// New creates the API handler. budget may be nil when no dispatcher runs in
// this process.
func New(q *queue.Service, r *registry.Registry, l *locks.Service, sg *specgen.Manager, telemetry registry.TelemetryRepository, budget BudgetReporter) *Handler {
	return &Handler{
		queue:     q,
		registry:  r,
		locks:     l,
		specgen:   sg,
		telemetry: telemetry,
		budget:    budget,
	}
}

// Routes returns the router for mounting under /api.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/work", func(r chi.Router) {
		r.Post("/", h.SubmitWork)
		r.Get("/{id}", h.GetWork)
		r.Post("/{id}/cancel", h.CancelWork)
	})

	r.Route("/worker/{workerID}", func(r chi.Router) {
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/lock", h.Lock)
		r.Post("/unlock", h.Unlock)
		r.Post("/complete", h.Complete)
		r.Post("/fail", h.Fail)
		r.Post("/stuck", h.Stuck)
	})

	r.Post("/workers/{workerID}/kill", h.Kill)

	r.Get("/queue", h.Queue)
	r.Get("/workers", h.Workers)
	r.Get("/locks", h.Locks)
	r.Get("/status", h.Status)
	r.Get("/metrics", h.Metrics)
	r.Get("/learnings", h.Learnings)
	r.Get("/reviews", h.Reviews)

	return r
}
