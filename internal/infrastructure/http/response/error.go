package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rezkam/whim/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []ErrorField `json:"details,omitempty"`
}

// ErrorField describes a field-specific error.
type ErrorField struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// BadRequest sends a 400 Bad Request error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, "INVALID_REQUEST", message, http.StatusBadRequest)
}

// ValidationError sends a 400 validation error with field details.
func ValidationError(w http.ResponseWriter, field, issue string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    "VALIDATION_ERROR",
			Message: "validation failed",
			Details: []ErrorField{
				{Field: field, Issue: issue},
			},
		},
	})
}

// NotFound sends a 404 Not Found error.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, "NOT_FOUND", resource+" not found", http.StatusNotFound)
}

// Conflict sends a 409 Conflict error.
func Conflict(w http.ResponseWriter, code, message string) {
	Error(w, code, message, http.StatusConflict)
}

// InternalError sends a 500 Internal Server Error. The real error is logged
// server-side; the client gets a generic message.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.ErrorContext(r.Context(), "internal server error", "error", err)
	}
	Error(w, "INTERNAL_ERROR", "an internal error occurred", http.StatusInternalServerError)
}

// Error sends a generic error response.
func Error(w http.ResponseWriter, code, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// FromDomainError maps domain errors to HTTP responses.
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if conflict, ok := domain.AsLockConflict(err); ok {
		Conflict(w, "LOCK_CONFLICT", conflict.Error())
		return
	}

	switch {
	// Validation errors (400)
	case errors.Is(err, domain.ErrRepoRequired):
		ValidationError(w, "repo", "required field missing")
	case errors.Is(err, domain.ErrSpecOrDescription):
		ValidationError(w, "spec", "exactly one of spec or description is required")
	case errors.Is(err, domain.ErrInvalidPriority):
		ValidationError(w, "priority", "invalid priority level")
	case errors.Is(err, domain.ErrInvalidID):
		ValidationError(w, "id", "invalid ID format")
	case errors.Is(err, domain.ErrInvalidRequest):
		BadRequest(w, err.Error())

	// Not found errors (404)
	case errors.Is(err, domain.ErrWorkItemNotFound):
		NotFound(w, "work item")
	case errors.Is(err, domain.ErrWorkerNotFound):
		NotFound(w, "worker")
	case errors.Is(err, domain.ErrParentNotFound):
		NotFound(w, "parent work item")
	case errors.Is(err, domain.ErrNotFound):
		NotFound(w, "resource")

	// Conflict errors (409)
	case errors.Is(err, domain.ErrTerminalState):
		Conflict(w, "TERMINAL_STATE", err.Error())
	case errors.Is(err, domain.ErrNotCancellable):
		Conflict(w, "NOT_CANCELLABLE", err.Error())
	case errors.Is(err, domain.ErrWorkerTerminal):
		Conflict(w, "WORKER_TERMINAL", err.Error())

	// Unknown errors (500)
	default:
		InternalError(w, r, err)
	}
}
