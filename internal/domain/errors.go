package domain

import (
	"errors"
	"fmt"
)

// Domain errors returned by repository implementations and services.

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrWorkItemNotFound indicates the specified work item does not exist.
	ErrWorkItemNotFound = errors.New("work item not found")

	// ErrWorkerNotFound indicates the specified worker does not exist.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrParentNotFound indicates a verification item references a missing
	// execution item. This is an invariant breach, surfaced as fatal.
	ErrParentNotFound = errors.New("parent work item not found")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")

	// ErrRepoRequired indicates the repo field was empty.
	ErrRepoRequired = errors.New("repo is required")

	// ErrSpecOrDescription indicates the submission carried neither or both
	// of spec and description; exactly one must be set.
	ErrSpecOrDescription = errors.New("exactly one of spec or description is required")

	// ErrInvalidPriority indicates an unknown priority level.
	ErrInvalidPriority = errors.New("invalid priority level")

	// ErrTerminalState indicates a transition was attempted out of a
	// terminal status.
	ErrTerminalState = errors.New("item is in a terminal state")

	// ErrNotCancellable indicates the item cannot be cancelled from its
	// current status.
	ErrNotCancellable = errors.New("item is not cancellable")

	// ErrWorkerTerminal indicates an RPC arrived for a worker that already
	// reached a terminal state; the caller should stop.
	ErrWorkerTerminal = errors.New("worker is in a terminal state")

	// ErrInvalidRequest indicates a malformed request body.
	ErrInvalidRequest = errors.New("invalid request")
)

// LockConflictError reports a failed all-or-nothing lock acquisition with
// the first worker found holding one of the requested paths.
type LockConflictError struct {
	Repo              string
	Path              string
	ConflictingWorker string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("path %s in %s is locked by worker %s", e.Path, e.Repo, e.ConflictingWorker)
}

// AsLockConflict extracts a LockConflictError from err, if present.
func AsLockConflict(err error) (*LockConflictError, bool) {
	var conflict *LockConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
