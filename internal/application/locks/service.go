// Package locks provides the per-repository file-lock service: at most one
// concurrent writer per file path across workers operating on the same
// repository.
package locks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rezkam/whim/internal/domain"
)

// Repository defines storage operations for file locks. Lock records live
// in the store so they survive restarts; a unique (repo, path) index
// provides the mutual exclusion.
type Repository interface {
	// AcquireFileLocks inserts all paths for the worker in one transaction.
	// If any path is held by a different worker the whole request fails
	// with a *domain.LockConflictError naming the first conflicting holder.
	// Paths already held by the same worker are no-op successes.
	AcquireFileLocks(ctx context.Context, workerID, repo string, paths []string) error

	// ReleaseFileLocks removes the worker's locks on the given paths.
	// Paths not held by the worker are ignored.
	ReleaseFileLocks(ctx context.Context, workerID, repo string, paths []string) error

	// ReleaseAllLocksOf removes every lock held by the worker.
	ReleaseAllLocksOf(ctx context.Context, workerID string) error

	// ListFileLocks returns all currently held locks.
	ListFileLocks(ctx context.Context) ([]*domain.FileLock, error)
}

// AcquireResult reports the outcome of an all-or-nothing acquisition.
type AcquireResult struct {
	Acquired          bool
	ConflictingWorker string
}

// Service is the file-lock service used by worker lock/unlock RPCs and by
// terminal worker transitions.
type Service struct {
	repo Repository
}

// NewService creates a file-lock service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Acquire takes exclusive locks on all paths or none of them. A conflict is
// not an error at this level; the conflicting worker is reported so the
// caller can wait or reschedule.
func (s *Service) Acquire(ctx context.Context, workerID, repo string, paths []string) (*AcquireResult, error) {
	if len(paths) == 0 {
		return &AcquireResult{Acquired: true}, nil
	}

	// Deterministic order keeps concurrent acquirers from deadlocking on
	// overlapping sets.
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	err := s.repo.AcquireFileLocks(ctx, workerID, repo, sorted)
	if err != nil {
		if conflict, ok := domain.AsLockConflict(err); ok {
			slog.InfoContext(ctx, "file lock conflict",
				"worker_id", workerID,
				"repo", repo,
				"path", conflict.Path,
				"held_by", conflict.ConflictingWorker)
			return &AcquireResult{Acquired: false, ConflictingWorker: conflict.ConflictingWorker}, nil
		}
		return nil, fmt.Errorf("failed to acquire file locks: %w", err)
	}

	return &AcquireResult{Acquired: true}, nil
}

// Release frees the worker's locks on the given paths.
func (s *Service) Release(ctx context.Context, workerID, repo string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := s.repo.ReleaseFileLocks(ctx, workerID, repo, paths); err != nil {
		return fmt.Errorf("failed to release file locks: %w", err)
	}
	return nil
}

// ReleaseAllOf frees every lock held by the worker. Invoked on terminal
// worker transitions; terminal transitions executed by the store release
// locks in the same transaction, so this is the path for explicit RPCs and
// repair sweeps only.
func (s *Service) ReleaseAllOf(ctx context.Context, workerID string) error {
	if err := s.repo.ReleaseAllLocksOf(ctx, workerID); err != nil {
		return fmt.Errorf("failed to release locks of worker %s: %w", workerID, err)
	}
	return nil
}

// List returns all currently held locks for the read surface.
func (s *Service) List(ctx context.Context) ([]*domain.FileLock, error) {
	return s.repo.ListFileLocks(ctx)
}
