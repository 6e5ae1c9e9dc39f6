package postgres

import (
	"context"
	"fmt"

	"github.com/rezkam/whim/internal/domain"
)

// AcquireFileLocks inserts all paths for the worker in one transaction.
// The (repo, path) primary key provides the mutual exclusion; a path held
// by another worker fails the whole batch with a LockConflictError.
func (s *Store) AcquireFileLocks(ctx context.Context, workerID, repo string, paths []string) error {
	return s.executeInTransaction(ctx, "acquire_file_locks", func(txStore *Store) error {
		for _, path := range paths {
			var holder string
			err := txStore.db.QueryRow(ctx, `
				INSERT INTO file_locks (repo, path, worker_id, acquired_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (repo, path) DO UPDATE
					SET worker_id = file_locks.worker_id
				RETURNING worker_id
			`, repo, path, workerID).Scan(&holder)
			if err != nil {
				return fmt.Errorf("failed to acquire lock on %s: %w", path, err)
			}
			if holder != workerID {
				return &domain.LockConflictError{
					Repo:              repo,
					Path:              path,
					ConflictingWorker: holder,
				}
			}
		}
		return nil
	})
}

// ReleaseFileLocks removes the worker's locks on the given paths. Paths not
// held by the worker are ignored.
func (s *Store) ReleaseFileLocks(ctx context.Context, workerID, repo string, paths []string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM file_locks
		WHERE worker_id = $1 AND repo = $2 AND path = ANY($3)
	`, workerID, repo, paths)
	if err != nil {
		return fmt.Errorf("failed to release file locks: %w", err)
	}
	return nil
}

// ReleaseAllLocksOf removes every lock held by the worker.
func (s *Store) ReleaseAllLocksOf(ctx context.Context, workerID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM file_locks WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("failed to release locks of worker %s: %w", workerID, err)
	}
	return nil
}

// ListFileLocks returns all currently held locks.
func (s *Store) ListFileLocks(ctx context.Context) ([]*domain.FileLock, error) {
	rows, err := s.db.Query(ctx, `
		SELECT repo, path, worker_id, acquired_at
		FROM file_locks
		ORDER BY repo, path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list file locks: %w", err)
	}
	defer rows.Close()

	var locks []*domain.FileLock
	for rows.Next() {
		var l domain.FileLock
		if err := rows.Scan(&l.Repo, &l.Path, &l.WorkerID, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan file lock: %w", err)
		}
		l.AcquiredAt = l.AcquiredAt.UTC()
		locks = append(locks, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file lock rows: %w", err)
	}
	return locks, nil
}
