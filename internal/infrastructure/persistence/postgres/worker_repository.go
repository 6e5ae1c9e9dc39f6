package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/domain"
)

const workerColumns = `id, work_item_id, status, iteration, tokens_in, tokens_out, last_heartbeat, started_at`

// RegisterWorker creates a worker in starting state and transitions its
// work item from assigned to in_progress in one transaction.
func (s *Store) RegisterWorker(ctx context.Context, worker *domain.Worker) error {
	return s.executeInTransaction(ctx, "register_worker", func(txStore *Store) error {
		tag, err := txStore.db.Exec(ctx, `
			UPDATE work_items
			SET status = 'in_progress', worker_id = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'assigned'
		`, worker.WorkItemID, worker.ID)
		if err != nil {
			return fmt.Errorf("failed to transition work item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: work item %s is not assigned", domain.ErrWorkItemNotFound, worker.WorkItemID)
		}

		_, err = txStore.db.Exec(ctx, `
			INSERT INTO workers (id, work_item_id, status, iteration, tokens_in, tokens_out, last_heartbeat, started_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, worker.ID, worker.WorkItemID, worker.Status, worker.Iteration,
			worker.TokensIn, worker.TokensOut, worker.LastHeartbeat, worker.StartedAt)
		if err != nil {
			return fmt.Errorf("failed to insert worker: %w", err)
		}
		return nil
	})
}

// FindWorkerByID retrieves a worker by ID.
func (s *Store) FindWorkerByID(ctx context.Context, id string) (*domain.Worker, error) {
	row := s.db.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	worker, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return worker, nil
}

// RecordHeartbeat updates liveness under a row lock and reports whether the
// item was cancelled out from under the worker. Heartbeats against a
// terminal worker are rejected so a wedged process cannot resurrect itself.
func (s *Store) RecordHeartbeat(ctx context.Context, workerID string, update registry.HeartbeatUpdate) (*registry.HeartbeatAck, error) {
	var ack registry.HeartbeatAck

	err := s.executeInTransaction(ctx, "record_heartbeat", func(txStore *Store) error {
		row := txStore.db.QueryRow(ctx, `
			SELECT `+workerColumns+` FROM workers WHERE id = $1 FOR UPDATE
		`, workerID)
		worker, err := scanWorker(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, workerID)
			}
			return fmt.Errorf("failed to get worker: %w", err)
		}
		if worker.Status.Terminal() {
			return fmt.Errorf("%w: worker %s is %s", domain.ErrWorkerTerminal, workerID, worker.Status)
		}

		status := worker.Status
		if update.Status != nil {
			status = *update.Status
		}
		tokensIn := worker.TokensIn
		if update.TokensIn != nil {
			tokensIn = *update.TokensIn
		}
		tokensOut := worker.TokensOut
		if update.TokensOut != nil {
			tokensOut = *update.TokensOut
		}

		_, err = txStore.db.Exec(ctx, `
			UPDATE workers
			SET status = $2, iteration = $3, tokens_in = $4, tokens_out = $5, last_heartbeat = NOW()
			WHERE id = $1
		`, workerID, status, update.Iteration, tokensIn, tokensOut)
		if err != nil {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}

		// Mirror iteration onto the item for the read surface. Terminal rows
		// are settled and stay untouched.
		_, err = txStore.db.Exec(ctx, `
			UPDATE work_items
			SET iteration = $2, updated_at = NOW()
			WHERE id = $1
			  AND status NOT IN ('completed', 'failed', 'cancelled')
		`, worker.WorkItemID, update.Iteration)
		if err != nil {
			return fmt.Errorf("failed to update item iteration: %w", err)
		}

		var itemStatus domain.WorkItemStatus
		if err := txStore.db.QueryRow(ctx, `
			SELECT status FROM work_items WHERE id = $1
		`, worker.WorkItemID).Scan(&itemStatus); err != nil {
			return fmt.Errorf("failed to get work item status: %w", err)
		}
		ack.CancelRequested = itemStatus == domain.WorkItemStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// FinishWorker applies a terminal worker transition atomically with its
// item transition, file-lock release, telemetry appends, verification
// enqueue and parent verdict.
func (s *Store) FinishWorker(ctx context.Context, params registry.FinishParams) error {
	return s.executeInTransaction(ctx, "finish_worker", func(txStore *Store) error {
		row := txStore.db.QueryRow(ctx, `
			SELECT status FROM workers WHERE id = $1 FOR UPDATE
		`, params.WorkerID)
		var current domain.WorkerStatus
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, params.WorkerID)
			}
			return fmt.Errorf("failed to get worker: %w", err)
		}
		// Kill may land on a stuck worker; any other terminal state is final.
		if current.Terminal() && !(current == domain.WorkerStatusStuck && params.WorkerStatus == domain.WorkerStatusKilled) {
			return fmt.Errorf("%w: worker %s is %s", domain.ErrWorkerTerminal, params.WorkerID, current)
		}

		var workItemID string
		if err := txStore.db.QueryRow(ctx, `
			UPDATE workers SET status = $2 WHERE id = $1 RETURNING work_item_id
		`, params.WorkerID, params.WorkerStatus).Scan(&workItemID); err != nil {
			return fmt.Errorf("failed to update worker status: %w", err)
		}

		// Terminal workers hold no locks.
		if _, err := txStore.db.Exec(ctx, `
			DELETE FROM file_locks WHERE worker_id = $1
		`, params.WorkerID); err != nil {
			return fmt.Errorf("failed to release file locks: %w", err)
		}

		// itemSettled means a cancel landed after the caller read the item;
		// the verification chain must not continue from it.
		itemSettled := false
		if params.Item != nil {
			transitioned, err := requeueWorkItemTx(ctx, txStore.db, workItemID,
				params.Item.Status, params.Item.RetryCount, params.Item.NextRetryAt,
				params.Item.Error, params.Item.PRNumber, params.Item.PRURL,
				params.Item.CompletedAt, params.Item.Iteration, params.Item.VerificationPassed)
			if err != nil {
				return err
			}
			itemSettled = !transitioned
		}

		for _, m := range params.Metrics {
			if err := insertMetricTx(ctx, txStore.db, &m); err != nil {
				return err
			}
		}
		for _, l := range params.Learnings {
			if err := insertLearningTx(ctx, txStore.db, &l); err != nil {
				return err
			}
		}
		if params.Review != nil {
			if err := insertReviewTx(ctx, txStore.db, params.Review); err != nil {
				return err
			}
		}

		if params.VerificationItem != nil && !itemSettled {
			if err := txStore.InsertWorkItem(ctx, params.VerificationItem); err != nil {
				return err
			}
		}

		if pv := params.ParentVerification; pv != nil && !itemSettled {
			// First verdict wins; repeated completions are no-ops.
			if _, err := txStore.db.Exec(ctx, `
				UPDATE work_items
				SET verification_passed = $2, updated_at = NOW()
				WHERE id = $1 AND verification_passed IS NULL
			`, pv.ParentID, pv.Passed); err != nil {
				return fmt.Errorf("failed to record parent verdict: %w", err)
			}
		}

		return nil
	})
}

// FindStaleWorkers returns non-terminal workers whose last heartbeat is
// older than the cutoff.
func (s *Store) FindStaleWorkers(ctx context.Context, cutoff time.Time) ([]*domain.Worker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workerColumns+`
		FROM workers
		WHERE status IN ('starting', 'running')
		  AND last_heartbeat < $1
		ORDER BY last_heartbeat ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// RequeueOrphanedAssignments reverts assigned items with no registered
// worker that have sat unclaimed since before the cutoff.
func (s *Store) RequeueOrphanedAssignments(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE work_items
		SET status = 'queued',
			worker_id = NULL,
			retry_count = retry_count + 1,
			next_retry_at = NULL,
			updated_at = NOW()
		WHERE status = 'assigned'
		  AND updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM workers w
			WHERE w.work_item_id = work_items.id
			  AND w.status IN ('starting', 'running')
		  )
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphaned assignments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListWorkers returns all worker records, most recent first.
func (s *Store) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workerColumns+` FROM workers ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// CountActiveWorkers returns the number of workers in a non-terminal status.
func (s *Store) CountActiveWorkers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM workers WHERE status IN ('starting', 'running')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active workers: %w", err)
	}
	return count, nil
}

func insertMetricTx(ctx context.Context, db dbtx, m *domain.WorkerMetric) error {
	_, err := db.Exec(ctx, `
		INSERT INTO worker_metrics (
			worker_id, work_item_id, iteration, tokens_in, tokens_out,
			duration_ms, files_modified, tests_run, tests_passed, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.WorkerID, m.WorkItemID, m.Iteration, m.TokensIn, m.TokensOut,
		m.Duration.Milliseconds(), m.FilesModified, m.TestsRun, m.TestsPassed,
		timeOrNow(m.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert worker metric: %w", err)
	}
	return nil
}

func insertLearningTx(ctx context.Context, db dbtx, l *domain.Learning) error {
	id := l.ID
	if id == "" {
		learningID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate learning ID: %w", err)
		}
		id = learningID.String()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO learnings (id, repo, spec, content, work_item_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, l.Repo, l.Spec, l.Content, l.WorkItemID, timeOrNow(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert learning: %w", err)
	}
	return nil
}

func insertReviewTx(ctx context.Context, db dbtx, r *domain.PRReview) error {
	_, err := db.Exec(ctx, `
		INSERT INTO pr_reviews (work_item_id, spec_alignment, code_quality, overall_summary, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (work_item_id) DO UPDATE
		SET spec_alignment = EXCLUDED.spec_alignment,
			code_quality = EXCLUDED.code_quality,
			overall_summary = EXCLUDED.overall_summary
	`, r.WorkItemID, r.SpecAlignment, r.CodeQuality, r.OverallSummary, timeOrNow(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert pr review: %w", err)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
