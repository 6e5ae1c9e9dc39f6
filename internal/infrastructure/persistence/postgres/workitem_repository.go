package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rezkam/whim/internal/domain"
)

// workItemColumns is the canonical select list scanned by scanWorkItem.
const workItemColumns = `id, repo, type, status, priority, spec, description, branch,
	pr_number, pr_url, parent_work_item_id, verification_passed,
	iteration, max_iterations, retry_count, next_retry_at,
	source, source_ref, metadata, worker_id, error_message,
	created_at, updated_at, completed_at`

// InsertWorkItem persists a newly created work item.
func (s *Store) InsertWorkItem(ctx context.Context, item *domain.WorkItem) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO work_items (
			id, repo, type, status, priority, spec, description, branch,
			pr_number, pr_url, parent_work_item_id, verification_passed,
			iteration, max_iterations, retry_count, next_retry_at,
			source, source_ref, metadata, worker_id, error_message,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24
		)
	`,
		item.ID, item.Repo, item.Type, item.Status, item.Priority,
		item.Spec, item.Description, item.Branch,
		item.PRNumber, item.PRURL, item.ParentWorkItemID, item.VerificationPassed,
		item.Iteration, item.MaxIterations, item.RetryCount, item.NextRetryAt,
		item.Source, item.SourceRef, metadataToJSON(item.Metadata),
		item.WorkerID, item.Error,
		item.CreatedAt, item.UpdatedAt, item.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}
	return nil
}

// FindWorkItemByID retrieves a work item by ID.
func (s *Store) FindWorkItemByID(ctx context.Context, id string) (*domain.WorkItem, error) {
	row := s.db.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	item, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrWorkItemNotFound, id)
		}
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return item, nil
}

// ClaimNextWorkItem atomically claims the highest-ranked visible queued
// item. The SELECT and the transition to assigned run in one transaction;
// SKIP LOCKED keeps concurrent claimers from blocking on or double-claiming
// the same row.
func (s *Store) ClaimNextWorkItem(ctx context.Context, typeFilter *domain.WorkItemType) (*domain.WorkItem, error) {
	var claimed *domain.WorkItem

	err := s.executeInTransaction(ctx, "claim_next_work_item", func(txStore *Store) error {
		// Ordering: execution outranks verification (unless filtered), then
		// priority descending, then oldest first.
		query := `
			SELECT ` + workItemColumns + `
			FROM work_items
			WHERE status = 'queued'
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())`
		args := []any{}
		if typeFilter != nil {
			query += ` AND type = $1`
			args = append(args, *typeFilter)
		}
		query += `
			ORDER BY
				CASE type WHEN 'execution' THEN 1 ELSE 0 END DESC,
				CASE priority
					WHEN 'critical' THEN 3
					WHEN 'high' THEN 2
					WHEN 'medium' THEN 1
					ELSE 0
				END DESC,
				created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`

		row := txStore.db.QueryRow(ctx, query, args...)
		item, err := scanWorkItem(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to select claimable item: %w", err)
		}

		_, err = txStore.db.Exec(ctx, `
			UPDATE work_items
			SET status = 'assigned', updated_at = NOW()
			WHERE id = $1
		`, item.ID)
		if err != nil {
			return fmt.Errorf("failed to mark item assigned: %w", err)
		}

		item.Status = domain.WorkItemStatusAssigned
		claimed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CancelWorkItem transitions a non-terminal item to cancelled, reporting
// the status it held beforehand. Running workers learn of the cancellation
// through the heartbeat ack and through pg_notify for listeners that want
// it sooner.
func (s *Store) CancelWorkItem(ctx context.Context, id string) (domain.WorkItemStatus, bool, error) {
	var prev domain.WorkItemStatus
	var cancelled bool

	err := s.executeInTransaction(ctx, "cancel_work_item", func(txStore *Store) error {
		row := txStore.db.QueryRow(ctx, `
			SELECT status FROM work_items WHERE id = $1 FOR UPDATE
		`, id)
		if err := row.Scan(&prev); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", domain.ErrWorkItemNotFound, id)
			}
			return fmt.Errorf("failed to get work item status: %w", err)
		}

		if prev.Terminal() {
			return nil
		}

		_, err := txStore.db.Exec(ctx, `
			UPDATE work_items
			SET status = 'cancelled', updated_at = NOW(), completed_at = NOW()
			WHERE id = $1
		`, id)
		if err != nil {
			return fmt.Errorf("failed to cancel work item: %w", err)
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if cancelled {
		// Best effort: the heartbeat ack is the durable signal.
		if _, err := s.pool.Exec(ctx, "SELECT pg_notify('work_item_cancellations', $1)", id); err != nil {
			slog.WarnContext(ctx, "failed to send cancellation notification",
				"work_item_id", id,
				"error", err)
		}
	}

	return prev, cancelled, nil
}

// SubscribeToCancellations delivers cancelled work item IDs over a
// dedicated LISTEN connection until ctx is done.
func (s *Store) SubscribeToCancellations(ctx context.Context) (<-chan string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN work_item_cancellations"); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	ch := make(chan string, 10)

	go func() {
		defer close(ch)
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN work_item_cancellations")
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			ch <- notification.Payload
		}
	}()

	return ch, nil
}

// ListActiveWorkItems returns non-terminal items in claim order.
func (s *Store) ListActiveWorkItems(ctx context.Context, typeFilter *domain.WorkItemType) ([]*domain.WorkItem, error) {
	query := `
		SELECT ` + workItemColumns + `
		FROM work_items
		WHERE status IN ('generating', 'queued', 'assigned', 'in_progress')`
	args := []any{}
	if typeFilter != nil {
		query += ` AND type = $1`
		args = append(args, *typeFilter)
	}
	query += `
		ORDER BY
			CASE type WHEN 'execution' THEN 1 ELSE 0 END DESC,
			CASE priority
				WHEN 'critical' THEN 3
				WHEN 'high' THEN 2
				WHEN 'medium' THEN 1
				ELSE 0
			END DESC,
			created_at ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active work items: %w", err)
	}
	defer rows.Close()

	return collectWorkItems(rows)
}

// QueueStats returns item counts by status and priority.
func (s *Store) QueueStats(ctx context.Context) (*domain.QueueStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, priority, COUNT(*)
		FROM work_items
		GROUP BY status, priority
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.QueueStats{
		ByStatus:   make(map[domain.WorkItemStatus]int),
		ByPriority: make(map[domain.Priority]int),
	}
	for rows.Next() {
		var status domain.WorkItemStatus
		var priority domain.Priority
		var count int
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByPriority[priority] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stats rows: %w", err)
	}
	return stats, nil
}

// PromoteGeneratedItem moves a generating item to queued with its generated
// spec and derived branch. Items that already left generating (cancelled,
// failed) are not touched.
func (s *Store) PromoteGeneratedItem(ctx context.Context, id, spec, branch string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE work_items
		SET status = 'queued', spec = $2, branch = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'generating'
	`, id, spec, branch)
	if err != nil {
		return fmt.Errorf("failed to promote generated item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: work item %s is no longer generating", domain.ErrTerminalState, id)
	}
	return nil
}

// FailGeneratedItem moves a generating item to failed after generation
// attempts are exhausted.
func (s *Store) FailGeneratedItem(ctx context.Context, id, errMsg string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE work_items
		SET status = 'failed', error_message = $2, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = 'generating'
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail generated item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: work item %s is no longer generating", domain.ErrTerminalState, id)
	}
	return nil
}

// requeueWorkItemTx applies a worker-finish outcome to an item inside an
// existing transaction. Terminal rows are left untouched (a cancel racing
// the finish wins); the return reports whether the item transitioned.
func requeueWorkItemTx(ctx context.Context, db dbtx, id string, status domain.WorkItemStatus, retryCount int, nextRetryAt *time.Time, errMsg *string, prNumber *int, prURL *string, completedAt *time.Time, iteration *int, verificationPassed *bool) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE work_items
		SET status = $2,
			retry_count = $3,
			next_retry_at = $4,
			error_message = COALESCE($5, error_message),
			pr_number = COALESCE($6, pr_number),
			pr_url = COALESCE($7, pr_url),
			completed_at = COALESCE($8, completed_at),
			iteration = COALESCE($9, iteration),
			verification_passed = COALESCE($10, verification_passed),
			worker_id = CASE WHEN $2 = 'queued' THEN NULL ELSE worker_id END,
			updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id, status, retryCount, nextRetryAt, errMsg, prNumber, prURL, completedAt, iteration, verificationPassed)
	if err != nil {
		return false, fmt.Errorf("failed to transition work item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
