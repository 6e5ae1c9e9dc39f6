package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rezkam/whim/internal/domain"
)

// scanWorkItem scans one row in workItemColumns order.
func scanWorkItem(row pgx.Row) (*domain.WorkItem, error) {
	var item domain.WorkItem
	var metadata []byte
	var nextRetryAt, completedAt *time.Time

	err := row.Scan(
		&item.ID, &item.Repo, &item.Type, &item.Status, &item.Priority,
		&item.Spec, &item.Description, &item.Branch,
		&item.PRNumber, &item.PRURL, &item.ParentWorkItemID, &item.VerificationPassed,
		&item.Iteration, &item.MaxIterations, &item.RetryCount, &nextRetryAt,
		&item.Source, &item.SourceRef, &metadata, &item.WorkerID, &item.Error,
		&item.CreatedAt, &item.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	item.NextRetryAt = utcPtr(nextRetryAt)
	item.CompletedAt = utcPtr(completedAt)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode work item metadata: %w", err)
		}
	}

	return &item, nil
}

func collectWorkItems(rows pgx.Rows) ([]*domain.WorkItem, error) {
	var items []*domain.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read work item rows: %w", err)
	}
	return items, nil
}

// scanWorker scans one row of (id, work_item_id, status, iteration,
// tokens_in, tokens_out, last_heartbeat, started_at).
func scanWorker(row pgx.Row) (*domain.Worker, error) {
	var w domain.Worker
	err := row.Scan(
		&w.ID, &w.WorkItemID, &w.Status, &w.Iteration,
		&w.TokensIn, &w.TokensOut, &w.LastHeartbeat, &w.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	w.LastHeartbeat = w.LastHeartbeat.UTC()
	w.StartedAt = w.StartedAt.UTC()
	return &w, nil
}

func collectWorkers(rows pgx.Rows) ([]*domain.Worker, error) {
	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read worker rows: %w", err)
	}
	return workers, nil
}

// metadataToJSON serializes metadata for the jsonb column; nil maps persist
// as NULL rather than the empty object.
func metadataToJSON(m domain.Metadata) []byte {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
