package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/rezkam/whim/internal/domain"
)

// ListLearnings returns learnings for a repo, optionally narrowed to one
// spec, newest first.
func (s *Store) ListLearnings(ctx context.Context, repo, spec string) ([]*domain.Learning, error) {
	query := `
		SELECT id, repo, spec, content, work_item_id, created_at
		FROM learnings
		WHERE repo = $1`
	args := []any{repo}
	if spec != "" {
		query += ` AND spec = $2`
		args = append(args, spec)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list learnings: %w", err)
	}
	defer rows.Close()

	var learnings []*domain.Learning
	for rows.Next() {
		var l domain.Learning
		if err := rows.Scan(&l.ID, &l.Repo, &l.Spec, &l.Content, &l.WorkItemID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan learning: %w", err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		learnings = append(learnings, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read learning rows: %w", err)
	}
	return learnings, nil
}

// ListMetrics returns all worker metric rows, newest first.
func (s *Store) ListMetrics(ctx context.Context) ([]*domain.WorkerMetric, error) {
	rows, err := s.db.Query(ctx, `
		SELECT worker_id, work_item_id, iteration, tokens_in, tokens_out,
			duration_ms, files_modified, tests_run, tests_passed, recorded_at
		FROM worker_metrics
		ORDER BY recorded_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*domain.WorkerMetric
	for rows.Next() {
		var m domain.WorkerMetric
		var durationMs int64
		if err := rows.Scan(&m.WorkerID, &m.WorkItemID, &m.Iteration,
			&m.TokensIn, &m.TokensOut, &durationMs,
			&m.FilesModified, &m.TestsRun, &m.TestsPassed, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan worker metric: %w", err)
		}
		m.Duration = time.Duration(durationMs) * time.Millisecond
		m.Timestamp = m.Timestamp.UTC()
		metrics = append(metrics, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read worker metric rows: %w", err)
	}
	return metrics, nil
}

// ListReviews returns all PR reviews, newest first.
func (s *Store) ListReviews(ctx context.Context) ([]*domain.PRReview, error) {
	rows, err := s.db.Query(ctx, `
		SELECT work_item_id, spec_alignment, code_quality, overall_summary, created_at
		FROM pr_reviews
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pr reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*domain.PRReview
	for rows.Next() {
		var r domain.PRReview
		if err := rows.Scan(&r.WorkItemID, &r.SpecAlignment, &r.CodeQuality, &r.OverallSummary, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pr review: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		reviews = append(reviews, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pr review rows: %w", err)
	}
	return reviews, nil
}
