package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Derived job statuses.
const (
	StatusHealthy  = "healthy"
	StatusDrifting = "drifting"
	StatusFailing  = "failing"
)

// Health thresholds.
const (
	failingConsecutive = 3
	driftingAfterHours = 48.0
)

// JobHealth summarizes one job's recent run history.
type JobHealth struct {
	JobName             string     `json:"jobName"`
	Status              string     `json:"status"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt"`
	LastRowCount        *int64     `json:"lastRowCount"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	DriftHours          float64    `json:"driftHours"`
}

// HealthSummary reports every job that has ever run.
func (s *Store) HealthSummary(ctx context.Context) ([]JobHealth, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `
		SELECT DISTINCT job_name FROM job_runs ORDER BY job_name`); err != nil {
		return nil, fmt.Errorf("list job names: %w", err)
	}

	out := make([]JobHealth, 0, len(names))
	for _, name := range names {
		h, err := s.healthFor(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Store) healthFor(ctx context.Context, name string) (JobHealth, error) {
	h := JobHealth{JobName: name}

	var lastSuccess struct {
		FinishedAt     sql.NullTime  `db:"finished_at"`
		ItemsProcessed sql.NullInt64 `db:"items_processed"`
	}
	err := s.db.GetContext(ctx, &lastSuccess, `
		SELECT finished_at, items_processed
		FROM job_runs
		WHERE job_name = $1 AND status = 'success'
		ORDER BY finished_at DESC
		LIMIT 1`, name)
	hasSuccess := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return h, fmt.Errorf("last success for %s: %w", name, err)
	}

	if hasSuccess && lastSuccess.FinishedAt.Valid {
		t := lastSuccess.FinishedAt.Time
		h.LastSuccessAt = &t
		h.DriftHours = time.Since(t).Hours()
		if lastSuccess.ItemsProcessed.Valid {
			n := lastSuccess.ItemsProcessed.Int64
			h.LastRowCount = &n
		}
	}

	// Failures since the last success; with no success, all failures count.
	var failures int
	err = s.db.GetContext(ctx, &failures, `
		SELECT COUNT(*) FROM job_runs
		WHERE job_name = $1 AND status = 'failed'
		  AND started_at > COALESCE(
			(SELECT MAX(finished_at) FROM job_runs WHERE job_name = $1 AND status = 'success'),
			'-infinity'::timestamptz)`, name)
	if err != nil {
		return h, fmt.Errorf("consecutive failures for %s: %w", name, err)
	}
	h.ConsecutiveFailures = failures

	switch {
	case h.ConsecutiveFailures >= failingConsecutive || h.LastSuccessAt == nil:
		h.Status = StatusFailing
	case h.DriftHours > driftingAfterHours:
		h.Status = StatusDrifting
	default:
		h.Status = StatusHealthy
	}
	return h, nil
}
