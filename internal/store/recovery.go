package store

import (
	"context"
	"fmt"
	"time"

	"marketsync/internal/models"
	"marketsync/internal/recovery"
)

// FindRetryRecord looks up the record for a failed job. Returns (nil, nil)
// when the job has no failure history.
func (q *queries) FindRetryRecord(ctx context.Context, queue, jobID string) (*models.RetryRecord, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, queue, job_id, job_name, job_input, last_error, attempts_made, max_attempts,
		       can_retry, retry_after, status, created_at, updated_at
		FROM retry_records
		WHERE queue = $1 AND job_id = $2
	`, queue, jobID)

	var r models.RetryRecord
	err := row.Scan(&r.ID, &r.Queue, &r.JobID, &r.JobName, &r.JobInput, &r.LastError,
		&r.AttemptsMade, &r.MaxAttempts, &r.CanRetry, &r.RetryAfter, &r.Status,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query retry record %s/%s: %w", queue, jobID, err)
	}
	return &r, nil
}

// SaveRetryRecord upserts on (queue, job_id).
func (q *queries) SaveRetryRecord(ctx context.Context, rec *models.RetryRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO retry_records (id, queue, job_id, job_name, job_input, last_error, attempts_made,
		                           max_attempts, can_retry, retry_after, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (queue, job_id) DO UPDATE
		SET last_error = EXCLUDED.last_error,
		    attempts_made = EXCLUDED.attempts_made,
		    can_retry = EXCLUDED.can_retry,
		    retry_after = EXCLUDED.retry_after,
		    status = EXCLUDED.status,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.Queue, rec.JobID, rec.JobName, rec.JobInput, rec.LastError, rec.AttemptsMade,
		rec.MaxAttempts, rec.CanRetry, rec.RetryAfter, rec.Status, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert retry record %s/%s: %w", rec.Queue, rec.JobID, err)
	}
	return nil
}

// UpsertFailure records one failed attempt for (queue, job_id). The
// conflict branch increments the stored attempt counter and recomputes
// can_retry/status in SQL, so concurrent failures never collapse into one
// attempt and never touch created_at. The stored row is written back into
// rec.
func (q *queries) UpsertFailure(ctx context.Context, rec *models.RetryRecord) error {
	row := q.db.QueryRow(ctx, `
		INSERT INTO retry_records (id, queue, job_id, job_name, job_input, last_error, attempts_made,
		                           max_attempts, can_retry, retry_after, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (queue, job_id) DO UPDATE
		SET last_error    = EXCLUDED.last_error,
		    job_input     = EXCLUDED.job_input,
		    attempts_made = retry_records.attempts_made + 1,
		    max_attempts  = EXCLUDED.max_attempts,
		    can_retry     = retry_records.attempts_made + 1 < EXCLUDED.max_attempts,
		    retry_after   = EXCLUDED.retry_after,
		    status        = CASE WHEN retry_records.attempts_made + 1 >= EXCLUDED.max_attempts
		                         THEN $14 ELSE $15 END,
		    updated_at    = EXCLUDED.updated_at
		RETURNING id, attempts_made, can_retry, retry_after, status, created_at
	`, rec.ID, rec.Queue, rec.JobID, rec.JobName, rec.JobInput, rec.LastError, rec.AttemptsMade,
		rec.MaxAttempts, rec.CanRetry, rec.RetryAfter, rec.Status, rec.CreatedAt, rec.UpdatedAt,
		models.RetryAbandoned, models.RetryPending)
	if err := row.Scan(&rec.ID, &rec.AttemptsMade, &rec.CanRetry, &rec.RetryAfter,
		&rec.Status, &rec.CreatedAt); err != nil {
		return fmt.Errorf("upsert retry failure %s/%s: %w", rec.Queue, rec.JobID, err)
	}
	return nil
}

// RetryableRecords returns eligible records oldest first.
func (q *queries) RetryableRecords(ctx context.Context, now time.Time, limit int) ([]models.RetryRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, queue, job_id, job_name, job_input, last_error, attempts_made, max_attempts,
		       can_retry, retry_after, status, created_at, updated_at
		FROM retry_records
		WHERE status = $1 AND can_retry = TRUE AND retry_after <= $2
		ORDER BY created_at ASC
		LIMIT $3
	`, models.RetryPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable records: %w", err)
	}
	defer rows.Close()

	var out []models.RetryRecord
	for rows.Next() {
		var r models.RetryRecord
		err := rows.Scan(&r.ID, &r.Queue, &r.JobID, &r.JobName, &r.JobInput, &r.LastError,
			&r.AttemptsMade, &r.MaxAttempts, &r.CanRetry, &r.RetryAfter, &r.Status,
			&r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan retry record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimRetried flips PENDING to RETRIED. The conditional update makes the
// claim atomic: overlapping recovery runs race on the row and exactly one
// sees RowsAffected = 1.
func (q *queries) ClaimRetried(ctx context.Context, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE retry_records SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.RetryRetried, models.RetryPending)
	if err != nil {
		return false, fmt.Errorf("claim retry record %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RetryStats aggregates counts by status and queue.
func (q *queries) RetryStats(ctx context.Context) (recovery.Stats, error) {
	st := recovery.Stats{PerQueue: make(map[string]int64)}

	rows, err := q.db.Query(ctx, `
		SELECT queue, status, COUNT(*) FROM retry_records GROUP BY queue, status
	`)
	if err != nil {
		return st, fmt.Errorf("query retry stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var queue string
		var status models.RetryStatus
		var count int64
		if err := rows.Scan(&queue, &status, &count); err != nil {
			return st, fmt.Errorf("scan retry stats: %w", err)
		}
		st.Total += count
		st.PerQueue[queue] += count
		switch status {
		case models.RetryPending:
			st.Pending += count
		case models.RetryRetried:
			st.Retried += count
		case models.RetryAbandoned:
			st.Abandoned += count
		}
	}
	return st, rows.Err()
}

// DeleteRetryRecordsBefore prunes records created before the cutoff.
func (q *queries) DeleteRetryRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM retry_records WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete retry records: %w", err)
	}
	return tag.RowsAffected(), nil
}
