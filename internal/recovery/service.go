// Package recovery persists failed background jobs and re-enqueues the
// eligible ones with bounded exponential backoff. Records that exhaust
// their attempts become ABANDONED and are surfaced through Stats instead
// of being retried further.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketsync/internal/models"
	"marketsync/internal/telemetry"
)

// RecordStore is the persistence the service needs. Records are keyed by
// (queue, job id); Save upserts on that key.
type RecordStore interface {
	FindRetryRecord(ctx context.Context, queue, jobID string) (*models.RetryRecord, error)
	SaveRetryRecord(ctx context.Context, rec *models.RetryRecord) error
	// UpsertFailure folds one failure into the record for rec's
	// (queue, job id) atomically: a conflicting row keeps its identity
	// and created_at and has its attempt counter incremented, never
	// overwritten. The stored row is written back into rec.
	UpsertFailure(ctx context.Context, rec *models.RetryRecord) error
	RetryableRecords(ctx context.Context, now time.Time, limit int) ([]models.RetryRecord, error)
	// ClaimRetried flips a PENDING record to RETRIED and reports whether
	// this caller won the flip. A false return means another recover run
	// already took the record.
	ClaimRetried(ctx context.Context, id string) (bool, error)
	RetryStats(ctx context.Context) (Stats, error)
	DeleteRetryRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Enqueuer re-submits a job envelope onto its original queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, env models.JobEnvelope) error
}

// Stats aggregates record counts for dashboards and alerting.
type Stats struct {
	Total     int64            `json:"total"`
	Pending   int64            `json:"pending"`
	Retried   int64            `json:"retried"`
	Abandoned int64            `json:"abandoned"`
	PerQueue  map[string]int64 `json:"per_queue"`
}

// Service is the job recovery ledger.
type Service struct {
	store       RecordStore
	queue       Enqueuer
	policy      BackoffPolicy
	maxAttempts int
	log         *zap.Logger
}

func NewService(store RecordStore, queue Enqueuer, policy BackoffPolicy, maxAttempts int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:       store,
		queue:       queue,
		policy:      policy,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// RecordFailure upserts the retry record for a failed job attempt. The
// attempt counter increments per call; once it reaches the max the record
// flips to ABANDONED and leaves the retry pool.
func (s *Service) RecordFailure(ctx context.Context, queue, jobID, jobName string, input json.RawMessage, jobErr error) (*models.RetryRecord, error) {
	now := time.Now().UTC()

	// The read only seeds the backoff schedule; the attempt counter is
	// settled by the store's atomic upsert, so two workers failing the
	// same job concurrently each count.
	attempt := 1
	if prev, err := s.store.FindRetryRecord(ctx, queue, jobID); err != nil {
		return nil, fmt.Errorf("find retry record %s/%s: %w", queue, jobID, err)
	} else if prev != nil {
		attempt = prev.AttemptsMade + 1
	}

	rec := &models.RetryRecord{
		ID:           uuid.NewString(),
		Queue:        queue,
		JobID:        jobID,
		JobName:      jobName,
		JobInput:     input,
		LastError:    jobErr.Error(),
		AttemptsMade: attempt,
		MaxAttempts:  s.maxAttempts,
		CanRetry:     attempt < s.maxAttempts,
		RetryAfter:   s.policy.NextRetryAt(now, attempt),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if rec.CanRetry {
		rec.Status = models.RetryPending
	} else {
		rec.Status = models.RetryAbandoned
	}

	if err := s.store.UpsertFailure(ctx, rec); err != nil {
		return nil, fmt.Errorf("save retry record %s/%s: %w", queue, jobID, err)
	}
	telemetry.RecoveryFailuresRecorded.Inc()

	if rec.Status == models.RetryAbandoned {
		telemetry.RecoveryAbandoned.Inc()
		s.log.Warn("job abandoned after exhausting retries",
			zap.String("queue", queue),
			zap.String("job_id", jobID),
			zap.String("job_name", jobName),
			zap.Int("attempts", rec.AttemptsMade),
			zap.String("last_error", rec.LastError))
	}
	return rec, nil
}

// RetryableJobs returns up to limit records eligible for retry now,
// oldest first.
func (s *Service) RetryableJobs(ctx context.Context, limit int) ([]models.RetryRecord, error) {
	return s.store.RetryableRecords(ctx, time.Now().UTC(), limit)
}

// Recover re-enqueues eligible records. Each record is claimed (flipped to
// RETRIED) before its job is enqueued, so overlapping recover runs never
// enqueue the same record twice. Returns the number of jobs re-enqueued.
func (s *Service) Recover(ctx context.Context, limit int) (int, error) {
	records, err := s.RetryableJobs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list retryable records: %w", err)
	}

	recovered := 0
	for _, rec := range records {
		claimed, err := s.store.ClaimRetried(ctx, rec.ID)
		if err != nil {
			return recovered, fmt.Errorf("claim retry record %s: %w", rec.ID, err)
		}
		if !claimed {
			continue
		}

		// EnqueuedAt carries the record's first-failure time so handlers
		// deriving bucketed idempotency keys from it land on the same key
		// on every retry.
		env := models.JobEnvelope{
			ID:         rec.JobID,
			Name:       rec.JobName,
			Queue:      rec.Queue,
			Payload:    rec.JobInput,
			Attempt:    rec.AttemptsMade,
			EnqueuedAt: rec.CreatedAt.UTC(),
		}
		if err := s.queue.Enqueue(ctx, env); err != nil {
			// Put the record back so a later run picks it up.
			rec.Status = models.RetryPending
			rec.UpdatedAt = time.Now().UTC()
			if saveErr := s.store.SaveRetryRecord(ctx, &rec); saveErr != nil {
				s.log.Error("failed to restore retry record after enqueue error",
					zap.String("record_id", rec.ID), zap.Error(saveErr))
			}
			return recovered, fmt.Errorf("re-enqueue job %s/%s: %w", rec.Queue, rec.JobID, err)
		}

		telemetry.RecoveryRetried.Inc()
		s.log.Info("re-enqueued failed job",
			zap.String("queue", rec.Queue),
			zap.String("job_id", rec.JobID),
			zap.Int("attempt", rec.AttemptsMade))
		recovered++
	}
	return recovered, nil
}

// Stats returns aggregate record counts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.RetryStats(ctx)
}

// CleanupOldRecords deletes records older than the given number of days and
// returns how many were removed.
func (s *Service) CleanupOldRecords(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	deleted, err := s.store.DeleteRetryRecordsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup retry records: %w", err)
	}
	if deleted > 0 {
		s.log.Info("pruned old retry records", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// RunPeriodic drives recovery and cleanup on a timer until the context is
// cancelled.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration, batchSize, retentionDays int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Recover(ctx, batchSize); err != nil {
				s.log.Error("recovery scan failed", zap.Error(err))
			}
		case <-cleanup.C:
			if _, err := s.CleanupOldRecords(ctx, retentionDays); err != nil {
				s.log.Error("retry record cleanup failed", zap.Error(err))
			}
		}
	}
}
