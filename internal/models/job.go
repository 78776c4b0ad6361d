package models

import (
	"encoding/json"
	"time"
)

// Job queue names. One bounded worker pool per queue.
const (
	QueueTranslate = "translate"
	QueueImage     = "image"
	QueuePublish   = "publish"
)

// JobEnvelope is the unit carried on a Redis job queue. The payload travels
// with the envelope so a retry record can re-enqueue the original input
// verbatim.
type JobEnvelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// RetryStatus is the lifecycle of a failed-job ledger row.
type RetryStatus string

const (
	RetryPending   RetryStatus = "PENDING"
	RetryRetried   RetryStatus = "RETRIED"
	RetryAbandoned RetryStatus = "ABANDONED"
)

// RetryRecord describes a failed background job, its backoff schedule, and
// whether it remains eligible for another attempt. One row per (queue,
// job_id); mutated on each failure and recovery attempt.
type RetryRecord struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"job_id"`
	JobName      string          `json:"job_name"`
	JobInput     json.RawMessage `json:"job_input"`
	LastError    string          `json:"last_error"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	CanRetry     bool            `json:"can_retry"`
	RetryAfter   time.Time       `json:"retry_after"`
	Status       RetryStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
