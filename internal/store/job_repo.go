// Package store provides the JobRepo interface and model for durable job scheduling.
package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultMaxAttempts is used when a job is enqueued without an explicit limit.
const DefaultMaxAttempts = 3

// Job is a durable unit of deferred work. It survives process restarts.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a job with
	// that key exists that is not done or canceled, the existing job ID is
	// returned and nothing is inserted. maxAttempts <= 0 selects DefaultMaxAttempts.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string, maxAttempts int) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them. A job is returned to at most one claimer.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(id string) error

	// FailJob records a failed attempt. The job is requeued at nextRunAt while
	// attempts remain, otherwise it is marked failed. It returns the resulting status.
	FailJob(id string, errMsg string, nextRunAt time.Time) (JobStatus, error)

	// FailJobPermanently marks a job failed regardless of remaining attempts.
	FailJobPermanently(id string, errMsg string) error

	// RescheduleJob requeues a running job at runAt without consuming an attempt.
	RescheduleJob(id string, runAt time.Time) error

	// CancelJob marks a job as canceled.
	CancelJob(id string) error

	// RequeueStaleRunningJobs resets jobs that have been running since before
	// staleBefore back to queued status (crash recovery).
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID. It returns (nil, nil) when absent.
	GetJob(id string) (*Job, error)

	// ListJobs returns up to limit jobs with the given status, most recently updated first.
	ListJobs(status JobStatus, limit int) ([]Job, error)
}
