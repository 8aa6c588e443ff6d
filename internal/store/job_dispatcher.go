package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// JobDispatcher schedules typed payloads onto the durable job queue.
type JobDispatcher struct {
	repo        JobRepo
	kind        string
	maxAttempts int
}

// NewJobDispatcher creates a dispatcher that enqueues jobs of the given kind.
func NewJobDispatcher(repo JobRepo, kind string, maxAttempts int) *JobDispatcher {
	return &JobDispatcher{repo: repo, kind: kind, maxAttempts: maxAttempts}
}

// ScheduleAt enqueues payload to run at the given instant. taskID is used as the
// dedupe key, so scheduling the same task twice while it is live is a no-op.
func (d *JobDispatcher) ScheduleAt(taskID string, at time.Time, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", d.kind, err)
	}
	jobID, err := d.repo.EnqueueJob(d.kind, at.UTC(), string(b), taskID, d.maxAttempts)
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", d.kind, err)
	}
	slog.Debug("JobDispatcher.ScheduleAt", "kind", d.kind, "taskID", taskID, "jobID", jobID, "runAt", at.UTC())
	return nil
}
