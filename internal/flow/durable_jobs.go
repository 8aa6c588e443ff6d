package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/store"
)

// JobKindReminderDelivery is the durable job kind of a reminder delivery.
const JobKindReminderDelivery = "reminder_delivery"

// DeliveryPayload is the JSON payload for reminder_delivery jobs.
type DeliveryPayload struct {
	ReminderID int64     `json:"reminder_id"`
	Timezone   string    `json:"timezone"`
	DueAt      time.Time `json:"due_at"`
}

func decodeDeliveryPayload(payload string) (DeliveryPayload, error) {
	var p DeliveryPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return p, fmt.Errorf("invalid %s payload: %w", JobKindReminderDelivery, err)
	}
	if p.ReminderID <= 0 {
		return p, fmt.Errorf("invalid %s payload: missing reminder_id", JobKindReminderDelivery)
	}
	return p, nil
}

// NewDeliveryDispatcher returns the dispatcher that schedules reminder deliveries.
func NewDeliveryDispatcher(repo store.JobRepo, maxAttempts int) *store.JobDispatcher {
	return store.NewJobDispatcher(repo, JobKindReminderDelivery, maxAttempts)
}

// RegisterJobHandlers registers all flow job handlers with the given JobRunner.
func RegisterJobHandlers(runner *store.JobRunner, worker *DeliveryWorker) {
	runner.RegisterHandler(JobKindReminderDelivery, worker.HandleJob)
}
