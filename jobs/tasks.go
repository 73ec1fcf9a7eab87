package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermanencySweep closes idle barman permanencies. Scheduled every
	// minute.
	TaskPermanencySweep = "permanency:sweep"
	// TaskNotificationDelivery fans a persisted notification out to the
	// mail digest.
	TaskNotificationDelivery = "notification:deliver"
	// TaskIdempotencyCleanup prunes old request-replay keys. Scheduled
	// nightly.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// NewPermanencySweepTask constructs the sweep task.
func NewPermanencySweepTask() *asynq.Task {
	return asynq.NewTask(TaskPermanencySweep, nil, asynq.Queue(QueueDefault))
}

// NotificationDeliveryPayload identifies the notification to deliver.
type NotificationDeliveryPayload struct {
	NotificationID int64 `json:"notification_id"`
}

// NewNotificationDeliveryTask constructs a delivery task.
func NewNotificationDeliveryTask(notificationID int64) (*asynq.Task, error) {
	body, err := json.Marshal(NotificationDeliveryPayload{NotificationID: notificationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationDelivery, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries the retention window.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

func unmarshalPayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
