package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/ae-utbm/comptoir/internal/notification"
)

// NotificationSource looks up persisted notifications for delivery.
// Satisfied by notification.PGRepository.
type NotificationSource interface {
	Get(ctx context.Context, id int64) (*notification.Notification, error)
}

// Mailer sends one digest mail. A nil mailer turns delivery into a log line.
type Mailer interface {
	Send(ctx context.Context, userID int64, subject, body string) error
}

// NewNotificationDeliveryHandler delivers a persisted notification to the
// member's mail digest. A notification deleted between enqueue and delivery
// is dropped without retry.
func NewNotificationDeliveryHandler(source NotificationSource, mailer Mailer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload NotificationDeliveryPayload
		if err := unmarshalPayload(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		n, err := source.Get(ctx, payload.NotificationID)
		if err != nil {
			if errors.Is(err, notification.ErrNotFound) {
				return asynq.SkipRetry
			}
			return err
		}
		if mailer == nil {
			logger.Info("notification delivered",
				slog.Int64("notification_id", n.ID),
				slog.Int64("user_id", n.UserID),
				slog.String("kind", string(n.Kind)))
			return nil
		}
		if err := mailer.Send(ctx, n.UserID, string(n.Kind), n.Message); err != nil {
			logger.Error("notification delivery",
				slog.Int64("notification_id", n.ID),
				slog.Any("error", err))
			return err
		}
		return nil
	}
}
