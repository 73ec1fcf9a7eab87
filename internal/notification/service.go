package notification

import (
	"context"
	"log/slog"
)

// Enqueuer hands a persisted notification to the background worker for
// out-of-band delivery (mail digest). Wired to the jobs package at startup;
// nil disables fan-out.
type Enqueuer interface {
	EnqueueNotificationDelivery(ctx context.Context, notificationID int64) error
}

// Service persists notifications and schedules their delivery.
type Service struct {
	repo     Repository
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(repo Repository, enqueuer Enqueuer, logger *slog.Logger) *Service {
	return &Service{repo: repo, enqueuer: enqueuer, logger: logger}
}

// Notify records a notification for the user. Delivery fan-out is best
// effort: a broken queue never fails the surrounding sale.
func (s *Service) Notify(ctx context.Context, userID int64, kind Kind, message string) error {
	n, err := s.repo.Create(ctx, &Notification{UserID: userID, Kind: kind, Message: message})
	if err != nil {
		return err
	}
	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueNotificationDelivery(ctx, n.ID); err != nil && s.logger != nil {
			s.logger.Warn("enqueue notification delivery", slog.Int64("notification_id", n.ID), slog.Any("error", err))
		}
	}
	return nil
}

// ListForUser returns the most recent notifications of a member.
func (s *Service) ListForUser(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	return s.repo.ListForUser(ctx, userID, limit)
}

// MarkViewed flags a notification as read.
func (s *Service) MarkViewed(ctx context.Context, userID, id int64) error {
	return s.repo.MarkViewed(ctx, userID, id)
}
