package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ae-utbm/comptoir/internal/counter"
)

// DefaultIdempotencyRetention is how long request-replay keys are kept.
const DefaultIdempotencyRetention = 24 * time.Hour

// IdempotencyCleaner prunes old request-replay keys. Satisfied by
// shared.IdempotencyStore.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewPermanencySweepHandler closes idle permanencies on every tick.
func NewPermanencySweepHandler(tracker *counter.Tracker, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		if err := tracker.SweepTimeouts(ctx); err != nil {
			logger.Error("permanency sweep", slog.Any("error", err))
			return err
		}
		return nil
	}
}

// NewIdempotencyCleanupHandler prunes request-replay keys older than the
// payload's retention window.
func NewIdempotencyCleanupHandler(store IdempotencyCleaner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		payload := IdempotencyCleanupPayload{OlderThan: DefaultIdempotencyRetention}
		if len(t.Payload()) > 0 {
			if err := unmarshalPayload(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}
		if payload.OlderThan <= 0 {
			payload.OlderThan = DefaultIdempotencyRetention
		}
		if err := store.Cleanup(ctx, payload.OlderThan); err != nil {
			logger.Error("idempotency cleanup", slog.Any("error", err))
			return err
		}
		logger.Info("idempotency keys pruned", slog.Duration("older_than", payload.OlderThan))
		return nil
	}
}
