package correlate

import (
	"context"
	"time"

	"outreach-engine/internal/models"
	"outreach-engine/internal/queue"

	"go.uber.org/zap"
)

// ReplayStore finds stored events that never produced a correlated
// record. *storage.MongoDB satisfies it.
type ReplayStore interface {
	StaleUnprocessedEvents(ctx context.Context, olderThan time.Time, limit int64) ([]models.WebhookEvent, error)
	MarkEventPublished(ctx context.Context, eventID string) error
}

// Replayer pushes stale unprocessed events back through the queue:
// deliveries whose publish failed at ingest and was never redelivered,
// and deliveries parked by the consumer after repeated correlation
// failures. A replayed event runs the normal pipeline; the sequence
// machine's compare-and-set transitions absorb any double apply.
type Replayer struct {
	store     ReplayStore
	publisher queue.Publisher
	logger    *zap.Logger

	batchSize int64
}

func NewReplayer(store ReplayStore, publisher queue.Publisher, logger *zap.Logger) *Replayer {
	return &Replayer{
		store:     store,
		publisher: publisher,
		logger:    logger,
		batchSize: 100,
	}
}

// Run replays stale events until ctx is canceled. age keeps freshly
// ingested events out of the sweep so an in-flight delivery is not
// published twice.
func (r *Replayer) Run(ctx context.Context, age, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx, age); err != nil {
				r.logger.Error("Event replay sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Replayer) sweep(ctx context.Context, age time.Duration) error {
	events, err := r.store.StaleUnprocessedEvents(ctx, time.Now().UTC().Add(-age), r.batchSize)
	if err != nil {
		return err
	}

	for i := range events {
		event := events[i]
		if err := r.publisher.Publish(event); err != nil {
			r.logger.Error("Failed to replay event",
				zap.Error(err),
				zap.String("account_id", event.AccountID),
				zap.String("event_id", event.EventID))
			continue
		}
		if err := r.store.MarkEventPublished(ctx, event.EventID); err != nil {
			r.logger.Error("Failed to mark replayed event published",
				zap.Error(err),
				zap.String("event_id", event.EventID))
		}
		r.logger.Info("Replayed unprocessed event",
			zap.String("account_id", event.AccountID),
			zap.String("event_id", event.EventID))
	}
	return nil
}
