package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach-engine/internal/models"
	"outreach-engine/internal/storage"
	"outreach-engine/pkg/metrics"

	"go.uber.org/zap"
)

// Store is the persistence surface for the per-account pending slot and
// the flushed-record audit trail. *storage.MongoDB satisfies it.
type Store interface {
	GetPending(ctx context.Context, accountID string) (*models.CorrelatedRecord, error)
	PutPending(ctx context.Context, rec *models.CorrelatedRecord) error
	ClearPending(ctx context.Context, accountID string) error
	StalePending(ctx context.Context, olderThan time.Time) ([]models.CorrelatedRecord, error)
	InsertCorrelated(ctx context.Context, rec *models.CorrelatedRecord) error
	MarkEventsProcessed(ctx context.Context, eventIDs []string) error
}

// Sequencer consumes flushed records. *sequence.Machine satisfies it.
type Sequencer interface {
	HandleCorrelated(ctx context.Context, rec *models.CorrelatedRecord) error
}

// Correlator folds partial, duplicated, out-of-order webhook events into
// finalized records. Per account it keeps at most one pending partial
// record, persisted so a crash between the create and update phases of
// an action cannot drop it. Events for one account must be applied in
// arrival order; the per-account consumer guarantees that.
type Correlator struct {
	store  Store
	seq    Sequencer
	logger *zap.Logger
}

func NewCorrelator(store Store, seq Sequencer, logger *zap.Logger) *Correlator {
	return &Correlator{
		store:  store,
		seq:    seq,
		logger: logger,
	}
}

// Apply runs one event through the pending-slot algorithm:
//
//	create, slot empty    → buffer the event as pending
//	create, slot occupied → the pending record is complete as-is: flush
//	                        it, buffer the new event
//	update, slot empty    → the event is already complete: flush it
//	update, key matches   → merge into pending, flush merged, clear slot
//	update, key differs   → flush pending unmerged, flush the event,
//	                        clear slot
func (c *Correlator) Apply(ctx context.Context, event *models.WebhookEvent) error {
	pending, err := c.store.GetPending(ctx, event.AccountID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	rec := recordFromEvent(event)

	switch event.Phase {
	case models.EventPhaseCreate:
		if pending != nil {
			if err := c.flush(ctx, pending, "superseded"); err != nil {
				return err
			}
		}
		return c.store.PutPending(ctx, rec)

	case models.EventPhaseUpdate:
		if pending == nil {
			return c.flushAndClear(ctx, event.AccountID, rec, "complete")
		}
		if pending.TargetKey == rec.TargetKey {
			merge(pending, rec)
			return c.flushAndClear(ctx, event.AccountID, pending, "merged")
		}
		if err := c.flush(ctx, pending, "superseded"); err != nil {
			return err
		}
		return c.flushAndClear(ctx, event.AccountID, rec, "complete")

	default:
		return fmt.Errorf("unknown event phase %q", event.Phase)
	}
}

func (c *Correlator) flushAndClear(ctx context.Context, accountID string, rec *models.CorrelatedRecord, reason string) error {
	if err := c.flush(ctx, rec, reason); err != nil {
		return err
	}
	return c.store.ClearPending(ctx, accountID)
}

// flush makes one record final: it is written to the audit collection,
// its source events are marked processed, and the sequence machine gets
// exactly one trigger.
func (c *Correlator) flush(ctx context.Context, rec *models.CorrelatedRecord, reason string) error {
	if err := c.store.InsertCorrelated(ctx, rec); err != nil {
		return err
	}
	if err := c.store.MarkEventsProcessed(ctx, rec.EventIDs); err != nil {
		return err
	}

	metrics.CorrelatorFlushes.WithLabelValues(rec.AccountID, reason).Inc()
	c.logger.Debug("Flushed correlated record",
		zap.String("account_id", rec.AccountID),
		zap.String("type", rec.Type),
		zap.String("target_key", rec.TargetKey),
		zap.String("reason", reason))

	return c.seq.HandleCorrelated(ctx, rec)
}

// SweepStale force-flushes pending records older than the flush
// timeout, so a partial record whose update phase never arrives still
// reaches the sequence machine.
func (c *Correlator) SweepStale(ctx context.Context, flushTimeout time.Duration) error {
	stale, err := c.store.StalePending(ctx, time.Now().UTC().Add(-flushTimeout))
	if err != nil {
		return err
	}

	for i := range stale {
		rec := stale[i]
		if err := c.flushAndClear(ctx, rec.AccountID, &rec, "timeout"); err != nil {
			c.logger.Error("Failed to flush stale pending record",
				zap.Error(err),
				zap.String("account_id", rec.AccountID))
		}
	}
	return nil
}

// RunSweeper drives SweepStale until ctx is canceled.
func (c *Correlator) RunSweeper(ctx context.Context, flushTimeout, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SweepStale(ctx, flushTimeout); err != nil {
				c.logger.Error("Pending-record sweep failed", zap.Error(err))
			}
		}
	}
}

// recordFromEvent lifts one raw event into a correlation record.
func recordFromEvent(event *models.WebhookEvent) *models.CorrelatedRecord {
	fields := make(map[string]any, len(event.Payload))
	for k, v := range event.Payload {
		fields[k] = v
	}

	bufferedAt := event.ReceivedAt
	if bufferedAt.IsZero() {
		bufferedAt = time.Now().UTC()
	}

	return &models.CorrelatedRecord{
		AccountID:  event.AccountID,
		Type:       event.Type,
		TargetKey:  targetKey(event.Payload),
		MessageID:  stringField(event.Payload, "messageid", "message_id"),
		Fields:     fields,
		EventIDs:   []string{event.EventID},
		BufferedAt: bufferedAt,
	}
}

// merge folds an update event's record into the pending one; update
// fields win, identifiers fill in where the create phase lacked them.
func merge(pending, update *models.CorrelatedRecord) {
	for k, v := range update.Fields {
		pending.Fields[k] = v
	}
	if update.MessageID != "" {
		pending.MessageID = update.MessageID
	}
	if pending.TargetKey == "" {
		pending.TargetKey = update.TargetKey
	}
	if update.Type != "" {
		pending.Type = update.Type
	}
	pending.EventIDs = append(pending.EventIDs, update.EventIDs...)
}

// targetKey extracts the profile identity partial events correlate
// under; providers are not consistent about the field name.
func targetKey(payload map[string]any) string {
	return stringField(payload, "targeturl", "target_url", "profile_url", "profile")
}

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
