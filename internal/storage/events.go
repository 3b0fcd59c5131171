package storage

import (
	"context"
	"time"

	"outreach-engine/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// InsertWebhookEvent appends a raw callback. A duplicate fingerprint
// means the provider redelivered the same event: the insert is absorbed
// and inserted=false, so the pipeline sees each delivery exactly once.
func (m *MongoDB) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (inserted bool, err error) {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	_, err = m.db.Collection(collEvents).InsertOne(ctx, event)
	if err == nil {
		return true, nil
	}
	if isDuplicateKey(err) {
		return false, nil
	}
	m.logger.Error("Failed to insert webhook event",
		zap.Error(err),
		zap.String("account_id", event.AccountID),
		zap.String("event_id", event.EventID))
	return false, err
}

// FindEventByFingerprint loads the stored event a redelivered payload
// collides with.
func (m *MongoDB) FindEventByFingerprint(ctx context.Context, fingerprint string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := m.db.Collection(collEvents).FindOne(ctx, bson.M{"fingerprint": fingerprint}).Decode(&event)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkEventPublished records that the event reached the queue. Until
// this flips, a duplicate delivery is not settled: it republishes the
// stored event instead of being absorbed.
func (m *MongoDB) MarkEventPublished(ctx context.Context, eventID string) error {
	_, err := m.db.Collection(collEvents).UpdateOne(ctx,
		bson.M{"event_id": eventID},
		bson.M{"$set": bson.M{"published": true}})
	return err
}

// StaleUnprocessedEvents returns stored events that never produced a
// correlated record: deliveries whose publish failed at ingest and
// deliveries parked after repeated correlation failures. The replayer
// pushes them back through the queue.
func (m *MongoDB) StaleUnprocessedEvents(ctx context.Context, olderThan time.Time, limit int64) ([]models.WebhookEvent, error) {
	cursor, err := m.db.Collection(collEvents).Find(ctx,
		bson.M{
			"processed":   false,
			"received_at": bson.M{"$lt": olderThan.UTC()},
		},
		options.Find().
			SetSort(bson.D{{Key: "received_at", Value: 1}}).
			SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []models.WebhookEvent
	if err = cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// MarkEventsProcessed flips the processed flag on the raw events that
// contributed to a flushed record.
func (m *MongoDB) MarkEventsProcessed(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := m.db.Collection(collEvents).UpdateMany(ctx,
		bson.M{"event_id": bson.M{"$in": eventIDs}},
		bson.M{"$set": bson.M{"processed": true}})
	return err
}

// GetPending loads the account's buffered partial record, if any.
func (m *MongoDB) GetPending(ctx context.Context, accountID string) (*models.CorrelatedRecord, error) {
	var rec models.CorrelatedRecord
	err := m.db.Collection(collPending).FindOne(ctx, bson.M{"account_id": accountID}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutPending stores the account's single pending slot, replacing any
// previous one. Persisting it means a crash between the create and
// update phases cannot drop the buffered record.
func (m *MongoDB) PutPending(ctx context.Context, rec *models.CorrelatedRecord) error {
	_, err := m.db.Collection(collPending).ReplaceOne(ctx,
		bson.M{"account_id": rec.AccountID},
		rec,
		options.Replace().SetUpsert(true))
	return err
}

func (m *MongoDB) ClearPending(ctx context.Context, accountID string) error {
	_, err := m.db.Collection(collPending).DeleteOne(ctx, bson.M{"account_id": accountID})
	return err
}

// StalePending returns pending slots buffered before the cutoff, for the
// flush-timeout sweeper.
func (m *MongoDB) StalePending(ctx context.Context, olderThan time.Time) ([]models.CorrelatedRecord, error) {
	cursor, err := m.db.Collection(collPending).Find(ctx,
		bson.M{"buffered_at": bson.M{"$lt": olderThan.UTC()}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var recs []models.CorrelatedRecord
	if err = cursor.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// InsertCorrelated writes the flushed record to the audit collection
// consumed by reporting.
func (m *MongoDB) InsertCorrelated(ctx context.Context, rec *models.CorrelatedRecord) error {
	rec.FlushedAt = time.Now().UTC()
	_, err := m.db.Collection(collCorrelated).InsertOne(ctx, rec)
	return err
}
