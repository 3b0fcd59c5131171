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

// EnqueueCommand inserts a command in queued status. Enqueue is
// idempotent on (account_id, command_id): when the id is already known
// the existing command is returned unchanged and inserted is false, so
// the same logical action is never queued twice.
func (m *MongoDB) EnqueueCommand(ctx context.Context, cmd *models.Command) (existing *models.Command, inserted bool, err error) {
	cmd.Status = models.CommandStatusQueued
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if cmd.NotBefore.IsZero() {
		cmd.NotBefore = cmd.CreatedAt
	}

	_, err = m.db.Collection(collCommands).InsertOne(ctx, cmd)
	if err == nil {
		return cmd, true, nil
	}
	if !isDuplicateKey(err) {
		m.logger.Error("Failed to enqueue command",
			zap.Error(err),
			zap.String("account_id", cmd.AccountID),
			zap.String("command_id", cmd.CommandID))
		return nil, false, err
	}

	var current models.Command
	err = m.db.Collection(collCommands).FindOne(ctx, bson.M{
		"account_id": cmd.AccountID,
		"command_id": cmd.CommandID,
	}).Decode(&current)
	if err != nil {
		return nil, false, err
	}
	return &current, false, nil
}

// ClaimNext atomically claims the next dispatchable command for the
// account: lowest priority first, FIFO within a priority, skipping
// commands gated by a retry backoff or belonging to a paused campaign.
// The claim flips queued → dispatched before any network call so a
// second worker (or a restarted one) can never send the same command.
func (m *MongoDB) ClaimNext(ctx context.Context, accountID string) (*models.Command, error) {
	pausedIDs, err := m.PausedCampaignIDs(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	filter := bson.M{
		"account_id": accountID,
		"status":     models.CommandStatusQueued,
		"not_before": bson.M{"$lte": now},
	}
	if len(pausedIDs) > 0 {
		filter["campaign_id"] = bson.M{"$nin": pausedIDs}
	}

	update := bson.M{"$set": bson.M{
		"status":        models.CommandStatusDispatched,
		"dispatched_at": now,
	}}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var cmd models.Command
	err = m.db.Collection(collCommands).FindOneAndUpdate(ctx, filter, update, opts).Decode(&cmd)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// StoreDispatchResult records the provider message id on a dispatched
// command for later webhook correlation.
func (m *MongoDB) StoreDispatchResult(ctx context.Context, accountID, commandID, messageID string) error {
	_, err := m.db.Collection(collCommands).UpdateOne(ctx,
		bson.M{"account_id": accountID, "command_id": commandID, "status": models.CommandStatusDispatched},
		bson.M{"$set": bson.M{"message_id": messageID}})
	return err
}

// ReleaseForRetry puts a claimed command back in the queue after a
// transient failure, gated until notBefore.
func (m *MongoDB) ReleaseForRetry(ctx context.Context, accountID, commandID string, notBefore time.Time) error {
	res, err := m.db.Collection(collCommands).UpdateOne(ctx,
		bson.M{"account_id": accountID, "command_id": commandID, "status": models.CommandStatusDispatched},
		bson.M{
			"$set": bson.M{"status": models.CommandStatusQueued, "not_before": notBefore.UTC()},
			"$inc": bson.M{"attempts": 1},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCommandFailed terminally fails a command.
func (m *MongoDB) MarkCommandFailed(ctx context.Context, accountID, commandID, reason string) error {
	_, err := m.db.Collection(collCommands).UpdateOne(ctx,
		bson.M{"account_id": accountID, "command_id": commandID},
		bson.M{"$set": bson.M{
			"status":         models.CommandStatusFailed,
			"failure_reason": reason,
			"completed_at":   time.Now().UTC(),
		}})
	return err
}

// MarkCommandAcked settles a dispatched command once its real-world
// outcome arrived through correlation.
func (m *MongoDB) MarkCommandAcked(ctx context.Context, accountID, commandID string) error {
	_, err := m.db.Collection(collCommands).UpdateOne(ctx,
		bson.M{"account_id": accountID, "command_id": commandID, "status": models.CommandStatusDispatched},
		bson.M{"$set": bson.M{
			"status":       models.CommandStatusAcked,
			"completed_at": time.Now().UTC(),
		}})
	return err
}

// FindCommandByMessageID resolves a provider message id back to the
// command that produced it.
func (m *MongoDB) FindCommandByMessageID(ctx context.Context, accountID, messageID string) (*models.Command, error) {
	var cmd models.Command
	err := m.db.Collection(collCommands).FindOne(ctx, bson.M{
		"account_id": accountID,
		"message_id": messageID,
	}).Decode(&cmd)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ExpireStuckDispatches fails commands stuck in dispatched with no
// correlated outcome past the provider SLA. They are never retried: the
// real-world action may have happened.
func (m *MongoDB) ExpireStuckDispatches(ctx context.Context, olderThan time.Time) ([]models.Command, error) {
	filter := bson.M{
		"status":        models.CommandStatusDispatched,
		"dispatched_at": bson.M{"$lt": olderThan.UTC()},
	}

	cursor, err := m.db.Collection(collCommands).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var stuck []models.Command
	if err = cursor.All(ctx, &stuck); err != nil {
		return nil, err
	}

	for i := range stuck {
		if err := m.MarkCommandFailed(ctx, stuck[i].AccountID, stuck[i].CommandID, "dispatch SLA exceeded"); err != nil {
			m.logger.Error("Failed to expire stuck command",
				zap.Error(err),
				zap.String("command_id", stuck[i].CommandID))
		}
	}
	return stuck, nil
}

// CountQueued reports the queue depth for one account.
func (m *MongoDB) CountQueued(ctx context.Context, accountID string) (int64, error) {
	return m.db.Collection(collCommands).CountDocuments(ctx, bson.M{
		"account_id": accountID,
		"status":     models.CommandStatusQueued,
	})
}
