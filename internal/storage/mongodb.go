package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no document.
var ErrNotFound = errors.New("not found")

const (
	collAccounts   = "accounts"
	collCommands   = "commands"
	collCampaigns  = "campaigns"
	collContacts   = "contacts"
	collEvents     = "webhook_events"
	collPending    = "correlation_pending"
	collCorrelated = "correlated_records"
)

type MongoDB struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// NewMongoDB connects, verifies the connection and creates the indexes
// the queue and correlator rely on. commandRetention bounds how long
// completed commands stay around for audit and idempotency lookups.
func NewMongoDB(uri, database string, commandRetention time.Duration, logger *zap.Logger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri).
		SetMaxPoolSize(100).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetSocketTimeout(30 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	logger.Info("Successfully connected to MongoDB",
		zap.String("database", database),
	)

	m := &MongoDB{
		client: client,
		db:     client.Database(database),
		logger: logger,
	}
	if err := m.createIndexes(ctx, commandRetention); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MongoDB) createIndexes(ctx context.Context, commandRetention time.Duration) error {
	retentionSecs := int32(commandRetention / time.Second)

	byCollection := map[string][]mongo.IndexModel{
		collAccounts: {
			{
				Keys:    bson.D{{Key: "account_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collCommands: {
			{
				// The dedupe key: one logical action per (account, id).
				Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "command_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				// Dequeue scan order.
				Keys: bson.D{
					{Key: "account_id", Value: 1},
					{Key: "status", Value: 1},
					{Key: "not_before", Value: 1},
					{Key: "priority", Value: 1},
					{Key: "created_at", Value: 1},
				},
			},
			{
				Keys:    bson.D{{Key: "completed_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(retentionSecs),
			},
		},
		collCampaigns: {
			{
				Keys:    bson.D{{Key: "campaign_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collContacts: {
			{
				Keys:    bson.D{{Key: "campaign_id", Value: 1}, {Key: "contact_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "state", Value: 1}},
			},
		},
		collEvents: {
			{
				Keys:    bson.D{{Key: "fingerprint", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "received_at", Value: 1}},
			},
		},
		collPending: {
			{
				// One pending correlation slot per account.
				Keys:    bson.D{{Key: "account_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "buffered_at", Value: 1}},
			},
		},
		collCorrelated: {
			{
				Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "flushed_at", Value: 1}},
			},
		},
	}

	for name, indexes := range byCollection {
		if _, err := m.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return err
		}
	}
	return nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func isDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}
