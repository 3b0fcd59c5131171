package storage

import (
	"context"
	"errors"
	"time"

	"outreach-engine/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrCampaignExists is returned when a sequence definition is registered
// under an id that is already taken. Definitions are immutable once a
// campaign starts enrolling contacts, so there is no update path.
var ErrCampaignExists = errors.New("campaign already exists")

func (m *MongoDB) InsertCampaign(ctx context.Context, def *models.SequenceDefinition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Collection(collCampaigns).InsertOne(ctx, def)
	if isDuplicateKey(err) {
		return ErrCampaignExists
	}
	return err
}

func (m *MongoDB) GetCampaign(ctx context.Context, campaignID string) (*models.SequenceDefinition, error) {
	var def models.SequenceDefinition
	err := m.db.Collection(collCampaigns).FindOne(ctx, bson.M{"campaign_id": campaignID}).Decode(&def)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// SetCampaignPaused flips the pause flag. Queued commands of a paused
// campaign stay queued; the dispatcher just skips them.
func (m *MongoDB) SetCampaignPaused(ctx context.Context, campaignID string, paused bool) error {
	res, err := m.db.Collection(collCampaigns).UpdateOne(ctx,
		bson.M{"campaign_id": campaignID},
		bson.M{"$set": bson.M{"paused": paused}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDB) PausedCampaignIDs(ctx context.Context, accountID string) ([]string, error) {
	cursor, err := m.db.Collection(collCampaigns).Find(ctx,
		bson.M{"account_id": accountID, "paused": true},
		options.Find().SetProjection(bson.M{"campaign_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []struct {
		CampaignID string `bson:"campaign_id"`
	}
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.CampaignID)
	}
	return ids, nil
}
