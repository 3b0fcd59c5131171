package storage

import (
	"context"
	"time"

	"outreach-engine/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ReplaceAccount applies a settings update with replace-not-mutate
// semantics: the whole document is swapped so an in-flight dispatch
// keeps the snapshot it loaded.
func (m *MongoDB) ReplaceAccount(ctx context.Context, account *models.Account) error {
	account.UpdatedAt = time.Now().UTC()
	_, err := m.db.Collection(collAccounts).ReplaceOne(ctx,
		bson.M{"account_id": account.AccountID},
		account,
		options.Replace().SetUpsert(true))
	return err
}

func (m *MongoDB) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	err := m.db.Collection(collAccounts).FindOne(ctx, bson.M{"account_id": accountID}).Decode(&account)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// ListAccounts returns every registered automation account; the worker
// pool spawns one dispatcher per entry.
func (m *MongoDB) ListAccounts(ctx context.Context) ([]models.Account, error) {
	cursor, err := m.db.Collection(collAccounts).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var accounts []models.Account
	if err = cursor.All(ctx, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}
