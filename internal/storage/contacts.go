package storage

import (
	"context"
	"time"

	"outreach-engine/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// EnrollContact creates the state-machine instance for a (campaign,
// contact) pair. Re-enrolling an already known pair returns the existing
// contact and inserted=false.
func (m *MongoDB) EnrollContact(ctx context.Context, contact *models.CampaignContact) (*models.CampaignContact, bool, error) {
	contact.State = models.ContactStatePending
	now := time.Now().UTC()
	contact.EnrolledAt = now
	contact.UpdatedAt = now

	_, err := m.db.Collection(collContacts).InsertOne(ctx, contact)
	if err == nil {
		return contact, true, nil
	}
	if !isDuplicateKey(err) {
		return nil, false, err
	}

	existing, err := m.GetContact(ctx, contact.CampaignID, contact.ContactID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (m *MongoDB) GetContact(ctx context.Context, campaignID, contactID string) (*models.CampaignContact, error) {
	var contact models.CampaignContact
	err := m.db.Collection(collContacts).FindOne(ctx, bson.M{
		"campaign_id": campaignID,
		"contact_id":  contactID,
	}).Decode(&contact)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// FindContactByTarget resolves a correlated record's target profile to
// the account's contact in the given non-terminal states.
func (m *MongoDB) FindContactByTarget(ctx context.Context, accountID, targetURL string) (*models.CampaignContact, error) {
	var contact models.CampaignContact
	err := m.db.Collection(collContacts).FindOne(ctx, bson.M{
		"account_id": accountID,
		"target_url": targetURL,
		"state": bson.M{"$in": []models.ContactState{
			models.ContactStateActive,
			models.ContactStateAccepted,
			models.ContactStateResponded,
		}},
	}).Decode(&contact)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// ContactUpdate carries the fields one transition may change.
type ContactUpdate struct {
	State          models.ContactState
	StepIndex      *int
	LastCommandID  string
	LastMessageID  string
	NextEligibleAt *time.Time
}

// TransitionContact applies a state transition as a compare-and-set on
// the contact's current state. A false return means another worker
// already moved the contact; the caller treats that as a replayed
// trigger and drops it.
func (m *MongoDB) TransitionContact(ctx context.Context, campaignID, contactID string, from models.ContactState, upd ContactUpdate) (bool, error) {
	set := bson.M{
		"state":      upd.State,
		"updated_at": time.Now().UTC(),
	}
	if upd.StepIndex != nil {
		set["step_index"] = *upd.StepIndex
	}
	if upd.LastCommandID != "" {
		set["last_command_id"] = upd.LastCommandID
	}
	if upd.LastMessageID != "" {
		set["last_message_id"] = upd.LastMessageID
	}
	if upd.NextEligibleAt != nil {
		set["next_eligible_at"] = upd.NextEligibleAt.UTC()
	}

	res, err := m.db.Collection(collContacts).UpdateOne(ctx,
		bson.M{"campaign_id": campaignID, "contact_id": contactID, "state": from},
		bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// SetContactMessageID records the provider message id without a state
// change (dispatch ack on the current step).
func (m *MongoDB) SetContactMessageID(ctx context.Context, campaignID, contactID, messageID string) error {
	res, err := m.db.Collection(collContacts).UpdateOne(ctx,
		bson.M{"campaign_id": campaignID, "contact_id": contactID},
		bson.M{"$set": bson.M{"last_message_id": messageID, "updated_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
