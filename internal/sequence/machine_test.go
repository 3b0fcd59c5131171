package sequence

import (
	"context"
	"testing"

	"outreach-engine/internal/models"
	"outreach-engine/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	campaigns map[string]*models.SequenceDefinition
	contacts  map[string]*models.CampaignContact
	commands  map[string]*models.Command
	order     []string
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: make(map[string]*models.SequenceDefinition),
		contacts:  make(map[string]*models.CampaignContact),
		commands:  make(map[string]*models.Command),
	}
}

func contactKey(campaignID, contactID string) string { return campaignID + "/" + contactID }

func (s *memStore) GetCampaign(_ context.Context, campaignID string) (*models.SequenceDefinition, error) {
	def, ok := s.campaigns[campaignID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return def, nil
}

func (s *memStore) EnrollContact(_ context.Context, contact *models.CampaignContact) (*models.CampaignContact, bool, error) {
	key := contactKey(contact.CampaignID, contact.ContactID)
	if existing, ok := s.contacts[key]; ok {
		return existing, false, nil
	}
	contact.State = models.ContactStatePending
	s.contacts[key] = contact
	return contact, true, nil
}

func (s *memStore) GetContact(_ context.Context, campaignID, contactID string) (*models.CampaignContact, error) {
	contact, ok := s.contacts[contactKey(campaignID, contactID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return contact, nil
}

func (s *memStore) FindContactByTarget(_ context.Context, accountID, targetURL string) (*models.CampaignContact, error) {
	for _, contact := range s.contacts {
		if contact.AccountID == accountID && contact.TargetURL == targetURL && !contact.State.Terminal() {
			return contact, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) TransitionContact(_ context.Context, campaignID, contactID string, from models.ContactState, upd storage.ContactUpdate) (bool, error) {
	contact, ok := s.contacts[contactKey(campaignID, contactID)]
	if !ok || contact.State != from {
		return false, nil
	}
	contact.State = upd.State
	if upd.StepIndex != nil {
		contact.StepIndex = *upd.StepIndex
	}
	if upd.LastCommandID != "" {
		contact.LastCommandID = upd.LastCommandID
	}
	if upd.LastMessageID != "" {
		contact.LastMessageID = upd.LastMessageID
	}
	if upd.NextEligibleAt != nil {
		contact.NextEligibleAt = *upd.NextEligibleAt
	}
	return true, nil
}

func (s *memStore) SetContactMessageID(_ context.Context, campaignID, contactID, messageID string) error {
	contact, ok := s.contacts[contactKey(campaignID, contactID)]
	if !ok {
		return storage.ErrNotFound
	}
	contact.LastMessageID = messageID
	return nil
}

func (s *memStore) EnqueueCommand(_ context.Context, cmd *models.Command) (*models.Command, bool, error) {
	key := cmd.AccountID + "/" + cmd.CommandID
	if existing, ok := s.commands[key]; ok {
		return existing, false, nil
	}
	cmd.Status = models.CommandStatusQueued
	s.commands[key] = cmd
	s.order = append(s.order, cmd.CommandID)
	return cmd, true, nil
}

func (s *memStore) FindCommandByMessageID(_ context.Context, accountID, messageID string) (*models.Command, error) {
	for _, cmd := range s.commands {
		if cmd.AccountID == accountID && cmd.MessageID == messageID {
			return cmd, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) MarkCommandAcked(_ context.Context, accountID, commandID string) error {
	if cmd, ok := s.commands[accountID+"/"+commandID]; ok {
		cmd.Status = models.CommandStatusAcked
	}
	return nil
}

func twoStepCampaign() *models.SequenceDefinition {
	return &models.SequenceDefinition{
		CampaignID: "camp-1",
		AccountID:  "acc-1",
		Steps: []models.SequenceStep{
			{Verb: models.VerbConnect},
			{Verb: models.VerbMessage, DelayHours: 24, JitterHours: 2},
		},
	}
}

func TestEnrollEnqueuesInitialStep(t *testing.T) {
	store := newMemStore()
	store.campaigns["camp-1"] = twoStepCampaign()
	m := NewMachine(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Enroll(ctx, "camp-1", "contact-1", "https://example.com/in/alice"))

	contact := store.contacts[contactKey("camp-1", "contact-1")]
	require.NotNil(t, contact)
	assert.Equal(t, models.ContactStateActive, contact.State)

	wantID := models.StepCommandID("camp-1", "contact-1", 0)
	cmd, ok := store.commands["acc-1/"+wantID]
	require.True(t, ok, "initial command should be enqueued under the step-0 dedupe key")
	assert.Equal(t, models.VerbConnect, cmd.Verb)
	assert.Equal(t, PriorityInitial, cmd.Priority)

	// Replayed enroll is a no-op: still exactly one command.
	require.NoError(t, m.Enroll(ctx, "camp-1", "contact-1", "https://example.com/in/alice"))
	assert.Len(t, store.commands, 1)
}

func TestAcceptanceSchedulesNextStep(t *testing.T) {
	store := newMemStore()
	store.campaigns["camp-1"] = twoStepCampaign()
	m := NewMachine(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Enroll(ctx, "camp-1", "contact-1", "https://example.com/in/alice"))

	// Dispatcher acks with the provider message id.
	step0 := store.commands["acc-1/"+models.StepCommandID("camp-1", "contact-1", 0)]
	step0.MessageID = "msg-1"
	require.NoError(t, m.DispatchAck(ctx, step0, "msg-1"))

	// Correlated acceptance arrives, echoing the message id.
	require.NoError(t, m.HandleCorrelated(ctx, &models.CorrelatedRecord{
		AccountID: "acc-1",
		Type:      "action-result",
		TargetKey: "https://example.com/in/alice",
		MessageID: "msg-1",
		Fields:    map[string]any{"outcome": "accepted"},
	}))

	contact := store.contacts[contactKey("camp-1", "contact-1")]
	assert.Equal(t, models.ContactStateAccepted, contact.State)
	assert.Equal(t, 1, contact.StepIndex)

	// Step-1 command exists under a dedupe key distinct from step-0's.
	step1ID := models.StepCommandID("camp-1", "contact-1", 1)
	assert.NotEqual(t, step0.CommandID, step1ID)
	cmd, ok := store.commands["acc-1/"+step1ID]
	require.True(t, ok)
	assert.Equal(t, models.VerbMessage, cmd.Verb)
	assert.Equal(t, PriorityFollowUp, cmd.Priority)
	assert.True(t, cmd.NotBefore.After(contact.EnrolledAt), "follow-up is delayed")

	// The acked command settled.
	assert.Equal(t, models.CommandStatusAcked, step0.Status)
}

func TestDuplicateAcceptanceTriggersOnce(t *testing.T) {
	store := newMemStore()
	store.campaigns["camp-1"] = twoStepCampaign()
	m := NewMachine(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Enroll(ctx, "camp-1", "contact-1", "https://example.com/in/alice"))

	rec := &models.CorrelatedRecord{
		AccountID: "acc-1",
		Type:      "action-result",
		TargetKey: "https://example.com/in/alice",
		Fields:    map[string]any{"outcome": "accepted"},
	}
	require.NoError(t, m.HandleCorrelated(ctx, rec))
	require.NoError(t, m.HandleCorrelated(ctx, rec))

	// Second application lost the CAS: still on step 1, two commands
	// total (step 0 and step 1).
	contact := store.contacts[contactKey("camp-1", "contact-1")]
	assert.Equal(t, models.ContactStateAccepted, contact.State)
	assert.Len(t, store.commands, 2)
}

func TestDispatchFailureBranches(t *testing.T) {
	tests := []struct {
		name string
		kind FailureKind
		want models.ContactState
	}{
		{name: "rejection", kind: FailureRejected, want: models.ContactStateNotAccepted},
		{name: "provider block", kind: FailureBlocked, want: models.ContactStateBlacklisted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.campaigns["camp-1"] = twoStepCampaign()
			m := NewMachine(store, zap.NewNop())
			ctx := context.Background()

			require.NoError(t, m.Enroll(ctx, "camp-1", "contact-1", "https://example.com/in/alice"))

			cmd := store.commands["acc-1/"+models.StepCommandID("camp-1", "contact-1", 0)]
			require.NoError(t, m.DispatchFailed(ctx, cmd, tt.kind))

			contact := store.contacts[contactKey("camp-1", "contact-1")]
			assert.Equal(t, tt.want, contact.State)

			// No step-1 command was ever enqueued.
			_, ok := store.commands["acc-1/"+models.StepCommandID("camp-1", "contact-1", 1)]
			assert.False(t, ok)
		})
	}
}

func TestTerminalStatesAbsorbTriggers(t *testing.T) {
	store := newMemStore()
	store.campaigns["camp-1"] = twoStepCampaign()
	m := NewMachine(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Enroll(ctx, "camp-1", "contact-1", "https://example.com/in/alice"))
	cmd := store.commands["acc-1/"+models.StepCommandID("camp-1", "contact-1", 0)]
	require.NoError(t, m.DispatchFailed(ctx, cmd, FailureBlocked))

	contact := store.contacts[contactKey("camp-1", "contact-1")]
	require.Equal(t, models.ContactStateBlacklisted, contact.State)

	// A late acceptance and a late failure both bounce off.
	require.NoError(t, m.HandleCorrelated(ctx, &models.CorrelatedRecord{
		AccountID: "acc-1",
		Type:      "action-result",
		TargetKey: "https://example.com/in/alice",
		Fields:    map[string]any{"outcome": "accepted"},
	}))
	require.NoError(t, m.DispatchFailed(ctx, cmd, FailureRejected))

	assert.Equal(t, models.ContactStateBlacklisted, contact.State)
}

func TestReplyStopsSequenceWhenConfigured(t *testing.T) {
	store := newMemStore()
	def := twoStepCampaign()
	def.StopOnResponse = true
	store.campaigns["camp-1"] = def
	m := NewMachine(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Enroll(ctx, "camp-1", "contact-1", "https://example.com/in/alice"))

	// A reply before formal acceptance: active → responded → completed.
	require.NoError(t, m.HandleCorrelated(ctx, &models.CorrelatedRecord{
		AccountID: "acc-1",
		Type:      "message",
		TargetKey: "https://example.com/in/alice",
		Fields:    map[string]any{"text": "interested, tell me more"},
	}))

	contact := store.contacts[contactKey("camp-1", "contact-1")]
	assert.Equal(t, models.ContactStateCompleted, contact.State)
}

func TestStopOnAcceptCompletes(t *testing.T) {
	store := newMemStore()
	def := twoStepCampaign()
	def.StopOnAccept = true
	store.campaigns["camp-1"] = def
	m := NewMachine(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Enroll(ctx, "camp-1", "contact-1", "https://example.com/in/alice"))
	require.NoError(t, m.HandleCorrelated(ctx, &models.CorrelatedRecord{
		AccountID: "acc-1",
		Type:      "action-result",
		TargetKey: "https://example.com/in/alice",
		Fields:    map[string]any{"outcome": "accepted"},
	}))

	contact := store.contacts[contactKey("camp-1", "contact-1")]
	assert.Equal(t, models.ContactStateCompleted, contact.State)

	// No follow-up command.
	_, ok := store.commands["acc-1/"+models.StepCommandID("camp-1", "contact-1", 1)]
	assert.False(t, ok)
}

func TestDispatchAckForMissingContactDiscarded(t *testing.T) {
	store := newMemStore()
	m := NewMachine(store, zap.NewNop())

	// Campaign deleted between dispatch and ack: the ack is dropped, not
	// surfaced as an error.
	cmd := &models.Command{
		CommandID:  models.StepCommandID("camp-gone", "contact-1", 0),
		AccountID:  "acc-1",
		CampaignID: "camp-gone",
		ContactID:  "contact-1",
	}
	assert.NoError(t, m.DispatchAck(context.Background(), cmd, "msg-1"))
}

func TestCorrelatedRecordForUnknownContactDiscarded(t *testing.T) {
	store := newMemStore()
	m := NewMachine(store, zap.NewNop())

	// Campaign deleted while a command was in flight: outcome dropped.
	err := m.HandleCorrelated(context.Background(), &models.CorrelatedRecord{
		AccountID: "acc-1",
		Type:      "action-result",
		TargetKey: "https://example.com/in/ghost",
		Fields:    map[string]any{"outcome": "accepted"},
	})
	assert.NoError(t, err)
	assert.Empty(t, store.commands)
}
