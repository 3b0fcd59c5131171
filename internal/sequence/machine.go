package sequence

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"outreach-engine/internal/models"
	"outreach-engine/internal/storage"
	"outreach-engine/pkg/metrics"

	"go.uber.org/zap"
)

// FailureKind decides which terminal branch a dispatch failure takes.
type FailureKind string

const (
	// FailureRejected covers auth failures, malformed targets and
	// declined connection requests.
	FailureRejected FailureKind = "rejected"
	// FailureBlocked covers provider block/restriction signals.
	FailureBlocked FailureKind = "blocked"
)

// Dispatch priorities: follow-ups to contacts already engaged jump the
// queue ahead of fresh initial-step actions.
const (
	PriorityFollowUp = 0
	PriorityInitial  = 1
)

// Store is the persistence surface the machine drives. *storage.MongoDB
// satisfies it; tests substitute fakes.
type Store interface {
	GetCampaign(ctx context.Context, campaignID string) (*models.SequenceDefinition, error)
	EnrollContact(ctx context.Context, contact *models.CampaignContact) (*models.CampaignContact, bool, error)
	GetContact(ctx context.Context, campaignID, contactID string) (*models.CampaignContact, error)
	FindContactByTarget(ctx context.Context, accountID, targetURL string) (*models.CampaignContact, error)
	TransitionContact(ctx context.Context, campaignID, contactID string, from models.ContactState, upd storage.ContactUpdate) (bool, error)
	SetContactMessageID(ctx context.Context, campaignID, contactID, messageID string) error
	EnqueueCommand(ctx context.Context, cmd *models.Command) (*models.Command, bool, error)
	FindCommandByMessageID(ctx context.Context, accountID, messageID string) (*models.Command, error)
	MarkCommandAcked(ctx context.Context, accountID, commandID string) error
}

// Machine advances each (campaign, contact) pair through its ordered
// outreach steps. It owns every CampaignContact mutation; transitions
// are compare-and-set on the current state, so a replayed trigger loses
// the race and becomes a no-op. Commands it enqueues carry the
// (campaign, contact, step) dedupe key as a second line of defense.
type Machine struct {
	store  Store
	logger *zap.Logger

	// jitter is swapped out in tests for determinism.
	jitter func(max time.Duration) time.Duration
}

func NewMachine(store Store, logger *zap.Logger) *Machine {
	return &Machine{
		store:  store,
		logger: logger,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Enroll creates the contact in pending state and immediately activates
// it by enqueuing the campaign's initial-step command. Re-enrolling an
// already active contact is a no-op.
func (m *Machine) Enroll(ctx context.Context, campaignID, contactID, targetURL string) error {
	def, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	step, ok := def.Step(0)
	if !ok {
		return errors.New("campaign has no steps")
	}

	contact := &models.CampaignContact{
		CampaignID: campaignID,
		ContactID:  contactID,
		AccountID:  def.AccountID,
		TargetURL:  targetURL,
	}
	contact, inserted, err := m.store.EnrollContact(ctx, contact)
	if err != nil {
		return err
	}
	if !inserted && contact.State != models.ContactStatePending {
		// Already past enrollment; replayed trigger.
		return nil
	}

	now := time.Now().UTC()
	stepIdx := 0
	ok, err = m.store.TransitionContact(ctx, campaignID, contactID, models.ContactStatePending, storage.ContactUpdate{
		State:          models.ContactStateActive,
		StepIndex:      &stepIdx,
		LastCommandID:  models.StepCommandID(campaignID, contactID, 0),
		NextEligibleAt: &now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.countTransition(campaignID, models.ContactStatePending, models.ContactStateActive)

	return m.enqueueStep(ctx, def, contact, 0, step, now, PriorityInitial)
}

// DispatchAck records the provider message id on the contact so later
// webhook events can be correlated back. No state change.
func (m *Machine) DispatchAck(ctx context.Context, cmd *models.Command, messageID string) error {
	if cmd.CampaignID == "" {
		return nil
	}
	err := m.store.SetContactMessageID(ctx, cmd.CampaignID, cmd.ContactID, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		// Contact gone (campaign deleted mid-flight); outcome discarded.
		return nil
	}
	return err
}

// DispatchFailed moves an active contact to its terminal failure branch:
// not_accepted for rejections, blacklisted for provider block signals.
func (m *Machine) DispatchFailed(ctx context.Context, cmd *models.Command, kind FailureKind) error {
	if cmd.CampaignID == "" {
		return nil
	}

	to := models.ContactStateNotAccepted
	if kind == FailureBlocked {
		to = models.ContactStateBlacklisted
	}

	ok, err := m.store.TransitionContact(ctx, cmd.CampaignID, cmd.ContactID, models.ContactStateActive, storage.ContactUpdate{State: to})
	if err != nil {
		return err
	}
	if !ok {
		// Not active anymore; either terminal already or a replay.
		return nil
	}
	m.countTransition(cmd.CampaignID, models.ContactStateActive, to)
	m.logger.Info("Contact reached terminal failure state",
		zap.String("campaign_id", cmd.CampaignID),
		zap.String("contact_id", cmd.ContactID),
		zap.String("state", string(to)),
		zap.String("kind", string(kind)))
	return nil
}

// Outcome classification for correlated records. The provider reports
// action results with an outcome field; inbound messages arrive as their
// own event type.
const (
	recordTypeActionResult = "action-result"
	recordTypeMessage      = "message"
)

func recordAccepted(rec *models.CorrelatedRecord) bool {
	if rec.Type != recordTypeActionResult {
		return false
	}
	switch rec.Field("outcome") {
	case "accepted", "connected":
		return true
	}
	return false
}

func recordReply(rec *models.CorrelatedRecord) bool {
	return rec.Type == recordTypeMessage
}

// HandleCorrelated applies one flushed CorrelatedRecord to the contact
// it concerns. Records that resolve to no live contact are discarded:
// the campaign may have been deleted while the command was in flight.
func (m *Machine) HandleCorrelated(ctx context.Context, rec *models.CorrelatedRecord) error {
	contact, err := m.resolveContact(ctx, rec)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Debug("Correlated record matches no live contact",
			zap.String("account_id", rec.AccountID),
			zap.String("target_key", rec.TargetKey))
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case recordAccepted(rec):
		return m.onAcceptance(ctx, contact, rec)
	case recordReply(rec):
		return m.onReply(ctx, contact)
	default:
		// Informational record (profile visit echo etc.); no transition.
		return nil
	}
}

func (m *Machine) resolveContact(ctx context.Context, rec *models.CorrelatedRecord) (*models.CampaignContact, error) {
	if rec.MessageID != "" {
		cmd, err := m.store.FindCommandByMessageID(ctx, rec.AccountID, rec.MessageID)
		if err == nil {
			return m.store.GetContact(ctx, cmd.CampaignID, cmd.ContactID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	if rec.TargetKey == "" {
		return nil, storage.ErrNotFound
	}
	return m.store.FindContactByTarget(ctx, rec.AccountID, rec.TargetKey)
}

// onAcceptance handles correlated_acceptance: active → accepted, then
// either completes the sequence (stop-on-accept, or nothing left) or
// schedules the next step after its configured delay plus jitter.
func (m *Machine) onAcceptance(ctx context.Context, contact *models.CampaignContact, rec *models.CorrelatedRecord) error {
	def, err := m.store.GetCampaign(ctx, contact.CampaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	nextIdx := contact.StepIndex + 1
	step, hasNext := def.Step(nextIdx)

	upd := storage.ContactUpdate{State: models.ContactStateAccepted}
	var notBefore time.Time
	if hasNext && !def.StopOnAccept {
		notBefore = time.Now().UTC().
			Add(time.Duration(step.DelayHours) * time.Hour).
			Add(m.jitter(time.Duration(step.JitterHours) * time.Hour))
		upd.StepIndex = &nextIdx
		upd.LastCommandID = models.StepCommandID(contact.CampaignID, contact.ContactID, nextIdx)
		upd.NextEligibleAt = &notBefore
	}

	ok, err := m.store.TransitionContact(ctx, contact.CampaignID, contact.ContactID, models.ContactStateActive, upd)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.countTransition(contact.CampaignID, models.ContactStateActive, models.ContactStateAccepted)

	// Settle the command whose message id the record echoed.
	if rec.MessageID != "" {
		if cmd, err := m.store.FindCommandByMessageID(ctx, rec.AccountID, rec.MessageID); err == nil {
			if err := m.store.MarkCommandAcked(ctx, cmd.AccountID, cmd.CommandID); err != nil {
				return err
			}
		}
	}

	if def.StopOnAccept || !hasNext {
		return m.complete(ctx, contact.CampaignID, contact.ContactID, models.ContactStateAccepted)
	}

	return m.enqueueStep(ctx, def, contact, nextIdx, step, notBefore, PriorityFollowUp)
}

// onReply handles correlated_reply: accepted → responded (or active →
// responded when the reply precedes formal acceptance), completing the
// sequence when it stops on response.
func (m *Machine) onReply(ctx context.Context, contact *models.CampaignContact) error {
	def, err := m.store.GetCampaign(ctx, contact.CampaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	moved := false
	for _, from := range []models.ContactState{models.ContactStateAccepted, models.ContactStateActive} {
		ok, err := m.store.TransitionContact(ctx, contact.CampaignID, contact.ContactID, from, storage.ContactUpdate{
			State: models.ContactStateResponded,
		})
		if err != nil {
			return err
		}
		if ok {
			m.countTransition(contact.CampaignID, from, models.ContactStateResponded)
			moved = true
			break
		}
	}
	if !moved {
		return nil
	}

	_, hasNext := def.Step(contact.StepIndex + 1)
	if def.StopOnResponse || !hasNext {
		return m.complete(ctx, contact.CampaignID, contact.ContactID, models.ContactStateResponded)
	}
	return nil
}

func (m *Machine) complete(ctx context.Context, campaignID, contactID string, from models.ContactState) error {
	ok, err := m.store.TransitionContact(ctx, campaignID, contactID, from, storage.ContactUpdate{
		State: models.ContactStateCompleted,
	})
	if err != nil {
		return err
	}
	if ok {
		m.countTransition(campaignID, from, models.ContactStateCompleted)
	}
	return nil
}

func (m *Machine) enqueueStep(ctx context.Context, def *models.SequenceDefinition, contact *models.CampaignContact, stepIdx int, step models.SequenceStep, notBefore time.Time, priority int) error {
	cmd := &models.Command{
		CommandID:  models.StepCommandID(contact.CampaignID, contact.ContactID, stepIdx),
		AccountID:  def.AccountID,
		Verb:       step.Verb,
		TargetURL:  contact.TargetURL,
		Params:     step.Params,
		CampaignID: contact.CampaignID,
		ContactID:  contact.ContactID,
		StepIndex:  stepIdx,
		Priority:   priority,
		NotBefore:  notBefore,
	}

	_, inserted, err := m.store.EnqueueCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if inserted {
		metrics.CommandsEnqueued.WithLabelValues(cmd.AccountID, string(cmd.Verb)).Inc()
	} else {
		metrics.CommandsDeduped.WithLabelValues(cmd.AccountID).Inc()
	}
	return nil
}

func (m *Machine) countTransition(campaignID string, from, to models.ContactState) {
	metrics.ContactTransitions.WithLabelValues(campaignID, string(from), string(to)).Inc()
}
