package models

import (
	"time"
)

// SequenceStep is one ordered stage of a campaign's outreach flow.
type SequenceStep struct {
	Verb   Verb              `json:"verb" bson:"verb"`
	Params map[string]string `json:"params,omitempty" bson:"params,omitempty"`

	// DelayHours is the wait before this step fires after the previous
	// step's positive outcome; JitterHours adds a random 0..N spread.
	DelayHours  int `json:"delay_hours" bson:"delay_hours"`
	JitterHours int `json:"jitter_hours" bson:"jitter_hours"`
}

// SequenceDefinition is the ordered step list for a campaign. It is
// immutable once the campaign starts enrolling contacts.
type SequenceDefinition struct {
	CampaignID string `json:"campaign_id" bson:"campaign_id"`
	AccountID  string `json:"account_id" bson:"account_id"`
	Name       string `json:"name" bson:"name"`

	Steps []SequenceStep `json:"steps" bson:"steps"`

	// StopOnAccept ends the sequence once the target accepts the
	// connection; StopOnResponse ends it on any reply.
	StopOnAccept   bool `json:"stop_on_accept" bson:"stop_on_accept"`
	StopOnResponse bool `json:"stop_on_response" bson:"stop_on_response"`

	Paused    bool      `json:"paused" bson:"paused"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Step returns the step at idx, or false when the sequence is exhausted.
func (d *SequenceDefinition) Step(idx int) (SequenceStep, bool) {
	if idx < 0 || idx >= len(d.Steps) {
		return SequenceStep{}, false
	}
	return d.Steps[idx], true
}

// ContactState is the per-(campaign, contact) sequencing state.
type ContactState string

const (
	ContactStatePending     ContactState = "pending"
	ContactStateActive      ContactState = "active"
	ContactStateAccepted    ContactState = "accepted"
	ContactStateResponded   ContactState = "responded"
	ContactStateCompleted   ContactState = "completed"
	ContactStateNotAccepted ContactState = "not_accepted"
	ContactStateBlacklisted ContactState = "blacklisted"
)

// Terminal reports whether no further transition may leave this state.
func (s ContactState) Terminal() bool {
	switch s {
	case ContactStateCompleted, ContactStateNotAccepted, ContactStateBlacklisted:
		return true
	}
	return false
}

// CampaignContact is the state-machine instance for one (campaign,
// contact) pair. It is never deleted, only transitioned; terminal states
// are retained for reporting.
type CampaignContact struct {
	CampaignID string `json:"campaign_id" bson:"campaign_id"`
	ContactID  string `json:"contact_id" bson:"contact_id"`
	AccountID  string `json:"account_id" bson:"account_id"`

	// TargetURL is the profile the sequence acts on, also the key
	// correlated webhook records resolve against.
	TargetURL string `json:"target_url" bson:"target_url"`

	State     ContactState `json:"state" bson:"state"`
	StepIndex int          `json:"step_index" bson:"step_index"`

	LastCommandID string `json:"last_command_id,omitempty" bson:"last_command_id,omitempty"`
	LastMessageID string `json:"last_message_id,omitempty" bson:"last_message_id,omitempty"`

	NextEligibleAt time.Time `json:"next_eligible_at" bson:"next_eligible_at"`
	EnrolledAt     time.Time `json:"enrolled_at" bson:"enrolled_at"`
	UpdatedAt      time.Time `json:"updated_at" bson:"updated_at"`
}
