package models

import (
	"fmt"
	"time"
)

// Verb is one action the external automation API can perform on a
// target profile.
type Verb string

const (
	VerbVisit   Verb = "visit"
	VerbConnect Verb = "connect"
	VerbMessage Verb = "message"
	VerbInmail  Verb = "inmail"
	VerbFollow  Verb = "follow"
	VerbEndorse Verb = "endorse"
	VerbTag     Verb = "tag"
)

// ActionClass groups verbs under the daily-cap buckets the provider
// meters: invites, messages, everything else counts as a visit.
type ActionClass string

const (
	ActionClassInvite  ActionClass = "invite"
	ActionClassMessage ActionClass = "message"
	ActionClassVisit   ActionClass = "visit"
)

// Class maps a verb to its daily-cap bucket.
func (v Verb) Class() ActionClass {
	switch v {
	case VerbConnect:
		return ActionClassInvite
	case VerbMessage, VerbInmail:
		return ActionClassMessage
	default:
		return ActionClassVisit
	}
}

// Valid reports whether v is one of the known verbs.
func (v Verb) Valid() bool {
	switch v {
	case VerbVisit, VerbConnect, VerbMessage, VerbInmail, VerbFollow, VerbEndorse, VerbTag:
		return true
	}
	return false
}

// CommandStatus is the lifecycle of a queued command.
type CommandStatus string

const (
	CommandStatusQueued     CommandStatus = "queued"
	CommandStatusDispatched CommandStatus = "dispatched"
	CommandStatusAcked      CommandStatus = "acked"
	CommandStatusFailed     CommandStatus = "failed"
)

// Command is one queued action request. The CommandID is caller-supplied
// and unique per account; re-enqueuing a known id is a no-op so the same
// logical action is never sent twice.
type Command struct {
	CommandID string `json:"command_id" bson:"command_id"`
	AccountID string `json:"account_id" bson:"account_id"`
	Verb      Verb   `json:"verb" bson:"verb"`
	TargetURL string `json:"target_url" bson:"target_url"`

	Params map[string]string `json:"params,omitempty" bson:"params,omitempty"`

	CampaignID string `json:"campaign_id" bson:"campaign_id"`
	ContactID  string `json:"contact_id" bson:"contact_id"`
	StepIndex  int    `json:"step_index" bson:"step_index"`

	// Lower priority dispatches first; equal priorities are FIFO.
	Priority int `json:"priority" bson:"priority"`

	Status   CommandStatus `json:"status" bson:"status"`
	Attempts int           `json:"attempts" bson:"attempts"`

	// MessageID is the provider's id returned on dispatch, used later to
	// correlate webhook events back to this command.
	MessageID string `json:"message_id,omitempty" bson:"message_id,omitempty"`

	FailureReason string `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`

	// NotBefore gates retries: the command is invisible to dequeue until
	// this time passes.
	NotBefore    time.Time  `json:"not_before" bson:"not_before"`
	CreatedAt    time.Time  `json:"created_at" bson:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty" bson:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// StepCommandID builds the dedupe key for a sequence step so that a
// replayed trigger enqueues the same command id and dedupes in the queue.
func StepCommandID(campaignID, contactID string, step int) string {
	return fmt.Sprintf("%s:%s:step%d", campaignID, contactID, step)
}
