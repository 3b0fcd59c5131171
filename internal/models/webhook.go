package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// EventPhase distinguishes a provider callback that opens a fact
// (partial data) from one that completes it.
type EventPhase string

const (
	EventPhaseCreate EventPhase = "create"
	EventPhaseUpdate EventPhase = "update"
)

// Valid reports whether p is a known phase.
func (p EventPhase) Valid() bool {
	return p == EventPhaseCreate || p == EventPhaseUpdate
}

// WebhookEvent is one raw inbound callback from the automation provider.
// It is written once on receipt and flipped to processed by the
// correlator; the raw payload is retained for replay and debugging.
type WebhookEvent struct {
	EventID   string `json:"event_id" bson:"event_id"`
	AccountID string `json:"account_id" bson:"account_id"`

	// Type is the provider's event category (profile-visit, message,
	// action-result, ...); Phase is create or update.
	Type  string     `json:"type" bson:"type"`
	Phase EventPhase `json:"event" bson:"event"`

	Payload map[string]any `json:"data" bson:"payload"`

	// Fingerprint deduplicates at-least-once deliveries before they
	// enter the correlation pipeline.
	Fingerprint string `json:"-" bson:"fingerprint"`

	ReceivedAt time.Time `json:"received_at" bson:"received_at"`

	// Published flips once the event has reached the queue. A stored
	// event that never published is carried the rest of the way by the
	// provider's redelivery, or by the replayer.
	Published bool `json:"-" bson:"published"`
	Processed bool `json:"-" bson:"processed"`
}

// EventFingerprint derives the dedupe identity of a delivery from the
// account, the event type and the raw payload bytes. Two deliveries with
// the same fingerprint are the same provider event.
func EventFingerprint(accountID, eventType string, rawPayload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", accountID, eventType)
	h.Write(rawPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// CorrelatedRecord is one finalized, deduplicated fact about a target
// profile, built by merging the partial webhook events that described it.
type CorrelatedRecord struct {
	AccountID string `json:"account_id" bson:"account_id"`
	Type      string `json:"type" bson:"type"`

	// TargetKey identifies the profile the record is about; it is the
	// correlation key partial events merge under.
	TargetKey string `json:"target_key" bson:"target_key"`

	// MessageID ties the record back to a dispatched command when the
	// provider echoes one.
	MessageID string `json:"message_id,omitempty" bson:"message_id,omitempty"`

	Fields map[string]any `json:"fields" bson:"fields"`

	// EventIDs lists the contributing raw events, flipped to processed
	// on flush.
	EventIDs []string `json:"event_ids" bson:"event_ids"`

	BufferedAt time.Time `json:"buffered_at" bson:"buffered_at"`
	FlushedAt  time.Time `json:"flushed_at,omitempty" bson:"flushed_at,omitempty"`
}

// Field returns a string field from the merged payload.
func (r *CorrelatedRecord) Field(key string) string {
	if v, ok := r.Fields[key].(string); ok {
		return v
	}
	return ""
}
