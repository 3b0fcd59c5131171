package models

import (
	"time"
)

// Account holds one automation-provider credential and its throttling
// settings. It is the unit of rate limiting: every command and every
// webhook event belongs to exactly one account.
type Account struct {
	AccountID string `json:"account_id" bson:"account_id"`
	TenantID  string `json:"tenant_id" bson:"tenant_id"`
	Secret    string `json:"secret,omitempty" bson:"secret"`

	// Minimum spacing between two requests for this account.
	MinDelaySeconds int `json:"min_delay_seconds" bson:"min_delay_seconds"`

	// Hard daily caps per action class. Zero means "use the default".
	DailyInviteCap  int `json:"daily_invite_cap" bson:"daily_invite_cap"`
	DailyMessageCap int `json:"daily_message_cap" bson:"daily_message_cap"`
	DailyVisitCap   int `json:"daily_visit_cap" bson:"daily_visit_cap"`

	EnabledActions []string  `json:"enabled_actions" bson:"enabled_actions"`
	Paused         bool      `json:"paused" bson:"paused"`
	UpdatedAt      time.Time `json:"updated_at" bson:"updated_at"`
}

// MinDelay returns the configured inter-request spacing, falling back to
// the provider-recommended default when unset.
func (a *Account) MinDelay() time.Duration {
	if a.MinDelaySeconds <= 0 {
		return DefaultMinDelay
	}
	return time.Duration(a.MinDelaySeconds) * time.Second
}

// DefaultMinDelay matches the automation provider's pacing guidance.
const DefaultMinDelay = 30 * time.Second

// ActionEnabled reports whether the account may perform the given verb.
// An empty EnabledActions list means all verbs are allowed.
func (a *Account) ActionEnabled(verb Verb) bool {
	if len(a.EnabledActions) == 0 {
		return true
	}
	for _, v := range a.EnabledActions {
		if v == string(verb) {
			return true
		}
	}
	return false
}

// DailyCap returns the account's cap for the verb's action class.
func (a *Account) DailyCap(verb Verb) int {
	switch verb.Class() {
	case ActionClassInvite:
		return capOrDefault(a.DailyInviteCap, DefaultDailyInviteCap)
	case ActionClassMessage:
		return capOrDefault(a.DailyMessageCap, DefaultDailyMessageCap)
	default:
		return capOrDefault(a.DailyVisitCap, DefaultDailyVisitCap)
	}
}

func capOrDefault(cap, def int) int {
	if cap <= 0 {
		return def
	}
	return cap
}

// Provider-guidance defaults for daily action caps.
const (
	DefaultDailyInviteCap  = 80
	DefaultDailyMessageCap = 120
	DefaultDailyVisitCap   = 200
)
