package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_commands_enqueued_total",
		Help: "The total number of commands accepted into the queue",
	}, []string{"account_id", "verb"})

	CommandsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_commands_deduped_total",
		Help: "The total number of enqueue calls absorbed by the dedupe key",
	}, []string{"account_id"})

	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_commands_dispatched_total",
		Help: "The total number of dispatch attempts by outcome",
	}, []string{"account_id", "verb", "outcome"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outreach_dispatch_duration_seconds",
		Help:    "Time taken to sign and send one command to the provider",
		Buckets: prometheus.DefBuckets,
	}, []string{"account_id", "verb"})

	DispatchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_dispatch_retries_total",
		Help: "The total number of transient dispatch failures scheduled for retry",
	}, []string{"account_id", "verb"})

	QuotaExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_quota_exceeded_total",
		Help: "The total number of acquire calls rejected by a daily cap",
	}, []string{"account_id", "action_class"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outreach_command_queue_depth",
		Help: "Current number of queued commands per account",
	}, []string{"account_id"})

	WebhookReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_webhook_events_received_total",
		Help: "The total number of webhook events received",
	}, []string{"account_id", "event_type"})

	WebhookDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_webhook_duplicates_total",
		Help: "The total number of webhook deliveries dropped by fingerprint dedupe",
	}, []string{"account_id"})

	CorrelatorFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_correlator_flushes_total",
		Help: "The total number of correlated records flushed by reason",
	}, []string{"account_id", "reason"})

	ContactTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_contact_transitions_total",
		Help: "The total number of campaign contact state transitions",
	}, []string{"campaign_id", "from", "to"})
)
