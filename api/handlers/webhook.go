package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"outreach-engine/internal/models"
	"outreach-engine/internal/queue"
	"outreach-engine/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventStore is the slice of storage the ingest path needs.
type EventStore interface {
	InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	FindEventByFingerprint(ctx context.Context, fingerprint string) (*models.WebhookEvent, error)
	MarkEventPublished(ctx context.Context, eventID string) error
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
}

// AccountQueues binds per-account event queues on first use.
type AccountQueues interface {
	DeclareAccountQueue(accountID string) (string, error)
}

// webhookBody is the provider's callback envelope.
type webhookBody struct {
	Type  string            `json:"type"`
	Event models.EventPhase `json:"event"`
	Data  map[string]any    `json:"data"`
}

// WebhookHandler appends raw webhook events and hands them to the
// correlator through the queue. It returns immediately; correlation and
// sequencing never run on the request path.
type WebhookHandler struct {
	logger    *zap.Logger
	publisher queue.Publisher
	store     EventStore
	queues    AccountQueues

	mu       sync.Mutex
	declared map[string]bool
}

func NewWebhookHandler(logger *zap.Logger, publisher queue.Publisher, store EventStore, queues AccountQueues) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger,
		publisher: publisher,
		store:     store,
		queues:    queues,
		declared:  make(map[string]bool),
	}
}

func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	var body webhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.logger.Error("Failed to parse webhook payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}

	if body.Type == "" || !body.Event.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event must be create or update"})
		return
	}

	accountID := h.extractAccountID(c, body.Data)
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing account id"})
		return
	}
	if _, err := h.store.GetAccount(c.Request.Context(), accountID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown account"})
		return
	}

	// The fingerprint hashes the canonical payload bytes so identical
	// redeliveries collapse to the same identity.
	rawData, err := json.Marshal(body.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	event := models.WebhookEvent{
		EventID:     h.eventID(body.Data),
		AccountID:   accountID,
		Type:        body.Type,
		Phase:       body.Event,
		Payload:     body.Data,
		Fingerprint: models.EventFingerprint(accountID, body.Type, rawData),
		ReceivedAt:  time.Now().UTC(),
	}

	metrics.WebhookReceived.WithLabelValues(accountID, event.Type).Inc()

	inserted, err := h.store.InsertWebhookEvent(c.Request.Context(), &event)
	if err != nil {
		h.logger.Error("Failed to store webhook event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store event"})
		return
	}

	duplicate := false
	if !inserted {
		existing, err := h.store.FindEventByFingerprint(c.Request.Context(), event.Fingerprint)
		if err != nil {
			h.logger.Error("Failed to load duplicate event", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store event"})
			return
		}
		if existing.Published {
			// At-least-once redelivery of a settled event: acknowledged,
			// never re-correlated.
			metrics.WebhookDuplicates.WithLabelValues(accountID).Inc()
			c.JSON(http.StatusOK, gin.H{"status": "ok", "duplicate": true})
			return
		}
		// Stored by an earlier delivery whose publish failed; this
		// redelivery carries it the rest of the way.
		event = *existing
		duplicate = true
	}

	if err := h.ensureQueue(accountID); err != nil {
		h.logger.Error("Failed to declare account queue",
			zap.Error(err),
			zap.String("account_id", accountID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to route event"})
		return
	}

	if err := h.publisher.Publish(event); err != nil {
		h.logger.Error("Failed to publish event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
		return
	}

	if err := h.store.MarkEventPublished(c.Request.Context(), event.EventID); err != nil {
		// The event is in the queue; worst case the flag stays down and a
		// redelivery publishes it a second time, which the correlator's
		// compare-and-set transitions absorb.
		h.logger.Error("Failed to mark event published",
			zap.Error(err),
			zap.String("event_id", event.EventID))
	}

	resp := gin.H{
		"status":     "ok",
		"event_id":   event.EventID,
		"account_id": accountID,
	}
	if duplicate {
		resp["duplicate"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func (h *WebhookHandler) extractAccountID(c *gin.Context, data map[string]any) string {
	if id := c.GetHeader("X-Account-Id"); id != "" {
		return id
	}
	if id, ok := data["account_id"].(string); ok {
		return id
	}
	return ""
}

// eventID uses the provider's id when one is supplied, otherwise a
// generated one.
func (h *WebhookHandler) eventID(data map[string]any) string {
	for _, field := range []string{"event_id", "webhook_id", "delivery_id"} {
		if val, ok := data[field].(string); ok && val != "" {
			return val
		}
	}
	return uuid.NewString()
}

// ensureQueue declares and binds the account's event queue once per
// process lifetime.
func (h *WebhookHandler) ensureQueue(accountID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.declared[accountID] {
		return nil
	}
	if _, err := h.queues.DeclareAccountQueue(accountID); err != nil {
		return err
	}
	h.declared[accountID] = true
	return nil
}
