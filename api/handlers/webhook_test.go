package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"outreach-engine/internal/models"
	"outreach-engine/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(event models.WebhookEvent) error {
	return m.Called(event).Error(0)
}

func (m *MockPublisher) Close() error {
	return m.Called().Error(0)
}

type fakeEventStore struct {
	accounts map[string]*models.Account
	byPrint  map[string]*models.WebhookEvent
	events   []*models.WebhookEvent
}

func newFakeEventStore(accountIDs ...string) *fakeEventStore {
	s := &fakeEventStore{
		accounts: make(map[string]*models.Account),
		byPrint:  make(map[string]*models.WebhookEvent),
	}
	for _, id := range accountIDs {
		s.accounts[id] = &models.Account{AccountID: id}
	}
	return s
}

func (s *fakeEventStore) InsertWebhookEvent(_ context.Context, event *models.WebhookEvent) (bool, error) {
	if _, ok := s.byPrint[event.Fingerprint]; ok {
		return false, nil
	}
	s.byPrint[event.Fingerprint] = event
	s.events = append(s.events, event)
	return true, nil
}

func (s *fakeEventStore) FindEventByFingerprint(_ context.Context, fingerprint string) (*models.WebhookEvent, error) {
	event, ok := s.byPrint[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return event, nil
}

func (s *fakeEventStore) MarkEventPublished(_ context.Context, eventID string) error {
	for _, event := range s.byPrint {
		if event.EventID == eventID {
			event.Published = true
		}
	}
	return nil
}

func (s *fakeEventStore) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return account, nil
}

type fakeQueues struct {
	declared []string
}

func (q *fakeQueues) DeclareAccountQueue(accountID string) (string, error) {
	q.declared = append(q.declared, accountID)
	return "webhook_events_" + accountID, nil
}

func setupWebhookRouter(handler *WebhookHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/webhook", handler.HandleWebhook)
	return router
}

func postWebhook(t *testing.T, router *gin.Engine, accountID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if accountID != "" {
		req.Header.Set("X-Account-Id", accountID)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleWebhook(t *testing.T) {
	validBody := map[string]any{
		"type":  "action-result",
		"event": "create",
		"data": map[string]any{
			"event_id":  "evt-1",
			"targeturl": "https://example.com/in/alice",
			"outcome":   "accepted",
		},
	}

	tests := []struct {
		name       string
		accountID  string
		body       any
		wantStatus int
	}{
		{
			name:       "valid event",
			accountID:  "acc-1",
			body:       validBody,
			wantStatus: http.StatusOK,
		},
		{
			name:       "unknown phase",
			accountID:  "acc-1",
			body:       map[string]any{"type": "message", "event": "delete", "data": map[string]any{}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing type",
			accountID:  "acc-1",
			body:       map[string]any{"event": "create", "data": map[string]any{}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing account id",
			accountID:  "",
			body:       validBody,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown account",
			accountID:  "acc-nope",
			body:       validBody,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := new(MockPublisher)
			publisher.On("Publish", mock.Anything).Return(nil)
			store := newFakeEventStore("acc-1")
			handler := NewWebhookHandler(zap.NewNop(), publisher, store, &fakeQueues{})
			router := setupWebhookRouter(handler)

			w := postWebhook(t, router, tt.accountID, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusOK {
				var resp map[string]any
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, "evt-1", resp["event_id"])
				publisher.AssertCalled(t, "Publish", mock.Anything)
			} else {
				publisher.AssertNotCalled(t, "Publish", mock.Anything)
			}
		})
	}
}

func TestHandleWebhookMalformedJSON(t *testing.T) {
	publisher := new(MockPublisher)
	handler := NewWebhookHandler(zap.NewNop(), publisher, newFakeEventStore("acc-1"), &fakeQueues{})
	router := setupWebhookRouter(handler)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account-Id", "acc-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhookDuplicateAcknowledged(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything).Return(nil)
	store := newFakeEventStore("acc-1")
	queues := &fakeQueues{}
	handler := NewWebhookHandler(zap.NewNop(), publisher, store, queues)
	router := setupWebhookRouter(handler)

	body := map[string]any{
		"type":  "message",
		"event": "create",
		"data":  map[string]any{"event_id": "evt-1", "text": "hello"},
	}

	first := postWebhook(t, router, "acc-1", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := postWebhook(t, router, "acc-1", body)
	assert.Equal(t, http.StatusOK, second.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["duplicate"])

	// Stored and published once.
	assert.Len(t, store.events, 1)
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestHandleWebhookRedeliveryRepublishesUnpublishedEvent(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything).Return(errors.New("broker unavailable")).Once()
	publisher.On("Publish", mock.Anything).Return(nil)
	store := newFakeEventStore("acc-1")
	handler := NewWebhookHandler(zap.NewNop(), publisher, store, &fakeQueues{})
	router := setupWebhookRouter(handler)

	body := map[string]any{
		"type":  "action-result",
		"event": "update",
		"data":  map[string]any{"event_id": "evt-1", "outcome": "accepted"},
	}

	// First delivery is stored but the publish fails.
	first := postWebhook(t, router, "acc-1", body)
	require.Equal(t, http.StatusInternalServerError, first.Code)
	require.Len(t, store.events, 1)
	assert.False(t, store.events[0].Published)

	// The provider's redelivery must not settle as a duplicate: the
	// stored event still has to reach the queue.
	second := postWebhook(t, router, "acc-1", body)
	require.Equal(t, http.StatusOK, second.Code)

	publisher.AssertNumberOfCalls(t, "Publish", 2)
	assert.True(t, store.events[0].Published)
	assert.Len(t, store.events, 1, "redelivery republishes, it does not store twice")

	// A third delivery is now a settled duplicate.
	third := postWebhook(t, router, "acc-1", body)
	require.Equal(t, http.StatusOK, third.Code)
	publisher.AssertNumberOfCalls(t, "Publish", 2)
}

func TestHandleWebhookAccountIDFromPayload(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything).Return(nil)
	store := newFakeEventStore("acc-1")
	handler := NewWebhookHandler(zap.NewNop(), publisher, store, &fakeQueues{})
	router := setupWebhookRouter(handler)

	w := postWebhook(t, router, "", map[string]any{
		"type":  "message",
		"event": "update",
		"data":  map[string]any{"account_id": "acc-1", "text": "hello"},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, store.events, 1)
	assert.Equal(t, "acc-1", store.events[0].AccountID)
}

func TestHandleWebhookDeclaresQueueOnce(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything).Return(nil)
	queues := &fakeQueues{}
	handler := NewWebhookHandler(zap.NewNop(), publisher, newFakeEventStore("acc-1"), queues)
	router := setupWebhookRouter(handler)

	for i, text := range []string{"first", "second"} {
		body := map[string]any{
			"type":  "message",
			"event": "create",
			"data":  map[string]any{"event_id": "evt", "text": text, "n": i},
		}
		w := postWebhook(t, router, "acc-1", body)
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, []string{"acc-1"}, queues.declared)
}
