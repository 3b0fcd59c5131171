package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"outreach-engine/internal/dispatch"
	"outreach-engine/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAcker struct {
	acks     int
	nacks    int
	requeued bool
}

func (f *fakeAcker) Ack(_ uint64, _ bool) error {
	f.acks++
	return nil
}

func (f *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return nil
}

func (f *fakeAcker) Reject(_ uint64, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return nil
}

// flakyStore fails PutPending a set number of times before recovering.
type flakyStore struct {
	*fakeStore
	failures int
}

func (s *flakyStore) PutPending(ctx context.Context, rec *models.CorrelatedRecord) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("write failed")
	}
	return s.fakeStore.PutPending(ctx, rec)
}

func delivery(t *testing.T, acker *fakeAcker, ev *models.WebhookEvent) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: acker, Body: body}
}

func testPolicy() dispatch.Policy {
	return dispatch.Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 3}
}

func newTestConsumer(store Store) *Consumer {
	correlator := NewCorrelator(store, &fakeSequencer{}, zap.NewNop())
	return NewConsumer(nil, nil, correlator, testPolicy(), zap.NewNop())
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	store := &flakyStore{fakeStore: newFakeStore(), failures: 2}
	c := newTestConsumer(store)
	acker := &fakeAcker{}

	ev := event("e1", "acc-1", models.EventPhaseCreate, map[string]any{
		"targeturl": "https://example.com/in/alice",
	})
	c.handle(context.Background(), "acc-1", delivery(t, acker, ev))

	// Two transient failures, then the write lands and the message acks.
	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, 0, acker.nacks)
	assert.Contains(t, store.pending, "acc-1")
}

func TestHandleParksAfterExhaustedRetries(t *testing.T) {
	store := &flakyStore{fakeStore: newFakeStore(), failures: 100}
	c := newTestConsumer(store)
	acker := &fakeAcker{}

	ev := event("e1", "acc-1", models.EventPhaseCreate, map[string]any{
		"targeturl": "https://example.com/in/alice",
	})
	c.handle(context.Background(), "acc-1", delivery(t, acker, ev))

	// Parked off the queue, but nothing was marked processed: the stored
	// raw event remains visible to the replayer.
	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, store.processed)
	assert.NotContains(t, store.pending, "acc-1")
}

func TestHandleRequeuesOnShutdown(t *testing.T) {
	store := &flakyStore{fakeStore: newFakeStore(), failures: 100}
	c := newTestConsumer(store)
	acker := &fakeAcker{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := event("e1", "acc-1", models.EventPhaseCreate, map[string]any{
		"targeturl": "https://example.com/in/alice",
	})
	c.handle(ctx, "acc-1", delivery(t, acker, ev))

	// A canceled worker hands the delivery back for the next one.
	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeued)
}

func TestHandleRejectsMalformedBody(t *testing.T) {
	c := newTestConsumer(newFakeStore())
	acker := &fakeAcker{}

	c.handle(context.Background(), "acc-1", amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte("{not json"),
	})

	assert.Equal(t, 1, acker.nacks)
	assert.False(t, acker.requeued)
}

type fakeReplayStore struct {
	stale     []models.WebhookEvent
	published []string
}

func (f *fakeReplayStore) StaleUnprocessedEvents(_ context.Context, olderThan time.Time, _ int64) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, ev := range f.stale {
		if ev.ReceivedAt.Before(olderThan) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeReplayStore) MarkEventPublished(_ context.Context, eventID string) error {
	f.published = append(f.published, eventID)
	return nil
}

type fakePublisher struct {
	events []models.WebhookEvent
	err    error
}

func (f *fakePublisher) Publish(event models.WebhookEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestReplayerSweepRepublishesStaleEvents(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeReplayStore{stale: []models.WebhookEvent{
		{EventID: "old", AccountID: "acc-1", ReceivedAt: now.Add(-time.Hour)},
		{EventID: "fresh", AccountID: "acc-1", ReceivedAt: now},
	}}
	publisher := &fakePublisher{}
	r := NewReplayer(store, publisher, zap.NewNop())

	require.NoError(t, r.sweep(context.Background(), 15*time.Minute))

	// Only the stale event goes back through the queue.
	require.Len(t, publisher.events, 1)
	assert.Equal(t, "old", publisher.events[0].EventID)
	assert.Equal(t, []string{"old"}, store.published)
}

func TestReplayerSweepKeepsUnpublishedOnError(t *testing.T) {
	store := &fakeReplayStore{stale: []models.WebhookEvent{
		{EventID: "old", AccountID: "acc-1", ReceivedAt: time.Now().UTC().Add(-time.Hour)},
	}}
	publisher := &fakePublisher{err: errors.New("broker unavailable")}
	r := NewReplayer(store, publisher, zap.NewNop())

	require.NoError(t, r.sweep(context.Background(), 15*time.Minute))

	// Publish failed, so the event stays eligible for the next sweep.
	assert.Empty(t, store.published)
}
