package correlate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"outreach-engine/internal/dispatch"
	"outreach-engine/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Queues is the AMQP surface the consumer needs. *queue.RabbitMQ
// satisfies it.
type Queues interface {
	DeclareAccountQueue(accountID string) (string, error)
	Channel() *amqp.Channel
}

// AccountLister discovers the accounts to consume for.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
}

// Consumer runs one AMQP consumer goroutine per account queue. A single
// consumer per queue serializes that account's events into the
// correlator in arrival order, which the pending-slot design requires.
type Consumer struct {
	queues     Queues
	accounts   AccountLister
	correlator *Correlator
	policy     dispatch.Policy
	logger     *zap.Logger

	refreshInterval time.Duration

	mu      sync.Mutex
	running map[string]bool
}

func NewConsumer(queues Queues, accounts AccountLister, correlator *Correlator, policy dispatch.Policy, logger *zap.Logger) *Consumer {
	return &Consumer{
		queues:          queues,
		accounts:        accounts,
		correlator:      correlator,
		policy:          policy,
		logger:          logger,
		refreshInterval: 30 * time.Second,
		running:         make(map[string]bool),
	}
}

// Run keeps one consumer alive per known account until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	c.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Consumer) refresh(ctx context.Context) {
	accounts, err := c.accounts.ListAccounts(ctx)
	if err != nil {
		c.logger.Error("Failed to list accounts", zap.Error(err))
		return
	}

	for _, account := range accounts {
		c.mu.Lock()
		already := c.running[account.AccountID]
		if !already {
			c.running[account.AccountID] = true
		}
		c.mu.Unlock()
		if already {
			continue
		}

		if err := c.startAccount(ctx, account.AccountID); err != nil {
			c.logger.Error("Failed to start account consumer",
				zap.Error(err),
				zap.String("account_id", account.AccountID))
			c.mu.Lock()
			delete(c.running, account.AccountID)
			c.mu.Unlock()
		}
	}
}

// startAccount declares the account queue and consumes it on a
// dedicated goroutine.
func (c *Consumer) startAccount(ctx context.Context, accountID string) error {
	queueName, err := c.queues.DeclareAccountQueue(accountID)
	if err != nil {
		return err
	}

	msgs, err := c.queues.Channel().Consume(
		queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return err
	}

	c.logger.Info("Correlator consumer started",
		zap.String("account_id", accountID),
		zap.String("queue", queueName))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-msgs:
				if !open {
					c.mu.Lock()
					delete(c.running, accountID)
					c.mu.Unlock()
					return
				}
				c.handle(ctx, accountID, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) handle(ctx context.Context, accountID string, msg amqp.Delivery) {
	var event models.WebhookEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.logger.Error("Failed to unmarshal event",
			zap.Error(err),
			zap.String("body", string(msg.Body)))
		msg.Nack(false, false)
		return
	}
	if event.AccountID == "" {
		event.AccountID = accountID
	}

	// Transient storage errors retry in place under the backoff policy:
	// a requeue would reorder the account's events, which the pending
	// slot cannot absorb.
	for attempt := 1; ; attempt++ {
		err := c.correlator.Apply(ctx, &event)
		if err == nil {
			msg.Ack(false)
			return
		}

		if c.policy.Exhausted(attempt) {
			c.logger.Error("Parking event after repeated correlation failures",
				zap.Error(err),
				zap.String("account_id", event.AccountID),
				zap.String("event_id", event.EventID),
				zap.Int("attempts", attempt))
			// The raw event stays unprocessed in storage; the replayer
			// pushes it back through the queue once it goes stale.
			msg.Ack(false)
			return
		}

		c.logger.Warn("Failed to correlate event, retrying",
			zap.Error(err),
			zap.String("account_id", event.AccountID),
			zap.String("event_id", event.EventID),
			zap.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			msg.Nack(false, true)
			return
		case <-time.After(c.policy.Delay(attempt)):
		}
	}
}
