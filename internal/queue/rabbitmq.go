package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"outreach-engine/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher hands raw webhook events from the HTTP boundary to the
// correlator without blocking the response.
type Publisher interface {
	Publish(event models.WebhookEvent) error
	Close() error
}

// RabbitMQ routes each event to its account's queue via a direct
// exchange keyed by account id. One queue per account plus one consumer
// per queue keeps an account's events in arrival order, which the
// correlator's single pending-slot design requires.
type RabbitMQ struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	exchangeName string
	logger       *zap.Logger
}

func NewRabbitMQ(url, exchangeName string, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %v", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %v", err)
	}

	return &RabbitMQ{
		conn:         conn,
		ch:           ch,
		exchangeName: exchangeName,
		logger:       logger,
	}, nil
}

func (r *RabbitMQ) Publish(event models.WebhookEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %v", err)
	}

	headers := make(amqp.Table)
	headers["event_id"] = event.EventID
	headers["account_id"] = event.AccountID
	headers["fingerprint"] = event.Fingerprint

	err = r.ch.PublishWithContext(ctx,
		r.exchangeName,
		event.AccountID, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      headers,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		})

	if err != nil {
		return fmt.Errorf("failed to publish message: %v", err)
	}

	return nil
}

func (r *RabbitMQ) Close() error {
	if err := r.ch.Close(); err != nil {
		r.logger.Error("Failed to close channel", zap.Error(err))
	}
	if err := r.conn.Close(); err != nil {
		r.logger.Error("Failed to close connection", zap.Error(err))
	}
	return nil
}

// DeclareAccountQueue creates and binds the durable per-account event
// queue. Idempotent; both the ingest side and the worker call it.
func (r *RabbitMQ) DeclareAccountQueue(accountID string) (string, error) {
	queueName := AccountQueueName(accountID)

	_, err := r.ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue: %v", err)
	}

	err = r.ch.QueueBind(
		queueName,
		accountID, // routing key
		r.exchangeName,
		false,
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("failed to bind queue: %v", err)
	}

	return queueName, nil
}

// AccountQueueName names the per-account raw event queue.
func AccountQueueName(accountID string) string {
	return fmt.Sprintf("webhook_events_%s", accountID)
}

// Channel exposes the AMQP channel for consumers.
func (r *RabbitMQ) Channel() *amqp.Channel {
	return r.ch
}
