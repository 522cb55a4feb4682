package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// publishChannel is the subset of *amqp.Channel the publisher needs.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher handles event publishing to RabbitMQ
type Publisher struct {
	mu        sync.Mutex
	channel   publishChannel
	exchange  string
	statusKey string
	alertKey  string
	logger    *zap.Logger
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Exchange         string
	StatusRoutingKey string
	AlertRoutingKey  string
}

// NewPublisher creates a new RabbitMQ publisher and declares its exchange
func NewPublisher(conn *Connection, cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return newPublisher(ch, cfg, logger), nil
}

func newPublisher(ch publishChannel, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	return &Publisher{
		channel:   ch,
		exchange:  cfg.Exchange,
		statusKey: cfg.StatusRoutingKey,
		alertKey:  cfg.AlertRoutingKey,
		logger:    logger.Named("publisher"),
	}
}

// StatusChangedEvent is published when a device's automatic status changes
type StatusChangedEvent struct {
	DeviceID     int64     `json:"device_id"`
	MetricTypeID int64     `json:"metric_type_id"`
	Previous     string    `json:"previous_status"`
	Status       string    `json:"status"`
	Change       float64   `json:"change"`
	ObservedAt   time.Time `json:"observed_at"`
}

// BatchDroppedEvent is published when a batch is abandoned after its retries
type BatchDroppedEvent struct {
	BatchID   string    `json:"batch_id"`
	Records   int       `json:"records"`
	DeviceIDs []int64   `json:"device_ids"`
	Reason    string    `json:"reason"`
	DroppedAt time.Time `json:"dropped_at"`
}

// PublishStatusChanged publishes a status transition
func (p *Publisher) PublishStatusChanged(ctx context.Context, event StatusChangedEvent) error {
	if err := p.publish(ctx, p.statusKey, event); err != nil {
		return err
	}

	p.logger.Debug("published status event",
		zap.Int64("device_id", event.DeviceID),
		zap.String("status", event.Status),
	)
	return nil
}

// PublishBatchDropped publishes a data loss alert
func (p *Publisher) PublishBatchDropped(ctx context.Context, event BatchDroppedEvent) error {
	if err := p.publish(ctx, p.alertKey, event); err != nil {
		return err
	}

	p.logger.Debug("published batch dropped alert",
		zap.String("batch_id", event.BatchID),
		zap.Int("records", event.Records),
	)
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
