package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const consumerTag = "device-telemetry-worker"

// Submitter accepts raw device messages for decoding.
type Submitter interface {
	Submit(topic string, payload []byte) error
}

// Consumer receives device messages bridged into RabbitMQ by the broker's
// MQTT plugin and hands them to the decode pipeline. MQTT topic levels
// arrive as dot-separated routing keys.
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	dlqQueue      string
	exchange      string
	routingKeys   []string
	prefetchCount int
	logger        *zap.Logger
	submitter     Submitter
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKeys   []string
	PrefetchCount int
	Logger        *zap.Logger
	Submitter     Submitter
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set QoS (prefetch)
	err = ch.Qos(cfg.PrefetchCount, 0, false)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	// amq.* exchanges are predeclared by the broker and may only be checked.
	if strings.HasPrefix(cfg.Exchange, "amq.") {
		err = ch.ExchangeDeclarePassive(cfg.Exchange, "topic", true, false, false, false, nil)
	} else {
		err = ch.ExchangeDeclare(
			cfg.Exchange,
			"topic",
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,   // arguments
		)
	}
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare DLQ
	_, err = ch.QueueDeclare(
		cfg.DLQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange, once per routing key
	for _, key := range cfg.RoutingKeys {
		err = ch.QueueBind(
			cfg.Queue,
			key,
			cfg.Exchange,
			false,
			nil,
		)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to bind queue to %q: %w", key, err)
		}
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		dlqQueue:      cfg.DLQQueue,
		exchange:      cfg.Exchange,
		routingKeys:   cfg.RoutingKeys,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger.Named("consumer"),
		submitter:     cfg.Submitter,
	}, nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Strings("routing_keys", c.routingKeys),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.processMessage(msg)
			}
		}
	}()

	return nil
}

// TopicFromRoutingKey converts an MQTT-plugin routing key back to a topic.
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

func (c *Consumer) processMessage(msg amqp.Delivery) {
	topic := TopicFromRoutingKey(msg.RoutingKey)

	if err := c.submitter.Submit(topic, msg.Body); err != nil {
		c.logger.Warn("failed to queue message, dead-lettering",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("dlq", c.dlqQueue),
		)

		// NACK with requeue=false sends to DLQ
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Pause cancels the subscription. Deliveries already received are still
// processed; nothing new arrives afterwards.
func (c *Consumer) Pause() error {
	if err := c.channel.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer: %w", err)
	}
	c.logger.Info("consumer paused")
	return nil
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
