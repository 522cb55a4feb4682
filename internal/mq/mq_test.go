package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent []published
	err  error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func testPublisher(ch *fakeChannel) *Publisher {
	return newPublisher(ch, PublisherConfig{
		Exchange:         "telemetry.events",
		StatusRoutingKey: "device.status.changed",
		AlertRoutingKey:  "telemetry.batch.dropped",
	}, zap.NewNop())
}

func TestPublisher_StatusChanged(t *testing.T) {
	ch := &fakeChannel{}
	p := testPublisher(ch)
	observed := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

	err := p.PublishStatusChanged(context.Background(), StatusChangedEvent{
		DeviceID: 42, MetricTypeID: 3, Previous: "on", Status: "off", Change: 0.2, ObservedAt: observed,
	})

	require.NoError(t, err)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "telemetry.events", ch.sent[0].exchange)
	assert.Equal(t, "device.status.changed", ch.sent[0].key)
	assert.Equal(t, "application/json", ch.sent[0].msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.sent[0].msg.DeliveryMode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(ch.sent[0].msg.Body, &body))
	assert.Equal(t, float64(42), body["device_id"])
	assert.Equal(t, "on", body["previous_status"])
	assert.Equal(t, "off", body["status"])
}

func TestPublisher_BatchDropped(t *testing.T) {
	ch := &fakeChannel{}
	p := testPublisher(ch)

	err := p.PublishBatchDropped(context.Background(), BatchDroppedEvent{BatchID: "b-1", Records: 500, DeviceIDs: []int64{1, 2}})

	require.NoError(t, err)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "telemetry.batch.dropped", ch.sent[0].key)
}

func TestPublisher_WrapsChannelErrors(t *testing.T) {
	cause := errors.New("channel closed")
	p := testPublisher(&fakeChannel{err: cause})

	err := p.PublishBatchDropped(context.Background(), BatchDroppedEvent{BatchID: "b-1"})

	assert.ErrorIs(t, err, cause)
}

type fakeAcknowledger struct {
	acked, nacked, requeued int
}

func (a *fakeAcknowledger) Ack(uint64, bool) error { a.acked++; return nil }
func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	if requeue {
		a.requeued++
	}
	return nil
}
func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

type fakeSubmitter struct {
	topics []string
	err    error
}

func (s *fakeSubmitter) Submit(topic string, _ []byte) error {
	if s.err != nil {
		return s.err
	}
	s.topics = append(s.topics, topic)
	return nil
}

func TestTopicFromRoutingKey(t *testing.T) {
	assert.Equal(t, "devices/42/metrics/temperature", TopicFromRoutingKey("devices.42.metrics.temperature"))
	assert.Equal(t, "devices/42/status", TopicFromRoutingKey("devices.42.status"))
}

func TestConsumer_AcksSubmittedMessages(t *testing.T) {
	sub := &fakeSubmitter{}
	ack := &fakeAcknowledger{}
	c := &Consumer{logger: zap.NewNop(), submitter: sub, dlqQueue: "dlq"}

	c.processMessage(amqp.Delivery{Acknowledger: ack, RoutingKey: "devices.7.metrics.power", Body: []byte(`{"value":1}`)})

	assert.Equal(t, []string{"devices/7/metrics/power"}, sub.topics)
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
}

func TestConsumer_DeadLettersWhenQueueIsFull(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("decode queue full")}
	ack := &fakeAcknowledger{}
	c := &Consumer{logger: zap.NewNop(), submitter: sub, dlqQueue: "dlq"}

	c.processMessage(amqp.Delivery{Acknowledger: ack, RoutingKey: "devices.7.metrics.power"})

	assert.Zero(t, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.Zero(t, ack.requeued, "dead-lettered, not requeued")
}
