package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/septivank/device-telemetry-worker/internal/batch"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/ingest"
	"github.com/septivank/device-telemetry-worker/internal/mq"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"github.com/septivank/device-telemetry-worker/internal/status"
	"github.com/septivank/device-telemetry-worker/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type catalog struct{}

func (catalog) HasDevice(id int64) bool { return id == 42 || id == 7 }

func (catalog) MetricType(name string) (db.MetricType, bool) {
	switch name {
	case "temperature":
		lo, hi := -40.0, 125.0
		return db.MetricType{ID: 1, Name: name, Rules: db.ValidationRules{Min: &lo, Max: &hi}}, true
	case "power":
		return db.MetricType{ID: 2, Name: name}, true
	}
	return db.MetricType{}, false
}

type fakeWriter struct {
	records []db.Metric
	err     error
}

func (w *fakeWriter) Enqueue(_ context.Context, r db.Metric) error {
	if w.err != nil {
		return w.err
	}
	w.records = append(w.records, r)
	return nil
}

type touch struct {
	id int64
	ts time.Time
}

type fakeDevices struct {
	touches []touch
}

func (d *fakeDevices) TouchLastSeen(_ context.Context, id int64, ts time.Time) error {
	d.touches = append(d.touches, touch{id, ts})
	return nil
}

type recompute struct {
	key    db.SeriesKey
	latest time.Time
}

type fakeMachine struct {
	calls   []recompute
	changed map[db.SeriesKey]bool
	err     error
}

func (m *fakeMachine) Recompute(_ context.Context, deviceID, metricTypeID int64, latest time.Time) (status.Outcome, error) {
	key := db.SeriesKey{DeviceID: deviceID, MetricTypeID: metricTypeID}
	m.calls = append(m.calls, recompute{key, latest})
	if m.err != nil {
		return status.Outcome{}, m.err
	}
	return status.Outcome{
		DeviceID:     deviceID,
		MetricTypeID: metricTypeID,
		Previous:     db.StatusOn,
		Status:       db.StatusOff,
		Changed:      m.changed[key],
	}, nil
}

type fakePublisher struct {
	status  []mq.StatusChangedEvent
	dropped []mq.BatchDroppedEvent
}

func (p *fakePublisher) PublishStatusChanged(_ context.Context, e mq.StatusChangedEvent) error {
	p.status = append(p.status, e)
	return nil
}

func (p *fakePublisher) PublishBatchDropped(_ context.Context, e mq.BatchDroppedEvent) error {
	p.dropped = append(p.dropped, e)
	return nil
}

type fakeMirror struct {
	batches [][]db.Metric
}

func (m *fakeMirror) Write(_ context.Context, records []db.Metric) {
	m.batches = append(m.batches, records)
}

type fixture struct {
	svc       *ProcessorService
	writer    *fakeWriter
	devices   *fakeDevices
	machine   *fakeMachine
	publisher *fakePublisher
	mirror    *fakeMirror
	counters  *stats.Counters
}

func newFixture() *fixture {
	f := &fixture{
		writer:    &fakeWriter{},
		devices:   &fakeDevices{},
		machine:   &fakeMachine{changed: map[db.SeriesKey]bool{}},
		publisher: &fakePublisher{},
		mirror:    &fakeMirror{},
		counters:  &stats.Counters{},
	}
	f.svc = NewProcessorService(validator.NewValidator(catalog{}), f.devices, f.machine, f.publisher, f.mirror, f.counters, zap.NewNop())
	f.svc.SetWriter(f.writer)
	return f
}

var received = time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

func message(topic, payload string) ingest.Message {
	return ingest.Message{Topic: topic, Payload: []byte(payload), ReceivedAt: received}
}

func TestHandleMessage(t *testing.T) {
	t.Run("Should buffer an accepted metric", func(t *testing.T) {
		f := newFixture()

		f.svc.HandleMessage(context.Background(), message("devices/42/metrics/temperature", `{"value": 21.5}`))

		require.Len(t, f.writer.records, 1)
		assert.Equal(t, int64(42), f.writer.records[0].DeviceID)
		assert.Equal(t, int64(1), f.writer.records[0].MetricTypeID)
		assert.Equal(t, 21.5, f.writer.records[0].Value)
		assert.Equal(t, int64(1), f.counters.Accepted.Load())
	})

	t.Run("Should count rejections per reason", func(t *testing.T) {
		f := newFixture()

		f.svc.HandleMessage(context.Background(), message("devices/abc/metrics/x", `{"value": 1}`))
		f.svc.HandleMessage(context.Background(), message("devices/99/metrics/temperature", `{"value": 1}`))
		f.svc.HandleMessage(context.Background(), message("devices/42/metrics/temperature", `{`))
		f.svc.HandleMessage(context.Background(), message("devices/42/metrics/temperature", `{"value": 500}`))

		assert.Empty(t, f.writer.records)
		assert.Equal(t, int64(1), f.counters.Rejected(stats.ReasonMalformedTopic))
		assert.Equal(t, int64(1), f.counters.Rejected(stats.ReasonUnknownReference))
		assert.Equal(t, int64(1), f.counters.Rejected(stats.ReasonMalformedPayload))
		assert.Equal(t, int64(1), f.counters.Rejected(stats.ReasonOutOfRange))
		assert.Zero(t, f.counters.Accepted.Load())
	})

	t.Run("Should count liveness without buffering", func(t *testing.T) {
		f := newFixture()

		f.svc.HandleMessage(context.Background(), message("devices/42/status", `online`))

		assert.Empty(t, f.writer.records)
		assert.Equal(t, int64(1), f.counters.Liveness.Load())
	})

	t.Run("Should count a full buffer", func(t *testing.T) {
		f := newFixture()
		f.writer.err = batch.ErrBufferFull

		f.svc.HandleMessage(context.Background(), message("devices/42/metrics/power", `{"value": 3}`))

		assert.Equal(t, int64(1), f.counters.BufferFull.Load())
		assert.Zero(t, f.counters.Accepted.Load())
	})
}

func TestOnFlush(t *testing.T) {
	t0 := received
	records := []db.Metric{
		{DeviceID: 42, MetricTypeID: 1, Timestamp: t0.Add(2 * time.Minute), Value: 1},
		{DeviceID: 7, MetricTypeID: 2, Timestamp: t0, Value: 1},
		{DeviceID: 42, MetricTypeID: 1, Timestamp: t0.Add(5 * time.Minute), Value: 2},
		{DeviceID: 42, MetricTypeID: 2, Timestamp: t0.Add(time.Minute), Value: 3},
		{DeviceID: 42, MetricTypeID: 1, Timestamp: t0.Add(3 * time.Minute), Value: 4},
	}

	t.Run("Should touch each device once with its latest timestamp", func(t *testing.T) {
		f := newFixture()

		f.svc.OnFlush(context.Background(), "batch-1", records)

		assert.Equal(t, []touch{
			{7, t0},
			{42, t0.Add(5 * time.Minute)},
		}, f.devices.touches)
	})

	t.Run("Should recompute once per series with its latest record", func(t *testing.T) {
		f := newFixture()

		f.svc.OnFlush(context.Background(), "batch-1", records)

		assert.Equal(t, []recompute{
			{db.SeriesKey{DeviceID: 7, MetricTypeID: 2}, t0},
			{db.SeriesKey{DeviceID: 42, MetricTypeID: 1}, t0.Add(5 * time.Minute)},
			{db.SeriesKey{DeviceID: 42, MetricTypeID: 2}, t0.Add(time.Minute)},
		}, f.machine.calls)
	})

	t.Run("Should publish only actual transitions", func(t *testing.T) {
		f := newFixture()
		f.machine.changed[db.SeriesKey{DeviceID: 42, MetricTypeID: 1}] = true

		f.svc.OnFlush(context.Background(), "batch-1", records)

		require.Len(t, f.publisher.status, 1)
		ev := f.publisher.status[0]
		assert.Equal(t, int64(42), ev.DeviceID)
		assert.Equal(t, "on", ev.Previous)
		assert.Equal(t, "off", ev.Status)
		assert.True(t, ev.ObservedAt.Equal(t0.Add(5*time.Minute)))
	})

	t.Run("Should mirror the batch even when recompute fails", func(t *testing.T) {
		f := newFixture()
		f.machine.err = errors.New("deadlock detected")

		f.svc.OnFlush(context.Background(), "batch-1", records)

		require.Len(t, f.mirror.batches, 1)
		assert.Len(t, f.mirror.batches[0], len(records))
		assert.Empty(t, f.publisher.status)
	})
}

func TestOnDrop(t *testing.T) {
	f := newFixture()
	records := []db.Metric{{DeviceID: 42}, {DeviceID: 7}, {DeviceID: 42}}

	f.svc.OnDrop(context.Background(), "batch-9", records, errors.New("database unavailable"))

	require.Len(t, f.publisher.dropped, 1)
	ev := f.publisher.dropped[0]
	assert.Equal(t, "batch-9", ev.BatchID)
	assert.Equal(t, 3, ev.Records)
	assert.Equal(t, []int64{7, 42}, ev.DeviceIDs)
	assert.Equal(t, "database unavailable", ev.Reason)
}
