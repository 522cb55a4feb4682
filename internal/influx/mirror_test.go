package influx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/septivank/device-telemetry-worker/internal/config"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	points []*write.Point
	err    error
	block  bool
}

func (w *fakeWriter) WritePoint(ctx context.Context, points ...*write.Point) error {
	if w.block {
		<-ctx.Done()
		return ctx.Err()
	}
	w.points = append(w.points, points...)
	return w.err
}

type names map[int64]string

func (n names) MetricTypeName(id int64) (string, bool) {
	name, ok := n[id]
	return name, ok
}

func TestMirror_WritesOnePointPerRecord(t *testing.T) {
	w := &fakeWriter{}
	m := &Mirror{writer: w, names: names{1: "temperature"}, logger: zap.NewNop()}
	ts := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

	m.Write(context.Background(), []db.Metric{
		{DeviceID: 42, MetricTypeID: 1, Timestamp: ts, Value: 21.5, Quality: 0.9},
		{DeviceID: 42, MetricTypeID: 9, Timestamp: ts, Value: 3, Quality: 1},
	})

	require.Len(t, w.points, 2)
	p := w.points[0]
	assert.Equal(t, "device_metrics", p.Name())
	assert.True(t, p.Time().Equal(ts))

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"device_id": "42", "metric_type": "temperature"}, tags)

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 21.5, fields["value"])
	assert.Equal(t, 0.9, fields["quality"])

	for _, tag := range w.points[1].TagList() {
		if tag.Key == "metric_type" {
			assert.Equal(t, "9", tag.Value, "unknown names fall back to the id")
		}
	}
}

func TestMirror_SwallowsErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("unauthorized")}
	m := &Mirror{writer: w, names: names{}, logger: zap.NewNop()}

	assert.NotPanics(t, func() {
		m.Write(context.Background(), []db.Metric{{DeviceID: 1, MetricTypeID: 1}})
	})
}

func TestMirror_BoundsSlowWrites(t *testing.T) {
	w := &fakeWriter{block: true}
	m := &Mirror{writer: w, names: names{}, timeout: 20 * time.Millisecond, logger: zap.NewNop()}

	start := time.Now()
	m.Write(context.Background(), []db.Metric{{DeviceID: 1, MetricTypeID: 1}})

	assert.Less(t, time.Since(start), time.Second)
}

func TestMirror_DisabledIsNil(t *testing.T) {
	m := NewMirror(config.InfluxConfig{}, names{}, zap.NewNop())

	assert.Nil(t, m)
	assert.NotPanics(t, func() {
		m.Write(context.Background(), []db.Metric{{DeviceID: 1}})
		m.Close()
	})
}
