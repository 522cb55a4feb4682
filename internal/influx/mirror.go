// Package influx mirrors flushed batches to InfluxDB for dashboarding.
package influx

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/septivank/device-telemetry-worker/internal/config"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"go.uber.org/zap"
)

const measurement = "device_metrics"

// pointWriter is the blocking write API subset the mirror uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// TypeNamer resolves metric type ids to names.
type TypeNamer interface {
	MetricTypeName(id int64) (string, bool)
}

// Mirror writes copies of stored metrics to InfluxDB. Failures are logged
// and never surface to the caller.
type Mirror struct {
	client  influxdb2.Client
	writer  pointWriter
	names   TypeNamer
	timeout time.Duration
	logger  *zap.Logger
}

// NewMirror connects to InfluxDB. It returns nil when the mirror is disabled.
func NewMirror(cfg config.InfluxConfig, names TypeNamer, logger *zap.Logger) *Mirror {
	if !cfg.Enabled() {
		return nil
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	logger.Info("influxdb mirror enabled", zap.String("url", cfg.URL), zap.String("bucket", cfg.Bucket))
	return &Mirror{
		client:  client,
		writer:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		names:   names,
		timeout: cfg.WriteTimeout,
		logger:  logger.Named("influx"),
	}
}

// Write mirrors one batch within the write timeout. A nil Mirror does nothing.
func (m *Mirror) Write(ctx context.Context, records []db.Metric) {
	if m == nil || len(records) == 0 {
		return
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	points := make([]*write.Point, 0, len(records))
	for _, r := range records {
		points = append(points, m.point(r))
	}

	if err := m.writer.WritePoint(ctx, points...); err != nil {
		m.logger.Warn("failed to mirror batch to influxdb",
			zap.Error(err),
			zap.Int("points", len(points)))
	}
}

// Close releases the client. A nil Mirror does nothing.
func (m *Mirror) Close() {
	if m == nil || m.client == nil {
		return
	}
	m.client.Close()
}

func (m *Mirror) point(r db.Metric) *write.Point {
	metricType, ok := m.names.MetricTypeName(r.MetricTypeID)
	if !ok {
		metricType = strconv.FormatInt(r.MetricTypeID, 10)
	}
	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			"device_id":   strconv.FormatInt(r.DeviceID, 10),
			"metric_type": metricType,
		},
		map[string]interface{}{
			"value":   r.Value,
			"quality": r.Quality,
		},
		r.Timestamp,
	)
}
