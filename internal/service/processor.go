package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/septivank/device-telemetry-worker/internal/batch"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/ingest"
	"github.com/septivank/device-telemetry-worker/internal/logging"
	"github.com/septivank/device-telemetry-worker/internal/mq"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"github.com/septivank/device-telemetry-worker/internal/status"
	"github.com/septivank/device-telemetry-worker/internal/validator"
	"go.uber.org/zap"
)

// Decoder turns raw messages into validated metric drafts.
type Decoder interface {
	Decode(topic string, raw []byte, receivedAt time.Time) (validator.Result, *validator.Rejection)
}

// Enqueuer buffers accepted metrics for bulk storage.
type Enqueuer interface {
	Enqueue(ctx context.Context, record db.Metric) error
}

// DeviceToucher records that a device was heard from.
type DeviceToucher interface {
	TouchLastSeen(ctx context.Context, deviceID int64, ts time.Time) error
}

// StatusRecomputer re-derives a device's status from one series.
type StatusRecomputer interface {
	Recompute(ctx context.Context, deviceID, metricTypeID int64, latest time.Time) (status.Outcome, error)
}

// EventPublisher announces status changes and data loss.
type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, event mq.StatusChangedEvent) error
	PublishBatchDropped(ctx context.Context, event mq.BatchDroppedEvent) error
}

// BatchMirror receives a copy of every stored batch.
type BatchMirror interface {
	Write(ctx context.Context, records []db.Metric)
}

// ProcessorService connects decoding, buffering and the post-flush effects
type ProcessorService struct {
	decoder   Decoder
	writer    Enqueuer
	devices   DeviceToucher
	machine   StatusRecomputer
	publisher EventPublisher
	mirror    BatchMirror
	counters  *stats.Counters
	logger    *zap.Logger
}

// NewProcessorService creates a new processor service. mirror may be nil.
func NewProcessorService(
	decoder Decoder,
	devices DeviceToucher,
	machine StatusRecomputer,
	publisher EventPublisher,
	mirror BatchMirror,
	counters *stats.Counters,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		decoder:   decoder,
		devices:   devices,
		machine:   machine,
		publisher: publisher,
		mirror:    mirror,
		counters:  counters,
		logger:    logger.Named("processor"),
	}
}

// SetWriter attaches the batch writer. The writer calls back into OnFlush
// and OnDrop, so the two are constructed in sequence.
func (s *ProcessorService) SetWriter(w Enqueuer) {
	s.writer = w
}

// HandleMessage decodes one raw message and buffers it when accepted.
// Rejections are counted and logged; they never stop the pipeline.
func (s *ProcessorService) HandleMessage(ctx context.Context, msg ingest.Message) {
	result, rej := s.decoder.Decode(msg.Topic, msg.Payload, msg.ReceivedAt)
	if rej != nil {
		s.counters.Reject(rej.Reason)
		s.logger.Warn("message rejected",
			zap.String("topic", msg.Topic),
			zap.String("reason", rej.Reason.String()),
			zap.String("detail", rej.Detail),
			zap.Int("payload_size", len(msg.Payload)),
		)
		return
	}

	if result.Kind == validator.TopicStatus {
		s.counters.Liveness.Add(1)
		logging.WithDevice(s.logger, result.DeviceID).Debug("liveness message",
			zap.String("payload", result.Liveness))
		return
	}

	if err := s.writer.Enqueue(ctx, result.Metric); err != nil {
		if errors.Is(err, batch.ErrBufferFull) {
			s.counters.BufferFull.Add(1)
		} else {
			s.counters.PausedDrops.Add(1)
		}
		logging.WithDevice(s.logger, result.DeviceID).Warn("accepted metric not buffered",
			zap.Error(err),
			zap.String("metric_type", result.MetricType.Name),
		)
		return
	}
	s.counters.Accepted.Add(1)
}

// OnFlush runs the effects of a stored batch: last-seen timestamps, one
// status recompute per series using its latest record, the mirror and
// status change events.
func (s *ProcessorService) OnFlush(ctx context.Context, batchID string, records []db.Metric) {
	logger := logging.WithBatchID(s.logger, batchID)

	for _, d := range latestPerDevice(records) {
		if err := s.devices.TouchLastSeen(ctx, d.id, d.ts); err != nil {
			logger.Error("failed to update last seen",
				zap.Error(err),
				zap.Int64("device_id", d.id))
		}
	}

	for _, k := range latestPerSeries(records) {
		outcome, err := s.machine.Recompute(ctx, k.key.DeviceID, k.key.MetricTypeID, k.ts)
		if err != nil {
			logger.Error("status recompute failed",
				zap.Error(err),
				zap.Int64("device_id", k.key.DeviceID),
				zap.Int64("metric_type_id", k.key.MetricTypeID))
			continue
		}
		if !outcome.Changed {
			continue
		}

		event := mq.StatusChangedEvent{
			DeviceID:     outcome.DeviceID,
			MetricTypeID: outcome.MetricTypeID,
			Previous:     string(outcome.Previous),
			Status:       string(outcome.Status),
			Change:       outcome.Change,
			ObservedAt:   k.ts,
		}
		if err := s.publisher.PublishStatusChanged(ctx, event); err != nil {
			// Log error but don't fail the flush
			logger.Error("failed to publish status event",
				zap.Error(err),
				zap.Int64("device_id", outcome.DeviceID))
		}
	}

	if s.mirror != nil {
		s.mirror.Write(ctx, records)
	}
}

// OnDrop raises a data loss alert for a batch abandoned by the writer.
func (s *ProcessorService) OnDrop(ctx context.Context, batchID string, records []db.Metric, cause error) {
	devices := latestPerDevice(records)
	ids := make([]int64, len(devices))
	for i, d := range devices {
		ids[i] = d.id
	}

	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	event := mq.BatchDroppedEvent{
		BatchID:   batchID,
		Records:   len(records),
		DeviceIDs: ids,
		Reason:    reason,
		DroppedAt: time.Now().UTC(),
	}
	if err := s.publisher.PublishBatchDropped(ctx, event); err != nil {
		logging.WithBatchID(s.logger, batchID).Error("failed to publish batch dropped alert", zap.Error(err))
	}
}

type deviceLatest struct {
	id int64
	ts time.Time
}

type seriesLatest struct {
	key db.SeriesKey
	ts  time.Time
}

func latestPerDevice(records []db.Metric) []deviceLatest {
	latest := make(map[int64]time.Time)
	for _, r := range records {
		if ts, ok := latest[r.DeviceID]; !ok || r.Timestamp.After(ts) {
			latest[r.DeviceID] = r.Timestamp
		}
	}

	out := make([]deviceLatest, 0, len(latest))
	for id, ts := range latest {
		out = append(out, deviceLatest{id: id, ts: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func latestPerSeries(records []db.Metric) []seriesLatest {
	latest := make(map[db.SeriesKey]time.Time)
	for _, r := range records {
		if ts, ok := latest[r.Key()]; !ok || r.Timestamp.After(ts) {
			latest[r.Key()] = r.Timestamp
		}
	}

	out := make([]seriesLatest, 0, len(latest))
	for k, ts := range latest {
		out = append(out, seriesLatest{key: k, ts: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.DeviceID != out[j].key.DeviceID {
			return out[i].key.DeviceID < out[j].key.DeviceID
		}
		return out[i].key.MetricTypeID < out[j].key.MetricTypeID
	})
	return out
}
