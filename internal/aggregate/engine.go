package aggregate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/septivank/device-telemetry-worker/internal/config"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Store is the persistence the engine reads raw metrics from and writes
// rollups to.
type Store interface {
	ListSeries(ctx context.Context, start, end time.Time) ([]db.SeriesKey, error)
	QueryRange(ctx context.Context, deviceID, metricTypeID int64, start, end time.Time) ([]db.Metric, error)
	OldestMetricTime(ctx context.Context) (time.Time, bool, error)
	UpsertBucket(ctx context.Context, b db.Bucket) error
	GetBucket(ctx context.Context, key db.SeriesKey, interval time.Duration, start time.Time) (db.Bucket, bool, error)
	// MaxMetricID is the fence taken before a rollup: rows above it were not
	// part of the rollup and must survive the retirement.
	MaxMetricID(ctx context.Context) (int64, error)
	// RetentionWatermark is the cutoff of the last completed retirement.
	RetentionWatermark(ctx context.Context) (time.Time, bool, error)
	// Retire applies r atomically and reports how many raw rows were deleted.
	Retire(ctx context.Context, r db.Retirement) (int64, error)
	DeleteBucketsOlderThan(ctx context.Context, interval time.Duration, cutoff time.Time) (int64, error)
}

// Option customises the Engine.
type Option func(*Engine)

// WithClock injects a deterministic clock (used for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// Engine recomputes rollups on a schedule and applies retention.
type Engine struct {
	store        Store
	intervals    []config.IntervalRetention
	schedule     time.Duration
	lookback     time.Duration
	rawRetention time.Duration
	now          func() time.Time
	counters     *stats.Counters
	logger       *zap.Logger

	// mu serializes passes and rebuilds.
	mu sync.Mutex
}

// NewEngine creates an aggregation engine for the configured intervals.
func NewEngine(store Store, cfg config.AggregationConfig, counters *stats.Counters, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		intervals:    append([]config.IntervalRetention(nil), cfg.Intervals...),
		schedule:     cfg.Schedule,
		lookback:     cfg.Lookback,
		rawRetention: cfg.RawRetention,
		now:          time.Now,
		counters:     counters,
		logger:       logger.Named("aggregate"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run executes a pass immediately and then every schedule tick until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	e.runPass(ctx)

	ticker := time.NewTicker(e.schedule)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runPass(ctx)
		}
	}
}

func (e *Engine) runPass(ctx context.Context) {
	if err := e.Pass(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("aggregation pass failed", zap.Error(err))
	}
}

// Pass applies retention and then recomputes recent buckets.
func (e *Engine) Pass(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	cutoff, watermark, err := e.retentionFloor(ctx, now)
	if err != nil {
		return err
	}

	retainErr := e.retain(ctx, now, cutoff, watermark)

	var refreshErr error
	for _, iv := range e.intervals {
		start := BucketStart(now.Add(-e.lookback), iv.Interval)
		if start.Before(cutoff) {
			// Buckets before the cutoff are owned by retention.
			start = cutoff
		}
		if _, err := e.recompute(ctx, iv.Interval, start, now, noFence); err != nil {
			refreshErr = multierr.Append(refreshErr, err)
		}
	}

	return multierr.Combine(retainErr, refreshErr)
}

// Rebuild recomputes every interval over [start, end), widened to whole
// buckets. It never reaches before the raw retention cutoff.
func (e *Engine) Rebuild(ctx context.Context, start, end time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !start.Before(end) {
		return fmt.Errorf("invalid rebuild range [%s, %s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	floor, _, err := e.retentionFloor(ctx, e.now().UTC())
	if err != nil {
		return err
	}

	var errs error
	total := 0
	for _, iv := range e.intervals {
		s := BucketStart(start, iv.Interval)
		if s.Before(floor) {
			s = floor
		}
		en := BucketStart(end, iv.Interval)
		if en.Before(end.UTC()) {
			en = en.Add(iv.Interval)
		}
		if !s.Before(en) {
			continue
		}
		n, err := e.recompute(ctx, iv.Interval, s, en, noFence)
		total += n
		errs = multierr.Append(errs, err)
	}

	e.logger.Info("rebuild finished",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("buckets", total),
		zap.Error(errs))
	return errs
}

// noFence disables the id fence of a recompute.
const noFence = math.MaxInt64

// rawCutoff is now minus the raw retention, aligned down to a boundary of
// every interval so no bucket straddles it.
func (e *Engine) rawCutoff(now time.Time) time.Time {
	ivs := make([]time.Duration, len(e.intervals))
	for i, iv := range e.intervals {
		ivs[i] = iv.Interval
	}
	return alignAll(now.Add(-e.rawRetention), ivs)
}

// retentionFloor returns the cutoff of this pass and the stored watermark.
// The cutoff never moves behind the watermark, so a raised raw retention
// does not reopen ranges whose raw rows are already gone.
func (e *Engine) retentionFloor(ctx context.Context, now time.Time) (cutoff, watermark time.Time, err error) {
	cutoff = e.rawCutoff(now)
	watermark, ok, err := e.store.RetentionWatermark(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if ok && watermark.After(cutoff) {
		cutoff = watermark
	}
	return cutoff, watermark, nil
}

// retain retires raw rows older than cutoff, then drops buckets past their
// own retention.
func (e *Engine) retain(ctx context.Context, now, cutoff, watermark time.Time) error {
	errs := e.retireRaw(ctx, cutoff, watermark)

	for _, iv := range e.intervals {
		horizon := now.Add(-iv.Retention)
		deleted, err := e.store.DeleteBucketsOlderThan(ctx, iv.Interval, horizon)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if deleted > 0 {
			e.logger.Info("rollups retired",
				zap.Duration("interval", iv.Interval),
				zap.Time("horizon", horizon),
				zap.Int64("buckets", deleted))
		}
	}

	return errs
}

// retireRaw rolls up raw rows in [watermark, cutoff) from scratch, merges
// rows older than the watermark into the buckets that already cover them,
// and only then deletes the raw rows. Rows inserted after the id fence are
// left for the next pass.
func (e *Engine) retireRaw(ctx context.Context, cutoff, watermark time.Time) error {
	oldest, ok, err := e.store.OldestMetricTime(ctx)
	if err != nil {
		return fmt.Errorf("failed to find oldest metric: %w", err)
	}
	if !ok || !oldest.Before(cutoff) {
		return nil
	}

	fence, err := e.store.MaxMetricID(ctx)
	if err != nil {
		return err
	}

	var rollupErr error
	for _, iv := range e.intervals {
		start := BucketStart(oldest, iv.Interval)
		if start.Before(watermark) {
			start = watermark
		}
		if !start.Before(cutoff) {
			continue
		}
		if _, err := e.recompute(ctx, iv.Interval, start, cutoff, fence); err != nil {
			rollupErr = multierr.Append(rollupErr, err)
		}
	}

	var (
		merged []db.Bucket
		late   int
	)
	if rollupErr == nil && oldest.Before(watermark) {
		merged, late, rollupErr = e.mergeLate(ctx, oldest, watermark, fence)
	}

	if rollupErr != nil {
		e.logger.Warn("keeping raw metrics: rollup before retention failed",
			zap.Time("cutoff", cutoff),
			zap.Error(rollupErr))
		return rollupErr
	}

	deleted, err := e.store.Retire(ctx, db.Retirement{Merged: merged, Cutoff: cutoff, Fence: fence})
	if err != nil {
		return err
	}

	e.counters.RawRowsRetired.Add(deleted)
	e.counters.LateRecords.Add(int64(late))
	e.logger.Info("raw metrics retired",
		zap.Time("cutoff", cutoff),
		zap.Int64("fence", fence),
		zap.Int64("rows", deleted),
		zap.Int("late", late))
	return nil
}

// mergeLate folds readings that arrived after their range was retired into
// the stored buckets. It returns the merged buckets and the number of late
// readings.
func (e *Engine) mergeLate(ctx context.Context, from, watermark time.Time, fence int64) ([]db.Bucket, int, error) {
	series, err := e.store.ListSeries(ctx, from, watermark)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list late series: %w", err)
	}

	var (
		merged []db.Bucket
		late   int
	)
	for _, k := range series {
		records, err := e.store.QueryRange(ctx, k.DeviceID, k.MetricTypeID, from, watermark)
		if err != nil {
			return nil, 0, err
		}
		records = belowFence(records, fence)
		late += len(records)

		for _, iv := range e.intervals {
			for _, b := range ComputeBuckets(records, iv.Interval) {
				existing, found, err := e.store.GetBucket(ctx, k, iv.Interval, b.Start)
				if err != nil {
					return nil, 0, err
				}
				if found {
					b = MergeBucket(existing, b)
				}
				merged = append(merged, b)
			}
		}
	}

	return merged, late, nil
}

func belowFence(records []db.Metric, fence int64) []db.Metric {
	out := records[:0:0]
	for _, r := range records {
		if r.ID <= fence {
			out = append(out, r)
		}
	}
	return out
}

// recompute rebuilds every bucket of one interval in [start, end) from raw
// rows with id up to fence. start and end must be bucket boundaries unless
// end is the present.
func (e *Engine) recompute(ctx context.Context, interval time.Duration, start, end time.Time, fence int64) (int, error) {
	series, err := e.store.ListSeries(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to list series: %w", err)
	}

	var errs error
	written := 0
	for _, k := range series {
		records, err := e.store.QueryRange(ctx, k.DeviceID, k.MetricTypeID, start, end)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		for _, b := range ComputeBuckets(belowFence(records, fence), interval) {
			if err := e.store.UpsertBucket(ctx, b); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("device %d metric type %d bucket %s: %w",
					b.DeviceID, b.MetricTypeID, b.Start.Format(time.RFC3339), err))
				continue
			}
			written++
		}
	}

	e.counters.BucketsUpserted.Add(int64(written))
	e.logger.Debug("buckets recomputed",
		zap.Duration("interval", interval),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("series", len(series)),
		zap.Int("buckets", written))
	return written, errs
}
