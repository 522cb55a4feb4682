// Package batch buffers accepted metrics in memory and writes them to the
// persistence sink in bulk.
//
// The buffer is a single global sequence shared by every device. It is not
// durable: records still buffered when the process dies are lost. On a
// graceful Stop the writer flushes what it holds within the grace period and
// counts whatever it could not write.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/logging"
	"github.com/septivank/device-telemetry-worker/internal/retry"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"go.uber.org/zap"
)

var (
	// ErrBufferFull is returned when the buffer stayed full for the whole enqueue timeout.
	ErrBufferFull = errors.New("batch buffer full")
	// ErrWriterClosed is returned once Stop has been called.
	ErrWriterClosed = errors.New("batch writer closed")
)

// Sink is the bulk persistence target.
type Sink interface {
	// Store writes records as one unit and returns those that were stored.
	// Records whose device or metric type no longer exists are skipped.
	Store(ctx context.Context, records []db.Metric) ([]db.Metric, error)
}

// FlushFunc is called after a batch was stored, with the stored records.
type FlushFunc func(ctx context.Context, batchID string, records []db.Metric)

// DropFunc is called when a batch is abandoned after its retries.
type DropFunc func(ctx context.Context, batchID string, records []db.Metric, cause error)

// Config holds writer tuning
type Config struct {
	Size           int
	Capacity       int
	MaxDelay       time.Duration
	EnqueueTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// Writer accumulates records and flushes them on size or delay, whichever first.
type Writer struct {
	cfg      Config
	sink     Sink
	onFlush  FlushFunc
	onDrop   DropFunc
	counters *stats.Counters
	logger   *zap.Logger

	in      chan db.Metric
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	started atomic.Bool

	stopOnce sync.Once
	stopCtx  context.Context
}

// NewWriter creates a new batch writer. onFlush and onDrop may be nil.
func NewWriter(cfg Config, sink Sink, onFlush FlushFunc, onDrop DropFunc, counters *stats.Counters, logger *zap.Logger) *Writer {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Capacity < cfg.Size {
		cfg.Capacity = cfg.Size
	}
	return &Writer{
		cfg:      cfg,
		sink:     sink,
		onFlush:  onFlush,
		onDrop:   onDrop,
		counters: counters,
		logger:   logger.Named("batch"),
		in:       make(chan db.Metric, cfg.Capacity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the flush loop. Flushes run with ctx until Stop is called.
func (w *Writer) Start(ctx context.Context) {
	if w.started.Swap(true) {
		return
	}
	go w.run(ctx)
}

// Enqueue hands one record to the writer. It waits at most the enqueue
// timeout for buffer space and never blocks on a flush in progress.
func (w *Writer) Enqueue(ctx context.Context, record db.Metric) error {
	if w.closed.Load() {
		return ErrWriterClosed
	}

	select {
	case w.in <- record:
		return nil
	default:
	}

	timer := time.NewTimer(w.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case w.in <- record:
		return nil
	case <-w.stop:
		return ErrWriterClosed
	case <-timer.C:
		return ErrBufferFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many records are waiting in the input buffer.
func (w *Writer) Pending() int {
	return len(w.in)
}

// Stop refuses new records, flushes everything buffered within ctx and
// counts what could not be written as lost.
func (w *Writer) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.closed.Store(true)
		w.stopCtx = ctx
		close(w.stop)
	})

	if !w.started.Load() {
		w.countLost(w.drain(nil))
		return nil
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		return fmt.Errorf("final flush did not finish within grace period: %w", ctx.Err())
	}

	// Enqueues racing with Stop may have landed after the final drain.
	w.countLost(w.drain(nil))
	return nil
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	buf := make([]db.Metric, 0, w.cfg.Size)
	timer := time.NewTimer(w.cfg.MaxDelay)
	stopTimer(timer)
	armed := false

	for {
		select {
		case record := <-w.in:
			buf = append(buf, record)
			if !armed {
				timer.Reset(w.cfg.MaxDelay)
				armed = true
			}
			if len(buf) >= w.cfg.Size {
				stopTimer(timer)
				armed = false
				w.flush(ctx, buf)
				buf = make([]db.Metric, 0, w.cfg.Size)
			}

		case <-timer.C:
			armed = false
			if len(buf) > 0 {
				w.flush(ctx, buf)
				buf = make([]db.Metric, 0, w.cfg.Size)
			}

		case <-w.stop:
			stopTimer(timer)
			w.shutdown(w.drain(buf))
			return
		}
	}
}

// shutdown writes the remaining records in batch-sized chunks using the
// grace context handed to Stop.
func (w *Writer) shutdown(remaining []db.Metric) {
	ctx := w.stopCtx
	w.logger.Info("final flush", zap.Int("records", len(remaining)))

	for len(remaining) > 0 {
		n := min(len(remaining), w.cfg.Size)
		chunk := remaining[:n]
		remaining = remaining[n:]

		if ctx.Err() != nil {
			w.countLost(append(chunk, remaining...))
			return
		}
		w.flush(ctx, chunk)
	}
}

// flush stores one batch, retrying with backoff. It reports whether the batch
// was stored. A batch cut short by shutdown is counted as lost, any other
// failure as dropped.
func (w *Writer) flush(ctx context.Context, records []db.Metric) bool {
	batchID := uuid.NewString()
	logger := logging.WithBatchID(w.logger, batchID)

	backoff := retry.Backoff{Min: w.cfg.RetryBackoff, Max: 8 * w.cfg.RetryBackoff}
	var lastErr error

	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			w.counters.FlushRetries.Add(1)
			if err := retry.Sleep(ctx, backoff.Next()); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		start := time.Now()
		stored, err := w.sink.Store(ctx, records)
		if err == nil {
			w.counters.FlushedBatches.Add(1)
			w.counters.FlushedRecords.Add(int64(len(stored)))
			if orphans := int64(len(records) - len(stored)); orphans > 0 {
				w.counters.OrphanRecords.Add(orphans)
				logger.Warn("dropped records referencing unknown devices or metric types",
					zap.Int64("orphans", orphans))
			}
			logger.Debug("batch flushed",
				zap.Int("records", len(records)),
				zap.Int("stored", len(stored)),
				zap.Int("attempt", attempt+1),
				zap.Duration("took", time.Since(start)))

			if w.onFlush != nil && len(stored) > 0 {
				w.onFlush(ctx, batchID, stored)
			}
			return true
		}

		lastErr = err
		logger.Warn("batch flush failed",
			zap.Error(err),
			zap.Int("records", len(records)),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", w.cfg.MaxRetries+1))

		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil && w.closed.Load() {
		w.countLost(records)
		return false
	}

	w.counters.DroppedBatches.Add(1)
	w.counters.DroppedRecords.Add(int64(len(records)))
	logger.Error("dropping batch after exhausting retries",
		zap.Error(lastErr),
		zap.Int("records", len(records)))
	if w.onDrop != nil {
		w.onDrop(context.WithoutCancel(ctx), batchID, records, lastErr)
	}
	return false
}

// drain appends every record currently in the input channel to buf.
func (w *Writer) drain(buf []db.Metric) []db.Metric {
	for {
		select {
		case record := <-w.in:
			buf = append(buf, record)
		default:
			return buf
		}
	}
}

func (w *Writer) countLost(records []db.Metric) {
	if len(records) == 0 {
		return
	}
	w.counters.LostOnShutdown.Add(int64(len(records)))
	w.logger.Error("records lost on shutdown", zap.Int("records", len(records)))
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
