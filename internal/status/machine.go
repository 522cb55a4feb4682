package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"go.uber.org/zap"
)

// Store is the persistence the machine reads windows from and writes status to.
type Store interface {
	QueryWindow(ctx context.Context, deviceID, metricTypeID int64, start, end time.Time) ([]db.Metric, error)
	DeviceStatus(ctx context.Context, deviceID int64) (db.DeviceStatus, error)
	// SetAutomaticStatus writes status unless the device is in a manual status,
	// atomically. It returns the status found before the write.
	SetAutomaticStatus(ctx context.Context, deviceID int64, status db.DeviceStatus) (previous db.DeviceStatus, applied bool, err error)
}

// Outcome describes one recomputation.
type Outcome struct {
	DeviceID     int64
	MetricTypeID int64
	Previous     db.DeviceStatus
	Status       db.DeviceStatus
	Change       float64
	// Changed is set when the stored status actually took a new value.
	Changed bool
	// Skipped is set when no write was attempted, with the reason.
	Skipped string
}

// SkipManualStatus is reported for devices in maintenance or error.
const SkipManualStatus = "device status is managed manually"

// Machine recomputes device status from the trailing window of a series.
type Machine struct {
	store     Store
	window    time.Duration
	threshold float64
	counters  *stats.Counters
	logger    *zap.Logger
	locks     deviceLocks
}

// NewMachine creates a new state machine with the given window and change threshold
func NewMachine(store Store, window time.Duration, threshold float64, counters *stats.Counters, logger *zap.Logger) *Machine {
	return &Machine{
		store:     store,
		window:    window,
		threshold: threshold,
		counters:  counters,
		logger:    logger.Named("status"),
		locks:     deviceLocks{m: make(map[int64]*lockEntry)},
	}
}

// Recompute re-derives the status of deviceID from the metricTypeID window
// ending at latest. It is idempotent, and serialized per device.
func (m *Machine) Recompute(ctx context.Context, deviceID, metricTypeID int64, latest time.Time) (Outcome, error) {
	unlock := m.locks.lock(deviceID)
	defer unlock()

	out := Outcome{DeviceID: deviceID, MetricTypeID: metricTypeID}

	current, err := m.store.DeviceStatus(ctx, deviceID)
	if err != nil {
		return out, fmt.Errorf("failed to read status of device %d: %w", deviceID, err)
	}
	out.Previous, out.Status = current, current
	if current.IsManual() {
		out.Skipped = SkipManualStatus
		return out, nil
	}

	window, err := m.store.QueryWindow(ctx, deviceID, metricTypeID, latest.Add(-m.window), latest)
	if err != nil {
		return out, fmt.Errorf("failed to query window for device %d: %w", deviceID, err)
	}

	decision := Evaluate(window, m.threshold)
	out.Change = decision.Change
	if decision.Skip != "" {
		out.Skipped = decision.Skip
		if decision.Degenerate {
			m.counters.DegenerateWindows.Add(1)
			m.logger.Warn("skipping status recompute on degenerate window",
				zap.Int64("device_id", deviceID),
				zap.Int64("metric_type_id", metricTypeID),
				zap.Int("readings", len(window)),
				zap.String("reason", decision.Skip))
		}
		return out, nil
	}

	previous, applied, err := m.store.SetAutomaticStatus(ctx, deviceID, decision.Status)
	if err != nil {
		return out, fmt.Errorf("failed to update status of device %d: %w", deviceID, err)
	}
	out.Previous = previous
	if !applied {
		// The management layer moved the device into a manual status meanwhile.
		out.Status = previous
		out.Skipped = SkipManualStatus
		return out, nil
	}

	out.Status = decision.Status
	out.Changed = previous != decision.Status
	if out.Changed {
		m.counters.StatusTransitions.Add(1)
		m.logger.Info("device status changed",
			zap.Int64("device_id", deviceID),
			zap.Int64("metric_type_id", metricTypeID),
			zap.String("from", string(previous)),
			zap.String("to", string(decision.Status)),
			zap.Float64("change", decision.Change))
	}
	return out, nil
}

type lockEntry struct {
	sync.Mutex
	refs int
}

// deviceLocks hands out one mutex per device, dropping it when unused.
type deviceLocks struct {
	mu sync.Mutex
	m  map[int64]*lockEntry
}

func (l *deviceLocks) lock(id int64) (unlock func()) {
	l.mu.Lock()
	e, ok := l.m[id]
	if !ok {
		e = &lockEntry{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
