// Package stats holds the process-wide operational counters of the
// ingestion pipeline. Every dropped or rejected message is counted here.
package stats

import "sync/atomic"

// Reason classifies a decode rejection.
type Reason int

const (
	ReasonMalformedTopic Reason = iota
	ReasonUnknownReference
	ReasonMalformedPayload
	ReasonOutOfRange
	numReasons
)

func (r Reason) String() string {
	switch r {
	case ReasonMalformedTopic:
		return "malformed topic"
	case ReasonUnknownReference:
		return "unknown device/metric"
	case ReasonMalformedPayload:
		return "malformed payload"
	case ReasonOutOfRange:
		return "out of range"
	}
	return "unknown"
}

// Counters is safe for concurrent use. The zero value is ready.
type Counters struct {
	Received          atomic.Int64
	Accepted          atomic.Int64
	Liveness          atomic.Int64
	QueueFull         atomic.Int64
	BufferFull        atomic.Int64
	PausedDrops       atomic.Int64
	FlushedBatches    atomic.Int64
	FlushedRecords    atomic.Int64
	FlushRetries      atomic.Int64
	DroppedBatches    atomic.Int64
	DroppedRecords    atomic.Int64
	OrphanRecords     atomic.Int64
	LostOnShutdown    atomic.Int64
	StatusTransitions atomic.Int64
	DegenerateWindows atomic.Int64
	BucketsUpserted   atomic.Int64
	RawRowsRetired    atomic.Int64
	LateRecords       atomic.Int64
	ConnectFailures   atomic.Int64

	rejected [numReasons]atomic.Int64
}

// Reject counts one rejection for reason.
func (c *Counters) Reject(r Reason) {
	if r >= 0 && r < numReasons {
		c.rejected[r].Add(1)
	}
}

// Rejected returns the number of rejections recorded for reason.
func (c *Counters) Rejected(r Reason) int64 {
	if r < 0 || r >= numReasons {
		return 0
	}
	return c.rejected[r].Load()
}

// Snapshot is a point-in-time copy of the counters, shaped for JSON.
type Snapshot struct {
	Received          int64            `json:"received"`
	Accepted          int64            `json:"accepted"`
	Liveness          int64            `json:"liveness"`
	Rejected          map[string]int64 `json:"rejected"`
	QueueFull         int64            `json:"queue_full"`
	BufferFull        int64            `json:"buffer_full"`
	PausedDrops       int64            `json:"paused_drops"`
	FlushedBatches    int64            `json:"flushed_batches"`
	FlushedRecords    int64            `json:"flushed_records"`
	FlushRetries      int64            `json:"flush_retries"`
	DroppedBatches    int64            `json:"dropped_batches"`
	DroppedRecords    int64            `json:"dropped_records"`
	OrphanRecords     int64            `json:"orphan_records"`
	LostOnShutdown    int64            `json:"lost_on_shutdown"`
	StatusTransitions int64            `json:"status_transitions"`
	DegenerateWindows int64            `json:"degenerate_windows"`
	BucketsUpserted   int64            `json:"buckets_upserted"`
	RawRowsRetired    int64            `json:"raw_rows_retired"`
	LateRecords       int64            `json:"late_records"`
	ConnectFailures   int64            `json:"connect_failures"`
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	rejected := make(map[string]int64, numReasons)
	for r := Reason(0); r < numReasons; r++ {
		rejected[r.String()] = c.rejected[r].Load()
	}
	return Snapshot{
		Received:          c.Received.Load(),
		Accepted:          c.Accepted.Load(),
		Liveness:          c.Liveness.Load(),
		Rejected:          rejected,
		QueueFull:         c.QueueFull.Load(),
		BufferFull:        c.BufferFull.Load(),
		PausedDrops:       c.PausedDrops.Load(),
		FlushedBatches:    c.FlushedBatches.Load(),
		FlushedRecords:    c.FlushedRecords.Load(),
		FlushRetries:      c.FlushRetries.Load(),
		DroppedBatches:    c.DroppedBatches.Load(),
		DroppedRecords:    c.DroppedRecords.Load(),
		OrphanRecords:     c.OrphanRecords.Load(),
		LostOnShutdown:    c.LostOnShutdown.Load(),
		StatusTransitions: c.StatusTransitions.Load(),
		DegenerateWindows: c.DegenerateWindows.Load(),
		BucketsUpserted:   c.BucketsUpserted.Load(),
		RawRowsRetired:    c.RawRowsRetired.Load(),
		LateRecords:       c.LateRecords.Load(),
		ConnectFailures:   c.ConnectFailures.Load(),
	}
}
