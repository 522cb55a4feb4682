// Package aggregate maintains time-bucketed rollups of raw metrics and
// retires raw data once it is covered by rollups.
package aggregate

import (
	"sort"
	"time"

	"github.com/septivank/device-telemetry-worker/internal/db"
)

// ComputeBuckets rolls records up into UTC-aligned buckets of the given
// interval. The result only depends on the set of records: they are ordered
// by series, timestamp and id before summing, so recomputation over the same
// data is bit-identical.
func ComputeBuckets(records []db.Metric, interval time.Duration) []db.Bucket {
	if len(records) == 0 || interval <= 0 {
		return nil
	}

	ordered := make([]db.Metric, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		if a.MetricTypeID != b.MetricTypeID {
			return a.MetricTypeID < b.MetricTypeID
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})

	var (
		buckets []db.Bucket
		sum     float64
	)
	for _, r := range ordered {
		start := BucketStart(r.Timestamp, interval)

		n := len(buckets)
		if n == 0 || buckets[n-1].DeviceID != r.DeviceID || buckets[n-1].MetricTypeID != r.MetricTypeID || !buckets[n-1].Start.Equal(start) {
			if n > 0 {
				buckets[n-1].Avg = sum / float64(buckets[n-1].Count)
			}
			buckets = append(buckets, db.Bucket{
				DeviceID:     r.DeviceID,
				MetricTypeID: r.MetricTypeID,
				Interval:     interval,
				Start:        start,
				Min:          r.Value,
				Max:          r.Value,
			})
			sum = 0
			n++
		}

		b := &buckets[n-1]
		sum += r.Value
		b.Count++
		if r.Value < b.Min {
			b.Min = r.Value
		}
		if r.Value > b.Max {
			b.Max = r.Value
		}
	}
	last := &buckets[len(buckets)-1]
	last.Avg = sum / float64(last.Count)

	return buckets
}

// MergeBucket folds late into existing. Counts add, the average is weighted
// by count, and min and max widen.
func MergeBucket(existing, late db.Bucket) db.Bucket {
	if existing.Count == 0 {
		return late
	}
	if late.Count == 0 {
		return existing
	}
	out := existing
	out.Count = existing.Count + late.Count
	out.Avg = (existing.Avg*float64(existing.Count) + late.Avg*float64(late.Count)) / float64(out.Count)
	out.Min = min(existing.Min, late.Min)
	out.Max = max(existing.Max, late.Max)
	return out
}

// BucketStart returns the UTC start of the bucket containing ts.
func BucketStart(ts time.Time, interval time.Duration) time.Time {
	return ts.UTC().Truncate(interval)
}

// alignAll moves t back to the nearest instant that is a bucket boundary
// for every interval.
func alignAll(t time.Time, intervals []time.Duration) time.Time {
	t = t.UTC()
	for {
		aligned := t
		for _, iv := range intervals {
			aligned = aligned.Truncate(iv)
		}
		if aligned.Equal(t) {
			return t
		}
		t = aligned
	}
}
