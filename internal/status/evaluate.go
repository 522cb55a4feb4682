package status

import (
	"math"
	"sort"

	"github.com/septivank/device-telemetry-worker/internal/db"
)

// Decision is the result of evaluating one trailing window.
type Decision struct {
	// Status is the status the window calls for. Empty when Skip is set.
	Status db.DeviceStatus
	// Change is |(last - first) / first| over the window.
	Change float64
	// Skip explains why no transition is made.
	Skip string
	// Degenerate marks a window whose baseline is zero.
	Degenerate bool
}

const (
	SkipInsufficientData = "fewer than 2 readings in window"
	SkipZeroBaseline     = "first reading in window is zero"
)

// Evaluate computes the status called for by a window of same-series readings.
// Readings may arrive in any order; they are compared chronologically.
func Evaluate(window []db.Metric, threshold float64) Decision {
	if len(window) < 2 {
		return Decision{Skip: SkipInsufficientData}
	}

	ordered := make([]db.Metric, len(window))
	copy(ordered, window)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	first, last := ordered[0].Value, ordered[len(ordered)-1].Value
	if first == 0 {
		return Decision{Skip: SkipZeroBaseline, Degenerate: true}
	}

	change := math.Abs((last - first) / first)
	if change >= threshold {
		return Decision{Status: db.StatusOff, Change: change}
	}
	return Decision{Status: db.StatusOn, Change: change}
}
