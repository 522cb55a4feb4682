package timeparser

import (
	"fmt"
	"time"
)

// isoFormats are the ISO-8601 layouts devices are known to send. Layouts
// without a zone are read as UTC.
var isoFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseInstant parses an ISO-8601 timestamp into a UTC instant
func ParseInstant(s string) (time.Time, error) {
	var lastErr error
	for _, format := range isoFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", s, lastErr)
}
