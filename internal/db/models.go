package db

import (
	"fmt"
	"time"
)

// DeviceStatus is the operational status of a device.
type DeviceStatus string

const (
	StatusOn          DeviceStatus = "on"
	StatusOff         DeviceStatus = "off"
	StatusMaintenance DeviceStatus = "maintenance"
	StatusError       DeviceStatus = "error"
	StatusUnknown     DeviceStatus = "unknown"
)

// ParseDeviceStatus converts a stored status string into a DeviceStatus.
func ParseDeviceStatus(s string) (DeviceStatus, error) {
	switch st := DeviceStatus(s); st {
	case StatusOn, StatusOff, StatusMaintenance, StatusError, StatusUnknown:
		return st, nil
	}
	return "", fmt.Errorf("unknown device status %q", s)
}

// IsManual reports whether the status is owned by the management layer.
// Automatic recomputation never touches a device in a manual status.
func (s DeviceStatus) IsManual() bool {
	return s == StatusMaintenance || s == StatusError
}

// MinDeviceKeyLength is the shortest accepted device key.
const MinDeviceKeyLength = 3

// ValidateDeviceKey checks the device key format
func ValidateDeviceKey(key string) error {
	if len(key) < MinDeviceKeyLength {
		return fmt.Errorf("device key must be at least %d characters long", MinDeviceKeyLength)
	}
	return nil
}

// Device represents a registered field device in the database
type Device struct {
	ID            int64
	DeviceKey     string
	UserID        int64
	Status        DeviceStatus
	LastSeen      time.Time
	Configuration map[string]any
}

// IsActive reports whether the device is on and was seen within threshold of now.
func (d Device) IsActive(now time.Time, threshold time.Duration) bool {
	return d.Status == StatusOn && now.Sub(d.LastSeen) <= threshold
}

// DeviceCredentials is what the ingestion listener needs to connect as a device
type DeviceCredentials struct {
	ID     int64
	Key    string
	Secret string
}

// ValidationRules are optional bounds declared by a metric type
type ValidationRules struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// MetricType represents a named category of measurement
type MetricType struct {
	ID          int64
	Name        string
	Unit        string
	Description string
	Rules       ValidationRules
}

// Metric represents a single accepted reading in the database
type Metric struct {
	ID           int64
	DeviceID     int64
	MetricTypeID int64
	Timestamp    time.Time
	Value        float64
	Quality      float64
	Metadata     map[string]any
	ReceivedAt   time.Time
}

// SeriesKey identifies one (device, metric type) series
type SeriesKey struct {
	DeviceID     int64
	MetricTypeID int64
}

// Key returns the series this metric belongs to.
func (m Metric) Key() SeriesKey {
	return SeriesKey{DeviceID: m.DeviceID, MetricTypeID: m.MetricTypeID}
}

// Bucket represents a precomputed statistical rollup over raw metrics
type Bucket struct {
	DeviceID     int64
	MetricTypeID int64
	Interval     time.Duration
	Start        time.Time
	Avg          float64
	Min          float64
	Max          float64
	Count        int64
}

// Retirement is one atomic step of raw-data retention: buckets that absorb
// late readings, then deletion of raw rows before Cutoff with id up to Fence,
// then advancing the retention watermark to Cutoff.
type Retirement struct {
	Merged []Bucket
	Cutoff time.Time
	Fence  int64
}
