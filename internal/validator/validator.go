package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"github.com/septivank/device-telemetry-worker/tools/timeparser"
)

// Catalog resolves the references a message names.
type Catalog interface {
	HasDevice(id int64) bool
	MetricType(name string) (db.MetricType, bool)
}

// Rejection explains why a message was not accepted. It is a normal outcome,
// not a failure of the caller.
type Rejection struct {
	Reason stats.Reason
	Detail string
}

func (r *Rejection) Error() string {
	return r.Reason.String() + ": " + r.Detail
}

func reject(reason stats.Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Result is a decoded message. For TopicMetric, Metric holds a validated draft
// (ID unset); for TopicStatus, Liveness holds the raw status payload.
type Result struct {
	Kind       TopicKind
	DeviceID   int64
	MetricType db.MetricType
	Metric     db.Metric
	Liveness   string
}

type payload struct {
	Timestamp *string         `json:"timestamp"`
	Value     json.RawMessage `json:"value"`
	Quality   *float64        `json:"quality"`
	Metadata  map[string]any  `json:"metadata"`
}

// Validator decodes raw transport messages into metric drafts
type Validator struct {
	catalog Catalog
}

// NewValidator creates a new validator resolving references through catalog
func NewValidator(catalog Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Decode validates topic and payload. Exactly one of the returns is meaningful:
// a nil Rejection means the Result is accepted.
func (v *Validator) Decode(topic string, raw []byte, receivedAt time.Time) (Result, *Rejection) {
	t, rej := ParseTopic(topic)
	if rej != nil {
		return Result{}, rej
	}

	if !v.catalog.HasDevice(t.DeviceID) {
		return Result{}, reject(stats.ReasonUnknownReference, "device %d is not registered", t.DeviceID)
	}

	if t.Kind == TopicStatus {
		return Result{Kind: TopicStatus, DeviceID: t.DeviceID, Liveness: string(bytes.TrimSpace(raw))}, nil
	}

	mt, ok := v.catalog.MetricType(t.MetricType)
	if !ok {
		return Result{}, reject(stats.ReasonUnknownReference, "metric type %q is not registered", t.MetricType)
	}

	metric, rej := decodePayload(raw, receivedAt)
	if rej != nil {
		return Result{}, rej
	}

	if lo := mt.Rules.Min; lo != nil && metric.Value < *lo {
		return Result{}, reject(stats.ReasonOutOfRange, "value %v below minimum %v for %s", metric.Value, *lo, mt.Name)
	}
	if hi := mt.Rules.Max; hi != nil && metric.Value > *hi {
		return Result{}, reject(stats.ReasonOutOfRange, "value %v above maximum %v for %s", metric.Value, *hi, mt.Name)
	}

	metric.DeviceID = t.DeviceID
	metric.MetricTypeID = mt.ID

	return Result{Kind: TopicMetric, DeviceID: t.DeviceID, MetricType: mt, Metric: metric}, nil
}

func decodePayload(raw []byte, receivedAt time.Time) (db.Metric, *Rejection) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return db.Metric{}, reject(stats.ReasonMalformedPayload, "invalid JSON: %v", err)
	}

	value, err := parseValue(p.Value)
	if err != nil {
		return db.Metric{}, reject(stats.ReasonMalformedPayload, "%v", err)
	}

	ts := receivedAt.UTC()
	if p.Timestamp != nil && *p.Timestamp != "" {
		ts, err = timeparser.ParseInstant(*p.Timestamp)
		if err != nil {
			return db.Metric{}, reject(stats.ReasonMalformedPayload, "%v", err)
		}
	}

	quality := 1.0
	if p.Quality != nil {
		quality = *p.Quality
		if quality < 0 || quality > 1 {
			return db.Metric{}, reject(stats.ReasonOutOfRange, "quality %v outside [0, 1]", quality)
		}
	}

	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return db.Metric{
		Timestamp:  ts,
		Value:      value,
		Quality:    quality,
		Metadata:   metadata,
		ReceivedAt: receivedAt.UTC(),
	}, nil
}

// parseValue accepts a JSON number or a numeric string and requires it finite.
func parseValue(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing value")
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("invalid value: %v", err)
		}
	}

	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %s: not a number", raw)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("invalid value %s: not finite", raw)
	}
	return value, nil
}
