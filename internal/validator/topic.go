package validator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/septivank/device-telemetry-worker/internal/stats"
)

const (
	topicRoot    = "devices"
	topicMetrics = "metrics"
	topicStatus  = "status"
)

// TopicKind distinguishes data topics from liveness topics.
type TopicKind int

const (
	TopicMetric TopicKind = iota + 1
	TopicStatus
)

// Topic is a parsed device topic.
type Topic struct {
	Kind       TopicKind
	DeviceID   int64
	MetricType string
}

// MetricTopic builds the data topic for a device and metric type.
func MetricTopic(deviceID int64, metricType string) string {
	return fmt.Sprintf("%s/%d/%s/%s", topicRoot, deviceID, topicMetrics, metricType)
}

// MetricWildcard is the subscription filter covering every metric of a device.
func MetricWildcard(deviceID int64) string {
	return fmt.Sprintf("%s/%d/%s/+", topicRoot, deviceID, topicMetrics)
}

// StatusTopic is the liveness topic of a device.
func StatusTopic(deviceID int64) string {
	return fmt.Sprintf("%s/%d/%s", topicRoot, deviceID, topicStatus)
}

// ParseTopic splits devices/{id}/metrics/{type} or devices/{id}/status.
// A device segment that is not a positive integer makes the topic malformed.
func ParseTopic(topic string) (Topic, *Rejection) {
	segments := strings.Split(topic, "/")

	switch {
	case len(segments) == 4 && segments[0] == topicRoot && segments[2] == topicMetrics:
		id, err := parseDeviceID(segments[1])
		if err != nil {
			return Topic{}, reject(stats.ReasonMalformedTopic, "topic %q: %v", topic, err)
		}
		if segments[3] == "" {
			return Topic{}, reject(stats.ReasonMalformedTopic, "topic %q: empty metric type", topic)
		}
		return Topic{Kind: TopicMetric, DeviceID: id, MetricType: segments[3]}, nil

	case len(segments) == 3 && segments[0] == topicRoot && segments[2] == topicStatus:
		id, err := parseDeviceID(segments[1])
		if err != nil {
			return Topic{}, reject(stats.ReasonMalformedTopic, "topic %q: %v", topic, err)
		}
		return Topic{Kind: TopicStatus, DeviceID: id}, nil
	}

	return Topic{}, reject(stats.ReasonMalformedTopic, "topic %q does not match %s/{id}/%s/{type}", topic, topicRoot, topicMetrics)
}

func parseDeviceID(segment string) (int64, error) {
	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("device id %q is not an integer", segment)
	}
	if id <= 0 {
		return 0, fmt.Errorf("device id %d is not positive", id)
	}
	return id, nil
}
