package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	LogLevel    string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	MQTT        MQTTConfig
	Ingest      IngestConfig
	Batch       BatchConfig
	State       StateConfig
	Aggregation AggregationConfig
	Directory   DirectoryConfig
	Influx      InfluxConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection, ingest queue and event settings
type RabbitMQConfig struct {
	URL               string
	IngestExchange    string
	IngestQueue       string
	IngestRoutingKeys []string
	DLQQueue          string
	PrefetchCount     int
	EventsExchange    string
	StatusRoutingKey  string
	AlertRoutingKey   string
}

// MQTTConfig holds broker and per-device connection settings
type MQTTConfig struct {
	BrokerHost            string
	BrokerPort            int
	KeepAliveSeconds      int
	CACertFile            string
	ClientCertFile        string
	ClientKeyFile         string
	ClientIDPrefix        string
	QoS                   byte
	ConnectTimeout        time.Duration
	ReconnectMin          time.Duration
	ReconnectMax          time.Duration
	MaxConcurrentConnects int
}

// TLSEnabled reports whether any transport encryption material is configured.
func (c MQTTConfig) TLSEnabled() bool {
	return c.CACertFile != "" || c.ClientCertFile != ""
}

// BrokerURL returns the paho broker address for the configured host and port.
func (c MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if c.TLSEnabled() {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.BrokerHost, c.BrokerPort)
}

// Transport names accepted by INGEST_TRANSPORT.
const (
	TransportMQTT = "mqtt"
	TransportAMQP = "amqp"
)

// IngestConfig holds the decode pipeline settings
type IngestConfig struct {
	Transport      string
	QueueSize      int
	Workers        int
	EnqueueTimeout time.Duration
}

// BatchConfig holds batch writer settings
type BatchConfig struct {
	Size           int
	MaxDelay       time.Duration
	BufferCapacity int
	MaxRetries     int
	RetryBackoff   time.Duration
	ShutdownGrace  time.Duration
}

// StateConfig holds device state machine settings
type StateConfig struct {
	Window              time.Duration
	ChangeThreshold     float64
	InactivityThreshold time.Duration
}

// IntervalRetention pairs a bucket interval with how long its buckets are kept.
type IntervalRetention struct {
	Interval  time.Duration
	Retention time.Duration
}

// AggregationConfig holds rollup and retention settings
type AggregationConfig struct {
	Intervals    []IntervalRetention
	Schedule     time.Duration
	Lookback     time.Duration
	RawRetention time.Duration
}

// DirectoryConfig holds device roster refresh settings
type DirectoryConfig struct {
	RefreshInterval time.Duration
}

// InfluxConfig holds the optional InfluxDB mirror settings
type InfluxConfig struct {
	URL          string
	Token        string
	Org          string
	Bucket       string
	WriteTimeout time.Duration
}

// Enabled reports whether the InfluxDB mirror should be started.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// Load loads configuration from an optional config.yaml and environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	setDefaults(v)

	intervals, err := parseIntervals(v.GetString("aggregation.intervals"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServiceName: v.GetString("service.name"),
		ServicePort: v.GetInt("service.port"),
		LogLevel:    v.GetString("log.level"),
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               v.GetString("rabbitmq.url"),
			IngestExchange:    v.GetString("rabbitmq.ingest.exchange"),
			IngestQueue:       v.GetString("rabbitmq.ingest.queue"),
			IngestRoutingKeys: splitList(v.GetString("rabbitmq.ingest.routing.key")),
			DLQQueue:          v.GetString("rabbitmq.dlq.queue"),
			PrefetchCount:     v.GetInt("rabbitmq.prefetch"),
			EventsExchange:    v.GetString("rabbitmq.events.exchange"),
			StatusRoutingKey:  v.GetString("rabbitmq.status.routing.key"),
			AlertRoutingKey:   v.GetString("rabbitmq.alert.routing.key"),
		},
		MQTT: MQTTConfig{
			BrokerHost:            v.GetString("mqtt.broker.host"),
			BrokerPort:            v.GetInt("mqtt.broker.port"),
			KeepAliveSeconds:      v.GetInt("mqtt.keepalive.seconds"),
			CACertFile:            v.GetString("mqtt.ca.cert"),
			ClientCertFile:        v.GetString("mqtt.client.cert"),
			ClientKeyFile:         v.GetString("mqtt.client.key"),
			ClientIDPrefix:        v.GetString("mqtt.client.id.prefix"),
			QoS:                   byte(v.GetInt("mqtt.qos")),
			ConnectTimeout:        v.GetDuration("mqtt.connect.timeout"),
			ReconnectMin:          v.GetDuration("mqtt.reconnect.min"),
			ReconnectMax:          v.GetDuration("mqtt.reconnect.max"),
			MaxConcurrentConnects: v.GetInt("mqtt.max.concurrent.connects"),
		},
		Ingest: IngestConfig{
			Transport:      strings.ToLower(v.GetString("ingest.transport")),
			QueueSize:      v.GetInt("ingest.queue.size"),
			Workers:        v.GetInt("ingest.workers"),
			EnqueueTimeout: v.GetDuration("ingest.enqueue.timeout"),
		},
		Batch: BatchConfig{
			Size:           v.GetInt("batch.size"),
			MaxDelay:       v.GetDuration("batch.max.delay"),
			BufferCapacity: v.GetInt("batch.buffer.capacity"),
			MaxRetries:     v.GetInt("batch.max.retries"),
			RetryBackoff:   v.GetDuration("batch.retry.backoff"),
			ShutdownGrace:  v.GetDuration("shutdown.grace.period"),
		},
		State: StateConfig{
			Window:              v.GetDuration("state.window"),
			ChangeThreshold:     v.GetFloat64("state.change.threshold"),
			InactivityThreshold: v.GetDuration("state.inactivity.threshold"),
		},
		Aggregation: AggregationConfig{
			Intervals:    intervals,
			Schedule:     v.GetDuration("aggregation.schedule"),
			Lookback:     v.GetDuration("aggregation.lookback"),
			RawRetention: v.GetDuration("raw.retention"),
		},
		Directory: DirectoryConfig{
			RefreshInterval: v.GetDuration("directory.refresh.interval"),
		},
		Influx: InfluxConfig{
			URL:          v.GetString("influx.url"),
			Token:        v.GetString("influx.token"),
			Org:          v.GetString("influx.org"),
			Bucket:       v.GetString("influx.bucket"),
			WriteTimeout: v.GetDuration("influx.write.timeout"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "device-telemetry-worker")
	v.SetDefault("service.port", 8081)
	v.SetDefault("log.level", "info")

	v.SetDefault("rabbitmq.ingest.exchange", "amq.topic")
	v.SetDefault("rabbitmq.ingest.queue", "device-telemetry.ingest.queue")
	v.SetDefault("rabbitmq.ingest.routing.key", "devices.*.metrics.*,devices.*.status")
	v.SetDefault("rabbitmq.dlq.queue", "device-telemetry.ingest.dlq")
	v.SetDefault("rabbitmq.prefetch", 50)
	v.SetDefault("rabbitmq.events.exchange", "device-telemetry.events.exchange")
	v.SetDefault("rabbitmq.status.routing.key", "device.status.changed")
	v.SetDefault("rabbitmq.alert.routing.key", "telemetry.batch.dropped")

	v.SetDefault("mqtt.broker.host", "localhost")
	v.SetDefault("mqtt.broker.port", 1883)
	v.SetDefault("mqtt.keepalive.seconds", 60)
	v.SetDefault("mqtt.client.id.prefix", "telemetry-worker")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect.timeout", "10s")
	v.SetDefault("mqtt.reconnect.min", "1s")
	v.SetDefault("mqtt.reconnect.max", "2m")
	v.SetDefault("mqtt.max.concurrent.connects", 32)

	v.SetDefault("ingest.transport", TransportMQTT)
	v.SetDefault("ingest.queue.size", 4096)
	v.SetDefault("ingest.workers", 8)
	v.SetDefault("ingest.enqueue.timeout", "250ms")

	v.SetDefault("batch.size", 500)
	v.SetDefault("batch.max.delay", "2s")
	v.SetDefault("batch.buffer.capacity", 10000)
	v.SetDefault("batch.max.retries", 3)
	v.SetDefault("batch.retry.backoff", "500ms")
	v.SetDefault("shutdown.grace.period", "10s")

	v.SetDefault("state.window", "30m")
	v.SetDefault("state.change.threshold", 0.1)
	v.SetDefault("state.inactivity.threshold", "30m")

	v.SetDefault("aggregation.intervals", "1h=720h,24h=8760h")
	v.SetDefault("aggregation.schedule", "5m")
	v.SetDefault("aggregation.lookback", "3h")
	v.SetDefault("raw.retention", "168h")

	v.SetDefault("directory.refresh.interval", "1m")

	v.SetDefault("influx.bucket", "device_metrics")
	v.SetDefault("influx.write.timeout", "2s")
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	switch c.Ingest.Transport {
	case TransportMQTT, TransportAMQP:
	default:
		return fmt.Errorf("INGEST_TRANSPORT must be %q or %q, got %q", TransportMQTT, TransportAMQP, c.Ingest.Transport)
	}
	if c.Ingest.Transport == TransportAMQP && len(c.RabbitMQ.IngestRoutingKeys) == 0 {
		return fmt.Errorf("RABBITMQ_INGEST_ROUTING_KEY needs at least one routing key")
	}
	if c.Ingest.QueueSize <= 0 || c.Ingest.Workers <= 0 {
		return fmt.Errorf("INGEST_QUEUE_SIZE and INGEST_WORKERS must be positive")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"INGEST_ENQUEUE_TIMEOUT", c.Ingest.EnqueueTimeout},
		{"BATCH_RETRY_BACKOFF", c.Batch.RetryBackoff},
		{"SHUTDOWN_GRACE_PERIOD", c.Batch.ShutdownGrace},
		{"AGGREGATION_SCHEDULE", c.Aggregation.Schedule},
		{"DIRECTORY_REFRESH_INTERVAL", c.Directory.RefreshInterval},
		{"MQTT_CONNECT_TIMEOUT", c.MQTT.ConnectTimeout},
		{"INFLUX_WRITE_TIMEOUT", c.Influx.WriteTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Batch.Size)
	}
	if c.Batch.BufferCapacity < c.Batch.Size {
		return fmt.Errorf("BATCH_BUFFER_CAPACITY (%d) must not be smaller than BATCH_SIZE (%d)", c.Batch.BufferCapacity, c.Batch.Size)
	}
	if c.Batch.MaxDelay <= 0 {
		return fmt.Errorf("BATCH_MAX_DELAY must be positive")
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("BATCH_MAX_RETRIES must not be negative")
	}
	if c.State.ChangeThreshold <= 0 || c.State.ChangeThreshold > 1 {
		return fmt.Errorf("STATE_CHANGE_THRESHOLD must be in (0, 1], got %v", c.State.ChangeThreshold)
	}
	if c.State.Window <= 0 {
		return fmt.Errorf("STATE_WINDOW must be positive")
	}
	if c.MQTT.ReconnectMin <= 0 || c.MQTT.ReconnectMax < c.MQTT.ReconnectMin {
		return fmt.Errorf("MQTT_RECONNECT_MIN must be positive and not above MQTT_RECONNECT_MAX")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}
	if c.MQTT.ClientCertFile != "" && c.MQTT.ClientKeyFile == "" {
		return fmt.Errorf("MQTT_CLIENT_KEY is required when MQTT_CLIENT_CERT is set")
	}
	if len(c.Aggregation.Intervals) == 0 {
		return fmt.Errorf("AGGREGATION_INTERVALS must name at least one interval")
	}
	if c.Aggregation.Lookback > c.Aggregation.RawRetention {
		return fmt.Errorf("AGGREGATION_LOOKBACK (%s) must not exceed RAW_RETENTION (%s)", c.Aggregation.Lookback, c.Aggregation.RawRetention)
	}
	return nil
}

// parseIntervals parses "1h=720h,24h=8760h" into interval/retention pairs,
// sorted by interval.
// splitList splits a comma-separated value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIntervals(raw string) ([]IntervalRetention, error) {
	var out []IntervalRetention
	seen := make(map[time.Duration]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		interval, retention, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("AGGREGATION_INTERVALS entry %q must be interval=retention", part)
		}
		iv, err := time.ParseDuration(strings.TrimSpace(interval))
		if err != nil || iv <= 0 {
			return nil, fmt.Errorf("AGGREGATION_INTERVALS entry %q has an invalid interval", part)
		}
		rt, err := time.ParseDuration(strings.TrimSpace(retention))
		if err != nil || rt < iv {
			return nil, fmt.Errorf("AGGREGATION_INTERVALS entry %q must keep buckets at least one interval", part)
		}
		if seen[iv] {
			return nil, fmt.Errorf("AGGREGATION_INTERVALS lists %s twice", iv)
		}
		seen[iv] = true
		out = append(out, IntervalRetention{Interval: iv, Retention: rt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval < out[j].Interval })
	return out, nil
}
