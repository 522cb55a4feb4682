package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/septivank/device-telemetry-worker/internal/config"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/logging"
	"github.com/septivank/device-telemetry-worker/internal/retry"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"github.com/septivank/device-telemetry-worker/internal/validator"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// quiesce is how long Disconnect waits for in-flight work, in milliseconds.
const quiesce = 250

// Submitter accepts raw messages for decoding.
type Submitter interface {
	Submit(topic string, payload []byte) error
}

// ClientFactory builds an MQTT client. Tests replace it.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// ListenerConfig holds per-device connection settings
type ListenerConfig struct {
	BrokerURL             string
	KeepAlive             time.Duration
	TLS                   *tls.Config
	ClientIDPrefix        string
	QoS                   byte
	ConnectTimeout        time.Duration
	ReconnectMin          time.Duration
	ReconnectMax          time.Duration
	MaxConcurrentConnects int
}

// NewListenerConfig derives the listener settings from the MQTT config,
// loading TLS material when configured.
func NewListenerConfig(cfg config.MQTTConfig) (ListenerConfig, error) {
	lc := ListenerConfig{
		BrokerURL:             cfg.BrokerURL(),
		KeepAlive:             time.Duration(cfg.KeepAliveSeconds) * time.Second,
		ClientIDPrefix:        cfg.ClientIDPrefix,
		QoS:                   cfg.QoS,
		ConnectTimeout:        cfg.ConnectTimeout,
		ReconnectMin:          cfg.ReconnectMin,
		ReconnectMax:          cfg.ReconnectMax,
		MaxConcurrentConnects: cfg.MaxConcurrentConnects,
	}
	if cfg.TLSEnabled() {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return lc, err
		}
		lc.TLS = tlsConfig
	}
	return lc, nil
}

func newTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCertFile != "" {
		if cfg.ClientKeyFile == "" {
			return nil, errors.New("client certificate configured without a client key")
		}
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Registry owns one MQTT connection per registered device. A device that
// fails to authenticate only affects its own connection.
type Registry struct {
	cfg       ListenerConfig
	sink      Submitter
	counters  *stats.Counters
	logger    *zap.Logger
	newClient ClientFactory
	sem       *semaphore.Weighted

	paused atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[int64]*deviceConn
	closed bool
}

type deviceConn struct {
	creds  db.DeviceCredentials
	client mqtt.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f ClientFactory) RegistryOption {
	return func(r *Registry) { r.newClient = f }
}

// NewRegistry creates an empty registry. Devices are added with Sync.
func NewRegistry(cfg ListenerConfig, sink Submitter, counters *stats.Counters, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if cfg.MaxConcurrentConnects <= 0 {
		cfg.MaxConcurrentConnects = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:       cfg,
		sink:      sink,
		counters:  counters,
		logger:    logger.Named("listener"),
		newClient: mqtt.NewClient,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentConnects)),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[int64]*deviceConn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync reconciles connections with the roster: new devices are connected,
// removed devices are disconnected and devices whose credentials changed
// are reconnected.
func (r *Registry) Sync(devices []db.DeviceCredentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	want := make(map[int64]db.DeviceCredentials, len(devices))
	for _, d := range devices {
		want[d.ID] = d
	}

	for id, conn := range r.conns {
		if d, ok := want[id]; !ok || d != conn.creds {
			r.dropLocked(id, conn)
		}
	}
	for id, d := range want {
		if _, ok := r.conns[id]; !ok {
			r.addLocked(d)
		}
	}

	r.logger.Info("device connections synced", zap.Int("devices", len(r.conns)))
}

// Connected returns how many device clients are currently connected.
func (r *Registry) Connected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, conn := range r.conns {
		if conn.client.IsConnected() {
			n++
		}
	}
	return n
}

// Pause stops handing messages to the dispatcher. Messages still arriving
// are counted and dropped.
func (r *Registry) Pause() {
	r.paused.Store(true)
	r.logger.Info("listener paused")
}

// Close disconnects every device and waits for pending connection attempts.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, conn := range r.conns {
		r.dropLocked(id, conn)
	}
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("all device connections closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("device connections did not close: %w", ctx.Err())
	}
}

func (r *Registry) addLocked(d db.DeviceCredentials) {
	ctx, cancel := context.WithCancel(r.ctx)
	conn := &deviceConn{
		creds:  d,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn.client = r.newClient(r.clientOptions(d))
	r.conns[d.ID] = conn

	r.wg.Add(1)
	go r.connect(ctx, conn)
}

func (r *Registry) dropLocked(id int64, conn *deviceConn) {
	delete(r.conns, id)
	conn.cancel()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-conn.done
		conn.client.Disconnect(quiesce)
		logging.WithDevice(r.logger, id).Info("device disconnected")
	}()
}

func (r *Registry) clientOptions(d db.DeviceCredentials) *mqtt.ClientOptions {
	logger := logging.WithDevice(r.logger, d.ID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(r.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%s-%s", r.cfg.ClientIDPrefix, d.Key, uuid.NewString()[:8]))
	opts.SetUsername(d.Key)
	opts.SetPassword(d.Secret)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(r.cfg.KeepAlive)
	opts.SetConnectTimeout(r.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(r.cfg.ReconnectMax)
	if r.cfg.TLS != nil {
		opts.SetTLSConfig(r.cfg.TLS)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		r.subscribe(c, d.ID, logger)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("device connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("reconnecting device")
	})
	return opts
}

// connect performs the initial connection with bounded exponential backoff.
// Later drops are handled by the client's auto-reconnect.
func (r *Registry) connect(ctx context.Context, conn *deviceConn) {
	defer r.wg.Done()
	defer close(conn.done)

	logger := logging.WithDevice(r.logger, conn.creds.ID)
	backoff := retry.Backoff{Min: r.cfg.ReconnectMin, Max: r.cfg.ReconnectMax}

	for attempt := 1; ; attempt++ {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := r.connectOnce(conn.client)
		r.sem.Release(1)

		if err == nil {
			logger.Info("device connected", zap.Int("attempt", attempt))
			return
		}

		r.counters.ConnectFailures.Add(1)
		delay := backoff.Next()
		logger.Warn("device connection failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay))

		if err := retry.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (r *Registry) connectOnce(client mqtt.Client) error {
	token := client.Connect()
	if !token.WaitTimeout(r.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return fmt.Errorf("connect timed out after %s", r.cfg.ConnectTimeout)
	}
	return token.Error()
}

func (r *Registry) subscribe(c mqtt.Client, deviceID int64, logger *zap.Logger) {
	filters := map[string]byte{
		validator.MetricWildcard(deviceID): r.cfg.QoS,
		validator.StatusTopic(deviceID):    r.cfg.QoS,
	}
	token := c.SubscribeMultiple(filters, r.onMessage)
	if !token.WaitTimeout(r.cfg.ConnectTimeout) {
		logger.Error("subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		logger.Error("failed to subscribe", zap.Error(err))
		return
	}
	logger.Debug("subscribed", zap.Int("topics", len(filters)))
}

func (r *Registry) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if r.paused.Load() {
		r.counters.Received.Add(1)
		r.counters.PausedDrops.Add(1)
		return
	}

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	if err := r.sink.Submit(msg.Topic(), payload); err != nil {
		r.logger.Debug("message not queued", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}
