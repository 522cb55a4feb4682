package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient embeds the interface so only the methods the registry uses
// need implementing.
type fakeClient struct {
	mqtt.Client
	opts *mqtt.ClientOptions

	mu           sync.Mutex
	failuresLeft int
	connects     int
	connected    bool
	disconnected bool
	filters      map[string]byte
	handler      mqtt.MessageHandler
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connects++
	if c.failuresLeft > 0 {
		c.failuresLeft--
		c.mu.Unlock()
		return doneToken{err: errors.New("not authorized")}
	}
	c.mu.Unlock()

	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, h mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = filters
	c.handler = h
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: payload})
}

func (c *fakeClient) state() (connects int, connected, disconnected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.connected, c.disconnected
}

type fakeFactory struct {
	mu       sync.Mutex
	clients  map[string]*fakeClient
	failures map[string]int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: make(map[string]*fakeClient), failures: make(map[string]int)}
}

func (f *fakeFactory) build(opts *mqtt.ClientOptions) mqtt.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{opts: opts, failuresLeft: f.failures[opts.Username]}
	f.clients[opts.Username] = c
	return c
}

func (f *fakeFactory) client(key string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[key]
}

type recordingSubmitter struct {
	mu   sync.Mutex
	msgs []Message
}

func (s *recordingSubmitter) Submit(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, Message{Topic: topic, Payload: payload})
	return nil
}

func (s *recordingSubmitter) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func testListenerConfig() ListenerConfig {
	return ListenerConfig{
		BrokerURL:             "tcp://localhost:1883",
		KeepAlive:             60 * time.Second,
		ClientIDPrefix:        "telemetry",
		QoS:                   1,
		ConnectTimeout:        time.Second,
		ReconnectMin:          time.Millisecond,
		ReconnectMax:          5 * time.Millisecond,
		MaxConcurrentConnects: 2,
	}
}

var (
	dev1 = db.DeviceCredentials{ID: 1, Key: "dev-1", Secret: "secret-1"}
	dev2 = db.DeviceCredentials{ID: 2, Key: "dev-2", Secret: "secret-2"}
)

func TestRegistry_ConnectsEachDeviceWithItsCredentials(t *testing.T) {
	factory := newFakeFactory()
	r := NewRegistry(testListenerConfig(), &recordingSubmitter{}, &stats.Counters{}, zap.NewNop(), WithClientFactory(factory.build))
	defer r.Close(context.Background())

	r.Sync([]db.DeviceCredentials{dev1, dev2})

	assert.Eventually(t, func() bool { return r.Connected() == 2 }, time.Second, time.Millisecond)

	c := factory.client("dev-1")
	require.NotNil(t, c)
	assert.Equal(t, "secret-1", c.opts.Password)
	assert.True(t, c.opts.CleanSession)
	assert.Equal(t, int64(60), c.opts.KeepAlive)
	assert.Contains(t, c.opts.ClientID, "telemetry-dev-1-")
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, map[string]byte{
		"devices/1/metrics/+": 1,
		"devices/1/status":    1,
	}, c.filters)
}

func TestRegistry_RetriesFailedDeviceWithoutAffectingOthers(t *testing.T) {
	factory := newFakeFactory()
	factory.failures["dev-1"] = 3
	counters := &stats.Counters{}
	r := NewRegistry(testListenerConfig(), &recordingSubmitter{}, counters, zap.NewNop(), WithClientFactory(factory.build))
	defer r.Close(context.Background())

	r.Sync([]db.DeviceCredentials{dev1, dev2})

	assert.Eventually(t, func() bool { return r.Connected() == 2 }, time.Second, time.Millisecond)
	connects, _, _ := factory.client("dev-1").state()
	assert.Equal(t, 4, connects)
	connects, _, _ = factory.client("dev-2").state()
	assert.Equal(t, 1, connects)
	assert.Equal(t, int64(3), counters.ConnectFailures.Load())
}

func TestRegistry_ForwardsCopiedPayloads(t *testing.T) {
	factory := newFakeFactory()
	sub := &recordingSubmitter{}
	r := NewRegistry(testListenerConfig(), sub, &stats.Counters{}, zap.NewNop(), WithClientFactory(factory.build))
	defer r.Close(context.Background())
	r.Sync([]db.DeviceCredentials{dev1})
	require.Eventually(t, func() bool { return r.Connected() == 1 }, time.Second, time.Millisecond)

	payload := []byte(`{"value": 21.5}`)
	factory.client("dev-1").deliver("devices/1/metrics/temperature", payload)
	payload[0] = 'X'

	msgs := sub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "devices/1/metrics/temperature", msgs[0].Topic)
	assert.Equal(t, `{"value": 21.5}`, string(msgs[0].Payload))
}

func TestRegistry_PauseDropsAndCounts(t *testing.T) {
	factory := newFakeFactory()
	sub := &recordingSubmitter{}
	counters := &stats.Counters{}
	r := NewRegistry(testListenerConfig(), sub, counters, zap.NewNop(), WithClientFactory(factory.build))
	defer r.Close(context.Background())
	r.Sync([]db.DeviceCredentials{dev1})
	require.Eventually(t, func() bool { return r.Connected() == 1 }, time.Second, time.Millisecond)

	r.Pause()
	factory.client("dev-1").deliver("devices/1/metrics/temperature", []byte(`{"value": 1}`))

	assert.Empty(t, sub.messages())
	assert.Equal(t, int64(1), counters.PausedDrops.Load())
}

func TestRegistry_SyncRemovesAndReconnects(t *testing.T) {
	factory := newFakeFactory()
	r := NewRegistry(testListenerConfig(), &recordingSubmitter{}, &stats.Counters{}, zap.NewNop(), WithClientFactory(factory.build))
	defer r.Close(context.Background())

	r.Sync([]db.DeviceCredentials{dev1, dev2})
	require.Eventually(t, func() bool { return r.Connected() == 2 }, time.Second, time.Millisecond)
	old := factory.client("dev-1")

	rotated := dev1
	rotated.Secret = "rotated"
	r.Sync([]db.DeviceCredentials{rotated})

	assert.Eventually(t, func() bool {
		_, _, disconnected := factory.client("dev-2").state()
		return disconnected
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		_, _, disconnected := old.state()
		return disconnected
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return r.Connected() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "rotated", factory.client("dev-1").opts.Password)
}

func TestRegistry_CloseDisconnectsEverything(t *testing.T) {
	factory := newFakeFactory()
	factory.failures["dev-2"] = 1 << 30
	r := NewRegistry(testListenerConfig(), &recordingSubmitter{}, &stats.Counters{}, zap.NewNop(), WithClientFactory(factory.build))

	r.Sync([]db.DeviceCredentials{dev1, dev2})
	require.Eventually(t, func() bool { return r.Connected() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Close(context.Background()))

	_, connected, disconnected := factory.client("dev-1").state()
	assert.False(t, connected)
	assert.True(t, disconnected)
	_, _, disconnected = factory.client("dev-2").state()
	assert.True(t, disconnected, "a device still retrying is stopped too")

	r.Sync([]db.DeviceCredentials{dev1})
	assert.Zero(t, r.Connected())
}

func TestDispatcher_RunsHandlerForEachMessage(t *testing.T) {
	var handled atomic.Int32
	d := NewDispatcher(DispatcherConfig{QueueSize: 10, Workers: 3, EnqueueTimeout: time.Millisecond},
		func(_ context.Context, msg Message) {
			assert.False(t, msg.ReceivedAt.IsZero())
			handled.Add(1)
		}, &stats.Counters{}, zap.NewNop())
	d.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Submit("devices/1/metrics/temperature", []byte(`{}`)))
	}
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, int32(10), handled.Load(), "Stop drains the queue")
	assert.ErrorIs(t, d.Submit("devices/1/status", nil), ErrDispatcherClosed)
}

func TestDispatcher_SubmitFailsWhenQueueStaysFull(t *testing.T) {
	counters := &stats.Counters{}
	release := make(chan struct{})
	d := NewDispatcher(DispatcherConfig{QueueSize: 1, Workers: 1, EnqueueTimeout: 5 * time.Millisecond},
		func(context.Context, Message) { <-release }, counters, zap.NewNop())
	d.Start(context.Background())

	require.NoError(t, d.Submit("a", nil))
	// The worker may or may not have taken the first message yet.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = d.Submit("b", nil)
	}

	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), counters.QueueFull.Load())

	close(release)
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_AccountsForEveryMessageSubmittedDuringStop(t *testing.T) {
	var handled atomic.Int64
	counters := &stats.Counters{}
	d := NewDispatcher(DispatcherConfig{QueueSize: 4, Workers: 2, EnqueueTimeout: time.Millisecond},
		func(context.Context, Message) { handled.Add(1) }, counters, zap.NewNop())
	d.Start(context.Background())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = d.Submit("devices/1/metrics/temperature", []byte(`{}`))
			}
		}()
	}

	time.Sleep(time.Millisecond)
	require.NoError(t, d.Stop(context.Background()))
	wg.Wait()

	assert.Equal(t, int64(8*200), counters.Received.Load())
	assert.Equal(t, counters.Received.Load(),
		handled.Load()+counters.PausedDrops.Load()+counters.QueueFull.Load(),
		"every submitted message is handled or counted as dropped")
}
