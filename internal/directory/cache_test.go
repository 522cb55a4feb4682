package directory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu      sync.Mutex
	devices []db.DeviceCredentials
	types   []db.MetricType
	err     error
}

func (s *fakeSource) ListDevices(context.Context) ([]db.DeviceCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices, s.err
}

func (s *fakeSource) ListMetricTypes(context.Context) ([]db.MetricType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types, s.err
}

func (s *fakeSource) setDevices(devices ...db.DeviceCredentials) {
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
}

func TestCache_Lookups(t *testing.T) {
	src := &fakeSource{
		devices: []db.DeviceCredentials{{ID: 42, Key: "dev-42", Secret: "s"}},
		types:   []db.MetricType{{ID: 1, Name: "temperature", Unit: "C"}},
	}
	c := NewCache(src, zap.NewNop())

	require.NoError(t, c.Refresh(context.Background()))

	assert.True(t, c.HasDevice(42))
	assert.False(t, c.HasDevice(7))
	mt, ok := c.MetricType("temperature")
	assert.True(t, ok)
	assert.Equal(t, int64(1), mt.ID)
	_, ok = c.MetricType("humidity")
	assert.False(t, ok)
	name, ok := c.MetricTypeName(1)
	assert.True(t, ok)
	assert.Equal(t, "temperature", name)
}

func TestCache_SkipsInvalidKeys(t *testing.T) {
	src := &fakeSource{devices: []db.DeviceCredentials{
		{ID: 1, Key: "ab", Secret: "s"},
		{ID: 2, Key: "abc", Secret: "s"},
	}}
	c := NewCache(src, zap.NewNop())

	require.NoError(t, c.Refresh(context.Background()))

	assert.False(t, c.HasDevice(1))
	assert.True(t, c.HasDevice(2))
}

func TestCache_NotifiesOnRosterChangeOnly(t *testing.T) {
	src := &fakeSource{}
	src.setDevices(db.DeviceCredentials{ID: 2, Key: "dev-2"}, db.DeviceCredentials{ID: 1, Key: "dev-1"})
	c := NewCache(src, zap.NewNop())

	var calls [][]db.DeviceCredentials
	c.OnChange(func(roster []db.DeviceCredentials) { calls = append(calls, roster) })

	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, calls, 1, "unchanged roster does not notify")
	assert.Equal(t, []int64{1, 2}, ids(calls[0]))

	src.setDevices(db.DeviceCredentials{ID: 1, Key: "dev-1"})
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, calls, 2)
	assert.Equal(t, []int64{1}, ids(calls[1]))

	src.setDevices(db.DeviceCredentials{ID: 1, Key: "dev-1", Secret: "rotated"})
	require.NoError(t, c.Refresh(context.Background()))
	assert.Len(t, calls, 3, "credential change notifies")
}

func TestCache_KeepsContentsOnError(t *testing.T) {
	src := &fakeSource{devices: []db.DeviceCredentials{{ID: 1, Key: "dev-1"}}}
	c := NewCache(src, zap.NewNop())
	require.NoError(t, c.Refresh(context.Background()))

	src.err = errors.New("connection refused")
	assert.Error(t, c.Refresh(context.Background()))

	assert.True(t, c.HasDevice(1))
}

func ids(devices []db.DeviceCredentials) []int64 {
	out := make([]int64, len(devices))
	for i, d := range devices {
		out[i] = d.ID
	}
	return out
}
