// Package directory keeps an in-memory copy of the device roster and the
// metric type catalog, refreshed from the database.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/septivank/device-telemetry-worker/internal/db"
	"go.uber.org/zap"
)

// Source is where the roster and catalog are loaded from.
type Source interface {
	ListDevices(ctx context.Context) ([]db.DeviceCredentials, error)
	ListMetricTypes(ctx context.Context) ([]db.MetricType, error)
}

// Cache serves device and metric type lookups to the decoder. It is safe for
// concurrent use.
type Cache struct {
	source Source
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[int64]db.DeviceCredentials
	types   map[string]db.MetricType
	names   map[int64]string

	onChange func([]db.DeviceCredentials)
}

// NewCache creates an empty cache. Call Refresh before serving lookups.
func NewCache(source Source, logger *zap.Logger) *Cache {
	return &Cache{
		source:  source,
		logger:  logger.Named("directory"),
		devices: make(map[int64]db.DeviceCredentials),
		types:   make(map[string]db.MetricType),
		names:   make(map[int64]string),
	}
}

// OnChange registers fn to receive the full roster whenever a refresh
// changes the set of devices or their credentials.
func (c *Cache) OnChange(fn func([]db.DeviceCredentials)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// HasDevice reports whether id is a registered device.
func (c *Cache) HasDevice(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.devices[id]
	return ok
}

// MetricType looks up a metric type by name.
func (c *Cache) MetricType(name string) (db.MetricType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mt, ok := c.types[name]
	return mt, ok
}

// MetricTypeName resolves a metric type id to its name.
func (c *Cache) MetricTypeName(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[id]
	return name, ok
}

// Devices returns the current roster ordered by id.
func (c *Cache) Devices() []db.DeviceCredentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rosterLocked()
}

// Refresh reloads both tables. On error the previous contents are kept.
func (c *Cache) Refresh(ctx context.Context) error {
	devices, err := c.source.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	types, err := c.source.ListMetricTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load metric types: %w", err)
	}

	nextDevices := make(map[int64]db.DeviceCredentials, len(devices))
	for _, d := range devices {
		if err := db.ValidateDeviceKey(d.Key); err != nil {
			c.logger.Warn("skipping device with invalid key", zap.Int64("device_id", d.ID), zap.Error(err))
			continue
		}
		nextDevices[d.ID] = d
	}
	nextTypes := make(map[string]db.MetricType, len(types))
	nextNames := make(map[int64]string, len(types))
	for _, mt := range types {
		nextTypes[mt.Name] = mt
		nextNames[mt.ID] = mt.Name
	}

	c.mu.Lock()
	changed := !sameRoster(c.devices, nextDevices)
	c.devices = nextDevices
	c.types = nextTypes
	c.names = nextNames
	roster := c.rosterLocked()
	notify := c.onChange
	c.mu.Unlock()

	c.logger.Debug("directory refreshed",
		zap.Int("devices", len(nextDevices)),
		zap.Int("metric_types", len(nextTypes)),
		zap.Bool("roster_changed", changed))

	if changed && notify != nil {
		notify(roster)
	}
	return nil
}

// Run refreshes every interval until ctx is done. Failed refreshes are
// logged and retried on the next tick.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("directory refresh failed", zap.Error(err))
			}
		}
	}
}

func (c *Cache) rosterLocked() []db.DeviceCredentials {
	out := make([]db.DeviceCredentials, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sameRoster(a, b map[int64]db.DeviceCredentials) bool {
	if len(a) != len(b) {
		return false
	}
	for id, d := range a {
		if other, ok := b[id]; !ok || other != d {
			return false
		}
	}
	return true
}
