// Package ingest receives raw device messages from the transport and hands
// them to a pool of decode workers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/septivank/device-telemetry-worker/internal/stats"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the decode queue stayed full for the whole enqueue timeout.
	ErrQueueFull = errors.New("decode queue full")
	// ErrDispatcherClosed is returned after Stop.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Message is one raw transport message.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler processes one message on a worker goroutine.
type Handler func(ctx context.Context, msg Message)

// DispatcherConfig holds queue sizing
type DispatcherConfig struct {
	QueueSize      int
	Workers        int
	EnqueueTimeout time.Duration
}

// Dispatcher decouples the transport read loops from decoding and storage.
type Dispatcher struct {
	cfg      DispatcherConfig
	handler  Handler
	counters *stats.Counters
	logger   *zap.Logger

	queue chan Message
	stop  chan struct{}
	wg    sync.WaitGroup

	// mu is held shared by Submit for the whole send, so once Stop holds it
	// no message can land in the queue after the workers start draining.
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg DispatcherConfig, handler Handler, counters *stats.Counters, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		handler:  handler,
		counters: counters,
		logger:   logger.Named("dispatcher"),
		queue:    make(chan Message, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Start launches the decode workers.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting decode workers", zap.Int("workers", d.cfg.Workers), zap.Int("queue_size", d.cfg.QueueSize))
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
}

// Submit queues a message for decoding. It waits at most the enqueue timeout.
// Payload must not be reused by the caller.
func (d *Dispatcher) Submit(topic string, payload []byte) error {
	d.counters.Received.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.counters.PausedDrops.Add(1)
		return ErrDispatcherClosed
	}

	msg := Message{Topic: topic, Payload: payload, ReceivedAt: time.Now().UTC()}

	select {
	case d.queue <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case d.queue <- msg:
		return nil
	case <-timer.C:
		d.counters.QueueFull.Add(1)
		d.logger.Warn("decode queue full, dropping message", zap.String("topic", topic))
		return ErrQueueFull
	}
}

// Stop refuses new messages and waits for the workers to finish everything
// already queued.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("decode workers did not finish: %w", ctx.Err())
	}
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.queue:
			d.handler(ctx, msg)
		case <-d.stop:
			for {
				select {
				case msg := <-d.queue:
					d.handler(ctx, msg)
				default:
					d.logger.Debug("decode worker stopped", zap.Int("worker_id", id))
					return
				}
			}
		}
	}
}
