package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/device-telemetry-worker/internal/aggregate"
	"github.com/septivank/device-telemetry-worker/internal/batch"
	"github.com/septivank/device-telemetry-worker/internal/config"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/directory"
	"github.com/septivank/device-telemetry-worker/internal/httpserver"
	"github.com/septivank/device-telemetry-worker/internal/influx"
	"github.com/septivank/device-telemetry-worker/internal/ingest"
	"github.com/septivank/device-telemetry-worker/internal/mq"
	"github.com/septivank/device-telemetry-worker/internal/repository"
	"github.com/septivank/device-telemetry-worker/internal/service"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"github.com/septivank/device-telemetry-worker/internal/status"
	"github.com/septivank/device-telemetry-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type workerParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     *config.Config
	Logger     *zap.Logger
	Counters   *stats.Counters
	Conn       *mq.Connection
	Publisher  *mq.Publisher
	Mirror     *influx.Mirror
	Directory  *directory.Cache
	Dispatcher *ingest.Dispatcher
	Writer     *batch.Writer
	Engine     *aggregate.Engine
	Server     *httpserver.Server
}

// ingestSource is the transport that feeds the dispatcher: per-device MQTT
// sessions or the broker-side AMQP queue.
type ingestSource interface {
	start(ctx context.Context) error
	pause()
	close(ctx context.Context) error
}

func startWorker(p workerParams) error {
	cfg, logger := p.Config, p.Logger

	// pipelineCtx outlives the drain; backgroundCtx is cancelled as soon as
	// shutdown begins.
	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	backgroundCtx, cancelBackground := context.WithCancel(context.Background())

	var source ingestSource
	switch cfg.Ingest.Transport {
	case config.TransportAMQP:
		source = &amqpSource{cfg: cfg, conn: p.Conn, submitter: p.Dispatcher, logger: logger}
	default:
		listenerCfg, err := ingest.NewListenerConfig(cfg.MQTT)
		if err != nil {
			cancelPipeline()
			cancelBackground()
			return err
		}
		source = &mqttSource{
			registry:  ingest.NewRegistry(listenerCfg, p.Dispatcher, p.Counters, logger),
			directory: p.Directory,
		}
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := p.Directory.Refresh(startCtx); err != nil {
				return fmt.Errorf("failed to load device directory: %w", err)
			}

			p.Writer.Start(pipelineCtx)
			p.Dispatcher.Start(pipelineCtx)

			if err := source.start(backgroundCtx); err != nil {
				return err
			}

			go p.Directory.Run(backgroundCtx, cfg.Directory.RefreshInterval)
			go p.Engine.Run(backgroundCtx)

			if err := p.Server.Start(); err != nil {
				return err
			}

			logger.Info("worker started",
				zap.String("transport", cfg.Ingest.Transport),
				zap.Int("devices", len(p.Directory.Devices())),
				zap.Int("workers", cfg.Ingest.Workers),
				zap.Int("batch_size", cfg.Batch.Size))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			logger.Info("stopping worker")

			source.pause()
			cancelBackground()

			var errs error
			if err := p.Dispatcher.Stop(stopCtx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("dispatcher: %w", err))
			}

			graceCtx, cancelGrace := context.WithTimeout(stopCtx, cfg.Batch.ShutdownGrace)
			if err := p.Writer.Stop(graceCtx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("batch writer: %w", err))
			}
			cancelGrace()
			cancelPipeline()

			errs = multierr.Append(errs, source.close(stopCtx))
			errs = multierr.Append(errs, p.Publisher.Close())
			p.Mirror.Close()
			errs = multierr.Append(errs, p.Server.Shutdown(stopCtx))

			if errs != nil {
				logger.Error("worker stopped with errors", zap.Error(errs))
				return errs
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return nil
}

type mqttSource struct {
	registry  *ingest.Registry
	directory *directory.Cache
}

func (s *mqttSource) start(context.Context) error {
	s.directory.OnChange(s.registry.Sync)
	s.registry.Sync(s.directory.Devices())
	return nil
}

func (s *mqttSource) pause() { s.registry.Pause() }

func (s *mqttSource) close(ctx context.Context) error { return s.registry.Close(ctx) }

type amqpSource struct {
	cfg       *config.Config
	conn      *mq.Connection
	submitter mq.Submitter
	logger    *zap.Logger
	consumer  *mq.Consumer
}

func (s *amqpSource) start(ctx context.Context) error {
	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    s.conn,
		Queue:         s.cfg.RabbitMQ.IngestQueue,
		DLQQueue:      s.cfg.RabbitMQ.DLQQueue,
		Exchange:      s.cfg.RabbitMQ.IngestExchange,
		RoutingKeys:   s.cfg.RabbitMQ.IngestRoutingKeys,
		PrefetchCount: s.cfg.RabbitMQ.PrefetchCount,
		Logger:        s.logger,
		Submitter:     s.submitter,
	})
	if err != nil {
		return err
	}
	s.consumer = consumer
	return consumer.Start(ctx)
}

func (s *amqpSource) pause() {
	if s.consumer == nil {
		return
	}
	if err := s.consumer.Pause(); err != nil {
		s.logger.Warn("failed to pause consumer", zap.Error(err))
	}
}

func (s *amqpSource) close(context.Context) error {
	if s.consumer == nil || s.conn.IsClosed() {
		return nil
	}
	return s.consumer.Close()
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *pgxpool.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideCounters creates the process-wide counters
func ProvideCounters() *stats.Counters {
	return &stats.Counters{}
}

// ProvideDirectory creates the device and metric type cache
func ProvideDirectory(repo *repository.Repository, logger *zap.Logger) *directory.Cache {
	return directory.NewCache(repo, logger)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cache *directory.Cache) *validator.Validator {
	return validator.NewValidator(cache)
}

// ProvideStateMachine creates the device status machine
func ProvideStateMachine(repo *repository.Repository, cfg *config.Config, counters *stats.Counters, logger *zap.Logger) *status.Machine {
	return status.NewMachine(repo, cfg.State.Window, cfg.State.ChangeThreshold, counters, logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, mq.PublisherConfig{
		Exchange:         cfg.RabbitMQ.EventsExchange,
		StatusRoutingKey: cfg.RabbitMQ.StatusRoutingKey,
		AlertRoutingKey:  cfg.RabbitMQ.AlertRoutingKey,
	}, logger)
}

// ProvideMirror creates the optional InfluxDB mirror (nil when disabled)
func ProvideMirror(cfg *config.Config, cache *directory.Cache, logger *zap.Logger) *influx.Mirror {
	return influx.NewMirror(cfg.Influx, cache, logger)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	v *validator.Validator,
	repo *repository.Repository,
	machine *status.Machine,
	publisher *mq.Publisher,
	mirror *influx.Mirror,
	counters *stats.Counters,
	logger *zap.Logger,
) *service.ProcessorService {
	var m service.BatchMirror
	if mirror != nil {
		m = mirror
	}
	return service.NewProcessorService(v, repo, machine, publisher, m, counters, logger)
}

// ProvideBatchWriter creates the batch writer and attaches it to the processor
func ProvideBatchWriter(
	cfg *config.Config,
	repo *repository.Repository,
	processor *service.ProcessorService,
	counters *stats.Counters,
	logger *zap.Logger,
) *batch.Writer {
	w := batch.NewWriter(batch.Config{
		Size:           cfg.Batch.Size,
		Capacity:       cfg.Batch.BufferCapacity,
		MaxDelay:       cfg.Batch.MaxDelay,
		EnqueueTimeout: cfg.Ingest.EnqueueTimeout,
		MaxRetries:     cfg.Batch.MaxRetries,
		RetryBackoff:   cfg.Batch.RetryBackoff,
	}, repo, processor.OnFlush, processor.OnDrop, counters, logger)
	processor.SetWriter(w)
	return w
}

// ProvideDispatcher creates the decode worker pool. It depends on the writer
// so the processor is fully wired before the first message.
func ProvideDispatcher(
	cfg *config.Config,
	processor *service.ProcessorService,
	_ *batch.Writer,
	counters *stats.Counters,
	logger *zap.Logger,
) *ingest.Dispatcher {
	return ingest.NewDispatcher(ingest.DispatcherConfig{
		QueueSize:      cfg.Ingest.QueueSize,
		Workers:        cfg.Ingest.Workers,
		EnqueueTimeout: cfg.Ingest.EnqueueTimeout,
	}, processor.HandleMessage, counters, logger)
}

// ProvideAggregationEngine creates the rollup and retention engine
func ProvideAggregationEngine(repo *repository.Repository, cfg *config.Config, counters *stats.Counters, logger *zap.Logger) *aggregate.Engine {
	return aggregate.NewEngine(repo, cfg.Aggregation, counters, logger)
}

// ProvideHTTPServer creates the operational HTTP server
func ProvideHTTPServer(
	cfg *config.Config,
	repo *repository.Repository,
	pool *pgxpool.Pool,
	conn *mq.Connection,
	counters *stats.Counters,
	logger *zap.Logger,
) *httpserver.Server {
	health := map[string]httpserver.HealthFunc{
		"postgres": pool.Ping,
		"rabbitmq": func(context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		},
	}
	return httpserver.NewServer(cfg.ServicePort, repo, counters, health, cfg.State.InactivityThreshold, logger)
}
