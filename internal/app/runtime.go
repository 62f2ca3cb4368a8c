// Package app assembles the queue subsystem. A Runtime owns the shared
// infrastructure of one process (loggers, metrics, broker connection,
// event store, Redis, Kafka) and lends each role the slice it needs;
// Close unwinds everything in reverse acquisition order. Roles stop
// their own components before the Runtime closes the infrastructure
// under them.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dev.helix.mq/internal/audit"
	"dev.helix.mq/internal/backpressure"
	"dev.helix.mq/internal/broker"
	"dev.helix.mq/internal/cache"
	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/producer"
	"dev.helix.mq/internal/queue"
	"dev.helix.mq/internal/ratelimit"
	"dev.helix.mq/internal/store"
	"dev.helix.mq/internal/stream"
)

type closeStep struct {
	name string
	fn   func() error
}

// Runtime wires config into live components. Accessors are lazy and
// memoized: infrastructure is dialed the first time a role asks for
// it, so a CLI command touches only what it uses.
type Runtime struct {
	cfg  *config.Config
	log  *zap.Logger
	slog *logrus.Logger
	m    *metrics.Collector

	mu        sync.Mutex
	brk       *broker.Broker
	topo      *broker.Manager
	st        *store.Store
	redis     *cache.RedisClient
	redisSet  bool
	mirror    *stream.Writer
	mirrorSet bool
	batcher   *audit.Batcher
	pipeline  *audit.Pipeline
	closers   []closeStep
}

// New validates the configuration and prepares loggers and metrics.
// Nothing is dialed until a role asks for it.
func New(cfg *config.Config) (*Runtime, error) {
	return NewWithCollector(cfg, metrics.NewCollector())
}

// NewWithCollector is New with a caller-owned metrics collector. Tests
// use it with a private registry to avoid double registration.
func NewWithCollector(cfg *config.Config, m *metrics.Collector) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := newComponentLogger(cfg)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:  cfg,
		log:  log,
		slog: newStoreLogger(cfg),
		m:    m,
	}, nil
}

// newComponentLogger builds the zap logger used by transport and
// pipeline components.
func newComponentLogger(cfg *config.Config) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, queue.ConfigError(fmt.Sprintf("unknown LOG_LEVEL %q", cfg.LogLevel))
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.IsProd() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// newStoreLogger builds the logrus logger shared by the store, audit,
// and DLQ layers.
func newStoreLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.IsProd() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Log returns the component logger.
func (r *Runtime) Log() *zap.Logger { return r.log }

// StoreLog returns the store-side logger.
func (r *Runtime) StoreLog() *logrus.Logger { return r.slog }

// Metrics returns the process-wide collector.
func (r *Runtime) Metrics() *metrics.Collector { return r.m }

// Broker dials AMQP on first use. The connection monitors itself and
// reconnects until Close.
func (r *Runtime) Broker(ctx context.Context) (*broker.Broker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.brk != nil {
		return r.brk, nil
	}
	url, err := r.cfg.BrokerURL()
	if err != nil {
		return nil, err
	}
	conn := broker.NewConnection(url, r.cfg.Broker, r.log)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	b, err := broker.New(conn, r.cfg.Broker, r.log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	r.brk = b
	r.closers = append(r.closers, closeStep{"broker", b.Close})
	return b, nil
}

// Topology returns the manager that declares per-org queue ladders.
func (r *Runtime) Topology(ctx context.Context) (*broker.Manager, error) {
	b, err := r.Broker(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topo == nil {
		r.topo = broker.NewManager(b, r.log)
	}
	return r.topo, nil
}

// Store opens the event store on first use and applies migrations.
func (r *Runtime) Store(ctx context.Context) (*store.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st != nil {
		return r.st, nil
	}
	st, err := store.Open(ctx, r.cfg.Store, r.slog)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	r.st = st
	r.closers = append(r.closers, closeStep{"event store", func() error { st.Close(); return nil }})
	return st, nil
}

// Redis returns the shared-state client, or nil when REDIS_ADDR is
// unset. Components treat a nil client as "no shared state".
func (r *Runtime) Redis() *cache.RedisClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redisSet {
		return r.redis
	}
	r.redisSet = true
	if r.cfg.Redis.Addr == "" {
		return nil
	}
	c := cache.NewRedisClient(r.cfg.Redis)
	r.redis = c
	r.closers = append(r.closers, closeStep{"redis", c.Close})
	return c
}

// Kafka returns the audit mirror writer, or nil when KAFKA_BROKERS is
// unset.
func (r *Runtime) Kafka() *stream.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mirrorSet {
		return r.mirror
	}
	r.mirrorSet = true
	if len(r.cfg.Kafka.Brokers) == 0 {
		return nil
	}
	w := stream.NewWriter(r.cfg.Kafka, r.slog)
	r.mirror = w
	r.closers = append(r.closers, closeStep{"kafka mirror", w.Close})
	return w
}

// Audit starts the batching event writer over the store and returns
// the pipeline components emit through. Production raises a "none"
// redaction level to "medium".
func (r *Runtime) Audit(ctx context.Context) (*audit.Pipeline, error) {
	st, err := r.Store(ctx)
	if err != nil {
		return nil, err
	}
	var mirror audit.Mirror
	if w := r.Kafka(); w != nil {
		mirror = w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pipeline != nil {
		return r.pipeline, nil
	}
	level := audit.RedactionLevel(r.cfg.Audit.RedactionLevel)
	if r.cfg.IsProd() && level == audit.RedactNone {
		level = audit.RedactMedium
	}
	b := audit.NewBatcher(audit.BatcherConfig{
		BatchSize:     r.cfg.Audit.BatchSize,
		FlushInterval: r.cfg.Audit.FlushInterval,
		QueueMax:      r.cfg.Audit.QueueMax,
	}, st.Events(), mirror, audit.NewRedactor(level), r.m, r.slog)
	// The flush loop outlives the role context: draining components
	// still emit terminal events after the shutdown signal. Close stops
	// it once the roles are quiet.
	if err := b.Start(context.Background()); err != nil {
		return nil, err
	}
	r.batcher = b
	r.closers = append(r.closers, closeStep{"audit batcher", func() error { b.Stop(); return nil }})
	r.pipeline = audit.NewPipeline(b, st.Messages(), r.slog)
	return r.pipeline, nil
}

// Producer assembles the publish pipeline: broker transport, dedup
// claims, backpressure gate, rate limiter, audit. The gate runs
// unstarted and resolves depth through Redis or direct inspection.
func (r *Runtime) Producer(ctx context.Context) (*producer.Producer, error) {
	b, err := r.Broker(ctx)
	if err != nil {
		return nil, err
	}
	st, err := r.Store(ctx)
	if err != nil {
		return nil, err
	}
	pipeline, err := r.Audit(ctx)
	if err != nil {
		return nil, err
	}
	gate := backpressure.New(r.cfg.Backpressure, b, r.Redis(), r.m, r.log)
	limiter := ratelimit.New(r.cfg.RateLimit, r.m)
	return producer.New(b, st.Idempotency(), gate, limiter, pipeline, r.m, r.log), nil
}

// Close releases infrastructure in reverse acquisition order. The
// audit batcher flushes before the store under it closes. Safe to call
// more than once.
func (r *Runtime) Close() {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		step := closers[i]
		if err := step.fn(); err != nil {
			r.log.Warn("shutdown step failed",
				zap.String("component", step.name),
				zap.Error(err))
		}
	}
	_ = r.log.Sync()
}
