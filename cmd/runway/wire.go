package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
	"github.com/gxo-labs/runway/internal/config"
	"github.com/gxo-labs/runway/internal/engine"
	intEvents "github.com/gxo-labs/runway/internal/events"
	intHandler "github.com/gxo-labs/runway/internal/handler"
	intMetrics "github.com/gxo-labs/runway/internal/metrics"
	intQueue "github.com/gxo-labs/runway/internal/queue"
	intSecrets "github.com/gxo-labs/runway/internal/secrets"
	intStore "github.com/gxo-labs/runway/internal/store"
	intTracing "github.com/gxo-labs/runway/internal/tracing"
	"github.com/gxo-labs/runway/modules/dbquery"
	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	rwqueue "github.com/gxo-labs/runway/pkg/runway/v1/queue"
	rwstore "github.com/gxo-labs/runway/pkg/runway/v1/store"
)

const defaultEventBufferSize = 256

// engineStack is a coordinator together with every collaborator it was
// built from, so they can be shut down in order.
type engineStack struct {
	coord   *engine.Coordinator
	store   rwstore.Store
	queue   rwqueue.Queue
	bus     *intEvents.Broadcaster
	metrics *intMetrics.PrometheusRegistryProvider
	tracer  *intTracing.OtelTracerProvider
	queueDB *badger.DB
	log     rwlog.Logger
}

// buildEngine assembles a coordinator from cfg. The caller must Close the
// returned stack.
func buildEngine(ctx context.Context, cfg *config.EngineConfig, log rwlog.Logger, dryRun bool) (*engineStack, error) {
	s := &engineStack{log: log}
	ok := false
	defer func() {
		if !ok {
			s.Close(context.Background())
		}
	}()

	switch cfg.Store.Backend {
	case config.BackendBadger:
		bs, err := intStore.OpenBadgerStore(cfg.Store.Path, log)
		if err != nil {
			return nil, fmt.Errorf("opening badger store: %w", err)
		}
		s.store = bs
	case config.BackendSQLite:
		ss, err := intStore.OpenSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		s.store = ss
	default:
		s.store = intStore.NewMemoryStore()
	}

	qopts := intQueue.DefaultOptions()
	qopts.VisibilityTimeout = cfg.Queue.VisibilityTimeout
	qopts.MaxAttempts = cfg.Queue.MaxAttempts
	switch cfg.Queue.Backend {
	case config.BackendBadger:
		db, err := queueDatabase(s, cfg)
		if err != nil {
			return nil, err
		}
		bq, err := intQueue.NewBadgerQueue(db, cfg.Queue.Name, qopts, log)
		if err != nil {
			return nil, fmt.Errorf("opening badger queue: %w", err)
		}
		s.queue = bq
	default:
		s.queue = intQueue.NewMemoryQueue(qopts)
	}

	s.bus = intEvents.NewBroadcaster(defaultEventBufferSize, log)
	s.metrics = intMetrics.NewPrometheusRegistryProvider()

	tcfg := intTracing.ConfigFromEnv()
	if cfg.Tracing.Enabled {
		tcfg = intTracing.Config{
			Enabled:     true,
			Protocol:    cfg.Tracing.Protocol,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			Headers:     cfg.Tracing.Headers,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}
	}
	s.tracer = intTracing.NewProvider(ctx, tcfg, log)

	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace '%s': %w", cfg.WorkspaceDir, err)
	}
	workspace, err := filepath.Abs(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace '%s': %w", cfg.WorkspaceDir, err)
	}

	opts := []runway.EngineOption{
		runway.WithStore(s.store),
		runway.WithQueue(s.queue),
		runway.WithEventBus(s.bus),
		runway.WithHandlerRegistry(intHandler.Default()),
		runway.WithCredentialResolver(intSecrets.NewProviderResolver(intSecrets.NewEnvProvider(cfg.Secrets.EnvPrefix))),
		runway.WithMetricsRegistryProvider(s.metrics),
		runway.WithTracerProvider(s.tracer),
		runway.WithWorkerCount(cfg.Workers),
		runway.WithNodeTimeout(cfg.NodeTimeout),
		runway.WithExecutionTimeout(cfg.ExecutionTimeout),
		runway.WithWorkspace(workspace),
		runway.WithCompensation(cfg.CompensationEnabled()),
		runway.WithDryRun(dryRun),
	}
	if cfg.RunConcurrency > 0 {
		opts = append(opts, runway.WithRunConcurrency(cfg.RunConcurrency))
	}
	if cfg.NodeConcurrency > 0 {
		opts = append(opts, runway.WithNodeConcurrency(cfg.NodeConcurrency))
	}
	if len(cfg.RedactKeywords) > 0 {
		opts = append(opts, runway.WithRedactedKeywords(cfg.RedactKeywords))
	}

	coord, err := engine.NewCoordinator(log, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}
	s.coord = coord

	listener := intEvents.NewMetricsEventListener(s.bus, s.metrics.Registry(), log)
	go listener.Start(ctx)

	ok = true
	return s, nil
}

// queueDatabase returns the badger database backing the queue: the store's
// own when both live in badger and no separate path is set.
func queueDatabase(s *engineStack, cfg *config.EngineConfig) (*badger.DB, error) {
	if cfg.Queue.Path == "" {
		if bs, ok := s.store.(*intStore.BadgerStore); ok {
			return bs.DB(), nil
		}
		return nil, fmt.Errorf("badger queue needs queue.path unless the store is badger")
	}
	db, err := badger.Open(badger.DefaultOptions(cfg.Queue.Path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening badger queue database '%s': %w", cfg.Queue.Path, err)
	}
	s.queueDB = db
	return db, nil
}

// Close releases everything in reverse order of construction.
func (s *engineStack) Close(ctx context.Context) {
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.log.Warnf("Error shutting down tracer provider: %v", err)
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.log.Warnf("Error closing queue: %v", err)
		}
	}
	if s.queueDB != nil {
		if err := s.queueDB.Close(); err != nil {
			s.log.Warnf("Error closing queue database: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warnf("Error closing store: %v", err)
		}
	}
	if err := dbquery.CloseAll(); err != nil {
		s.log.Warnf("Error closing database-query pools: %v", err)
	}
}
