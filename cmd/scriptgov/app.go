package main

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nainya/scriptgov/internal/config"
	"github.com/nainya/scriptgov/internal/logger"
	"github.com/nainya/scriptgov/internal/metrics"
	"github.com/nainya/scriptgov/pkg/backend/postgres"
	"github.com/nainya/scriptgov/pkg/backend/redisstore"
	"github.com/nainya/scriptgov/pkg/governance"
	"github.com/nainya/scriptgov/pkg/journal"
	"github.com/nainya/scriptgov/pkg/policy"
	"github.com/nainya/scriptgov/pkg/validator"
	"github.com/nainya/scriptgov/pkg/version"
	"github.com/nainya/scriptgov/pkg/wal"
)

// app is the assembled service
type app struct {
	cfg      config.Config
	log      *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	catalog  *policy.Catalog
	backend  version.Backend
	store    *version.Store
	gov      *governance.Service

	ready        func(context.Context) error
	checkpointer *wal.Checkpointer
	closers      []io.Closer
}

func loadCatalog(path string) (*policy.Catalog, error) {
	if path == "" {
		return policy.Default()
	}
	return policy.LoadFile(path)
}

// openBackend opens the configured version store backend. The returned
// ready func is nil for backends with nothing to probe.
func openBackend(ctx context.Context, cfg config.Config, log *logger.Logger) (version.Backend, func(context.Context) error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return version.NewMemoryBackend(), nil, nil
	case config.BackendJournal:
		b, err := journal.Open(journal.Options{
			Dir:         cfg.JournalDir,
			MaxFileSize: cfg.JournalMaxFileSize,
			NoSync:      cfg.JournalNoSync,
			Logger:      log.StoreLogger("journal"),
		})
		return b, nil, err
	case config.BackendPostgres:
		db, err := postgres.Connect(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		b := postgres.New(db, log.StoreLogger("postgres"))
		if err := b.Migrate(ctx); err != nil {
			return nil, nil, multierror.Append(err, b.Close())
		}
		return b, b.Ping, nil
	case config.BackendRedis:
		b, err := redisstore.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Ping, nil
	}
	return nil, nil, errors.Newf("unknown backend %q", cfg.Backend)
}

func newApp(ctx context.Context, cfg config.Config, out io.Writer) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      logger.NewLogger(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: out}),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetrics(a.registry)

	catalog, err := loadCatalog(cfg.PolicyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load policy catalog")
	}
	a.catalog = catalog

	backend, ready, err := openBackend(ctx, cfg, a.log)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s backend", cfg.Backend)
	}
	a.backend = backend
	a.ready = ready

	if j, ok := backend.(*journal.Backend); ok && cfg.CheckpointInterval > 0 {
		a.checkpointer = wal.NewCheckpointer(j.Checkpoint, cfg.CheckpointInterval, a.log.Component("checkpoint"))
	}

	a.store = version.NewStore(backend,
		version.WithLogger(a.log.StoreLogger(cfg.Backend)),
		version.WithRecorder(a.metrics),
	)
	v := validator.New(catalog,
		validator.WithLogger(a.log.Component("validator")),
		validator.WithRecorder(a.metrics),
	)
	a.gov = governance.New(v, a.store,
		governance.WithLogger(a.log.Component("governance")),
		governance.WithAppendRetries(cfg.MaxAppendRetries),
	)
	return a, nil
}

// Close stops background work and releases the backend and any extra
// connections, reporting every failure
func (a *app) Close() error {
	if a.checkpointer != nil {
		a.checkpointer.Stop()
	}
	var result error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
