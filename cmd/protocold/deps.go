package main

import (
	"context"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/artifact"
	"github.com/fyrsmithlabs/protocold/internal/config"
	"github.com/fyrsmithlabs/protocold/internal/directive"
	"github.com/fyrsmithlabs/protocold/internal/engine"
	"github.com/fyrsmithlabs/protocold/internal/graph"
	"github.com/fyrsmithlabs/protocold/internal/secrets"
	"github.com/fyrsmithlabs/protocold/internal/store"
	"github.com/fyrsmithlabs/protocold/internal/telemetry"
)

const (
	engineInstrumentation = "github.com/fyrsmithlabs/protocold/internal/engine"
	mcpInstrumentation    = "github.com/fyrsmithlabs/protocold/internal/mcp"

	natsReadyTimeout = 10 * time.Second
)

// dependencies holds the infrastructure the daemon owns.
type dependencies struct {
	natsServer *natsserver.Server
	natsConn   *nats.Conn
	repo       store.Repository
	engine     *engine.Engine
	protocols  *watchingEngine
	watcher    *artifact.Watcher
	sweeper    *engine.Sweeper
	closers    []func()
	logger     *zap.Logger
}

// Close releases resources in reverse order of acquisition.
func (d *dependencies) Close() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
		d.natsServer.WaitForShutdown()
	}
	if d.logger != nil {
		_ = d.logger.Sync()
	}
}

// initDependencies connects NATS when needed, opens the store and builds
// the engine. On error everything acquired so far is released.
func initDependencies(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (_ *dependencies, err error) {
	d := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if cfg.UsesNATS() {
		if err := d.connectNATS(cfg); err != nil {
			return nil, err
		}
	}

	repo, err := d.openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.repo = repo

	secCfg := secrets.DefaultConfig()
	secCfg.Gitleaks = true
	if err := cfg.Decode("secrets", secCfg); err != nil {
		return nil, err
	}
	scrubber, err := secrets.New(secCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
	}

	catalog, err := graph.LoadCatalog(nil, cfg.Graphs.Files...)
	if err != nil {
		return nil, fmt.Errorf("failed to load protocol graphs: %w", err)
	}

	var publisher directive.Publisher = directive.NopPublisher{}
	if cfg.NATS.Publish {
		publisher = directive.NewNATSPublisher(d.natsConn)
	}

	d.engine, err = engine.New(repo, catalog,
		engine.WithLogger(logger),
		engine.WithPublisher(publisher),
		engine.WithArtifactRoot(cfg.Artifacts.Root),
		engine.WithParallelism(cfg.Engine.Parallelism),
		engine.WithEmitterOptions(
			directive.WithMaxContextBytes(cfg.Engine.MaxContextBytes),
			directive.WithScrubber(scrubber),
		),
		engine.WithMeter(tel.Meter(engineInstrumentation)),
		engine.WithTracer(tel.Tracer(engineInstrumentation)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	if cfg.Artifacts.Watch {
		d.watcher, err = artifact.NewWatcher(logger)
		if err != nil {
			return nil, err
		}
	}
	d.protocols = newWatchingEngine(d.engine, d.watcher, logger)

	if deadline := cfg.Engine.BranchDeadline.Duration(); deadline > 0 {
		d.sweeper, err = engine.NewSweeper(d.engine, deadline, cfg.Engine.SweepInterval.Duration(), logger)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// startWorkers launches the watcher and sweeper until ctx is done.
func (d *dependencies) startWorkers(ctx context.Context) {
	if d.watcher != nil {
		d.watcher.Start(ctx)
		d.protocols.setBaseContext(ctx)
	}
	if d.sweeper != nil {
		go d.sweeper.Run(ctx)
	}
}

// connectNATS dials nats.url, or starts an in-process JetStream server
// when nats.embedded is set.
func (d *dependencies) connectNATS(cfg *config.Config) error {
	url := cfg.NATS.URL
	if cfg.NATS.Embedded {
		ns, err := natsserver.NewServer(&natsserver.Options{
			Host:      "127.0.0.1",
			Port:      -1,
			JetStream: true,
			StoreDir:  cfg.NATS.StoreDir,
			NoSigs:    true,
			NoLog:     true,
		})
		if err != nil {
			return fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(natsReadyTimeout) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server not ready after %s", natsReadyTimeout)
		}
		d.natsServer = ns
		url = ns.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.Name("protocold"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	d.natsConn = nc
	d.logger.Info("Connected to NATS", zap.String("url", url), zap.Bool("embedded", cfg.NATS.Embedded))
	return nil
}

// openRepository opens the configured backend, wrapped in the read cache
// when store.cache_bytes is set.
func (d *dependencies) openRepository(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	var repo store.Repository
	switch cfg.Store.Backend {
	case config.BackendMemory:
		repo = store.NewMemoryStore()
	case config.BackendFile:
		fs, err := store.NewFileStore(cfg.Store.Dir, d.logger)
		if err != nil {
			return nil, err
		}
		repo = fs
	case config.BackendSQLite:
		s, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = s.Close() })
		repo = s
	case config.BackendPostgres:
		dsn := cfg.Store.PostgresDSN.Value()
		if err := store.RunMigrations(ctx, dsn); err != nil {
			return nil, err
		}
		s, err := store.OpenPostgres(ctx, dsn, cfg.Store.MaxConns)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, s.Close)
		repo = s
	case config.BackendNATS:
		js, err := jetstream.New(d.natsConn)
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		s, err := store.OpenKV(ctx, js, cfg.Store.Bucket)
		if err != nil {
			return nil, err
		}
		repo = s
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.CacheBytes > 0 {
		cached, err := store.NewCachedRepository(repo, cfg.Store.CacheBytes, cfg.Store.CacheTTL.Duration())
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, cached.Close)
		repo = cached
	}
	d.logger.Info("State store opened",
		zap.String("backend", cfg.Store.Backend),
		zap.Int64("cache_bytes", cfg.Store.CacheBytes))
	return repo, nil
}
