package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/seantiz/pipelined/internal/cache"
	"github.com/seantiz/pipelined/internal/config"
	"github.com/seantiz/pipelined/internal/dataset"
	"github.com/seantiz/pipelined/internal/datasync"
	"github.com/seantiz/pipelined/internal/descriptor"
	"github.com/seantiz/pipelined/internal/engine"
	"github.com/seantiz/pipelined/internal/proctree"
	"github.com/seantiz/pipelined/internal/retry"
	"github.com/seantiz/pipelined/internal/store"
	"github.com/seantiz/pipelined/internal/workspace"
)

// app holds the service objects shared by the commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.SQLiteStore

	// Nil when the data directory is not an installed dataset.
	dataset   *dataset.Datalad
	failsafe  *datasync.Failsafe
	scheduler *datasync.Scheduler
	evictor   *cache.Evictor

	registry *descriptor.Registry
	catalog  *descriptor.Catalog
	engine   *engine.Engine
}

// newApp loads configuration and wires the services. ctx bounds the
// failsafe publisher's retries.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    db,
		registry: descriptor.NewDefaultRegistry(),
	}
	a.catalog = descriptor.NewCatalog(cfg.PipelineDir, a.registry.Types())
	layout := workspace.Layout{DataDir: cfg.DataDir}

	ds, err := dataset.Open(cfg.DataDir)
	switch {
	case errors.Is(err, dataset.ErrNotInstalled):
		logger.Warn("data directory is not a dataset, sync and eviction disabled", "data_dir", cfg.DataDir)
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	default:
		a.dataset = ds
		a.evictor = cache.NewEvictor(ds, cfg.CacheMaxSize, cfg.CacheLowWater, logger)
		a.failsafe = datasync.NewFailsafe(ctx, ds, cfg.Sibling, retry.Every(cfg.SyncRetryInterval), logger)
		a.scheduler, err = datasync.NewScheduler(ds, db, a.evictor, a.failsafe, layout, datasync.Config{
			Sibling:       cfg.Sibling,
			Interval:      cfg.SyncInterval,
			Schedule:      cfg.SyncSchedule,
			RetryInterval: cfg.SyncRetryInterval,
		}, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	term, err := proctree.New(logger, proctree.DefaultWait)
	if err != nil {
		db.Close()
		return nil, err
	}

	engCfg := engine.Config{
		DefaultTimeoutS: cfg.DefaultTimeoutS,
		MinTimeoutS:     cfg.MinTimeoutS,
		MaxTimeoutS:     cfg.MaxTimeoutS,
	}
	if a.scheduler != nil {
		engCfg.Publisher = a.scheduler
	}
	a.engine = engine.NewEngine(db, a.registry, a.catalog, layout, term, engCfg, logger)

	return a, nil
}

// requireDataset fails commands that only make sense on a dataset.
func (a *app) requireDataset() error {
	if a.dataset == nil {
		return fmt.Errorf("%s: %w", a.cfg.DataDir, dataset.ErrNotInstalled)
	}
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}
