// Package app wires configuration into the repositories, clients and
// services shared by the server and the CLI.
package app

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/timmy/steamharvest/internal/api"
	"github.com/timmy/steamharvest/internal/config"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/events"
	"github.com/timmy/steamharvest/internal/extension"
	"github.com/timmy/steamharvest/internal/itad"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/metrics"
	"github.com/timmy/steamharvest/internal/ratelimit"
	"github.com/timmy/steamharvest/internal/repository"
	"github.com/timmy/steamharvest/internal/scheduler"
	"github.com/timmy/steamharvest/internal/service"
	"github.com/timmy/steamharvest/internal/steamcharts"
	"github.com/timmy/steamharvest/internal/steamstore"
	"github.com/timmy/steamharvest/internal/storage"
	"gorm.io/gorm"
)

// App holds the wired components.
type App struct {
	Config  *config.Config
	DB      *gorm.DB
	Apps    *repository.AppStatusRepository
	Jobs    *repository.JobRepository
	History *repository.HistoryRepository
	Errors  *repository.ErrorRepository
	Storage storage.ObjectStorage
	Events  events.Publisher
	Bridge  *extension.Bridge

	JobService    *service.JobService
	ExportService *service.ExportService
	ImportService *service.ImportService
}

// New builds every component from cfg.
// Parameters:
//   - cfg: validated configuration.
// Returns:
//   - *App: wired application; call Close when done.
//   - error: non-nil if the database, storage or event broker cannot be reached.
func New(cfg *config.Config) (*App, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		DB:      db,
		Apps:    repository.NewAppStatusRepository(db),
		Jobs:    repository.NewJobRepository(db),
		History: repository.NewHistoryRepository(db),
		Errors:  repository.NewErrorRepository(db),
	}

	// Initialize storage (supports MinIO, R2, S3); nil when disabled
	a.Storage, err = storage.NewStorage(&cfg.Storage)
	if err != nil {
		a.closeDB()
		return nil, err
	}

	a.Events, err = events.New(cfg.Events.Enabled, cfg.Events.URL, cfg.Events.Exchange)
	if err != nil {
		a.closeDB()
		return nil, err
	}

	a.Bridge = extension.NewBridge(extension.Config{
		CompareURL:   cfg.Extension.CompareURL,
		HeartbeatTTL: cfg.Extension.HeartbeatTTL,
	})

	exportStorage := a.Storage
	if !cfg.Export.Upload {
		exportStorage = nil
	}
	a.ExportService = service.NewExportService(a.History, a.Errors, a.Jobs, exportStorage, service.ExportConfig{
		Dir:          cfg.Export.Dir,
		Upload:       cfg.Export.Upload,
		UploadPrefix: cfg.Storage.Prefix,
	})
	a.ImportService = service.NewImportService(a.Apps, a.History)

	a.JobService, err = service.NewJobService(service.JobDeps{
		States:    repository.NewStateRepository(db),
		Store:     repository.NewJobStore(db),
		Executors: a.executors(exportStorage),
		Apps:      a.Apps,
		Jobs:      a.Jobs,
		History:   a.History,
		Exports:   a.ExportService,
		Events:    a.Events,
	}, scheduler.Config{
		Policy: scheduler.Policy{
			MaxParallel:    cfg.Scheduler.MaxParallel,
			ErrorThreshold: cfg.Scheduler.ErrorThreshold,
			BaseDelay:      cfg.Scheduler.BaseDelay,
			DelayIncrement: cfg.Scheduler.DelayIncrement,
			MaxDelay:       cfg.Scheduler.MaxDelay,
		},
		BatchTimeout: cfg.Scheduler.BatchTimeout,
	}, service.JobConfig{
		BatchSize:   cfg.Scheduler.BatchSize,
		DefaultKind: domain.JobKind(cfg.Scheduler.DefaultKind),
	}, scheduler.WithObserver(metrics.Observer{}))
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

// executors builds one executor per job kind. The price executor is only
// registered when an ITAD key is configured.
func (a *App) executors(objectStorage storage.ObjectStorage) map[domain.JobKind]scheduler.Executor {
	cfg := a.Config
	limits := ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
	}

	charts := steamcharts.NewClient(steamcharts.Config{
		BaseURL:    cfg.SteamCharts.BaseURL,
		Timeout:    cfg.SteamCharts.Timeout,
		MaxRetries: cfg.SteamCharts.MaxRetries,
		RetryDelay: cfg.SteamCharts.RetryDelay,
	}, ratelimit.New(limits, ratelimit.WithWaitObserver(metrics.WaitObserver("steamcharts"))))

	execs := map[domain.JobKind]scheduler.Executor{
		domain.JobKindCCU: service.NewCCUExecutor(charts, a.History, cfg.SteamCharts.MonthlyTable),
		domain.JobKindExtension: service.NewExtensionExecutor(a.Bridge, a.History,
			cfg.Extension.DeliveryTimeout, cfg.Extension.LoadTimeout),
	}

	store := steamstore.NewClient(steamstore.Config{
		BaseURL:    cfg.SteamStore.BaseURL,
		Timeout:    cfg.SteamStore.Timeout,
		MaxRetries: cfg.SteamStore.MaxRetries,
		RetryDelay: cfg.SteamStore.RetryDelay,
	}, ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.SteamStore.RequestsPerSecond,
		MaxConcurrent:     cfg.SteamStore.Workers,
	}, ratelimit.WithWaitObserver(metrics.WaitObserver("steamstore"))))
	execs[domain.JobKindSteamPrice] = service.NewSteamPriceExecutor(store, a.History,
		cfg.SteamStore.Currencies, cfg.SteamStore.Workers)

	if cfg.ITAD.APIKey == "" {
		logger.Warn("ITAD api key not set, price jobs are disabled")
		return execs
	}
	prices := itad.NewClient(itad.Config{
		BaseURL:           cfg.ITAD.BaseURL,
		APIKey:            cfg.ITAD.APIKey,
		MaxRetries:        cfg.ITAD.MaxRetries,
		RetryAfterDefault: cfg.ITAD.RetryAfterDefault,
	}, ratelimit.New(limits, ratelimit.WithWaitObserver(metrics.WaitObserver("itad"))))

	fanout := service.NewFanoutClient(prices, a.History, a.Jobs, a.Errors, objectStorage, service.FanoutConfig{
		Since:        cfg.ITAD.Since,
		Hybrid:       cfg.ITAD.Hybrid,
		Workers:      cfg.ITAD.FanoutWorkers,
		MaxRetries:   cfg.ITAD.MaxRetries,
		RetryDelay:   cfg.SteamCharts.RetryDelay,
		OutputDir:    filepath.Join(cfg.Export.Dir, "prices"),
		UploadPrefix: storage.ObjectKey(cfg.Storage.Prefix, "prices"),
	})
	execs[domain.JobKindPrice] = service.NewPriceExecutor(fanout, cfg.ITAD.Currencies)
	return execs
}

// ResumeOnStartup continues a job that was running when the process stopped.
func (a *App) ResumeOnStartup(ctx context.Context) {
	resumed, err := a.JobService.Resume(ctx, false)
	switch {
	case err != nil:
		logger.CtxError(ctx, "Failed to resume job: %v", err)
	case resumed:
		snap := a.JobService.Snapshot()
		logger.With(logger.Fields{
			logger.FieldJobID: snap.JobID,
			logger.FieldKind:  string(snap.Kind),
		}).Info(ctx, "Resumed job with %d queued batches", snap.Queued)
	}
}

// Services returns the services exposed over HTTP.
func (a *App) Services() api.Services {
	return api.Services{
		Jobs:    a.JobService,
		Exports: a.ExportService,
		Imports: a.ImportService,
		Bridge:  a.Bridge,
	}
}

// Close releases the broker and database connections.
func (a *App) Close() error {
	var errs []error
	if a.Events != nil {
		errs = append(errs, a.Events.Close())
	}
	errs = append(errs, a.closeDB())
	return errors.Join(errs...)
}

func (a *App) closeDB() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
