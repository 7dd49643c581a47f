package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/timmy/steamharvest/internal/config"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// models lists every table owned by the harvester.
var models = []interface{}{
	&domain.AppStatus{},
	&domain.CCURecord{},
	&domain.PriceRecord{},
	&domain.PriceFetchStatus{},
	&domain.ErrorRecord{},
	&domain.BatchMapping{},
	&domain.JobStateRecord{},
	&domain.HarvestJob{},
}

// InitDB opens the configured database, sizes the pool and migrates the schema.
// Parameters:
//   - cfg: database configuration including driver and connection settings.
// Returns:
//   - *gorm.DB: initialized database handle.
//   - error: non-nil if connection or migration fails.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	logger.Info("[DB] Initializing database with driver: %q", cfg.Driver)

	dialector, err := openDialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		// gorm warnings and slow queries go to the application log
		Logger: gormlogger.New(logger.GetDefault(), gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	if cfg.Driver != "postgres" {
		// one writer at a time; readers keep going under WAL
		db.Exec("PRAGMA journal_mode=WAL")
		db.Exec("PRAGMA busy_timeout=5000")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("[DB] Schema migrated: tables=%d", len(models))
	}
	return db, nil
}

func openDialector(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		// simple protocol keeps transaction poolers working
		return postgres.New(postgres.Config{DSN: cfg.DSN(), PreferSimpleProtocol: true}), nil
	case "sqlite", "":
	default:
		logger.Warn("[DB] Unknown driver %q, defaulting to SQLite", cfg.Driver)
	}
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return sqlite.Open(cfg.DSN()), nil
}
