package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/panelforge/engine/internal/persistence"
	"github.com/panelforge/engine/internal/platform/logger"
	"github.com/panelforge/engine/internal/versionlog"
)

// openDB connects to Postgres (or, for a local/dev run, an on-disk sqlite
// file when PANELFORGE_SQLITE_DSN is set instead), the way the teacher's
// db.NewPostgresService dials with a silenced record-not-found gorm logger.
func openDB(cfg serverConfig, log *logger.Logger) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		stdlog(),
		gormlogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	if cfg.SqliteDSN != "" {
		log.Info("Connecting to sqlite", "dsn", cfg.SqliteDSN)
		db, err := gorm.Open(sqlite.Open(cfg.SqliteDSN), &gorm.Config{Logger: gormLog})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return db, nil
	}

	dsn := cfg.PostgresDSN
	if dsn == "" {
		dsn = "postgres://postgres:@localhost:5432/panelforge?sslmode=disable"
	}
	log.Info("Connecting to Postgres...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

func stdlog() *log.Logger {
	return log.New(os.Stdout, "\r\n", log.LstdFlags)
}

// autoMigrate applies both append-only-store schemas the way the teacher's
// PostgresService.AutoMigrateAll applies every types.* model in one call at
// boot, before the first session is admitted.
func autoMigrate(db *gorm.DB) error {
	if err := persistence.AutoMigrate(db); err != nil {
		return fmt.Errorf("persistence automigrate: %w", err)
	}
	if err := versionlog.AutoMigrate(db); err != nil {
		return fmt.Errorf("versionlog automigrate: %w", err)
	}
	return nil
}
