// Package data is the persistence layer: account and character records
// behind gorm, with sqlite for small deployments and tests and postgres for
// everything else.
package data

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hfrick/nexus/internal/core"
)

// Initialize opens the configured database and migrates the schema.
func Initialize(cfg *core.Config) (*gorm.DB, error) {
	// By default only log errors but enable full SQL query prints-to-console
	// with database debug mode.
	log := logger.Default.LogMode(logger.Error)
	if cfg.Debugging.DatabaseLoggingEnabled {
		log = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.File)
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseURL())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := db.AutoMigrate(&Account{}, &Character{}, &Buddy{}); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}

	return db, nil
}

func Shutdown(db *gorm.DB) error {
	database, err := db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}
