package database

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-exec/internal/database/migrations"
)

// NewDatabase opens the sqlite database at dsn and brings the schema up to date
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dsn, err)
	}

	// sqlite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info().Str("component", "database").Str("dsn", dsn).Msg("database ready")
	return db, nil
}

// Migrate runs every migration in order. Each is safe to rerun.
func Migrate(db *gorm.DB) error {
	if err := migrations.AddOrderHistory(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddFundedAccounts(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
