package admin

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/insights/api/config"
	"github.com/pressly/goose/v3"
)

// PgMigrateUp runs all pending catalog migrations
func PgMigrateUp(log *slog.Logger, cfg config.PgConfig) error {
	db, err := openPgDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("running PostgreSQL migrations (up)")
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("PostgreSQL migrations completed")
	return nil
}

// PgMigrateDown rolls back the last catalog migration
func PgMigrateDown(log *slog.Logger, cfg config.PgConfig) error {
	db, err := openPgDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("rolling back PostgreSQL migration (down)")
	if err := goose.Down(db, "migrations"); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	log.Info("PostgreSQL migration rollback completed")
	return nil
}

// PgMigrateStatus shows the status of all catalog migrations
func PgMigrateStatus(log *slog.Logger, cfg config.PgConfig) error {
	db, err := openPgDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("PostgreSQL migration status")
	if err := goose.Status(db, "migrations"); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	return nil
}

// openPgDB opens and pings a database/sql handle with the goose migrations
// registered.
func openPgDB(cfg config.PgConfig) (*sql.DB, error) {
	db, err := config.OpenMigrationDB(cfg.ConnString())
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
