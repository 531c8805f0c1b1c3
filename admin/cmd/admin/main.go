package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/insights/admin/internal/admin"
	"github.com/malbeclabs/insights/api/config"
	"github.com/malbeclabs/insights/query/pkg/executor"
	"github.com/malbeclabs/insights/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "dotenv file to load if present")

	// PostgreSQL configuration
	pgHostFlag := flag.String("pg-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "", "PostgreSQL database name (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("pg-username", "", "PostgreSQL username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("pg-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "PostgreSQL SSL mode (or set POSTGRES_SSLMODE env var)")
	warehouseURLFlag := flag.String("warehouse-url", "", "warehouse connection URL for --introspect, defaults to the catalog database (or set WAREHOUSE_DATABASE_URL env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run catalog database migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last catalog database migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show catalog database migration status")
	pgResetFlag := flag.Bool("pg-reset", false, "Roll back all catalog migrations, dropping every dataset and block")
	checkSQLFlag := flag.String("check-sql", "", "Check that a base query passes the read-only safety rules")
	introspectFlag := flag.String("introspect", "", "Print the column metadata of a base query")
	introspectTimeoutFlag := flag.Duration("introspect-timeout", executor.DefaultIntrospectTimeout, "Statement timeout for --introspect")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if err := godotenv.Load(*envFileFlag); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	// Override PostgreSQL flags with environment variables if set
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		*pgHostFlag = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		*pgPortFlag = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		*pgDatabaseFlag = v
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		*pgUsernameFlag = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		*pgPasswordFlag = v
	}
	if v := os.Getenv("POSTGRES_SSLMODE"); v != "" {
		*pgSSLModeFlag = v
	}
	if v := os.Getenv("WAREHOUSE_DATABASE_URL"); v != "" {
		*warehouseURLFlag = v
	}

	pgCfg := config.PgConfig{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}

	// Execute commands
	if *checkSQLFlag != "" {
		return admin.CheckSQL(os.Stdout, *checkSQLFlag)
	}

	if *introspectFlag != "" {
		connStr := *warehouseURLFlag
		if connStr == "" {
			if err := pgCfg.Validate(); err != nil {
				return fmt.Errorf("--introspect needs --warehouse-url or the catalog database: %w", err)
			}
			connStr = pgCfg.ConnString()
		}
		ctx := context.Background()
		pool, err := config.NewPool(ctx, connStr)
		if err != nil {
			return err
		}
		defer pool.Close()
		return admin.Introspect(ctx, log, os.Stdout, executor.NewPoolConn(pool), *introspectFlag, *introspectTimeoutFlag)
	}

	if *pgMigrateFlag || *pgMigrateDownFlag || *pgMigrateStatusFlag || *pgResetFlag {
		if err := pgCfg.Validate(); err != nil {
			return err
		}
	}

	if *pgMigrateFlag {
		return admin.PgMigrateUp(log, pgCfg)
	}

	if *pgMigrateDownFlag {
		return admin.PgMigrateDown(log, pgCfg)
	}

	if *pgMigrateStatusFlag {
		return admin.PgMigrateStatus(log, pgCfg)
	}

	if *pgResetFlag {
		db, err := config.OpenMigrationDB(pgCfg.ConnString())
		if err != nil {
			return err
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		return admin.ResetCatalog(ctx, log, db, admin.ResetOptions{
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})
	}

	flag.Usage()
	return nil
}
