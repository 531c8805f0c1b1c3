package config

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/utils/pkg/retry"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// PgPool is the catalog database pool: datasets and dashboard blocks.
var PgPool *pgxpool.Pool

// WarehousePool is the pool dataset base queries run against. It is the
// catalog pool unless WAREHOUSE_DATABASE_URL is set.
var WarehousePool *pgxpool.Pool

// PgConfig holds the PostgreSQL configuration
type PgConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// PgConfigFromEnv reads POSTGRES_* variables.
func PgConfigFromEnv() (PgConfig, error) {
	cfg := PgConfig{
		Host:     getenv("POSTGRES_HOST", "localhost"),
		Port:     getenv("POSTGRES_PORT", "5432"),
		Database: os.Getenv("POSTGRES_DB"),
		Username: os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		SSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
	}
	return cfg, cfg.Validate()
}

func (c PgConfig) Validate() error {
	switch {
	case c.Database == "":
		return errors.New("POSTGRES_DB is required")
	case c.Username == "":
		return errors.New("POSTGRES_USER is required")
	case c.Password == "":
		return errors.New("POSTGRES_PASSWORD is required")
	}
	return nil
}

// ConnString returns the connection URL.
func (c PgConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// LoadPostgres connects the catalog and warehouse pools, retrying transient
// connection failures, and runs migrations when POSTGRES_RUN_MIGRATIONS=true.
func LoadPostgres(ctx context.Context, log *slog.Logger) error {
	cfg, err := PgConfigFromEnv()
	if err != nil {
		return err
	}

	log.Info("connecting to PostgreSQL", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "username", cfg.Username)
	pool, err := NewPool(ctx, cfg.ConnString())
	if err != nil {
		return err
	}
	PgPool = pool
	WarehousePool = pool
	log.Info("connected to PostgreSQL")

	if os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true" {
		if err := RunMigrations(log, cfg.ConnString()); err != nil {
			return err
		}
	}

	if warehouseURL := os.Getenv("WAREHOUSE_DATABASE_URL"); warehouseURL != "" {
		wp, err := NewPool(ctx, warehouseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to warehouse: %w", err)
		}
		WarehousePool = wp
		log.Info("connected to warehouse database")
	}
	return nil
}

// NewPool creates and pings a pool, retrying connection errors with backoff.
func NewPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	cfg := retry.DefaultConfig()
	cfg.Retryable = dberror.IsTransient
	err = retry.Do(ctx, cfg, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// OpenMigrationDB opens a database/sql handle for goose.
func OpenMigrationDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return db, nil
}

// RunMigrations applies all pending catalog migrations.
func RunMigrations(log *slog.Logger, connStr string) error {
	log.Info("running PostgreSQL migrations")
	db, err := OpenMigrationDB(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("PostgreSQL migrations completed")
	return nil
}

// ClosePostgres closes the connection pools
func ClosePostgres() {
	if WarehousePool != nil && WarehousePool != PgPool {
		WarehousePool.Close()
	}
	if PgPool != nil {
		PgPool.Close()
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
