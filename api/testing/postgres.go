package apitesting

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/insights/api/config"
	insightstesting "github.com/malbeclabs/insights/utils/pkg/testing"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
)

// NewTestPool creates a pool connected to the test container and closes it
// when the test ends.
func NewTestPool(t *testing.T, db *insightstesting.DB) *pgxpool.Pool {
	t.Helper()

	pool, err := pgxpool.New(t.Context(), db.ConnStr())
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(pool.Close)
	return pool
}

// SetupTestDB applies the catalog migrations, points config.PgPool and
// config.WarehousePool at the container and restores them on cleanup.
func SetupTestDB(t *testing.T, db *insightstesting.DB) *pgxpool.Pool {
	t.Helper()

	sqlDB, err := config.OpenMigrationDB(db.ConnStr())
	require.NoError(t, err)
	require.NoError(t, goose.Up(sqlDB, "migrations"), "failed to run migrations")
	require.NoError(t, sqlDB.Close())

	pool := NewTestPool(t, db)

	oldPool, oldWarehouse := config.PgPool, config.WarehousePool
	config.PgPool, config.WarehousePool = pool, pool
	t.Cleanup(func() {
		config.PgPool, config.WarehousePool = oldPool, oldWarehouse
	})
	return pool
}

// ResetCatalog removes all catalog rows.
func ResetCatalog(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(t.Context(), `TRUNCATE blocks, datasets`)
	require.NoError(t, err)
}
