package executor_test

import (
	"database/sql"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/malbeclabs/insights/query/pkg/builder"
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/executor"
	"github.com/malbeclabs/insights/query/pkg/result"
	"github.com/malbeclabs/insights/query/pkg/semantic"
	insightstesting "github.com/malbeclabs/insights/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const salesFixture = `
SELECT *
FROM (VALUES
	('2024-01-15 10:00:00'::timestamp, 10.5::numeric, 'North'::varchar, 2::int4),
	('2024-01-20 11:00:00'::timestamp, 4.5::numeric, 'South'::varchar, 1::int4),
	('2024-03-02 09:30:00'::timestamp, 20::numeric, 'North'::varchar, 5::int4)
) AS s(sold_at, amount, region, qty)`

func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	db := requireDB(t)
	pool, err := pgxpool.New(t.Context(), db.ConnStr())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newExecutor(t *testing.T) *executor.Executor {
	t.Helper()
	e, err := executor.New(executor.Config{Logger: insightstesting.NewLogger()})
	require.NoError(t, err)
	return e
}

func TestPoolConn_IntrospectAndRun(t *testing.T) {
	t.Parallel()

	conn := executor.NewPoolConn(newPool(t))
	e := newExecutor(t)

	cols, err := e.Introspect(t.Context(), conn, salesFixture)
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, semantic.TypeDatetime, cols[0].SemanticType)
	assert.Equal(t, semantic.TypeMeasure, cols[1].SemanticType)
	assert.Equal(t, semantic.TypeDimension, cols[2].SemanticType)
	assert.Equal(t, "int4", cols[3].DatabaseType)

	intent := builder.Intent{
		AxisField:       "sold_at",
		AxisGranularity: semantic.GranularityMonth,
		SeriesField:     "region",
		Metrics:         []builder.Metric{{Field: "amount", Aggregation: semantic.AggSum}},
		Filters: builder.Filters{Dynamic: map[string]map[semantic.FilterOperator]any{
			"qty": {semantic.OpIn: []any{float64(1), float64(2), float64(5)}},
		}},
	}
	q, err := builder.Compile(salesFixture, cols, intent)
	require.NoError(t, err)

	rs, err := e.Execute(t.Context(), conn, q.SQL, q.Params.Args(), 0)
	require.NoError(t, err)

	got := result.Normalize(rs.Rows, intent)
	assert.Equal(t, []any{"01/2024", "03/2024"}, got.X)
	require.Len(t, got.Series, 2)
	assert.Equal(t, "North", got.Series[0].Label)
	assert.Equal(t, []any{10.5, 20.0}, got.Series[0].Values)
	assert.Equal(t, "South", got.Series[1].Label)
	assert.Equal(t, []any{4.5, nil}, got.Series[1].Values)
}

func TestPoolConn_BucketsInSessionZone(t *testing.T) {
	t.Parallel()

	db := requireDB(t)
	cfg, err := pgxpool.ParseConfig(db.ConnStr())
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["timezone"] = "Europe/Berlin"
	pool, err := pgxpool.NewWithConfig(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	const base = `
SELECT *
FROM (VALUES
	('2024-03-01 00:30:00+01'::timestamptz, 1::numeric),
	('2024-03-05 14:20:00+01'::timestamptz, 2::numeric)
) AS s(sold_at, amount)`

	conn := executor.NewPoolConn(pool)
	e := newExecutor(t)
	cols, err := e.Introspect(t.Context(), conn, base)
	require.NoError(t, err)

	for _, tt := range []struct {
		g    semantic.Granularity
		want []any
	}{
		{semantic.GranularityMonth, []any{"03/2024"}},
		{semantic.GranularityDay, []any{"01/03/2024", "05/03/2024"}},
		{semantic.GranularityHour, []any{"01/03/2024 00:00", "05/03/2024 14:00"}},
	} {
		intent := builder.Intent{
			AxisField:       "sold_at",
			AxisGranularity: tt.g,
			Metrics:         []builder.Metric{{Field: "amount", Aggregation: semantic.AggSum}},
		}
		q, err := builder.Compile(base, cols, intent)
		require.NoError(t, err)
		rs, err := e.Execute(t.Context(), conn, q.SQL, q.Params.Args(), 0)
		require.NoError(t, err)
		assert.Equal(t, tt.want, result.Normalize(rs.Rows, intent).X, string(tt.g))
	}
}

func TestPoolConn_StatementTimeout(t *testing.T) {
	t.Parallel()

	conn := executor.NewPoolConn(newPool(t))
	_, err := newExecutor(t).Execute(t.Context(), conn, "SELECT pg_sleep(2)", nil, 100*time.Millisecond)
	kind, ok := dberror.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dberror.KindTimeout, kind)
}

func TestPoolConn_ReadOnly(t *testing.T) {
	t.Parallel()

	conn := executor.NewPoolConn(newPool(t))
	_, err := newExecutor(t).Execute(t.Context(), conn, "CREATE TABLE should_not_exist (id int)", nil, 0)
	kind, ok := dberror.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dberror.KindQuery, kind)
}

func TestDBConn_Stdlib(t *testing.T) {
	t.Parallel()

	db := requireDB(t)
	sqlDB, err := sql.Open("pgx", db.ConnStr())
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	e := newExecutor(t)
	conn := executor.NewDBConn(sqlDB)
	require.NoError(t, e.Ping(t.Context(), conn))

	rs, err := e.Execute(t.Context(), conn, "SELECT SUM(amount) AS metric_value_1 FROM ("+salesFixture+") s WHERE region = ANY($1)", []any{[]string{"North"}}, 0)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	v, _ := rs.Rows[0].Get("metric_value_1")
	assert.Equal(t, 30.5, v)
}
