package catalog_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/insights/api/catalog"
	apitesting "github.com/malbeclabs/insights/api/testing"
	"github.com/malbeclabs/insights/query/pkg/builder"
	"github.com/malbeclabs/insights/query/pkg/engine"
	"github.com/malbeclabs/insights/query/pkg/semantic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*catalog.Store, *clockwork.FakeClock) {
	t.Helper()
	pool := apitesting.SetupTestDB(t, testDB)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return catalog.NewStore(pool, clock), clock
}

func salesDataset(name string) engine.Dataset {
	return engine.Dataset{
		Name:      name,
		BaseQuery: "SELECT sold_at, amount, region FROM sales",
		Columns: []semantic.ColumnMetadata{
			semantic.NewColumn("sold_at", "timestamp", true),
			semantic.NewColumn("amount", "numeric", true),
			semantic.NewColumn("region", "varchar", true),
		},
	}
}

func TestDatasetLifecycle(t *testing.T) {
	store, clock := newStore(t)
	ctx := t.Context()

	created, err := store.CreateDataset(ctx, salesDataset("sales-lifecycle"))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, clock.Now(), created.CreatedAt.UTC())
	assert.Equal(t, salesDataset("").Columns, created.Columns)

	_, err = store.CreateDataset(ctx, salesDataset("sales-lifecycle"))
	require.ErrorIs(t, err, catalog.ErrConflict)

	clock.Advance(time.Hour)
	updated := created.Dataset
	updated.BaseQuery = "SELECT sold_at, qty FROM sales"
	updated.Columns = []semantic.ColumnMetadata{
		semantic.NewColumn("sold_at", "timestamp", true),
		semantic.NewColumn("qty", "int4", true),
	}
	got, err := store.UpdateDataset(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, updated.Columns, got.Columns, "the column set is replaced as a whole")
	assert.Equal(t, clock.Now(), got.UpdatedAt.UTC())

	fetched, err := store.GetDataset(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "SELECT sold_at, qty FROM sales", fetched.BaseQuery)

	_, err = store.GetDataset(ctx, uuid.New())
	require.ErrorIs(t, err, catalog.ErrNotFound)

	missing := updated
	missing.ID = uuid.New()
	_, err = store.UpdateDataset(ctx, missing)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	byID, err := store.GetDatasets(ctx, []uuid.UUID{created.ID, uuid.New()})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, created.ID, byID[created.ID].ID)

	list, total, err := store.ListDatasets(ctx, 100, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)
	assert.NotEmpty(t, list)
}

func TestBlocks(t *testing.T) {
	store, _ := newStore(t)
	ctx := t.Context()

	ds, err := store.CreateDataset(ctx, salesDataset("sales-blocks"))
	require.NoError(t, err)

	limit := 12
	decimals := 1
	blk := engine.Block{
		Title:     "Monthly revenue",
		ChartType: engine.ChartLine,
		DatasetID: ds.ID,
		Intent: builder.Intent{
			AxisField:       "sold_at",
			AxisGranularity: semantic.GranularityMonth,
			SeriesField:     "region",
			Metrics:         []builder.Metric{{Field: "amount", Aggregation: semantic.AggSum, Label: "Revenue", AxisTag: "y1"}},
			Filters: builder.Filters{
				Dynamic: map[string]map[semantic.FilterOperator]any{"region": {semantic.OpIn: []any{"North"}}},
			},
			Limit: &limit,
		},
		BlockFilter:    "amount > 0",
		ColSpan:        12,
		RowSpan:        2,
		MetricDecimals: &decimals,
	}
	created, err := store.CreateBlock(ctx, blk)
	require.NoError(t, err)

	got, err := store.GetBlock(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, blk.Title, got.Title)
	assert.Equal(t, engine.ChartLine, got.ChartType)
	assert.Equal(t, blk.Intent, got.Intent)
	require.NotNil(t, got.MetricDecimals)
	assert.Equal(t, 1, *got.MetricDecimals)

	second := blk
	second.Title = "Total"
	second.ChartType = engine.ChartMetric
	second.Intent = builder.Intent{Metrics: blk.Intent.Metrics}
	second.MetricDecimals = nil
	created2, err := store.CreateBlock(ctx, second)
	require.NoError(t, err)
	assert.Nil(t, created2.MetricDecimals)

	ordered, err := store.GetBlocks(ctx, []uuid.UUID{created2.ID, created.ID})
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, "Total", ordered[0].Title)
	assert.Equal(t, "Monthly revenue", ordered[1].Title)

	_, err = store.GetBlocks(ctx, []uuid.UUID{uuid.New()})
	require.ErrorIs(t, err, catalog.ErrNotFound)

	list, err := store.ListBlocks(ctx, ds.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	orphan := blk
	orphan.DatasetID = uuid.New()
	_, err = store.CreateBlock(ctx, orphan)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}
