package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/insights/query/pkg/builder"
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/executor"
	"github.com/malbeclabs/insights/query/pkg/result"
	"github.com/malbeclabs/insights/query/pkg/semantic"
	insightstesting "github.com/malbeclabs/insights/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConn answers statements containing a key with a canned result.
type scriptedConn struct {
	mu      sync.Mutex
	answers map[string]*executor.ResultSet
	errs    map[string]error
	queries []string
	args    [][]any
}

func (c *scriptedConn) Query(_ context.Context, sql string, args []any, _ time.Duration) (*executor.ResultSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, sql)
	c.args = append(c.args, args)
	for key, err := range c.errs {
		if strings.Contains(sql, key) {
			return nil, err
		}
	}
	for key, rs := range c.answers {
		if strings.Contains(sql, key) {
			return rs, nil
		}
	}
	return &executor.ResultSet{}, nil
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	log := insightstesting.NewLogger()
	exec, err := executor.New(executor.Config{Logger: log})
	require.NoError(t, err)
	e, err := New(Config{Logger: log, Executor: exec, RenderConcurrency: 2})
	require.NoError(t, err)
	return e
}

func salesDataset() Dataset {
	return Dataset{
		ID:        uuid.New(),
		Name:      "sales",
		BaseQuery: "SELECT sold_at, amount, region, unit_id FROM sales",
		Columns: []semantic.ColumnMetadata{
			semantic.NewColumn("sold_at", "timestamp", true),
			semantic.NewColumn("amount", "numeric", true),
			semantic.NewColumn("region", "varchar", true),
			semantic.NewColumn("unit_id", "int4", true),
		},
	}
}

func totalRows(v float64) *executor.ResultSet {
	cols := []string{"metric_date", "metric_value_1"}
	return &executor.ResultSet{Rows: []result.Row{result.NewRow(cols, []any{"Total", v})}}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: insightstesting.NewLogger()})
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	t.Parallel()

	conn := &scriptedConn{answers: map[string]*executor.ResultSet{
		"AS _sub LIMIT 1": {Columns: []executor.Column{{Name: "sold_at", DatabaseType: "timestamptz"}, {Name: "qty", DatabaseType: "int8"}}},
	}}
	cols, err := newEngine(t).Register(t.Context(), conn, "  SELECT sold_at, qty FROM sales \n")
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "SELECT * FROM (SELECT sold_at, qty FROM sales) AS _sub LIMIT 1", conn.queries[0])
	assert.Equal(t, semantic.TypeMeasure, cols[1].SemanticType)

	_, err = newEngine(t).Register(t.Context(), conn, "UPDATE sales SET qty = 0")
	var secErr *dberror.SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Len(t, conn.queries, 1, "rejected queries are never executed")
}

func TestRun(t *testing.T) {
	t.Parallel()

	conn := &scriptedConn{answers: map[string]*executor.ResultSet{"AVG(amount)": totalRows(12.5)}}
	got, err := newEngine(t).Run(t.Context(), conn, salesDataset(), builder.Intent{
		Metrics: []builder.Metric{{Field: "amount", Aggregation: semantic.AggAvg, Label: "Average"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"Total"}, got.X)
	assert.Equal(t, []result.Series{{AxisTag: "y1", Label: "Average", Values: []any{12.5}}}, got.Series)
}

func TestRun_RequiresColumns(t *testing.T) {
	t.Parallel()

	ds := salesDataset()
	ds.Columns = nil
	conn := &scriptedConn{}
	_, err := newEngine(t).Run(t.Context(), conn, ds, builder.Intent{
		Metrics: []builder.Metric{{Field: "amount", Aggregation: semantic.AggSum}},
	})
	var valErr *dberror.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, conn.queries)
}

func TestPreview(t *testing.T) {
	t.Parallel()

	conn := &scriptedConn{}
	_, err := newEngine(t).Preview(t.Context(), conn, salesDataset(), 5)
	require.NoError(t, err)
	assert.Equal(t, "SELECT *\nFROM (SELECT sold_at, amount, region, unit_id FROM sales) AS __preview\nLIMIT 5", conn.queries[0])
}

func TestRenderDashboard_IsolatesFailures(t *testing.T) {
	t.Parallel()

	ds := salesDataset()
	other := Dataset{
		ID:        uuid.New(),
		Name:      "visits",
		BaseQuery: "SELECT visited_at, visitor FROM visits",
		Columns: []semantic.ColumnMetadata{
			semantic.NewColumn("visited_at", "timestamp", true),
			semantic.NewColumn("visitor", "text", true),
		},
	}
	decimals := 2

	blocks := []Block{
		{
			ID: uuid.New(), Title: "Revenue", ChartType: ChartMetric, DatasetID: ds.ID,
			Intent:       builder.Intent{Metrics: []builder.Metric{{Field: "amount", Aggregation: semantic.AggSum}}},
			BlockFilter:  "amount > 0",
			ColSpan:      3, RowSpan: 1,
			MetricPrefix: "R$ ", MetricDecimals: &decimals,
		},
		{
			ID: uuid.New(), Title: "Slow", ChartType: ChartBar, DatasetID: ds.ID,
			Intent:  builder.Intent{Metrics: []builder.Metric{{Field: "amount", Aggregation: semantic.AggMax}}},
			ColSpan: 6, RowSpan: 2,
		},
		{
			ID: uuid.New(), Title: "Visitors", ChartType: ChartTable, DatasetID: other.ID,
			Intent:  builder.Intent{Metrics: []builder.Metric{{Field: "visitor", Aggregation: semantic.AggCountDistinct}}},
			ColSpan: 12, RowSpan: 1,
		},
		{
			ID: uuid.New(), Title: "Orphan", ChartType: ChartLine, DatasetID: uuid.New(),
			Intent:  builder.Intent{Metrics: []builder.Metric{{Field: "amount", Aggregation: semantic.AggSum}}},
			ColSpan: 6, RowSpan: 1,
		},
	}

	conn := &scriptedConn{
		answers: map[string]*executor.ResultSet{
			"SUM(amount)":             totalRows(99),
			"COUNT(DISTINCT visitor)": totalRows(7),
		},
		errs: map[string]error{"MAX(amount)": context.DeadlineExceeded},
	}

	out := newEngine(t).RenderDashboard(t.Context(), conn, RenderRequest{
		Blocks:         blocks,
		Datasets:       map[uuid.UUID]Dataset{ds.ID: ds, other.ID: other},
		InstanceFilter: "unit_id = 3",
		Applied: map[string]map[semantic.FilterOperator]any{
			"region": {semantic.OpIn: []any{"North"}},
		},
	})
	require.Len(t, out, 4)

	assert.True(t, out[0].Success)
	assert.Equal(t, "Revenue", out[0].Title)
	assert.Equal(t, ChartConfig{Type: ChartMetric, MetricPrefix: "R$ ", MetricDecimalPlaces: &decimals}, out[0].Chart)
	assert.Equal(t, Layout{ColSpan: 3, RowSpan: 1}, out[0].Layout)
	require.NotNil(t, out[0].Data)
	assert.Equal(t, []any{99.0}, out[0].Data.Series[0].Values)

	assert.False(t, out[1].Success)
	assert.Nil(t, out[1].Data)
	assert.Contains(t, out[1].Error, "timed out")
	kind, ok := dberror.KindOf(out[1].Err)
	require.True(t, ok)
	assert.Equal(t, dberror.KindTimeout, kind)

	assert.True(t, out[2].Success)

	assert.False(t, out[3].Success)
	var valErr *dberror.ValidationError
	require.ErrorAs(t, out[3].Err, &valErr)

	var revenueSQL, visitorsSQL string
	for _, q := range conn.queries {
		switch {
		case strings.Contains(q, "SUM(amount)"):
			revenueSQL = q
		case strings.Contains(q, "visitor"):
			visitorsSQL = q
		}
	}
	assert.Contains(t, revenueSQL, "region = ANY($1)")
	assert.Contains(t, revenueSQL, "AND (unit_id = 3)\n  AND (amount > 0)")
	assert.NotContains(t, visitorsSQL, "region", "filters on fields a dataset lacks are not applied to it")

	data, err := json.Marshal(out[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"metricPrefix":"R$ "`)
	assert.NotContains(t, string(data), `"Err"`)
}

func TestRenderDashboard_Empty(t *testing.T) {
	t.Parallel()

	out := newEngine(t).RenderDashboard(t.Context(), &scriptedConn{}, RenderRequest{})
	assert.Empty(t, out)
}

func TestJoinFragments(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", joinFragments(" ", ""))
	assert.Equal(t, "a = 1", joinFragments("", "a = 1"))
	assert.Equal(t, "(a = 1) AND (b = 2)", joinFragments("a = 1", "b = 2"))
}

func TestBlockValidate(t *testing.T) {
	t.Parallel()

	valid := func() Block {
		b := Block{
			Title: "Revenue", ChartType: ChartBar, DatasetID: uuid.New(),
			Intent: builder.Intent{Metrics: []builder.Metric{{Field: "amount", Aggregation: semantic.AggSum}}},
		}
		b.ApplyDefaults()
		return b
	}
	b := valid()
	require.NoError(t, b.Validate())
	assert.Equal(t, DefaultColSpan, b.ColSpan)
	assert.Equal(t, DefaultRowSpan, b.RowSpan)

	tooMany := 11
	tests := []struct {
		name   string
		mutate func(*Block)
		field  string
	}{
		{"no title", func(b *Block) { b.Title = " " }, "title"},
		{"no dataset", func(b *Block) { b.DatasetID = uuid.Nil }, "dataset_id"},
		{"bad chart", func(b *Block) { b.ChartType = "radar" }, "chart_type"},
		{"col span too wide", func(b *Block) { b.ColSpan = 13 }, "col_span"},
		{"row span zero", func(b *Block) { b.RowSpan = -1 }, "row_span"},
		{"decimals", func(b *Block) { b.MetricDecimals = &tooMany }, "metric_decimals"},
		{"metric with axis", func(b *Block) { b.ChartType = ChartMetric; b.Intent.AxisField = "sold_at" }, "sold_at"},
		{"metric without field", func(b *Block) { b.Intent.Metrics = append(b.Intent.Metrics, builder.Metric{}) }, "metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := valid()
			tt.mutate(&b)
			err := b.Validate()
			var valErr *dberror.ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tt.field, valErr.Field)
		})
	}
}

func TestBlockJSON(t *testing.T) {
	t.Parallel()

	var b Block
	err := json.Unmarshal([]byte(`{"title": "x", "chart_type": "PIE", "intent": {"metrics": []}}`), &b)
	require.NoError(t, err)
	assert.Equal(t, ChartPie, b.ChartType)

	err = json.Unmarshal([]byte(`{"chart_type": "radar"}`), &b)
	var valErr *dberror.ValidationError
	require.True(t, errors.As(err, &valErr))
}
