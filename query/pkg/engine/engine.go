// Package engine runs the compile, execute and normalize cycle for datasets
// and dashboard blocks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/malbeclabs/insights/query/pkg/builder"
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/executor"
	"github.com/malbeclabs/insights/query/pkg/result"
	"github.com/malbeclabs/insights/query/pkg/semantic"
	"github.com/malbeclabs/insights/query/pkg/sqlsafe"
	"golang.org/x/sync/errgroup"
)

const DefaultRenderConcurrency = 4

// Dataset is a snapshot of a registered base query and its column metadata.
type Dataset struct {
	ID        uuid.UUID                 `json:"id"`
	Name      string                    `json:"name"`
	BaseQuery string                    `json:"base_query"`
	Columns   []semantic.ColumnMetadata `json:"columns"`
}

// Filterable reports whether field is a column of the dataset.
func (d Dataset) Filterable(field string) bool {
	for _, c := range d.Columns {
		if c.Name == field {
			return true
		}
	}
	return false
}

type Config struct {
	Logger   *slog.Logger
	Executor *executor.Executor

	// RenderConcurrency bounds how many blocks of one dashboard run at once.
	RenderConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.RenderConcurrency <= 0 {
		cfg.RenderConcurrency = DefaultRenderConcurrency
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate engine config: %w", err)
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// Register validates baseQuery and introspects its columns. The caller
// persists the returned metadata together with the query.
func (e *Engine) Register(ctx context.Context, conn executor.Conn, baseQuery string) ([]semantic.ColumnMetadata, error) {
	baseQuery = strings.TrimSpace(baseQuery)
	if err := sqlsafe.Validate(baseQuery); err != nil {
		return nil, err
	}
	columns, err := e.cfg.Executor.Introspect(ctx, conn, baseQuery)
	if err != nil {
		return nil, err
	}
	e.log.Info("engine: introspected base query", "columns", len(columns))
	return columns, nil
}

// Run compiles intent against ds, executes it and normalizes the rows.
func (e *Engine) Run(ctx context.Context, conn executor.Conn, ds Dataset, intent builder.Intent) (result.Normalized, error) {
	if len(ds.Columns) == 0 {
		return result.Normalized{}, dberror.Validationf("", "columns",
			"dataset %q has no column metadata; register it before querying", ds.Name)
	}

	q, err := builder.Compile(ds.BaseQuery, ds.Columns, intent)
	if err != nil {
		return result.Normalized{}, err
	}
	e.log.Debug("engine: compiled intent", "dataset", ds.Name, "sql", q.SQL, "params", q.Params.Names())

	rs, err := e.cfg.Executor.Execute(ctx, conn, q.SQL, q.Params.Args(), 0)
	if err != nil {
		return result.Normalized{}, err
	}
	return result.Normalize(rs.Rows, intent), nil
}

// Preview returns the first rows of the dataset's base query.
func (e *Engine) Preview(ctx context.Context, conn executor.Conn, ds Dataset, limit int) (*executor.ResultSet, error) {
	sql, err := builder.PreviewQuery(ds.BaseQuery, limit)
	if err != nil {
		return nil, err
	}
	return e.cfg.Executor.Execute(ctx, conn, sql, nil, 0)
}

// RenderedBlock is the outcome of one block of a dashboard. A failed block
// carries its error and no data.
type RenderedBlock struct {
	ID      uuid.UUID          `json:"id"`
	Title   string             `json:"title"`
	Chart   ChartConfig        `json:"chart"`
	Layout  Layout             `json:"layout"`
	Data    *result.Normalized `json:"data"`
	Error   string             `json:"error,omitempty"`
	Success bool               `json:"success"`

	Err error `json:"-"`
}

// RenderRequest is the dashboard-wide input of RenderDashboard.
type RenderRequest struct {
	Blocks   []Block
	Datasets map[uuid.UUID]Dataset

	// InstanceFilter is an opaque WHERE fragment scoping every block, for
	// example to one business unit.
	InstanceFilter string
	// Applied are dashboard filters; each block receives the ones on fields
	// its dataset has.
	Applied map[string]map[semantic.FilterOperator]any
}

// RenderDashboard runs every block concurrently. A failing block does not
// affect the others. Results are in block order.
func (e *Engine) RenderDashboard(ctx context.Context, conn executor.Conn, req RenderRequest) []RenderedBlock {
	out := make([]RenderedBlock, len(req.Blocks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.RenderConcurrency)
	for i := range req.Blocks {
		g.Go(func() error {
			out[i] = e.renderBlock(gctx, conn, &req.Blocks[i], req)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (e *Engine) renderBlock(ctx context.Context, conn executor.Conn, b *Block, req RenderRequest) RenderedBlock {
	rb := RenderedBlock{
		ID:     b.ID,
		Title:  b.Title,
		Chart:  b.chart(),
		Layout: Layout{ColSpan: b.ColSpan, RowSpan: b.RowSpan},
	}

	data, err := e.runBlock(ctx, conn, b, req)
	if err != nil {
		e.log.Warn("engine: block failed", "block", b.String(), "error", err)
		rb.Err = err
		rb.Error = dberror.UserMessage(err)
		return rb
	}
	rb.Data = &data
	rb.Success = true
	return rb
}

func (e *Engine) runBlock(ctx context.Context, conn executor.Conn, b *Block, req RenderRequest) (result.Normalized, error) {
	ds, ok := req.Datasets[b.DatasetID]
	if !ok {
		return result.Normalized{}, dberror.Validationf("dataset_id", "block", "dataset %s of block %q not found", b.DatasetID, b.Title)
	}

	intent := b.Intent
	applied := make(map[string]map[semantic.FilterOperator]any, len(req.Applied))
	for field, conds := range req.Applied {
		if ds.Filterable(field) {
			applied[field] = conds
		}
	}
	intent.Filters = intent.Filters.Merge(applied)
	intent.Filters.Custom = joinFragments(intent.Filters.Custom, req.InstanceFilter)
	intent.Filters.BlockFilter = joinFragments(intent.Filters.BlockFilter, b.BlockFilter)

	return e.Run(ctx, conn, ds, intent)
}

func joinFragments(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return "(" + a + ") AND (" + b + ")"
	}
}
