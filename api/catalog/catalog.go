// Package catalog persists datasets and dashboard blocks in PostgreSQL.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/insights/query/pkg/engine"
	"github.com/malbeclabs/insights/query/pkg/semantic"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Dataset is a stored dataset with its bookkeeping timestamps.
type Dataset struct {
	engine.Dataset
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Block is a stored dashboard block.
type Block struct {
	engine.Block
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewStore(pool *pgxpool.Pool, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{pool: pool, clock: clock}
}

const datasetColumns = `id, name, base_query, columns, created_at, updated_at`

func scanDataset(row pgx.Row) (Dataset, error) {
	var d Dataset
	err := row.Scan(&d.ID, &d.Name, &d.BaseQuery, &d.Columns, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Dataset{}, ErrNotFound
	}
	return d, err
}

// CreateDataset inserts a dataset with its full column set.
func (s *Store) CreateDataset(ctx context.Context, ds engine.Dataset) (Dataset, error) {
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	if ds.Columns == nil {
		ds.Columns = []semantic.ColumnMetadata{}
	}
	now := s.clock.Now().UTC()
	d, err := scanDataset(s.pool.QueryRow(ctx, `
		INSERT INTO datasets (id, name, base_query, columns, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+datasetColumns,
		ds.ID, ds.Name, ds.BaseQuery, ds.Columns, now))
	if err != nil {
		return Dataset{}, wrapWriteErr("dataset", err)
	}
	return d, nil
}

// UpdateDataset replaces the base query and the whole column set in one
// statement.
func (s *Store) UpdateDataset(ctx context.Context, ds engine.Dataset) (Dataset, error) {
	d, err := scanDataset(s.pool.QueryRow(ctx, `
		UPDATE datasets
		SET name = $2, base_query = $3, columns = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+datasetColumns,
		ds.ID, ds.Name, ds.BaseQuery, ds.Columns, s.clock.Now().UTC()))
	if err != nil {
		return Dataset{}, wrapWriteErr("dataset", err)
	}
	return d, nil
}

func (s *Store) GetDataset(ctx context.Context, id uuid.UUID) (Dataset, error) {
	return scanDataset(s.pool.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id))
}

// ListDatasets returns a page of datasets ordered by name and the total count.
func (s *Store) ListDatasets(ctx context.Context, limit, offset int) ([]Dataset, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM datasets`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count datasets: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+datasetColumns+` FROM datasets ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	out := []Dataset{}
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan dataset: %w", err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// GetDatasets returns the datasets with the given ids keyed by id. Missing
// ids are absent from the map.
func (s *Store) GetDatasets(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]engine.Dataset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get datasets: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]engine.Dataset, len(ids))
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		out[d.ID] = d.Dataset
	}
	return out, rows.Err()
}

const blockColumns = `id, dataset_id, title, chart_type, intent, block_filter, col_span, row_span,
	metric_prefix, metric_suffix, metric_decimals, created_at, updated_at`

func scanBlock(row pgx.Row) (Block, error) {
	var b Block
	var chartType string
	err := row.Scan(&b.ID, &b.DatasetID, &b.Title, &chartType, &b.Intent, &b.BlockFilter, &b.ColSpan, &b.RowSpan,
		&b.MetricPrefix, &b.MetricSuffix, &b.MetricDecimals, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Block{}, ErrNotFound
	}
	b.ChartType = engine.ChartType(chartType)
	return b, err
}

// CreateBlock inserts a block. The caller validates it first.
func (s *Store) CreateBlock(ctx context.Context, blk engine.Block) (Block, error) {
	if blk.ID == uuid.Nil {
		blk.ID = uuid.New()
	}
	now := s.clock.Now().UTC()
	b, err := scanBlock(s.pool.QueryRow(ctx, `
		INSERT INTO blocks (id, dataset_id, title, chart_type, intent, block_filter, col_span, row_span,
			metric_prefix, metric_suffix, metric_decimals, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING `+blockColumns,
		blk.ID, blk.DatasetID, blk.Title, string(blk.ChartType), blk.Intent, blk.BlockFilter, blk.ColSpan, blk.RowSpan,
		blk.MetricPrefix, blk.MetricSuffix, blk.MetricDecimals, now))
	if err != nil {
		return Block{}, wrapWriteErr("block", err)
	}
	return b, nil
}

func (s *Store) GetBlock(ctx context.Context, id uuid.UUID) (Block, error) {
	return scanBlock(s.pool.QueryRow(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = $1`, id))
}

// GetBlocks returns the blocks in the order of ids. Unknown ids are an
// ErrNotFound.
func (s *Store) GetBlocks(ctx context.Context, ids []uuid.UUID) ([]engine.Block, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get blocks: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]engine.Block, len(ids))
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		byID[b.ID] = b.Block
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]engine.Block, 0, len(ids))
	for _, id := range ids {
		b, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("block %s: %w", id, ErrNotFound)
		}
		out = append(out, b)
	}
	return out, nil
}

// ListBlocks returns the blocks of a dataset, or all blocks when datasetID
// is uuid.Nil.
func (s *Store) ListBlocks(ctx context.Context, datasetID uuid.UUID) ([]Block, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE $1::uuid IS NULL OR dataset_id = $1
		ORDER BY created_at, id`, nullUUID(datasetID))
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer rows.Close()

	out := []Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func wrapWriteErr(entity string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s %s: %w", entity, pgErr.ConstraintName, ErrConflict)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s references a missing dataset: %w", entity, ErrNotFound)
		}
	}
	return fmt.Errorf("failed to write %s: %w", entity, err)
}
