// Package executor runs compiled statements and introspection queries against
// a Conn and classifies failures into connection, query and timeout errors.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/semantic"
	"github.com/malbeclabs/insights/query/pkg/sqlsafe"
)

const (
	DefaultQueryTimeout      = 30 * time.Second
	DefaultIntrospectTimeout = 5 * time.Second
	PingTimeout              = 5 * time.Second
)

// Observer receives the outcome of every statement the executor runs.
type Observer interface {
	ObserveQuery(operation string, duration time.Duration, err error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Observer Observer

	QueryTimeout      time.Duration
	IntrospectTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.IntrospectTimeout == 0 {
		cfg.IntrospectTimeout = DefaultIntrospectTimeout
	}
	if cfg.QueryTimeout < 0 || cfg.IntrospectTimeout < 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate executor config: %w", err)
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// QueryTimeout returns the default statement timeout for analytical queries.
func (e *Executor) QueryTimeout() time.Duration { return e.cfg.QueryTimeout }

// Execute runs sql with args. A zero timeout uses the configured default.
// Errors are returned as *dberror.ExecutionError.
func (e *Executor) Execute(ctx context.Context, conn Conn, sql string, args []any, timeout time.Duration) (*ResultSet, error) {
	if timeout <= 0 {
		timeout = e.cfg.QueryTimeout
	}
	return e.run(ctx, "query", conn, sql, args, timeout)
}

// Introspect inspects baseQuery for its result columns without reading data
// and derives their metadata. It does not retry.
func (e *Executor) Introspect(ctx context.Context, conn Conn, baseQuery string) ([]semantic.ColumnMetadata, error) {
	if err := sqlsafe.Validate(baseQuery); err != nil {
		return nil, err
	}

	sample := fmt.Sprintf("SELECT * FROM (%s) AS _sub LIMIT 1", baseQuery)
	rs, err := e.run(ctx, "introspect", conn, sample, nil, e.cfg.IntrospectTimeout)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rs.Columns))
	columns := make([]semantic.ColumnMetadata, 0, len(rs.Columns))
	for _, c := range rs.Columns {
		if seen[c.Name] {
			return nil, &dberror.ExecutionError{
				Kind: dberror.KindQuery,
				Err:  fmt.Errorf("base query returns column %q more than once; alias duplicate columns", c.Name),
			}
		}
		seen[c.Name] = true
		// Nullability is not exposed by a result set.
		columns = append(columns, semantic.NewColumn(c.Name, c.DatabaseType, true))
	}
	return columns, nil
}

// Ping checks that conn can run a trivial statement.
func (e *Executor) Ping(ctx context.Context, conn Conn) error {
	_, err := e.run(ctx, "ping", conn, "SELECT 1", nil, PingTimeout)
	return err
}

func (e *Executor) run(ctx context.Context, operation string, conn Conn, sql string, args []any, timeout time.Duration) (*ResultSet, error) {
	start := e.cfg.Clock.Now()
	rs, err := conn.Query(ctx, sql, args, timeout)
	duration := e.cfg.Clock.Since(start)

	if err != nil {
		err = dberror.Wrap(err)
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveQuery(operation, duration, err)
	}
	if err != nil {
		e.log.Warn("executor: statement failed", "operation", operation, "duration", duration, "error", err)
		return nil, err
	}

	e.log.Debug("executor: statement completed", "operation", operation, "duration", duration, "rows", len(rs.Rows))
	return rs, nil
}
