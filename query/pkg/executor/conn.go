package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/insights/query/pkg/result"
)

// Column is the name and backing-store type of one result column.
type Column struct {
	Name         string `json:"name"`
	DatabaseType string `json:"database_type"`
}

// ResultSet holds every row of a statement in column order.
type ResultSet struct {
	Columns []Column     `json:"columns"`
	Rows    []result.Row `json:"rows"`
}

func (rs *ResultSet) columnNames() []string {
	names := make([]string, len(rs.Columns))
	for i, c := range rs.Columns {
		names[i] = c.Name
	}
	return names
}

// Conn runs one read-only statement with a statement-level timeout. Each call
// acquires a connection and releases it before returning.
type Conn interface {
	Query(ctx context.Context, sql string, args []any, timeout time.Duration) (*ResultSet, error)
}

func setTimeoutSQL(timeout time.Duration) string {
	return "SET LOCAL statement_timeout = " + strconv.FormatInt(timeout.Milliseconds(), 10)
}

// PoolConn runs statements on a pgx pool.
type PoolConn struct {
	Pool *pgxpool.Pool
}

func NewPoolConn(pool *pgxpool.Pool) *PoolConn {
	return &PoolConn{Pool: pool}
}

func (p *PoolConn) Query(ctx context.Context, query string, args []any, timeout time.Duration) (*ResultSet, error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, setTimeoutSQL(timeout)); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	typeMap := conn.Conn().TypeMap()
	loc := sessionLocation(conn.Conn().PgConn().ParameterStatus("TimeZone"))
	rs := &ResultSet{}
	fields := rows.FieldDescriptions()
	for _, fd := range fields {
		typeName := strconv.FormatUint(uint64(fd.DataTypeOID), 10)
		if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			typeName = t.Name
		}
		rs.Columns = append(rs.Columns, Column{Name: fd.Name, DatabaseType: typeName})
	}
	names := rs.columnNames()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			v = convertValue(v)
			if fields[i].DataTypeOID == pgtype.TimestamptzOID {
				v = inLocation(v, loc)
			}
			values[i] = v
		}
		rs.Rows = append(rs.Rows, result.NewRow(names, values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, tx.Commit(ctx)
}

// DBConn runs statements through database/sql, for drivers registered with
// the standard library such as pgx/v5/stdlib.
type DBConn struct {
	DB *sql.DB
}

func NewDBConn(db *sql.DB) *DBConn {
	return &DBConn{DB: db}
}

func (d *DBConn) Query(ctx context.Context, query string, args []any, timeout time.Duration) (*ResultSet, error) {
	conn, err := d.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, setTimeoutSQL(timeout)); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{}
	for _, ct := range colTypes {
		rs.Columns = append(rs.Columns, Column{Name: ct.Name(), DatabaseType: strings.ToLower(ct.DatabaseTypeName())})
	}
	names := rs.columnNames()

	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			values[i] = convertTextValue(rs.Columns[i].DatabaseType, convertValue(v))
		}
		rs.Rows = append(rs.Rows, result.NewRow(names, values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := d.toSessionZone(ctx, tx, rs); err != nil {
		return nil, err
	}
	return rs, tx.Commit()
}

// toSessionZone moves timestamptz values into the session time zone, so that
// truncated buckets keep the wall clock the database computed them in.
func (d *DBConn) toSessionZone(ctx context.Context, tx *sql.Tx, rs *ResultSet) error {
	var tz []int
	for i, c := range rs.Columns {
		if c.DatabaseType == "timestamptz" {
			tz = append(tz, i)
		}
	}
	if len(tz) == 0 || len(rs.Rows) == 0 {
		return nil
	}

	var name string
	if err := tx.QueryRowContext(ctx, "SELECT current_setting('TimeZone')").Scan(&name); err != nil {
		return err
	}
	loc := sessionLocation(name)
	if loc == nil {
		return nil
	}
	for r, row := range rs.Rows {
		values := row.Values()
		for _, i := range tz {
			values[i] = inLocation(values[i], loc)
		}
		rs.Rows[r] = result.NewRow(row.Columns(), values)
	}
	return nil
}

// sessionLocation resolves a PostgreSQL TimeZone setting. Settings Go cannot
// load, such as POSIX offsets, yield nil and values are left untouched.
func sessionLocation(name string) *time.Location {
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil
	}
	return loc
}

func inLocation(v any, loc *time.Location) any {
	if t, ok := v.(time.Time); ok && loc != nil {
		return t.In(loc)
	}
	return v
}

// convertValue maps driver-specific values onto plain Go values that encode
// cleanly as JSON.
func convertValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case pgtype.Interval:
		if !x.Valid {
			return nil
		}
		return fmt.Sprintf("%d months %d days %s", x.Months, x.Days, time.Duration(x.Microseconds)*time.Microsecond)
	}
	return v
}

// convertTextValue parses numeric columns that a text-protocol driver
// returned as strings.
func convertTextValue(databaseType string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch {
	case strings.Contains(databaseType, "numeric"), strings.Contains(databaseType, "decimal"):
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return v
}
