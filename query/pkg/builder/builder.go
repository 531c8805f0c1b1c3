// Package builder compiles an analytical intent over a dataset's base query
// into a single parameterized PostgreSQL statement.
//
// Column names are inserted as identifiers after being resolved against the
// dataset's closed column set; every filter value is bound as a parameter.
package builder

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/semantic"
	"github.com/malbeclabs/insights/query/pkg/sqlsafe"
)

const (
	// AliasAxis is the output column holding the axis value.
	AliasAxis = "metric_date"
	// AliasSeries is the output column holding the series key.
	AliasSeries = "series_key"
	// TotalLabel is the axis value of an ungrouped aggregate.
	TotalLabel = "Total"

	// DefaultPreviewLimit and MaxPreviewLimit bound PreviewQuery.
	DefaultPreviewLimit = 100
	MaxPreviewLimit     = 1000

	baseCTE = "__base_data"
)

// MetricAlias returns the output column of the metric at index i (0-based).
func MetricAlias(i int) string {
	return "metric_value_" + strconv.Itoa(i+1)
}

// Query is a compiled statement and its parameters.
type Query struct {
	SQL    string
	Params *Params
}

// Schema resolves field names against a dataset's column set.
type Schema struct {
	columns map[string]semantic.ColumnMetadata
}

func NewSchema(columns []semantic.ColumnMetadata) *Schema {
	s := &Schema{columns: make(map[string]semantic.ColumnMetadata, len(columns))}
	for _, c := range columns {
		s.columns[c.Name] = c
	}
	return s
}

// Resolve returns the identifier and metadata of a column.
func (s *Schema) Resolve(name string) (Identifier, semantic.ColumnMetadata, bool) {
	col, ok := s.columns[name]
	if !ok {
		return Identifier{}, semantic.ColumnMetadata{}, false
	}
	return Identifier{name: col.Name}, col, true
}

// Compile validates intent against columns and builds the statement. It is
// deterministic: the same inputs always produce the same SQL and parameters.
func Compile(baseQuery string, columns []semantic.ColumnMetadata, intent Intent) (*Query, error) {
	c := &compiler{schema: NewSchema(columns), intent: intent}
	if err := c.validate(baseQuery); err != nil {
		return nil, err
	}
	return c.build(strings.TrimSpace(baseQuery))
}

type compiler struct {
	schema *Schema
	intent Intent

	axis       *resolved
	series     *resolved
	metrics    []resolved
	orderBy    string
	orderDesc  bool
	rangeConds []filterCond
	inConds    []filterCond
}

type resolved struct {
	id  Identifier
	col semantic.ColumnMetadata
}

type filterCond struct {
	field resolved
	op    semantic.FilterOperator
	param string
	value any
}

func (c *compiler) resolve(field, role string) (resolved, error) {
	id, col, ok := c.schema.Resolve(field)
	if !ok {
		return resolved{}, dberror.Validationf(field, role, "%s field %q does not exist in the dataset", role, field)
	}
	return resolved{id: id, col: col}, nil
}

func (c *compiler) validate(baseQuery string) error {
	in := c.intent

	if in.AxisField != "" {
		r, err := c.resolve(in.AxisField, "axis")
		if err != nil {
			return err
		}
		c.axis = &r
	}

	if in.SeriesField != "" {
		r, err := c.resolve(in.SeriesField, "series")
		if err != nil {
			return err
		}
		c.series = &r
	}

	if len(in.Metrics) == 0 {
		return dberror.Validationf("", "metrics", "at least one metric is required")
	}
	for _, m := range in.Metrics {
		r, err := c.resolve(m.Field, "metric")
		if err != nil {
			return err
		}
		if !r.col.AllowsAggregation(m.Aggregation) {
			return dberror.Validationf(m.Field, string(m.Aggregation),
				"aggregation %q is not allowed for field %q (%s)", m.Aggregation, m.Field, r.col.SemanticType)
		}
		c.metrics = append(c.metrics, r)
	}

	if g := in.AxisGranularity; g != "" {
		if c.axis == nil {
			return dberror.Validationf("", string(g), "granularity %q requires an axis field", g)
		}
		if c.axis.col.SemanticType != semantic.TypeDatetime {
			return dberror.Validationf(in.AxisField, string(g),
				"granularity %q requires a datetime axis, %q is %s", g, in.AxisField, c.axis.col.SemanticType)
		}
		if !c.axis.col.AllowsGranularity(g) {
			return dberror.Validationf(in.AxisField, string(g), "granularity %q is not allowed for field %q", g, in.AxisField)
		}
	}

	if err := c.validateFilters(); err != nil {
		return err
	}
	if err := c.validateOrderBy(); err != nil {
		return err
	}
	if in.Limit != nil && *in.Limit < 0 {
		return dberror.Validationf("", "limit", "limit must not be negative, got %d", *in.Limit)
	}

	for _, fragment := range []string{in.Filters.Custom, in.Filters.BlockFilter} {
		if fragment == "" {
			continue
		}
		if err := sqlsafe.ValidateFragment(fragment); err != nil {
			return err
		}
	}
	return sqlsafe.Validate(baseQuery)
}

func (c *compiler) validateFilters() error {
	f := c.intent.Filters

	if c.axis != nil {
		if f.DateStart != nil {
			c.rangeConds = append(c.rangeConds, filterCond{field: *c.axis, op: semantic.OpGte, param: "date_start", value: f.DateStart})
		}
		if f.DateEnd != nil {
			c.rangeConds = append(c.rangeConds, filterCond{field: *c.axis, op: semantic.OpLte, param: "date_end", value: f.DateEnd})
		}
	}

	for _, field := range sortedKeys(f.Dynamic) {
		r, err := c.resolve(field, "filter")
		if err != nil {
			return err
		}
		conds := f.Dynamic[field]
		for op := range conds {
			if _, err := semantic.ParseFilterOperator(string(op)); err != nil {
				return dberror.Validationf(field, string(op), "unknown filter operator %q on field %q", op, field)
			}
		}
		for _, op := range semantic.RangeOperators {
			v, ok := conds[op]
			if !ok {
				continue
			}
			if _, isList := toList(v); isList {
				return dberror.Validationf(field, string(op), "operator %q on field %q requires a single value", op, field)
			}
			c.rangeConds = append(c.rangeConds, filterCond{field: r, op: op, param: "dyn_" + field + "_" + string(op), value: v})
		}
	}

	for _, field := range sortedKeys(f.Dimensions) {
		r, err := c.resolve(field, "filter")
		if err != nil {
			return err
		}
		if values := f.Dimensions[field]; len(values) > 0 {
			c.inConds = append(c.inConds, filterCond{field: r, op: semantic.OpIn, param: "dim_" + field, value: values})
		}
	}

	for _, field := range sortedKeys(f.Dynamic) {
		v, ok := f.Dynamic[field][semantic.OpIn]
		if !ok {
			continue
		}
		r, _ := c.resolve(field, "filter")
		list, isList := toList(v)
		if !isList {
			return dberror.Validationf(field, string(semantic.OpIn), "operator \"in\" on field %q requires a list", field)
		}
		if len(list) > 0 {
			c.inConds = append(c.inConds, filterCond{field: r, op: semantic.OpIn, param: "dyn_" + field + "_in", value: list})
		}
	}
	return nil
}

func (c *compiler) validateOrderBy() error {
	raw := strings.TrimSpace(c.intent.OrderBy)
	if raw == "" {
		c.orderBy = AliasAxis
		return nil
	}

	parts := strings.Fields(strings.ToLower(raw))
	if len(parts) > 2 {
		return dberror.Validationf("", "order_by", "invalid order_by %q", raw)
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "asc":
		case "desc":
			c.orderDesc = true
		default:
			return dberror.Validationf("", "order_by", "invalid order_by direction %q", parts[1])
		}
	}

	allowed := []string{AliasAxis}
	if c.series != nil {
		allowed = append(allowed, AliasSeries)
	}
	for i := range c.intent.Metrics {
		allowed = append(allowed, MetricAlias(i))
	}
	if !slices.Contains(allowed, parts[0]) {
		return dberror.Validationf(parts[0], "order_by", "order_by must reference one of %s", strings.Join(allowed, ", "))
	}
	c.orderBy = parts[0]
	return nil
}

func (c *compiler) build(baseQuery string) (*Query, error) {
	params := NewParams()

	var selects []string
	switch {
	case c.axis == nil:
		selects = append(selects, fmt.Sprintf("'%s' AS %s", TotalLabel, AliasAxis))
	case c.intent.AxisGranularity != "" && c.axis.col.SemanticType == semantic.TypeDatetime:
		selects = append(selects, fmt.Sprintf("DATE_TRUNC('%s', %s) AS %s", c.intent.AxisGranularity, c.axis.id.SQL(), AliasAxis))
	default:
		selects = append(selects, fmt.Sprintf("%s AS %s", c.axis.id.SQL(), AliasAxis))
	}

	for i, m := range c.intent.Metrics {
		selects = append(selects, aggregateSQL(m.Aggregation, c.metrics[i].id)+" AS "+MetricAlias(i))
	}

	if c.series != nil {
		selects = append(selects, fmt.Sprintf("%s AS %s", c.series.id.SQL(), AliasSeries))
	}

	var where []string
	for _, cond := range c.rangeConds {
		ph := params.Bind(cond.param, Value{v: semantic.CastValue(cond.field.col.DatabaseType, cond.value)})
		where = append(where, fmt.Sprintf("%s %s %s", cond.field.id.SQL(), cond.op.SQL(), ph))
	}
	for _, cond := range c.inConds {
		list, _ := toList(cond.value)
		ph := params.Bind(cond.param, Value{v: castList(cond.field.col.DatabaseType, list)})
		where = append(where, fmt.Sprintf("%s = ANY(%s)", cond.field.id.SQL(), ph))
	}
	for _, fragment := range []string{c.intent.Filters.Custom, c.intent.Filters.BlockFilter} {
		if fragment != "" {
			where = append(where, "("+fragment+")")
		}
	}

	var b strings.Builder
	b.WriteString("WITH " + baseCTE + " AS (\n")
	b.WriteString("  " + baseQuery + "\n")
	b.WriteString(")\n")
	b.WriteString("SELECT\n")
	b.WriteString("  " + strings.Join(selects, ",\n  ") + "\n")
	b.WriteString("FROM " + baseCTE)

	if len(where) > 0 {
		b.WriteString("\nWHERE\n")
		b.WriteString("  " + strings.Join(where, "\n  AND "))
	}

	var groupBy []string
	if c.axis != nil {
		groupBy = append(groupBy, AliasAxis)
	}
	if c.series != nil {
		groupBy = append(groupBy, AliasSeries)
	}
	if len(groupBy) > 0 {
		b.WriteString("\nGROUP BY " + strings.Join(groupBy, ", "))
	}

	if c.axis != nil {
		b.WriteString("\nORDER BY " + c.orderBy)
		if c.orderDesc {
			b.WriteString(" DESC")
		}
	}

	if c.intent.Limit != nil && *c.intent.Limit > 0 {
		b.WriteString("\nLIMIT " + strconv.Itoa(*c.intent.Limit))
	}

	return &Query{SQL: b.String(), Params: params}, nil
}

func aggregateSQL(agg semantic.Aggregation, field Identifier) string {
	switch agg {
	case semantic.AggCountDistinct:
		return "COUNT(DISTINCT " + field.SQL() + ")"
	case semantic.AggMedian:
		return "PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY " + field.SQL() + ")"
	case semantic.AggSum:
		return "SUM(" + field.SQL() + ")"
	case semantic.AggAvg:
		return "AVG(" + field.SQL() + ")"
	case semantic.AggMin:
		return "MIN(" + field.SQL() + ")"
	case semantic.AggMax:
		return "MAX(" + field.SQL() + ")"
	default:
		return "COUNT(" + field.SQL() + ")"
	}
}

// PreviewQuery returns a statement selecting the first rows of a base query.
// The limit is clamped to MaxPreviewLimit; a non-positive limit means
// DefaultPreviewLimit.
func PreviewQuery(baseQuery string, limit int) (string, error) {
	if err := sqlsafe.Validate(baseQuery); err != nil {
		return "", err
	}
	switch {
	case limit <= 0:
		limit = DefaultPreviewLimit
	case limit > MaxPreviewLimit:
		limit = MaxPreviewLimit
	}
	return fmt.Sprintf("SELECT *\nFROM (%s) AS __preview\nLIMIT %d", strings.TrimSpace(baseQuery), limit), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toList reports whether v is a slice and returns its elements.
func toList(v any) ([]any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case []any:
		return x, true
	case string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// castList casts every element for the column and returns a typed slice when
// all elements share a type, so the driver can encode a typed array.
func castList(databaseType string, list []any) any {
	cast := make([]any, len(list))
	for i, v := range list {
		cast[i] = semantic.CastValue(databaseType, v)
	}
	if len(cast) == 0 {
		return cast
	}
	switch cast[0].(type) {
	case int64:
		return typedSlice[int64](cast)
	case float64:
		return typedSlice[float64](cast)
	case string:
		return typedSlice[string](cast)
	case bool:
		return typedSlice[bool](cast)
	}
	return cast
}

func typedSlice[T any](values []any) any {
	out := make([]T, len(values))
	for i, v := range values {
		t, ok := v.(T)
		if !ok {
			return values
		}
		out[i] = t
	}
	return out
}
