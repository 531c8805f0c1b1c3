package semantic

import (
	"slices"
	"sort"
	"strconv"
	"strings"
)

// ColumnMetadata describes one column of a dataset. Instances are created by
// introspection and are never mutated afterwards.
type ColumnMetadata struct {
	Name                 string        `json:"name"`
	DatabaseType         string        `json:"database_type"`
	SemanticType         Type          `json:"semantic_type"`
	Nullable             bool          `json:"nullable"`
	AllowedAggregations  []Aggregation `json:"allowed_aggregations"`
	AllowedGranularities []Granularity `json:"allowed_granularities"`
}

// NewColumn derives the semantic type and legal operations for a column.
func NewColumn(name, databaseType string, nullable bool) ColumnMetadata {
	st := Infer(databaseType)
	return ColumnMetadata{
		Name:                 name,
		DatabaseType:         databaseType,
		SemanticType:         st,
		Nullable:             nullable,
		AllowedAggregations:  AllowedAggregations(st),
		AllowedGranularities: AllowedGranularities(st),
	}
}

func (c ColumnMetadata) AllowsAggregation(a Aggregation) bool {
	return slices.Contains(c.AllowedAggregations, a)
}

func (c ColumnMetadata) AllowsGranularity(g Granularity) bool {
	return slices.Contains(c.AllowedGranularities, g)
}

var datetimeTypes = []string{"timestamp", "timestamptz", "date", "time", "timetz", "interval"}

var measureTypes = []string{
	"integer", "int", "bigint", "smallint", "decimal", "numeric",
	"real", "double precision", "float", "money",
}

// Infer maps a database type name to a semantic type using case-insensitive
// substring matching. Unknown types are dimensions.
func Infer(databaseType string) Type {
	t := strings.ToLower(databaseType)
	for _, dt := range datetimeTypes {
		if strings.Contains(t, dt) {
			return TypeDatetime
		}
	}
	for _, mt := range measureTypes {
		if strings.Contains(t, mt) {
			return TypeMeasure
		}
	}
	return TypeDimension
}

// AllowedAggregations returns the aggregations legal for a semantic type.
func AllowedAggregations(t Type) []Aggregation {
	switch t {
	case TypeMeasure:
		return []Aggregation{AggSum, AggAvg, AggCount, AggCountDistinct, AggMin, AggMax, AggMedian}
	case TypeDatetime:
		return []Aggregation{AggCount, AggMin, AggMax}
	default:
		return []Aggregation{AggCount, AggCountDistinct}
	}
}

// AllowedGranularities returns the granularities legal for a semantic type.
// Only datetime columns can be bucketed.
func AllowedGranularities(t Type) []Granularity {
	if t != TypeDatetime {
		return []Granularity{}
	}
	return slices.Clone(granularities)
}

var displayOrder = map[Type]int{TypeDatetime: 0, TypeMeasure: 1, TypeDimension: 2}

// SortForDisplay returns a copy of columns ordered datetime first, then
// measures, then dimensions, each group by name.
func SortForDisplay(columns []ColumnMetadata) []ColumnMetadata {
	out := slices.Clone(columns)
	sort.SliceStable(out, func(i, j int) bool {
		oi, ok := displayOrder[out[i].SemanticType]
		if !ok {
			oi = len(displayOrder)
		}
		oj, ok := displayOrder[out[j].SemanticType]
		if !ok {
			oj = len(displayOrder)
		}
		if oi != oj {
			return oi < oj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CastValue converts a filter value decoded from a request into the Go type
// the column's database type expects. Values that cannot be converted are
// returned unchanged.
func CastValue(databaseType string, v any) any {
	t := strings.ToLower(databaseType)
	switch {
	case strings.Contains(t, "int") && Infer(t) == TypeMeasure:
		switch x := v.(type) {
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return n
			}
		case float64:
			if x == float64(int64(x)) {
				return int64(x)
			}
		}
	case containsAny(t, "float", "double", "decimal", "numeric", "real"):
		if x, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f
			}
		}
	case strings.Contains(t, "bool"):
		if x, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true", "t", "1", "yes", "on":
				return true
			case "false", "f", "0", "no", "off":
				return false
			}
		}
	}
	return v
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
