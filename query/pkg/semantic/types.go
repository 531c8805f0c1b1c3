// Package semantic classifies dataset columns into semantic types and defines
// the closed sets of aggregations, granularities and filter operators that
// analytical intents may use.
package semantic

import (
	"strings"

	"github.com/malbeclabs/insights/query/pkg/dberror"
)

// Type is the semantic classification of a column.
type Type string

const (
	TypeDatetime  Type = "datetime"
	TypeMeasure   Type = "measure"
	TypeDimension Type = "dimension"
)

// Aggregation is an aggregate function an intent may apply to a column.
type Aggregation string

const (
	AggSum           Aggregation = "sum"
	AggAvg           Aggregation = "avg"
	AggCount         Aggregation = "count"
	AggCountDistinct Aggregation = "count_distinct"
	AggMin           Aggregation = "min"
	AggMax           Aggregation = "max"
	AggMedian        Aggregation = "median"
)

var aggregations = []Aggregation{AggSum, AggAvg, AggCount, AggCountDistinct, AggMin, AggMax, AggMedian}

// ParseAggregation decodes a configuration string into an Aggregation.
func ParseAggregation(s string) (Aggregation, error) {
	a := Aggregation(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range aggregations {
		if a == known {
			return a, nil
		}
	}
	return "", dberror.Validationf("", s, "unknown aggregation %q", s)
}

func (a *Aggregation) UnmarshalText(text []byte) error {
	parsed, err := ParseAggregation(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Granularity is the width of a temporal bucket.
type Granularity string

const (
	GranularityHour    Granularity = "hour"
	GranularityDay     Granularity = "day"
	GranularityWeek    Granularity = "week"
	GranularityMonth   Granularity = "month"
	GranularityQuarter Granularity = "quarter"
	GranularityYear    Granularity = "year"
)

var granularities = []Granularity{
	GranularityHour, GranularityDay, GranularityWeek,
	GranularityMonth, GranularityQuarter, GranularityYear,
}

// ParseGranularity decodes a configuration string into a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range granularities {
		if g == known {
			return g, nil
		}
	}
	return "", dberror.Validationf("", s, "unknown granularity %q", s)
}

func (g *Granularity) UnmarshalText(text []byte) error {
	parsed, err := ParseGranularity(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// FilterOperator is a comparison applied by a structured filter.
type FilterOperator string

const (
	OpGte FilterOperator = "gte"
	OpLte FilterOperator = "lte"
	OpGt  FilterOperator = "gt"
	OpLt  FilterOperator = "lt"
	OpEq  FilterOperator = "eq"
	OpIn  FilterOperator = "in"
)

// RangeOperators lists the scalar comparison operators in the order the
// query builder applies them.
var RangeOperators = []FilterOperator{OpGte, OpLte, OpGt, OpLt, OpEq}

// ParseFilterOperator decodes a configuration string into a FilterOperator.
func ParseFilterOperator(s string) (FilterOperator, error) {
	op := FilterOperator(strings.ToLower(strings.TrimSpace(s)))
	if op == OpIn {
		return op, nil
	}
	for _, known := range RangeOperators {
		if op == known {
			return op, nil
		}
	}
	return "", dberror.Validationf("", s, "unknown filter operator %q", s)
}

func (op *FilterOperator) UnmarshalText(text []byte) error {
	parsed, err := ParseFilterOperator(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// SQL returns the comparison symbol for a range operator.
func (op FilterOperator) SQL() string {
	switch op {
	case OpGte:
		return ">="
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	default:
		return "="
	}
}
