// Package result turns the flat rows of a compiled query into axis-aligned
// chart series.
package result

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/malbeclabs/insights/query/pkg/builder"
	"github.com/malbeclabs/insights/query/pkg/semantic"
)

// Normalized is the chart-ready form of a result. Every series has exactly
// len(X) values.
type Normalized struct {
	X      []any    `json:"x"`
	Series []Series `json:"series"`
}

type Series struct {
	AxisTag     string `json:"axis"`
	Label       string `json:"label"`
	Values      []any  `json:"values"`
	SeriesValue string `json:"series_value,omitempty"`
}

// Normalize pivots rows produced by builder.Compile for intent. Missing
// (series, axis) combinations are filled with nil.
func Normalize(rows []Row, intent builder.Intent) Normalized {
	if len(rows) == 0 {
		return Normalized{X: []any{}, Series: []Series{}}
	}

	axisValues := distinct(rows, builder.AliasAxis)
	x := make([]any, len(axisValues))
	for i, v := range axisValues {
		if intent.AxisGranularity != "" {
			x[i] = FormatBucket(v, intent.AxisGranularity)
		} else {
			x[i] = v
		}
	}

	_, hasSeries := rows[0].Get(builder.AliasSeries)
	var seriesValues []any
	if hasSeries {
		seriesValues = distinct(rows, builder.AliasSeries)
	} else {
		seriesValues = []any{nil}
	}

	// series key -> axis key -> row
	index := make(map[string]map[string]Row, len(seriesValues))
	for _, row := range rows {
		sk := ""
		if hasSeries {
			v, _ := row.Get(builder.AliasSeries)
			sk = valueKey(v)
		}
		if index[sk] == nil {
			index[sk] = make(map[string]Row)
		}
		av, _ := row.Get(builder.AliasAxis)
		index[sk][valueKey(av)] = row
	}

	out := Normalized{X: x, Series: make([]Series, 0, len(intent.Metrics)*len(seriesValues))}
	for i, m := range intent.Metrics {
		alias := builder.MetricAlias(i)
		for _, sv := range seriesValues {
			sk := ""
			if hasSeries {
				sk = valueKey(sv)
			}
			byAxis := index[sk]

			values := make([]any, len(axisValues))
			for j, av := range axisValues {
				if row, ok := byAxis[valueKey(av)]; ok {
					values[j], _ = row.Get(alias)
				}
			}

			s := Series{AxisTag: m.Tag(), Label: m.DisplayLabel(), Values: values}
			if hasSeries {
				s.SeriesValue = seriesLabel(sv)
				if len(intent.Metrics) == 1 {
					s.Label = s.SeriesValue
				} else {
					s.Label = s.SeriesValue + " - " + m.DisplayLabel()
				}
			}
			out.Series = append(out.Series, s)
		}
	}
	return out
}

func seriesLabel(v any) string {
	if v == nil {
		return "null"
	}
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

// distinct returns the distinct values of a column sorted ascending, nils last.
func distinct(rows []Row, column string) []any {
	seen := make(map[string]bool)
	var out []any
	for _, row := range rows {
		v, _ := row.Get(column)
		k := valueKey(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	slices.SortStableFunc(out, compareValues)
	return out
}

func valueKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

func rank(v any) int {
	switch v.(type) {
	case time.Time:
		return 0
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	case nil:
		return 5
	default:
		return 4
	}
}

func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case nil:
		return 0
	}
	if ra == 1 {
		return cmp.Compare(toFloat(a), toFloat(b))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

var bucketLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// FormatBucket renders a truncated timestamp as a display label for the
// granularity. Timestamps are formatted in their own location, which is where
// the bucket was truncated. Values that are not timestamps are returned as
// their string form.
func FormatBucket(v any, g semantic.Granularity) string {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case string:
		parsed, ok := parseTime(x)
		if !ok {
			return x
		}
		t = parsed
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}

	switch g {
	case semantic.GranularityHour:
		return t.Format("02/01/2006 15:00")
	case semantic.GranularityDay:
		return t.Format("02/01/2006")
	case semantic.GranularityWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("Semana %d, %d", week, year)
	case semantic.GranularityMonth:
		return t.Format("01/2006")
	case semantic.GranularityQuarter:
		return fmt.Sprintf("Q%d/%d", (int(t.Month())-1)/3+1, t.Year())
	case semantic.GranularityYear:
		return fmt.Sprintf("%d", t.Year())
	default:
		return t.Format(time.RFC3339)
	}
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range bucketLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
