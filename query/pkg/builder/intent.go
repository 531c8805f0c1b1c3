package builder

import (
	"encoding/json"
	"errors"

	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/semantic"
)

// Metric is one aggregated value column of an analytical intent.
type Metric struct {
	Field       string               `json:"field"`
	Aggregation semantic.Aggregation `json:"aggregation"`
	Label       string               `json:"label,omitempty"`
	AxisTag     string               `json:"axis,omitempty"`
}

// DisplayLabel returns the label, falling back to the field name.
func (m Metric) DisplayLabel() string {
	if m.Label != "" {
		return m.Label
	}
	return m.Field
}

// Tag returns the axis tag, defaulting to y1.
func (m Metric) Tag() string {
	if m.AxisTag != "" {
		return m.AxisTag
	}
	return "y1"
}

// Filters is the structured filter set of an intent.
//
// DateStart/DateEnd bound the axis field and only apply when an axis field is
// set. Dimensions and the OpIn entries of Dynamic become set-membership tests.
// Custom and BlockFilter are raw WHERE fragments from trusted configuration.
type Filters struct {
	DateStart  any                                        `json:"date_start,omitempty"`
	DateEnd    any                                        `json:"date_end,omitempty"`
	Dimensions map[string][]any                           `json:"dimensions,omitempty"`
	Dynamic    map[string]map[semantic.FilterOperator]any `json:"dynamic_filters,omitempty"`

	Custom      string `json:"custom,omitempty"`
	BlockFilter string `json:"block_filter,omitempty"`
}

// Merge returns a copy of f with the given dynamic filters layered on top.
func (f Filters) Merge(dynamic map[string]map[semantic.FilterOperator]any) Filters {
	if len(dynamic) == 0 {
		return f
	}
	out := f
	out.Dynamic = make(map[string]map[semantic.FilterOperator]any, len(f.Dynamic)+len(dynamic))
	for field, conds := range f.Dynamic {
		out.Dynamic[field] = copyConds(conds)
	}
	for field, conds := range dynamic {
		if out.Dynamic[field] == nil {
			out.Dynamic[field] = make(map[semantic.FilterOperator]any, len(conds))
		}
		for op, v := range conds {
			out.Dynamic[field][op] = v
		}
	}
	return out
}

func copyConds(in map[semantic.FilterOperator]any) map[semantic.FilterOperator]any {
	out := make(map[semantic.FilterOperator]any, len(in))
	for op, v := range in {
		out[op] = v
	}
	return out
}

// Intent is the declarative description of an analytical request.
type Intent struct {
	AxisField       string               `json:"axis_field,omitempty"`
	AxisGranularity semantic.Granularity `json:"axis_granularity,omitempty"`
	SeriesField     string               `json:"series_field,omitempty"`
	Metrics         []Metric             `json:"metrics"`
	Filters         Filters              `json:"filters"`
	OrderBy         string               `json:"order_by,omitempty"`
	Limit           *int                 `json:"limit,omitempty"`
}

// DecodeIntent parses an intent from JSON. Unknown aggregation, granularity or
// operator strings are reported as validation errors.
func DecodeIntent(data []byte) (Intent, error) {
	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		var valErr *dberror.ValidationError
		if errors.As(err, &valErr) {
			return Intent{}, valErr
		}
		return Intent{}, dberror.Validationf("", "decode", "invalid intent: %v", err)
	}
	return intent, nil
}
