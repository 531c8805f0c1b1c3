package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/malbeclabs/insights/query/pkg/builder"
	"github.com/malbeclabs/insights/query/pkg/dberror"
)

type ChartType string

const (
	ChartBar    ChartType = "bar"
	ChartLine   ChartType = "line"
	ChartPie    ChartType = "pie"
	ChartArea   ChartType = "area"
	ChartTable  ChartType = "table"
	ChartMetric ChartType = "metric"
)

var chartTypes = []ChartType{ChartBar, ChartLine, ChartPie, ChartArea, ChartTable, ChartMetric}

func (c *ChartType) UnmarshalText(text []byte) error {
	t := ChartType(strings.ToLower(strings.TrimSpace(string(text))))
	for _, known := range chartTypes {
		if t == known {
			*c = t
			return nil
		}
	}
	return dberror.Validationf("chart_type", string(text), "unknown chart type %q", string(text))
}

const (
	DefaultColSpan = 6
	DefaultRowSpan = 1
	maxColSpan     = 12
	maxDecimals    = 10
)

// Block is one configured dashboard element: a chart, table or single metric
// computed from a dataset.
type Block struct {
	ID          uuid.UUID      `json:"id"`
	Title       string         `json:"title"`
	ChartType   ChartType      `json:"chart_type"`
	DatasetID   uuid.UUID      `json:"dataset_id"`
	Intent      builder.Intent `json:"intent"`
	BlockFilter string         `json:"block_filter,omitempty"`

	ColSpan int `json:"col_span"`
	RowSpan int `json:"row_span"`

	MetricPrefix   string `json:"metric_prefix,omitempty"`
	MetricSuffix   string `json:"metric_suffix,omitempty"`
	MetricDecimals *int   `json:"metric_decimals,omitempty"`
}

// ApplyDefaults fills unset layout fields.
func (b *Block) ApplyDefaults() {
	if b.ColSpan == 0 {
		b.ColSpan = DefaultColSpan
	}
	if b.RowSpan == 0 {
		b.RowSpan = DefaultRowSpan
	}
}

// Validate checks the block configuration that does not depend on the
// dataset. Field references are checked when the intent is compiled.
func (b *Block) Validate() error {
	if strings.TrimSpace(b.Title) == "" {
		return dberror.Validationf("title", "block", "block title is required")
	}
	if b.DatasetID == uuid.Nil {
		return dberror.Validationf("dataset_id", "block", "block %q has no dataset", b.Title)
	}
	var ct ChartType
	if err := ct.UnmarshalText([]byte(b.ChartType)); err != nil {
		return err
	}
	if b.ColSpan < 1 || b.ColSpan > maxColSpan {
		return dberror.Validationf("col_span", "block", "col_span must be between 1 and %d, got %d", maxColSpan, b.ColSpan)
	}
	if b.RowSpan < 1 {
		return dberror.Validationf("row_span", "block", "row_span must be at least 1, got %d", b.RowSpan)
	}
	if d := b.MetricDecimals; d != nil && (*d < 0 || *d > maxDecimals) {
		return dberror.Validationf("metric_decimals", "block", "metric_decimals must be between 0 and %d", maxDecimals)
	}
	if b.ChartType == ChartMetric && (b.Intent.AxisField != "" || b.Intent.SeriesField != "") {
		return dberror.Validationf(b.Intent.AxisField+b.Intent.SeriesField, "metric",
			"metric blocks aggregate to a single value and cannot group by an axis or series")
	}
	for i, m := range b.Intent.Metrics {
		if m.Field == "" {
			return dberror.Validationf("metrics", "block", "metric %d has no field", i)
		}
	}
	return nil
}

// ChartConfig is the rendering hint sent with block data.
type ChartConfig struct {
	Type                ChartType `json:"type"`
	MetricPrefix        string    `json:"metricPrefix,omitempty"`
	MetricSuffix        string    `json:"metricSuffix,omitempty"`
	MetricDecimalPlaces *int      `json:"metricDecimalPlaces,omitempty"`
}

type Layout struct {
	ColSpan int `json:"colSpan"`
	RowSpan int `json:"rowSpan"`
}

func (b *Block) chart() ChartConfig {
	cfg := ChartConfig{Type: b.ChartType}
	if b.ChartType == ChartMetric {
		cfg.MetricPrefix = b.MetricPrefix
		cfg.MetricSuffix = b.MetricSuffix
		cfg.MetricDecimalPlaces = b.MetricDecimals
	}
	return cfg
}

func (b *Block) String() string {
	return fmt.Sprintf("%s (%s)", b.Title, b.ID)
}
