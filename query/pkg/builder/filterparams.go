package builder

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/semantic"
)

// ParseFilterParams decodes request parameters of the form field__op=value
// into dynamic filters. Values of "in" are comma separated. Values are cast
// according to the column's database type.
//
// Parameters without an operator suffix are ignored. Fields that are not in
// allowed (or not in the dataset when allowed is nil) are skipped. Unknown
// operators are a validation error.
func ParseFilterParams(log *slog.Logger, values url.Values, columns []semantic.ColumnMetadata, allowed map[string]bool) (map[string]map[semantic.FilterOperator]any, error) {
	schema := NewSchema(columns)
	filters := make(map[string]map[semantic.FilterOperator]any)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, param := range keys {
		field, rawOp, ok := strings.Cut(param, "__")
		if !ok || field == "" || strings.Contains(rawOp, "__") {
			continue
		}

		_, col, known := schema.Resolve(field)
		if !known || (allowed != nil && !allowed[field]) {
			log.Debug("builder: skipping filter on non-filterable field", "field", field, "param", param)
			continue
		}

		op, err := semantic.ParseFilterOperator(rawOp)
		if err != nil {
			return nil, dberror.Validationf(field, rawOp, "unknown filter operator %q on field %q", rawOp, field)
		}

		raw := values.Get(param)
		if filters[field] == nil {
			filters[field] = make(map[semantic.FilterOperator]any)
		}

		if op != semantic.OpIn {
			filters[field][op] = semantic.CastValue(col.DatabaseType, raw)
			continue
		}

		var list []any
		for _, v := range strings.Split(raw, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			list = append(list, semantic.CastValue(col.DatabaseType, v))
		}
		filters[field][op] = list
	}

	return filters, nil
}
