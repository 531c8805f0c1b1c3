package builder

import (
	"net/url"
	"testing"

	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/semantic"
	insightstesting "github.com/malbeclabs/insights/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilterParams(t *testing.T) {
	t.Parallel()

	log := insightstesting.NewLogger()
	values := url.Values{
		"qty__gte":       {"3"},
		"amount__lt":     {"99.5"},
		"region__in":     {"N, S,,W"},
		"channel":        {"web"},
		"missing__eq":    {"x"},
		"status__eq":     {"active"},
		"a__b__c":        {"ignored"},
		"unit_code__lte": {"SP-09"},
	}

	filters, err := ParseFilterParams(log, values, salesColumns(), map[string]bool{
		"qty": true, "amount": true, "region": true, "unit_code": true,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]map[semantic.FilterOperator]any{
		"qty":       {semantic.OpGte: int64(3)},
		"amount":    {semantic.OpLt: 99.5},
		"region":    {semantic.OpIn: []any{"N", "S", "W"}},
		"unit_code": {semantic.OpLte: "SP-09"},
	}, filters)
}

func TestParseFilterParams_AllFieldsWhenUnrestricted(t *testing.T) {
	t.Parallel()

	filters, err := ParseFilterParams(insightstesting.NewLogger(), url.Values{"status__eq": {"active"}}, salesColumns(), nil)
	require.NoError(t, err)
	assert.Equal(t, "active", filters["status"][semantic.OpEq])
}

func TestParseFilterParams_UnknownOperator(t *testing.T) {
	t.Parallel()

	_, err := ParseFilterParams(insightstesting.NewLogger(), url.Values{"qty__like": {"1"}}, salesColumns(), nil)
	var valErr *dberror.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "qty", valErr.Field)
	assert.Equal(t, "like", valErr.Operation)
}

func TestParseFilterParams_FeedsCompile(t *testing.T) {
	t.Parallel()

	dynamic, err := ParseFilterParams(insightstesting.NewLogger(), url.Values{"qty__in": {"1,2"}}, salesColumns(), nil)
	require.NoError(t, err)

	q, err := Compile(salesQuery, salesColumns(), Intent{
		Metrics: []Metric{{Field: "amount", Aggregation: semantic.AggSum}},
		Filters: Filters{}.Merge(dynamic),
	})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "qty = ANY($1)")
	assert.Equal(t, []any{[]int64{1, 2}}, q.Params.Args())
}
