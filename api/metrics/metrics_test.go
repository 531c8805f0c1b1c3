package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordQuery(t *testing.T) {
	before := testutil.ToFloat64(QueryErrorsTotal.WithLabelValues("timeout"))
	okBefore := testutil.ToFloat64(QueriesTotal.WithLabelValues("introspect", "success"))

	QueryObserver{}.ObserveQuery("query", time.Second, &dberror.ExecutionError{Kind: dberror.KindTimeout, Err: errors.New("canceling statement")})
	QueryObserver{}.ObserveQuery("introspect", time.Millisecond, nil)

	assert.Equal(t, before+1, testutil.ToFloat64(QueryErrorsTotal.WithLabelValues("timeout")))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(QueriesTotal.WithLabelValues("introspect", "success")))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/datasets/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/datasets/{id}", "418"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/datasets/abc", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/datasets/{id}", "418")))
}
