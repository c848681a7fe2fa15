package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareCountsByStatus(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/entries/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	missingBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/healthz", "/v1/entries/e1", "/v1/entries/e2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0)
	require.InDelta(t, missingBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareWithoutRouteContext(t *testing.T) {
	Init()
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	httpRequestDurationSeconds.DeleteLabelValues("PURGE", "unknown")
	countBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("PURGE", "204"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("PURGE", "/anything", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.InDelta(t, countBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("PURGE", "204")), 0)
	// Deleting reports whether the series was observed.
	require.True(t, httpRequestDurationSeconds.DeleteLabelValues("PURGE", "unknown"))
}
