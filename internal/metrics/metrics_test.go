package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Reconciliations.WithLabelValues("applied").Inc()
	m.ObserveHTTP(http.MethodGet, "/healthz", http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `rentledger_reconcile_events_total{result="applied"} 1`), body)
	assert.Contains(t, body, `rentledger_http_request_duration_seconds_count{method="GET",route="/healthz",status="200"} 1`)
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.LeaseConflicts.WithLabelValues("assign").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeaseConflicts.WithLabelValues("assign")))
}
