package observability

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

func TestNewMetrics_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)
	assert.Same(t, registry, m.Registry())

	// Second registration on the same registry must panic
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordBillingAccount("generated")
	m.RecordBillingAccount("generated")
	m.RecordBillingAccount("skipped")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BillingAccountsTotal.WithLabelValues("generated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BillingAccountsTotal.WithLabelValues("skipped")))

	m.SetSettlementIntents(map[string]int{"PAID": 4, "FAILED": 1})
	assert.Equal(t, float64(4), testutil.ToFloat64(m.SettlementIntents.WithLabelValues("PAID")))

	m.RecordGatewayCall("transient")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SettlementGatewayCalls.WithLabelValues("transient")))

	m.RecordDispatch("sent")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchDeliveriesTotal.WithLabelValues("sent")))

	m.RecordLockContention("settlement:worker")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LockContentionTotal.WithLabelValues("settlement:worker")))

	m.UpdateDBStats(3, 7)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DBConnectionsActive))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.DBConnectionsIdle))

	m.RecordInvoiceAmount(1566.88)
	m.RecordBillingRun("generate", 2*time.Second)
	assert.Equal(t, 1, testutil.CollectAndCount(m.BillingRunDuration))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordBillingAccount("failed")
		m.RecordGatewayCall("success")
		m.RecordDispatch("failed")
		m.RecordLockContention("x")
		m.SetSettlementIntents(map[string]int{"PAID": 1})
	})
}

func TestMetrics_HTTPMiddlewareAndHandler(t *testing.T) {
	m := NewMetrics(nil)
	handler := m.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dispatch/stats", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/dispatch/stats", "418")))

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(scrape.Body.String(), "tollgate_http_requests_total"))
}
