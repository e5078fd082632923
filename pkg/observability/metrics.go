package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	BillingAccountsTotal *prometheus.CounterVec
	BillingInvoiceAmount prometheus.Histogram
	BillingRunDuration   *prometheus.HistogramVec

	// Settlement metrics
	SettlementIntents      *prometheus.GaugeVec
	SettlementGatewayCalls *prometheus.CounterVec

	// Dispatch metrics
	DispatchDeliveriesTotal *prometheus.CounterVec

	// Lock metrics
	LockContentionTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics. A nil registry
// gets a fresh one so parallel tests never collide on the default registerer.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		BillingAccountsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_billing_accounts_total",
				Help: "Accounts processed by billing runs by outcome",
			},
			[]string{"outcome"},
		),
		BillingInvoiceAmount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tollgate_billing_invoice_amount",
				Help:    "Total amount due of generated invoices",
				Buckets: []float64{0, 250, 500, 1000, 1500, 2500, 5000, 10000, 25000},
			},
		),
		BillingRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_billing_run_duration_seconds",
				Help:    "Duration of billing runs in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),

		SettlementIntents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tollgate_settlement_intents",
				Help: "Payment intents by state after the last worker tick",
			},
			[]string{"state"},
		),
		SettlementGatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_settlement_gateway_calls_total",
				Help: "Payment gateway calls by classified outcome",
			},
			[]string{"outcome"},
		),

		DispatchDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_dispatch_deliveries_total",
				Help: "Document dispatch delivery attempts by resulting status",
			},
			[]string{"status"},
		),

		LockContentionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_lock_contention_total",
				Help: "Lease acquisitions refused because another holder owns the lock",
			},
			[]string{"lock"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BillingAccountsTotal,
		m.BillingInvoiceAmount,
		m.BillingRunDuration,
		m.SettlementIntents,
		m.SettlementGatewayCalls,
		m.DispatchDeliveriesTotal,
		m.LockContentionTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Registry returns the registry the metrics were registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBillingAccount counts one account outcome (generated, skipped, failed)
func (m *Metrics) RecordBillingAccount(outcome string) {
	if m == nil {
		return
	}
	m.BillingAccountsTotal.WithLabelValues(outcome).Inc()
}

// RecordInvoiceAmount observes the total amount due of a generated invoice
func (m *Metrics) RecordInvoiceAmount(amount float64) {
	if m == nil {
		return
	}
	m.BillingInvoiceAmount.Observe(amount)
}

// RecordBillingRun observes the duration of a run in the given mode
func (m *Metrics) RecordBillingRun(mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BillingRunDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetSettlementIntents publishes per-state intent counts
func (m *Metrics) SetSettlementIntents(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.SettlementIntents.WithLabelValues(state).Set(float64(n))
	}
}

// RecordGatewayCall counts one classified gateway call
func (m *Metrics) RecordGatewayCall(outcome string) {
	if m == nil {
		return
	}
	m.SettlementGatewayCalls.WithLabelValues(outcome).Inc()
}

// RecordDispatch counts one delivery attempt by resulting status
func (m *Metrics) RecordDispatch(status string) {
	if m == nil {
		return
	}
	m.DispatchDeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordLockContention counts one refused lease acquisition
func (m *Metrics) RecordLockContention(lock string) {
	if m == nil {
		return
	}
	m.LockContentionTotal.WithLabelValues(lock).Inc()
}

// UpdateDBStats publishes connection pool gauges
func (m *Metrics) UpdateDBStats(inUse, idle int) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(inUse))
	m.DBConnectionsIdle.Set(float64(idle))
}

// HTTPMiddleware records request counts and latency per route path
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
