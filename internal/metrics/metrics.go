package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bloom_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bloom_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	LedgerPostingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bloom_ledger_postings_total",
			Help: "Wallet transactions appended to the ledger, by type",
		},
		[]string{"type"},
	)

	LedgerDivergenceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bloom_ledger_divergence_total",
			Help: "Wallets whose cached balance disagreed with the transaction log",
		},
	)

	TopUpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bloom_topups_total",
			Help: "Top-up order creation attempts, by outcome",
		},
		[]string{"outcome"},
	)

	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bloom_gateway_callbacks_total",
			Help: "Payment gateway callbacks received, by outcome",
		},
		[]string{"outcome"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bloom_gateway_request_duration_seconds",
			Help:    "Outbound payment gateway call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
		[]string{"operation", "outcome"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordPosting(transactionType string) {
	LedgerPostingsTotal.WithLabelValues(transactionType).Inc()
}

func RecordLedgerDivergence() {
	LedgerDivergenceTotal.Inc()
}

func RecordTopUp(outcome string) {
	TopUpsTotal.WithLabelValues(outcome).Inc()
}

func RecordCallback(outcome string) {
	CallbacksTotal.WithLabelValues(outcome).Inc()
}

func ObserveGatewayCall(operation string, err error, started time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	GatewayRequestDuration.WithLabelValues(operation, outcome).Observe(time.Since(started).Seconds())
}
