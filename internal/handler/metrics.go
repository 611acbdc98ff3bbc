package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgeranchor/internal/anchorer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgeranchor_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgeranchor_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	anchorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgeranchor_anchor_runs_total",
		Help: "Total anchoring runs by outcome.",
	}, []string{"outcome"})

	anchorRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledgeranchor_anchor_run_duration_seconds",
		Help:    "Duration of anchoring runs that reached the recorder.",
		Buckets: prometheus.DefBuckets,
	})

	proofsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgeranchor_proofs_total",
		Help: "Total proofs stored.",
	})

	recorderReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgeranchor_recorder_ready",
		Help: "1 if the last readiness probe succeeded, 0 otherwise.",
	})

	readinessProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgeranchor_readiness_probes_total",
		Help: "Total recorder readiness probes by result.",
	}, []string{"result"})

	ledgerTransactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgeranchor_ledger_transactions_total",
		Help: "Total ledger transactions appended through the API.",
	})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgeranchor_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordAnchorRun records the outcome of an anchoring run.
// It matches anchorer.MetricsRecordFunc.
func RecordAnchorRun(outcome anchorer.Outcome, proofs int, elapsed time.Duration) {
	anchorRunsTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == anchorer.OutcomeRecorded || outcome == anchorer.OutcomeFailed {
		anchorRunDuration.Observe(elapsed.Seconds())
	}
	proofsTotal.Add(float64(proofs))
}

// RecordReadinessProbe records a recorder readiness probe.
// It matches health.MetricsRecordFunc.
func RecordReadinessProbe(ready bool) {
	if ready {
		recorderReady.Set(1)
		readinessProbesTotal.WithLabelValues("ready").Inc()
	} else {
		recorderReady.Set(0)
		readinessProbesTotal.WithLabelValues("not_ready").Inc()
	}
}

// RecordLedgerAppend records a ledger transaction appended through the API.
func RecordLedgerAppend() {
	ledgerTransactionsTotal.Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
// It matches webhooks.MetricsRecorder.
func RecordWebhookDelivery(success bool) {
	if success {
		webhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		webhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
