package obs

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenapps/creditledger/pkg/ledger"
)

// Metrics bundles the Prometheus collectors the service exports. It also
// implements ledger.OperationLogger so domain operations feed the counters
// without the domain importing Prometheus.
type Metrics struct {
	registry         *prometheus.Registry
	operations       *prometheus.CounterVec
	creditsDelta     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	sessionRefreshes prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_operations_total",
			Help: "Ledger operations by operation and status.",
		}, []string{"operation", "status"}),
		creditsDelta: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_credits_total",
			Help: "Credits granted and consumed by operation.",
		}, []string{"operation", "direction"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		sessionRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditledger_session_refreshes_total",
			Help: "Session snapshot sweeps triggered by credit operations.",
		}),
	}
	registry.MustRegister(metrics.operations, metrics.creditsDelta, metrics.httpDuration, metrics.sessionRefreshes)
	return metrics
}

func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error != nil || entry.Amount == 0 {
		return
	}
	if entry.Amount > 0 {
		metrics.creditsDelta.WithLabelValues(entry.Operation, "granted").Add(float64(entry.Amount))
	} else {
		metrics.creditsDelta.WithLabelValues(entry.Operation, "consumed").Add(float64(-entry.Amount))
	}
}

// ObserveSessionRefresh counts one session snapshot sweep.
func (metrics *Metrics) ObserveSessionRefresh() {
	metrics.sessionRefreshes.Inc()
}

// Handler exposes the registry for the /metrics endpoint.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request latency per route.
func (metrics *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.httpDuration.
			WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).
			Observe(time.Since(started).Seconds())
	}
}
