// Package metrics exposes Prometheus collectors for the API server.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one server. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	requestsCreated  prometheus.Counter
	requestsResolved *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	messagesSent     prometheus.Counter
	messagesRead     prometheus.Counter
	rateLimited      prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		requestsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_conversation_requests_created_total",
			Help: "Conversation requests created",
		}),
		requestsResolved: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_conversation_requests_resolved_total",
				Help: "Conversation requests accepted or denied",
			},
			[]string{"outcome"},
		),
		conflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_conflicts_total",
				Help: "Operations rejected because of conflicting state",
			},
			[]string{"code"},
		),
		messagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_messages_sent_total",
			Help: "Messages appended to conversations",
		}),
		messagesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_messages_read_total",
			Help: "Messages moved from unread to read",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// WatchDB exports connection pool statistics of db.
func (m *Metrics) WatchDB(db *sql.DB) {
	if m == nil {
		return
	}
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "inbox_db_open_connections",
		Help: "Number of open database connections",
	}, func() float64 { return float64(db.Stats().OpenConnections) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "inbox_db_in_use_connections",
		Help: "Number of database connections in use",
	}, func() float64 { return float64(db.Stats().InUse) })
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records a count and a latency observation per request, keyed
// by the matched route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RequestCreated() {
	if m != nil {
		m.requestsCreated.Inc()
	}
}

func (m *Metrics) RequestResolved(outcome string) {
	if m != nil {
		m.requestsResolved.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Conflict(code string) {
	if m != nil {
		m.conflicts.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) MessagesRead(n int64) {
	if m != nil && n > 0 {
		m.messagesRead.Add(float64(n))
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
