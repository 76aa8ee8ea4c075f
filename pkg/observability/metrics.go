// Package observability exposes prometheus metrics for the gateway:
// HTTP traffic, generated tokens and tool executions.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway's collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// TokensGenerated counts completion tokens per model.
	TokensGenerated *prometheus.CounterVec

	// ToolExecutions counts tool calls per tool and outcome.
	ToolExecutions *prometheus.CounterVec

	// StreamsStarted counts consumed stream sessions.
	StreamsStarted prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_http_requests_total",
			Help: "HTTP requests by method and route pattern.",
		}, []string{"method", "route"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatgate_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		TokensGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_tokens_generated_total",
			Help: "Completion tokens generated per model.",
		}, []string{"model"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_tool_executions_total",
			Help: "Tool executions per tool and outcome.",
		}, []string{"tool", "outcome"}),
		StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_streams_started_total",
			Help: "Stream sessions consumed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.TokensGenerated,
		m.ToolExecutions,
		m.StreamsStarted,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency. It deliberately does not
// wrap the ResponseWriter, so http.Flusher stays visible to SSE handlers.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
