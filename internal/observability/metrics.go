// Package observability exposes the relay's Prometheus metrics.
package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/mail-relay/internal/probe"
)

// Delivery outcomes.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeLogged  = "logged"
	OutcomeIgnored = "ignored"
)

// Metrics stores the collectors used by the dispatcher, diagnostics and
// the admin API. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	deliveriesTotal     *prometheus.CounterVec
	deliveryDuration    *prometheus.HistogramVec
	probeTotal          *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mail_relay",
				Name:      "deliveries_total",
				Help:      "Total number of messages handled, by transport and outcome.",
			},
			[]string{"transport", "outcome"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mail_relay",
				Name:      "delivery_duration_seconds",
				Help:      "Time spent in the transport per delivery attempt.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"transport"},
		),
		probeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mail_relay",
				Name:      "probe_total",
				Help:      "Total number of TCP connectivity probes, by outcome.",
			},
			[]string{"outcome"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mail_relay",
				Name:      "http_requests_total",
				Help:      "Total number of admin API requests by method, route and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mail_relay",
				Name:      "http_request_duration_seconds",
				Help:      "Admin API request duration in seconds by method and route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deliveriesTotal,
		m.deliveryDuration,
		m.probeTotal,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncDelivery(transport, outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(normalize(transport), normalize(outcome)).Inc()
}

func (m *Metrics) ObserveDeliveryDuration(transport string, d time.Duration) {
	if m == nil {
		return
	}
	seconds := d.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryDuration.WithLabelValues(normalize(transport)).Observe(seconds)
}

// ObserveProbe has the probe.ObserverFunc signature.
func (m *Metrics) ObserveProbe(outcome probe.Outcome) {
	if m == nil {
		return
	}
	m.probeTotal.WithLabelValues(strings.ToLower(outcome.String())).Inc()
}

// HTTPMiddleware records request counts and latency by chi route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := routePath(r)
		if path == "/metrics" {
			return
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		method := strings.ToUpper(r.Method)
		m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func routePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := strings.TrimSpace(rctx.RoutePattern()); p != "" {
			return p
		}
	}
	return "unmatched"
}

func normalize(label string) string {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
