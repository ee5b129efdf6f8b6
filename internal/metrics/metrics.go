// Package metrics holds the Prometheus collectors for the portal engine and the
// HTTP binding. Collectors live on a *Metrics value registered against a caller
// supplied registry so tests can use an isolated prometheus.NewRegistry().
//
// All recording methods are nil-safe: a nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stalker_bridge"

// Metrics is the set of collectors exported at /metrics.
type Metrics struct {
	PortalRequests  *prometheus.CounterVec
	PortalLatency   *prometheus.HistogramVec
	Redirects       *prometheus.CounterVec
	Handshakes      *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	Channels        prometheus.Gauge
	Genres          prometheus.Gauge
	ManifestVersion prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates and registers all collectors on reg. When reg also implements
// prometheus.Gatherer (a *prometheus.Registry does) Handler serves it.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PortalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "portal_requests_total",
			Help:      "Portal calls by action and outcome (ok, redirect, timeout, error).",
		}, []string{"action", "outcome"}),
		PortalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "portal_request_duration_seconds",
			Help:      "Portal call latency in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"action"}),
		Redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "portal_redirects_total",
			Help:      "Portal redirects followed, by kind (permanent, temporary).",
		}, []string{"kind"}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "portal_handshakes_total",
			Help:      "Handshakes issued, by result.",
		}, []string{"result"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refreshes_total",
			Help:      "Genre and channel cache refreshes, by cache and result.",
		}, []string{"cache", "result"}),
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_snapshot_size",
			Help:      "Channels in the current prefetch snapshot.",
		}),
		Genres: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "genre_index_size",
			Help:      "Genres in the current index.",
		}),
		ManifestVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manifest_patch_version",
			Help:      "Patch component of the published manifest version.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inbound HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Inbound HTTP latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.PortalRequests, m.PortalLatency, m.Redirects, m.Handshakes, m.Refreshes,
		m.Channels, m.Genres, m.ManifestVersion, m.HTTPRequests, m.HTTPDuration,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObservePortal records one transport call.
func (m *Metrics) ObservePortal(action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PortalRequests.WithLabelValues(action, outcome).Inc()
	m.PortalLatency.WithLabelValues(action).Observe(d.Seconds())
}

// ObserveRedirect counts a followed redirect.
func (m *Metrics) ObserveRedirect(permanent bool) {
	if m == nil {
		return
	}
	kind := "temporary"
	if permanent {
		kind = "permanent"
	}
	m.Redirects.WithLabelValues(kind).Inc()
}

// ObserveHandshake counts a handshake attempt.
func (m *Metrics) ObserveHandshake(err error) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result(err)).Inc()
}

// ObserveRefresh counts a cache refresh and, on success, sets the size gauge.
func (m *Metrics) ObserveRefresh(cache string, size int, err error) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(cache, result(err)).Inc()
	if err != nil {
		return
	}
	switch cache {
	case "channels":
		m.Channels.Set(float64(size))
	case "genres":
		m.Genres.Set(float64(size))
	}
}

// SetManifestPatch records the published manifest patch number.
func (m *Metrics) SetManifestPatch(patch int) {
	if m == nil {
		return
	}
	m.ManifestVersion.Set(float64(patch))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the registry passed to New, or the default gatherer.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request count and latency under route.
// route should be a fixed pattern (e.g. "/catalog"), never the raw URL.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
