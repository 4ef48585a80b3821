package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxy"

// Registry holds the proxy's metrics on a private prometheus registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	selections    *prometheus.CounterVec
	upstreamErrs  *prometheus.CounterVec
	staticDenied  *prometheus.CounterVec
	inflight      prometheus.Gauge
	configReloads *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by matched location and response status.",
		}, []string{"location", "kind", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to the end of the response.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"location", "kind"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_selections_total",
			Help:      "Servers picked by the balancer of each upstream group.",
		}, []string{"upstream", "server"}),
		upstreamErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream exchanges by failure category.",
		}, []string{"upstream", "category"}),
		staticDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "static_denied_total",
			Help:      "Static requests rejected because the path escaped the root.",
		}, []string{"location"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Requests currently being handled.",
		}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result.",
		}, []string{"result"}),
	}
	r.reg.MustRegister(
		r.requests,
		r.duration,
		r.selections,
		r.upstreamErrs,
		r.staticDenied,
		r.inflight,
		r.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) IncRequest(location, kind, method, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(location, kind, method, status).Inc()
}

func (r *Registry) ObserveLatency(location, kind string, d time.Duration) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(location, kind).Observe(d.Seconds())
}

func (r *Registry) IncSelection(upstream, server string) {
	if r == nil {
		return
	}
	r.selections.WithLabelValues(upstream, server).Inc()
}

func (r *Registry) IncUpstreamError(upstream, category string) {
	if r == nil {
		return
	}
	r.upstreamErrs.WithLabelValues(upstream, category).Inc()
}

func (r *Registry) IncStaticDenied(location string) {
	if r == nil {
		return
	}
	r.staticDenied.WithLabelValues(location).Inc()
}

// IncReload counts a reload attempt; result is "ok" or "rejected".
func (r *Registry) IncReload(result string) {
	if r == nil {
		return
	}
	r.configReloads.WithLabelValues(result).Inc()
}

// TrackInflight bumps the in-flight gauge and returns the matching decrement.
func (r *Registry) TrackInflight() func() {
	if r == nil {
		return func() {}
	}
	r.inflight.Inc()
	return r.inflight.Dec
}

// StaticDenied and UpstreamErrors expose single series for diagnostics and
// tests.
func (r *Registry) StaticDenied(location string) prometheus.Counter {
	return r.staticDenied.WithLabelValues(location)
}

func (r *Registry) UpstreamErrors(upstream, category string) prometheus.Counter {
	return r.upstreamErrs.WithLabelValues(upstream, category)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
