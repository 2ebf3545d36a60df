// Package metrics exposes the Prometheus counters and histograms the
// request handler and registry update it with.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every metric the proxy records, labeled by repository key
// and/or service tag where that distinction is useful.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	UpdateLatency   *prometheus.HistogramVec
	PackCacheHits   *prometheus.CounterVec
	PackCacheMisses *prometheus.CounterVec
}

// New constructs and registers all metrics against the default registry.
func New() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewForTest constructs metrics registered against a fresh, private
// registry, so tests that build more than one Server in the same process
// don't collide on the default registry's global namespace.
func NewForTest() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_requests_total",
			Help: "requests received, by repository and service",
		}, []string{"repo", "service"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_responses_total",
			Help: "responses sent, by repository, service and status",
		}, []string{"repo", "service", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_errors_total",
			Help: "errors, by repository and the service or streaming step that failed",
		}, []string{"repo", "kind"}),
		UpdateLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smart_git_proxy_update_seconds",
			Help:    "latency of handle.update (git fetch) calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo"}),
		PackCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_pack_cache_hits_total",
			Help: "shallow-clone pack response cache hits",
		}, []string{"repo"}),
		PackCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_pack_cache_misses_total",
			Help: "shallow-clone pack response cache misses",
		}, []string{"repo"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ResponsesTotal,
		m.ErrorsTotal,
		m.UpdateLatency,
		m.PackCacheHits,
		m.PackCacheMisses,
	)
	return m
}
