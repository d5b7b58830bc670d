package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PaulFidika/iapkit/core"
	"github.com/PaulFidika/iapkit/entitlements"
)

// Observer records classification and refresh outcomes. It implements core.Observer.
type Observer struct {
	status          *prometheus.CounterVec
	refreshErrors   prometheus.Counter
	refreshDuration prometheus.Histogram
}

func NewObserver() *Observer {
	return &Observer{
		status: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iapkit_status_total",
			Help: "Classified transactions by status",
		}, []string{"status"}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iapkit_refresh_errors_total",
			Help: "Failed App Store refreshes",
		}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "iapkit_refresh_duration_seconds",
			Help:    "Duration of App Store refreshes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (o *Observer) Describe(ch chan<- *prometheus.Desc) {
	o.status.Describe(ch)
	o.refreshErrors.Describe(ch)
	o.refreshDuration.Describe(ch)
}

func (o *Observer) Collect(ch chan<- prometheus.Metric) {
	o.status.Collect(ch)
	o.refreshErrors.Collect(ch)
	o.refreshDuration.Collect(ch)
}

func (o *Observer) ObserveStatus(status entitlements.Status) {
	o.status.WithLabelValues(status.Kind.String()).Inc()
}

func (o *Observer) ObserveRefresh(seconds float64, err error) {
	o.refreshDuration.Observe(seconds)
	if err != nil {
		o.refreshErrors.Inc()
	}
}

var _ core.Observer = (*Observer)(nil)

// Manager owns the registry served on /metrics.
type Manager struct {
	registry *prometheus.Registry
	observer *Observer
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	observer := NewObserver()
	registry.MustRegister(observer)
	return &Manager{registry: registry, observer: observer}
}

func (m *Manager) Registry() *prometheus.Registry { return m.registry }

func (m *Manager) Observer() *Observer { return m.observer }

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
