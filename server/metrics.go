package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records sign-in outcomes and provider latency on a private registry.
type Metrics struct {
	registry  *prometheus.Registry
	logins    prometheus.Counter
	callbacks *prometheus.CounterVec
	logouts   *prometheus.CounterVec
	provider  *prometheus.HistogramVec
}

// NewMetrics registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oidcrp_login_challenges_total",
			Help: "Sign-in challenges sent to the provider",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcrp_callbacks_total",
			Help: "Provider callbacks by result",
		}, []string{"result"}), // result: success|access_denied|provider_error|sign_in_failed|temporarily_unavailable
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcrp_logouts_total",
			Help: "Sign-outs by origin",
		}, []string{"origin"}), // origin: local|remote
		provider: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oidcrp_provider_request_duration_seconds",
			Help:    "Latency of outbound provider requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins, m.callbacks, m.logouts, m.provider,
	)
	return m
}

// ProviderRequest implements rp.Observer.
func (m *Metrics) ProviderRequest(endpoint string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.provider.WithLabelValues(endpoint, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) challenge()             { m.logins.Inc() }
func (m *Metrics) callback(result string) { m.callbacks.WithLabelValues(result).Inc() }
func (m *Metrics) logout(origin string)   { m.logouts.WithLabelValues(origin).Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
