package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type RelayMetrics interface {
	IncRelayResult(status, stage string)
	IncFeeBump()
	IncSponsorRequest(outcome string)
	IncNonceReallocation()
	ObserveConfirmationSeconds(float64)

	AddUptime(float64)
}

// PrometheusMetrics contains instrumented metrics updated by the relay pipeline
type PrometheusMetrics struct {
	uptime prometheus.Counter

	relayResults       *prometheus.CounterVec
	feeBumps           prometheus.Counter
	sponsorRequests    *prometheus.CounterVec
	nonceReallocations prometheus.Counter
	confirmation       prometheus.Histogram
}

const relayNamespace = "ap_relay"

func NewRelayMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		uptime: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "uptime_milliseconds_total",
				Help:      "The elapse time in milliseconds since the relay is booted",
			}),

		relayResults: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "operations_total",
				Help:      "Relayed operations by final status and, for failures, the stage that failed",
			}, []string{"status", "stage"}),

		feeBumps: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "fee_bumps_total",
				Help:      "The number of fee bumps after a replacement underpriced rejection",
			}),

		sponsorRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "sponsor_requests_total",
				Help:      "Paymaster sponsorship requests by outcome",
			}, []string{"outcome"}),

		nonceReallocations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "nonce_reallocations_total",
				Help:      "The number of times a nonce was re-allocated after the bundler rejected it. If it keeps increasing, another writer uses the same nonce key",
			}),

		confirmation: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: relayNamespace,
				Name:      "confirmation_seconds",
				Help:      "Time from submission to a confirmed receipt",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			}),
	}
}

func (m *PrometheusMetrics) IncRelayResult(status, stage string) {
	m.relayResults.WithLabelValues(status, stage).Inc()
}

func (m *PrometheusMetrics) IncFeeBump() {
	m.feeBumps.Inc()
}

func (m *PrometheusMetrics) IncSponsorRequest(outcome string) {
	m.sponsorRequests.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) IncNonceReallocation() {
	m.nonceReallocations.Inc()
}

func (m *PrometheusMetrics) ObserveConfirmationSeconds(seconds float64) {
	m.confirmation.Observe(seconds)
}

func (m *PrometheusMetrics) AddUptime(total float64) {
	m.uptime.Add(total)
}

// NoopMetrics is used when the relay runs without a metrics registry, e.g. from the CLI.
type NoopMetrics struct{}

func (NoopMetrics) IncRelayResult(status, stage string)        {}
func (NoopMetrics) IncFeeBump()                                {}
func (NoopMetrics) IncSponsorRequest(outcome string)           {}
func (NoopMetrics) IncNonceReallocation()                      {}
func (NoopMetrics) ObserveConfirmationSeconds(seconds float64) {}
func (NoopMetrics) AddUptime(total float64)                    {}
