package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-relay/pkg/logger"
)

// PendingCounter reports how many submissions are still waiting for a receipt.
type PendingCounter interface {
	CountPending() (int, error)
}

// PendingCollector exposes the pending backlog as a gauge computed on every scrape.
type PendingCollector struct {
	source  PendingCounter
	logger  logger.Logger
	pending *prometheus.Desc
}

func NewPendingCollector(source PendingCounter, log logger.Logger) *PendingCollector {
	return &PendingCollector{
		source: source,
		logger: logger.EnsureLogger(log),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(relayNamespace, "", "pending_submissions"),
			"Submissions accepted by the bundler without a receipt yet",
			nil, nil,
		),
	}
}

func (c *PendingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
}

func (c *PendingCollector) Collect(ch chan<- prometheus.Metric) {
	n, err := c.source.CountPending()
	if err != nil {
		// a scrape must not fail because storage is busy
		c.logger.Debug("cannot count pending submissions", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(n))
}
