// Package metrics provides the prometheus collector for artifact
// transfers and lifecycle state. This package is internal and should not
// be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records transfer and lifecycle metrics.
type Collector struct {
	transfersStarted   *prometheus.CounterVec
	transfersCompleted *prometheus.CounterVec
	transfersFailed    *prometheus.CounterVec
	bytesDownloaded    *prometheus.CounterVec
	transferDuration   *prometheus.HistogramVec
	installedArtifacts *prometheus.GaugeVec
}

// NewCollector creates a collector registered on reg. Pass nil to use the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		transfersStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelstore",
			Name:      "transfers_started_total",
			Help:      "Artifact transfers started, by family.",
		}, []string{"family"}),
		transfersCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelstore",
			Name:      "transfers_completed_total",
			Help:      "Artifact transfers completed successfully, by family.",
		}, []string{"family"}),
		transfersFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelstore",
			Name:      "transfers_failed_total",
			Help:      "Artifact transfers that ended in error, by family and error code.",
		}, []string{"family", "code"}),
		bytesDownloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelstore",
			Name:      "bytes_downloaded_total",
			Help:      "Bytes written to disk by completed transfers, by family.",
		}, []string{"family"}),
		transferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelstore",
			Name:      "transfer_duration_seconds",
			Help:      "Wall time of completed transfers.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"family"}),
		installedArtifacts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modelstore",
			Name:      "installed_artifacts",
			Help:      "Artifacts currently installed, by family.",
		}, []string{"family"}),
	}
}

// TransferStarted records a transfer start.
func (c *Collector) TransferStarted(family string) {
	c.transfersStarted.WithLabelValues(family).Inc()
}

// TransferCompleted records a successful transfer.
func (c *Collector) TransferCompleted(family string, bytes int64, elapsed time.Duration) {
	c.transfersCompleted.WithLabelValues(family).Inc()
	c.bytesDownloaded.WithLabelValues(family).Add(float64(bytes))
	c.transferDuration.WithLabelValues(family).Observe(elapsed.Seconds())
}

// TransferFailed records a failed transfer with its error code.
func (c *Collector) TransferFailed(family, code string) {
	c.transfersFailed.WithLabelValues(family, code).Inc()
}

// SetInstalled records the current number of installed artifacts.
func (c *Collector) SetInstalled(family string, count int) {
	c.installedArtifacts.WithLabelValues(family).Set(float64(count))
}
