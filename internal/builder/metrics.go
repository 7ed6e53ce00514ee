package builder

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	attempts      *prometheus.CounterVec
	blocksCreated prometheus.Counter
	buildSeconds  prometheus.Histogram
	blockRecords  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditchain_block_build_attempts_total",
				Help: "Block build attempts by outcome",
			},
			[]string{"outcome"},
		),
		blocksCreated: f.NewCounter(
			prometheus.CounterOpts{
				Name: "auditchain_blocks_created_total",
				Help: "Blocks appended to organization chains",
			},
		),
		buildSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name: "auditchain_block_build_seconds",
				Help: "Duration of a build attempt including lock acquisition",
			},
		),
		blockRecords: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auditchain_block_records",
				Help:    "Number of records sealed per block",
				Buckets: prometheus.LinearBuckets(10, 10, 10),
			},
		),
	}
}

func (m *metrics) observe(res Result, took time.Duration) {
	m.attempts.WithLabelValues(res.Outcome.String()).Inc()
	m.buildSeconds.Observe(took.Seconds())
	if res.Outcome == Built {
		m.blocksCreated.Inc()
		m.blockRecords.Observe(float64(res.Pending))
	}
}
