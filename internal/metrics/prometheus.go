// Package metrics records load pipeline metrics with Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements service.Metrics using Prometheus.
type Recorder struct {
	loadsTotal    *prometheus.CounterVec
	discrepancies *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	rows          prometheus.Gauge
	groups        prometheus.Gauge
	openFindings  prometheus.Gauge
}

// New creates a recorder registered with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		loadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posttrade_loads_total",
				Help: "Total number of table loads by result",
			},
			[]string{"result"},
		),
		discrepancies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posttrade_discrepancies_total",
				Help: "Total number of cumulative column discrepancies detected",
			},
			[]string{"column"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "posttrade_stage_duration_seconds",
				Help:    "Duration of load pipeline stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		rows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "posttrade_snapshot_rows",
			Help: "Number of trades in the current snapshot",
		}),
		groups: factory.NewGauge(prometheus.GaugeOpts{
			Name: "posttrade_snapshot_groups",
			Help: "Number of instrument-day groups in the current snapshot",
		}),
		openFindings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "posttrade_snapshot_discrepancies",
			Help: "Number of discrepancies in the current snapshot",
		}),
	}
}

// RecordLoad records a finished load attempt ("ok", "schema_error", "time_error", ...).
func (r *Recorder) RecordLoad(result string) {
	r.loadsTotal.WithLabelValues(result).Inc()
}

// RecordDiscrepancy records one discrepancy for a cumulative column.
func (r *Recorder) RecordDiscrepancy(column string) {
	r.discrepancies.WithLabelValues(column).Inc()
}

// RecordLatency records stage latency in seconds.
func (r *Recorder) RecordLatency(stage string, seconds float64) {
	r.latency.WithLabelValues(stage).Observe(seconds)
}

// RecordSnapshot records the size of a newly published snapshot.
func (r *Recorder) RecordSnapshot(rows, groups, discrepancies int) {
	r.rows.Set(float64(rows))
	r.groups.Set(float64(groups))
	r.openFindings.Set(float64(discrepancies))
}
