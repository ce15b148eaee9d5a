// Package metrics provides Prometheus instrumentation for downsampling runs.
//
// Metrics exposed (all carry a constant task_id label):
//   - downsampler_runs_total: Counter of invocations by outcome (none|schema|query|write)
//   - downsampler_rows_written_total: Counter of rows written to the target
//   - downsampler_write_retries_total: Counter of batch write retries
//   - downsampler_stage_duration_seconds: Histogram of query_gen, query and write durations
//   - downsampler_last_success_timestamp_seconds: Gauge of the last successful window end
//   - downsampler_runs_in_flight: Gauge of concurrently executing invocations
//   - downsampler_runs_rejected_total: Counter of scheduled fires dropped at the concurrency limit
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/downsampler/pkg/pipeline"
)

type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RowsWritten   prometheus.Counter
	WriteRetries  prometheus.Counter
	StageDuration *prometheus.HistogramVec
	LastSuccess   prometheus.Gauge
	InFlight      prometheus.Gauge
	Rejected      prometheus.Counter
}

// New registers the metrics with the default registry.
func New(taskID string) *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, taskID)
}

// NewWithRegistry registers the metrics with reg.
func NewWithRegistry(reg prometheus.Registerer, taskID string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"task_id": taskID}

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "downsampler_runs_total",
			Help:        "Total number of downsampling invocations by error kind",
			ConstLabels: labels,
		}, []string{"error_kind"}),

		RowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name:        "downsampler_rows_written_total",
			Help:        "Total number of downsampled rows written to the target",
			ConstLabels: labels,
		}),

		WriteRetries: factory.NewCounter(prometheus.CounterOpts{
			Name:        "downsampler_write_retries_total",
			Help:        "Total number of batch write retries",
			ConstLabels: labels,
		}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "downsampler_stage_duration_seconds",
			Help:        "Duration of invocation stages",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"stage"}),

		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "downsampler_last_success_timestamp_seconds",
			Help:        "End of the last successfully written window as a unix timestamp",
			ConstLabels: labels,
		}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "downsampler_runs_in_flight",
			Help:        "Number of invocations currently executing",
			ConstLabels: labels,
		}),

		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Name:        "downsampler_runs_rejected_total",
			Help:        "Total number of scheduled runs rejected at the concurrency limit",
			ConstLabels: labels,
		}),
	}
}

// ObserveRun records one RunRecord.
func (m *Metrics) ObserveRun(rec pipeline.RunRecord) {
	kind := rec.ErrorKind
	if kind == "" {
		kind = pipeline.KindNone
	}
	m.RunsTotal.WithLabelValues(string(kind)).Inc()
	m.RowsWritten.Add(float64(rec.RowCount))
	m.WriteRetries.Add(float64(rec.RetryCount))

	m.StageDuration.WithLabelValues("query_gen").Observe(rec.QueryGenDuration.Seconds())
	if rec.QueryDuration > 0 {
		m.StageDuration.WithLabelValues("query").Observe(rec.QueryDuration.Seconds())
	}
	if rec.WriteDuration > 0 {
		m.StageDuration.WithLabelValues("write").Observe(rec.WriteDuration.Seconds())
	}

	if rec.Succeeded() {
		m.LastSuccess.Set(float64(rec.End.Unix()))
	}
}

func (m *Metrics) SetInFlight(n int) {
	m.InFlight.Set(float64(n))
}

func (m *Metrics) IncRejected() {
	m.Rejected.Inc()
}

var _ pipeline.Observer = (*Metrics)(nil)
