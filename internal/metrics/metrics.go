package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder tracks job throughput and lifecycle transitions
type Recorder struct {
	registry *prometheus.Registry

	signals      *prometheus.CounterVec
	closingLines *prometheus.CounterVec
	settlements  *prometheus.CounterVec
	quotes       *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	staleness    *prometheus.GaugeVec
}

// New creates a recorder on its own registry
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		signals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_signals_total",
				Help: "Signal lifecycle transitions",
			},
			[]string{"action"}, // created, refreshed, duplicate, expired
		),
		closingLines: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_closing_lines_total",
				Help: "Closing line capture attempts by outcome",
			},
			[]string{"outcome"}, // captured, deferred, duplicate, failed
		),
		settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_settlements_total",
				Help: "Settled signals by result",
			},
			[]string{"result"},
		),
		quotes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_quotes_ingested_total",
				Help: "Odds quotes ingested from streams",
			},
			[]string{"sport"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_errors_total",
				Help: "Errors by job",
			},
			[]string{"job"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signal_engine_job_duration_seconds",
				Help:    "Duration of scheduled job runs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		staleness: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "signal_engine_staleness_seconds",
				Help: "Seconds since the newest row per data source",
			},
			[]string{"source"},
		),
	}
}

func (r *Recorder) RecordSignal(action string) {
	r.signals.WithLabelValues(action).Inc()
}

func (r *Recorder) RecordSignals(action string, n int) {
	r.signals.WithLabelValues(action).Add(float64(n))
}

func (r *Recorder) RecordClosingLine(outcome string) {
	r.closingLines.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordSettlement(result string) {
	r.settlements.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordQuote(sport string) {
	r.quotes.WithLabelValues(sport).Inc()
}

func (r *Recorder) RecordError(job string) {
	r.errorsTotal.WithLabelValues(job).Inc()
}

func (r *Recorder) RecordJob(job string, elapsed time.Duration) {
	r.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (r *Recorder) RecordStaleness(source string, age time.Duration) {
	r.staleness.WithLabelValues(source).Set(age.Seconds())
}

// Registry exposes the underlying registry for tests
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in Prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
