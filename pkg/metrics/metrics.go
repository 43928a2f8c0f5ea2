// Package metrics exposes Prometheus collectors for the interview service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "grillo"

// Metrics owns its registry so that tests and multiple servers in one
// process do not collide on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	turnsTotal       *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	reportsTotal     *prometheus.CounterVec
	conflictsTotal   prometheus.Counter
	engineDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of interview sessions started",
			},
			[]string{"mode"},
		),
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of candidate turns recorded",
			},
			[]string{"mode", "kind"}, // kind: answer, silence
		),
		sessionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_finished_total",
				Help:      "Total number of interviews finished, by reason",
			},
			[]string{"reason"},
		),
		reportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_total",
				Help:      "Total number of reports generated",
			},
			[]string{"outcome"}, // outcome: complete, incomplete
		),
		conflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turn_conflicts_total",
				Help:      "Turn submissions rejected because another one was in flight",
			},
		),
		engineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_duration_seconds",
				Help:      "Duration of reasoning and speech engine calls in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"op", "status"}, // status: success, error
		),
	}
	m.registry.MustRegister(
		m.sessionsStarted,
		m.turnsTotal,
		m.sessionsFinished,
		m.reportsTotal,
		m.conflictsTotal,
		m.engineDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The recorders below accept a nil receiver so metrics stay optional.

func (m *Metrics) SessionStarted(mode string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(mode).Inc()
}

func (m *Metrics) TurnRecorded(mode string, silent bool) {
	if m == nil {
		return
	}
	kind := "answer"
	if silent {
		kind = "silence"
	}
	m.turnsTotal.WithLabelValues(mode, kind).Inc()
}

func (m *Metrics) SessionFinished(reason string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReportGenerated(incomplete bool) {
	if m == nil {
		return
	}
	outcome := "complete"
	if incomplete {
		outcome = "incomplete"
	}
	m.reportsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TurnConflict() {
	if m == nil {
		return
	}
	m.conflictsTotal.Inc()
}

// ObserveEngine records one engine call started at start.
func (m *Metrics) ObserveEngine(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.engineDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
