package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_triage"

var (
	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incidents reaching a status, partitioned by status.",
		},
		[]string{"status"},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_seconds",
			Help:      "Pipeline stage latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the orchestrator queue.",
		},
	)

	playbooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbooks_total",
			Help:      "Generated playbooks, partitioned by source.",
		},
		[]string{"source"},
	)

	forecastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecasts_total",
			Help:      "Forecast window outcomes.",
		},
		[]string{"outcome"},
	)

	feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback records appended, partitioned by channel.",
		},
		[]string{"channel"},
	)

	retrainCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrain_cycles_total",
			Help:      "Retraining cycles, partitioned by model kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

// Register attaches mirador-triage collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentsTotal,
		stageDurationSeconds,
		queueDepth,
		playbooksTotal,
		forecastsTotal,
		feedbackTotal,
		retrainCyclesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIncident counts an incident status transition.
func ObserveIncident(status string) {
	incidentsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records a stage duration.
func ObserveStage(stage string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// SetQueueDepth reports the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObservePlaybook counts a playbook by source.
func ObservePlaybook(source string) {
	playbooksTotal.WithLabelValues(source).Inc()
}

// ObserveForecast counts a forecast window outcome.
func ObserveForecast(outcome string) {
	forecastsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFeedback counts an appended feedback record.
func ObserveFeedback(channel string) {
	feedbackTotal.WithLabelValues(channel).Inc()
}

// ObserveRetrain counts a finished retraining cycle.
func ObserveRetrain(kind, outcome string) {
	retrainCyclesTotal.WithLabelValues(kind, outcome).Inc()
}
