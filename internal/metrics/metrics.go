// Package metrics registers the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LogsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_logs_processed_total", Help: "Logs processed by the stream pipeline"},
		[]string{"service"},
	)
	ParseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_parse_failures_total", Help: "Logs that failed parsing and were treated as unclassifiable"},
		[]string{"service", "format"},
	)
	Anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_anomalies_total", Help: "Anomalies detected"},
		[]string{"service", "cause"},
	)
	AlertsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_alerts_delivered_total", Help: "Alert deliveries by sink and outcome"},
		[]string{"sink", "outcome"},
	)
	AlertsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "anomalyd_alerts_dropped_total", Help: "Alert events dropped from a full dispatch queue"},
	)
	TrainingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_training_runs_total", Help: "Training jobs by outcome"},
		[]string{"outcome"},
	)
	RateWindowGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "anomalyd_rate_window_count", Help: "Anomaly timestamps currently inside each service's rate window"},
		[]string{"service"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		LogsProcessed, ParseFailures, Anomalies,
		AlertsDelivered, AlertsDropped, TrainingRuns, RateWindowGauge,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
