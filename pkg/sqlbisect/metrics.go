package sqlbisect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	provisions         *prometheus.CounterVec
	launchAttempts     *prometheus.CounterVec
	runningTasks       *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlbisect_evaluations_total",
			Help: "Candidate evaluations by resulting status",
		}, []string{"status"}),
		evaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqlbisect_evaluation_duration_seconds",
			Help:    "Time from provisioning a candidate until its verdict",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		provisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlbisect_provisions_total",
			Help: "Provisioning attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		launchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlbisect_launch_attempts_total",
			Help: "Cluster launch attempts by outcome",
		}, []string{"outcome"}),
		runningTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sqlbisect_running_tasks",
			Help: "Tasks which have not reached a terminal state",
		}, []string{"kind"}),
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
