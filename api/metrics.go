package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

const METRICS_NAMESPACE = "closecheck"

// Metrics collectors of the scenario verdicts, registered on a private registry
type Metrics struct {
	registry          *prometheus.Registry
	ScenariosTotal    *prometheus.CounterVec
	ChainsTotal       *prometheus.CounterVec
	ConnectionsTotal  *prometheus.CounterVec
	ScenarioDuration  *prometheus.HistogramVec
	LastScenarioState *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ScenariosTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "scenarios_total",
			Help:      "Total scenarios executed by result",
		}, []string{"scenario", "result"}),
		ChainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "chains_total",
			Help:      "Total chains executed by outcome",
		}, []string{"outcome"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "connections_total",
			Help:      "Total connections verified by close verdict",
		}, []string{"verdict"}),
		ScenarioDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "scenario_duration_seconds",
			Help:      "Execution time of the scenarios",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"scenario"}),
		LastScenarioState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "scenario_passed",
			Help:      "1 if the last execution of the scenario passed, 0 otherwise",
		}, []string{"scenario"}),
	}
	r.MustRegister(m.ScenariosTotal, m.ChainsTotal, m.ConnectionsTotal, m.ScenarioDuration, m.LastScenarioState)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe accounts the verdict in the collectors
func (m *Metrics) Observe(report VerdictReport) {
	result := "failed"
	passed := 0.0
	if report.Passed {
		result = "passed"
		passed = 1.0
	}
	m.ScenariosTotal.WithLabelValues(report.Scenario, result).Inc()
	m.LastScenarioState.WithLabelValues(report.Scenario).Set(passed)
	m.ScenarioDuration.WithLabelValues(report.Scenario).Observe(report.Duration().Seconds())

	for _, c := range report.Chains {
		m.ChainsTotal.WithLabelValues(c.Outcome).Inc()
	}
	for _, c := range report.Connections {
		m.ConnectionsTotal.WithLabelValues(c.Verdict).Inc()
	}
}
