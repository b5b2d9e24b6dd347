package api

import (
	"strings"
	"sync"
	"time"

	"github.com/parvit/closecheck/logger"
)

// Verdicts global registry of the verdicts produced by the scenarios
var Verdicts = &verdictRegistry{}

// VerdictMetrics global collectors served on the metrics path
var VerdictMetrics = NewMetrics()

// verdictRegistry keeps the last verdict of every scenario plus the history in order of completion
type verdictRegistry struct {
	mtx     sync.RWMutex
	last    map[string]VerdictReport
	history []VerdictReport
}

func (r *verdictRegistry) store(report VerdictReport) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.last == nil {
		r.last = make(map[string]VerdictReport)
	}
	r.last[strings.ToLower(report.Scenario)] = report
	r.history = append(r.history, report)
}

// Get returns the last verdict of the named scenario
func (r *verdictRegistry) Get(name string) (VerdictReport, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	report, ok := r.last[strings.ToLower(name)]
	return report, ok
}

// List returns every verdict in order of completion
func (r *verdictRegistry) List() []VerdictReport {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return append([]VerdictReport{}, r.history...)
}

// Reset discards the stored verdicts
func (r *verdictRegistry) Reset() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.last = nil
	r.history = nil
}

// PublishVerdict stores the verdict and accounts it in the statistics, the metrics and
// the broker events
func PublishVerdict(report VerdictReport) {
	if len(report.Scenario) == 0 {
		logger.Error("Verdict without scenario name ignored")
		return
	}
	if report.Completed.IsZero() {
		report.Completed = time.Now()
	}
	Verdicts.store(report)

	result := "passed"
	if report.Passed {
		Statistics.IncrementCounter(1.0, SCENARIO_PASSED, report.Scenario)
	} else {
		result = "failed"
		Statistics.IncrementCounter(1.0, SCENARIO_FAILED, report.Scenario)
	}
	for _, c := range report.Chains {
		if c.Matched {
			Statistics.IncrementCounter(1.0, CHAINS_MATCHED, report.Scenario)
		} else {
			Statistics.IncrementCounter(1.0, CHAINS_FAILED, report.Scenario)
		}
	}
	for _, c := range report.Connections {
		if c.Verdict == "matched" {
			Statistics.IncrementCounter(1.0, CONNECTIONS_MATCHED, report.Scenario)
		} else {
			Statistics.IncrementCounter(1.0, CONNECTIONS_MISMATCHED, report.Scenario)
		}
	}
	Statistics.SetState(INFO_STATE, report.State, report.Scenario)
	Statistics.SetState(INFO_RESULT, result, report.Scenario)
	Statistics.SetState(INFO_UPDATE, report.Completed.Format(time.RFC1123Z), report.Scenario)

	VerdictMetrics.Observe(report)

	Statistics.SendEvent(VerdictEvent{
		Scenario:  report.Scenario,
		Passed:    report.Passed,
		Reason:    report.Reason,
		Timestamp: report.Completed.Format(time.RFC3339),
	})
	logger.Info("Verdict of %s: %s", report.Scenario, result)
}
