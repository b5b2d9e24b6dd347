package scenario

import (
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/parvit/closecheck/analyzer"
	"github.com/parvit/closecheck/api"
	"github.com/parvit/closecheck/capture"
	"github.com/parvit/closecheck/chains"
)

// Verdict is the outcome of a scenario execution, it is not modified once returned
type Verdict struct {
	Scenario string
	// State reached, StateVerified or StateFailed
	State State
	// Passed true if every chain matched and every connection was closed correctly
	Passed bool
	// Err first error of the execution, nil if passed
	Err error
	// Chains one result per chain of the scenario, partial if the execution failed early
	Chains []chains.ChainResult
	// CloseVerdict result of the analyzer, meaningful only if the analyzer was stopped
	CloseVerdict bool
	// Records per connection close records observed by the analyzer
	Records []analyzer.Record
	// SegmentCount number of segments observed on the path
	SegmentCount int
	// DumpFile path of the capture dump of a failed execution, empty if not saved
	DumpFile string

	Started   time.Time
	Completed time.Time
}

// Reason returns the description of the failure, empty if passed
func (v Verdict) Reason() string {
	if v.Err == nil {
		return ""
	}
	return v.Err.Error()
}

// FailedChain returns the index of the first unmatched chain, -1 if all matched
func (v Verdict) FailedChain() int {
	if res, ok := chains.FirstFailure(v.Chains); ok {
		return res.Index
	}
	return -1
}

// Mismatched returns the records of the connections closed incorrectly
func (v Verdict) Mismatched() []analyzer.Record {
	list := make([]analyzer.Record, 0)
	for _, r := range v.Records {
		if r.Verdict == analyzer.Mismatched {
			list = append(list, r)
		}
	}
	return list
}

// Report converts the verdict to its published form, the segments of the mismatched
// connections are included as a dump
func (v Verdict) Report() api.VerdictReport {
	report := api.VerdictReport{
		Scenario:      v.Scenario,
		Passed:        v.Passed,
		State:         v.State.String(),
		Reason:        v.Reason(),
		FailedChain:   v.FailedChain(),
		CloseMismatch: len(v.Mismatched()) > 0,
		Chains:        make([]api.ChainReport, 0, len(v.Chains)),
		Connections:   make([]api.ConnectionReport, 0, len(v.Records)),
		Started:       v.Started,
		Completed:     v.Completed,
	}

	for _, res := range v.Chains {
		chain := api.ChainReport{
			Index:   res.Index,
			Matched: res.Matched,
			Outcome: res.Outcome.String(),
			Reason:  res.Reason,
		}
		if res.Received != nil {
			chain.Status = res.Received.Status
		}
		report.Chains = append(report.Chains, chain)
	}

	for _, r := range v.Records {
		conn := api.ConnectionReport{
			ConnectionID: r.ConnectionID,
			Side:         r.Side.String(),
			Verdict:      r.Verdict.String(),
			Reason:       r.Reason,
			Segments:     len(r.Segments),
		}
		if r.Initiator != capture.RoleUnknown {
			conn.Initiator = r.Initiator.String()
		}
		if r.Pattern != analyzer.PatternNone {
			conn.Pattern = r.Pattern.String()
		}
		if r.Verdict == analyzer.Mismatched {
			conn.Dump = r.Dump()
		}
		report.Connections = append(report.Connections, conn)
	}
	return report
}

// Dump returns the full description of the verdict for diagnosis
func (v Verdict) Dump() string {
	return spew.Sdump(v)
}
