package api

import (
	"time"

	"github.com/julienschmidt/httprouter"
)

// APIRouter struct that encapsulates the registered paths to be served
type APIRouter struct {
	// handler Httprouter that handles the requests to the report apis
	handler *httprouter.Router
	// metrics collectors exposed on the metrics path
	metrics *Metrics
}

// ConnectionReport models the close sequence verdict of a single observed connection
type ConnectionReport struct {
	// ConnectionID identifier of the connection as client:port-server:port
	ConnectionID string `json:"connection"`
	// Side leg of the path on which the connection was observed
	Side string `json:"side"`
	// Verdict matched or mismatched
	Verdict string `json:"verdict"`
	// Initiator role which sent the first FIN (or RST)
	Initiator string `json:"initiator,omitempty"`
	// Pattern shape of the observed close sequence
	Pattern string `json:"pattern,omitempty"`
	// Reason description of the mismatch, empty if matched
	Reason string `json:"reason,omitempty"`
	// Segments number of segments recorded for the connection
	Segments int `json:"segments"`
	// Dump textual dump of the segments of a mismatched connection
	Dump string `json:"dump,omitempty"`
}

// ChainReport models the result of a single chain of a scenario
type ChainReport struct {
	// Index position of the chain in the scenario
	Index int `json:"index"`
	// Matched true if the response matched the expectation
	Matched bool `json:"matched"`
	// Outcome name of the outcome of the chain
	Outcome string `json:"outcome"`
	// Status status code received, 0 if no response was received
	Status int `json:"status,omitempty"`
	// Reason description of the mismatch, empty if matched
	Reason string `json:"reason,omitempty"`
}

// VerdictReport models the complete outcome of a scenario execution
type VerdictReport struct {
	// Scenario name of the scenario
	Scenario string `json:"scenario"`
	// Passed true if every chain and every connection matched
	Passed bool `json:"passed"`
	// State last state reached by the scenario
	State string `json:"state"`
	// Reason description of the failure, empty if passed
	Reason string `json:"reason,omitempty"`
	// FailedChain index of the first unmatched chain, -1 if none
	FailedChain int `json:"failed_chain"`
	// CloseMismatch true if at least one connection was closed with an incorrect sequence
	CloseMismatch bool `json:"close_mismatch"`
	// Chains per chain results
	Chains []ChainReport `json:"chains"`
	// Connections per connection close verdicts
	Connections []ConnectionReport `json:"connections"`
	// Started time of the start of the execution
	Started time.Time `json:"started"`
	// Completed time of the verdict
	Completed time.Time `json:"completed"`
}

// Duration returns the execution time of the scenario
func (v VerdictReport) Duration() time.Duration {
	if v.Completed.Before(v.Started) {
		return 0
	}
	return v.Completed.Sub(v.Started)
}

// VerdictEvent models the summary of a verdict published to the broker
type VerdictEvent struct {
	// Scenario name of the scenario
	Scenario string `json:"scenario"`
	// Passed true if the scenario passed
	Passed bool `json:"passed"`
	// Reason description of the failure, empty if passed
	Reason string `json:"reason,omitempty"`
	// Timestamp time of the verdict formatted via layout RFC3339
	Timestamp string `json:"timestamp"`
}

// VerdictsResponse models the list of verdicts served to an api client
type VerdictsResponse struct {
	// Data verdicts in order of completion
	Data []VerdictReport `json:"data"`
}

// StatsInfo models a single statistics info tracked by the checker
type StatsInfo struct {
	// ID Unique value in the attributes list
	ID int `json:"id"`
	// Attribute Printable name of the attribute
	Attribute string `json:"attribute"`
	// Value string value of the attribute value
	Value string `json:"value"`
	// Name Internal name of the attribute
	Name string `json:"name"`
}

// StatsInfoResponse models the list of statistics being served to an api client
type StatsInfoResponse struct {
	// Data List of the collected statistics
	Data []StatsInfo `json:"data"`
}

// --- Router --- //
// notFoundHandler struct to handle the scenario of an api not found
type notFoundHandler struct{}

// notFoundHandler struct to handle the scenario of an api with a method not expected
type methodsNotAllowedHandler struct{}
