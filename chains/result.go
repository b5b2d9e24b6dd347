package chains

import (
	"fmt"
	"net/http"

	"github.com/parvit/closecheck/shared"
)

// Outcome classifies the result of a chain
type Outcome int

const (
	OutcomeMatched Outcome = iota
	OutcomeMismatch
	OutcomeTimeout
	OutcomeConnectionLost
	OutcomeUnavailable
)

var outcomeNames = []string{"matched", "mismatch", "timeout", "connection lost", "connection unavailable"}

func (o Outcome) String() string {
	if int(o) < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Response is the part of a received response retained for matching and reporting
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"headers,omitempty"`
	Body   []byte      `json:"-"`
}

// ChainResult reports the execution of one chain
type ChainResult struct {
	Index int  `json:"index"`
	Sent  bool `json:"sent"`
	// Received response, nil if none was received
	Received *Response `json:"received,omitempty"`
	Matched  bool      `json:"matched"`
	Outcome  Outcome   `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
}

// Err returns nil for a matched chain, otherwise the error describing the outcome
func (r ChainResult) Err() error {
	switch r.Outcome {
	case OutcomeMatched:
		return nil
	case OutcomeUnavailable:
		return fmt.Errorf("chain %d: %w", r.Index, shared.ErrConnectionUnavailable)
	case OutcomeConnectionLost:
		return fmt.Errorf("chain %d: %w: %s", r.Index, shared.ErrConnectionLost, r.Reason)
	default:
		return fmt.Errorf("chain %d: %w: %s", r.Index, shared.ErrChainMismatch, r.Reason)
	}
}

// FirstFailure returns the first result not matched, ok is false if all are matched
func FirstFailure(results []ChainResult) (ChainResult, bool) {
	for _, r := range results {
		if !r.Matched {
			return r, true
		}
	}
	return ChainResult{}, false
}
