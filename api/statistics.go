package api

import (
	"fmt"
	"strings"
	"sync"

	"github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

const (
	// SCENARIO_RUNS number of scenarios executed
	SCENARIO_RUNS string = "counter-scenario-runs"
	// SCENARIO_PASSED number of scenarios which reached the verified state with a passing verdict
	SCENARIO_PASSED string = "counter-scenario-passed"
	// SCENARIO_FAILED number of scenarios which failed
	SCENARIO_FAILED string = "counter-scenario-failed"
	// CHAINS_MATCHED number of chains which matched their expectation
	CHAINS_MATCHED string = "counter-chains-matched"
	// CHAINS_FAILED number of chains which did not match their expectation
	CHAINS_FAILED string = "counter-chains-failed"
	// CONNECTIONS_MATCHED number of connections closed with an accepted sequence
	CONNECTIONS_MATCHED string = "counter-connections-matched"
	// CONNECTIONS_MISMATCHED number of connections closed with an incorrect sequence
	CONNECTIONS_MISMATCHED string = "counter-connections-mismatched"
	// SEGMENTS_CAPTURED number of segments processed by the analyzers
	SEGMENTS_CAPTURED string = "counter-segments"
	// BACKEND_CONNECTIONS connections accepted by the server stand-in
	BACKEND_CONNECTIONS string = "counter-backend-connections"
	// BACKEND_REQUESTS requests answered by the server stand-in
	BACKEND_REQUESTS string = "counter-backend-requests"
	// PROXY_CONNECTIONS connections accepted by the in-process reference proxy
	PROXY_CONNECTIONS string = "counter-proxy-connections"
	// INFO_STATE last state reached by a scenario
	INFO_STATE string = "info-state"
	// INFO_RESULT last result of a scenario
	INFO_RESULT string = "info-result"
	// INFO_UPDATE last time a scenario was completed
	INFO_UPDATE string = "info-update"
)

// Statistics global variable to act on statistics kept by the system
var Statistics = &statistics{}

func init() {
	Statistics.Reset()
}

// statistics struct of the statistical values that the system keeps track of, which can
// be either counters with float64 type or state string values
type statistics struct {
	// semCounters read/write mutex for counters
	semCounters *sync.RWMutex
	// semState read/write mutex for states
	semState *sync.RWMutex

	// counters map of the numerical values kept track of
	counters map[string]float64
	// state map of the states tracked
	state map[string]string
	// scenarios names of the scenarios executed
	scenarios []string
	// brokerClient publisher of the verdict events, nil if disabled
	brokerClient *analyticsClient
}

// init called automatically before any operation that accesses the tracked data
// ensuring that the locking elements are initialized
func (s *statistics) init() {
	if s.semCounters != nil && s.semState != nil {
		return
	}

	logger.Debug("Statistics init.")
	s.semCounters = &sync.RWMutex{}
	s.semState = &sync.RWMutex{}
	s.scenarios = make([]string, 0, 32)
}

// Reset called every time all the data is to thrown away and reinitialized
func (s *statistics) Reset() {
	s.semCounters = nil
	s.semState = nil
	s.init()

	logger.Debug("Statistics reset.")
	s.counters = make(map[string]float64)
	s.state = make(map[string]string)
}

// asKey method abstract the generation of the attribute keys from a given prefix
// and subkeys with the following format:
// empty subkeys: "<prefix>[<subkey1>-<subkey2>-...-<subkeyN>]"
func (s *statistics) asKey(prefix string, subkeys ...string) string {
	var key = ""
	switch len(subkeys) {
	case 0:
		key = prefix + "[]"
		break
	case 1:
		key = prefix + "[" + subkeys[0] + "]"
		break
	default:
		key = prefix + "[" + strings.Join(subkeys, "-") + "]"
		break
	}
	return strings.ToLower(key)
}

// ---- Counters ---- //
// GetCounter method returns a counter with given prefix and subkeys atomically
// if it exists in the counters map, if not present or the key is empty then returns -1.
// Note that after a failed call the key will still not exist.
func (s *statistics) GetCounter(prefix string, subkeys ...string) float64 {
	key := s.asKey(prefix, subkeys...)
	if len(key) <= 2 {
		return -1
	}

	s.init()
	s.semCounters.RLock()
	defer s.semCounters.RUnlock()

	logger.Debug("GET counter: %s = %.2f\n", key, s.counters[key])
	if val, ok := s.counters[key]; ok {
		return val
	}
	return -1
}

// SetCounter method sets a counter with given prefix and subkeys atomically to a given value.
// Returns the set value or -1 if the key is empty. Will panic if the set value is < 0.
func (s *statistics) SetCounter(value float64, prefix string, keyparts ...string) float64 {
	if value < 0 {
		panic(fmt.Sprintf("Will not track negative values: (%s %v: %.2f)", prefix, keyparts, value))
	}

	key := s.asKey(prefix, keyparts...)
	if len(key) <= 2 {
		return -1
	}

	s.init()
	s.semCounters.Lock()
	defer s.semCounters.Unlock()

	s.counters[key] = value
	logger.Debug("SET counter: %s = %.2f\n", key, s.counters[key])
	return value
}

// IncrementCounter method sets a counter with given prefix and subkeys atomically to its current
// value plus the _incr_ parameter value (will panic if incr < 0).
// If the key does not exist than it is created atomically with the absolute value of the increment.
// Returns the set value or -1 if the key is empty.
func (s *statistics) IncrementCounter(incr float64, prefix string, keyparts ...string) float64 {
	if incr < 0.0 {
		panic("Cannot increase value by a negative value!")
	}

	key := s.asKey(prefix, keyparts...)
	if len(key) <= 2 {
		return -1
	}
	s.init()
	s.semCounters.Lock()
	defer s.semCounters.Unlock()

	value, ok := s.counters[key]
	if !ok {
		s.counters[key] = incr
		return incr
	}

	s.counters[key] = value + incr
	return s.counters[key]
}

// ---- State ---- //
// GetState method returns the state string identified by the given prefix and subkeys atomically
// if it exists in the states map. If not present or the key is empty then returns an empty string.
// Note that after a failed call the key will still not exist.
func (s *statistics) GetState(prefix string, keyparts ...string) string {
	key := s.asKey(prefix, keyparts...)
	if len(key) <= 2 {
		return ""
	}

	s.init()
	s.semState.RLock()
	defer s.semState.RUnlock()

	if val, ok := s.state[key]; ok {
		return val
	}
	return ""
}

// SetState method sets the state identified by the given prefix and subkeys atomically to a given value.
// Returns the set value or empty string if the key is empty.
func (s *statistics) SetState(prefix, value string, keyparts ...string) string {
	key := s.asKey(prefix, keyparts...)
	if len(key) <= 2 {
		return ""
	}

	s.init()
	s.semState.Lock()
	defer s.semState.Unlock()

	s.state[key] = value
	return value
}

// ---- scenarios ---- //
// TrackScenario method adds the name to the list of the scenarios executed, counting the runs
// of each scenario with the SCENARIO_RUNS counter keyed by name
func (s *statistics) TrackScenario(name string) {
	s.init()
	if len(name) == 0 {
		return
	}

	s.semState.Lock()
	found := false
	for _, n := range s.scenarios {
		if strings.EqualFold(n, name) {
			found = true
			break
		}
	}
	if !found {
		s.scenarios = append(s.scenarios, name)
	}
	s.semState.Unlock()

	s.IncrementCounter(1.0, SCENARIO_RUNS, name)
}

// GetScenarios method returns the names of the scenarios executed, in order of first execution
func (s *statistics) GetScenarios() []string {
	s.init()
	s.semState.RLock()
	defer s.semState.RUnlock()

	return append([]string{}, s.scenarios...)
}

// ---- broker ---- //
// Start method launches the publisher of the verdict events if enabled in the configuration
func (s *statistics) Start(brokerConfig *shared.AnalyticsDefinition) {
	s.launchAnalyticsBrokerClient(brokerConfig)
}

// Stop method terminates the publisher of the verdict events
func (s *statistics) Stop() {
	s.stopAnalyticsBrokerClient()
}

// SendEvent method forwards a verdict event to the publisher, if running
func (s *statistics) SendEvent(event VerdictEvent) {
	s.brokerClient.SendEvent(event)
}
