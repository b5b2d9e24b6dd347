package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/parvit/closecheck/shared"
	"github.com/parvit/closecheck/version"
)

const (
	// API_PREFIX prefix of all the report apis
	API_PREFIX string = "/api/v1"

	API_VERDICTS_PATH   string = "/verdicts"
	API_VERDICT_PATH    string = "/verdicts/:name"
	API_SCENARIOS_PATH  string = "/statistics/scenarios"
	API_STATISTICS_PATH string = "/statistics/data/:name"
	API_VERSION_PATH    string = "/version"
	API_METRICS_PATH    string = "/metrics"
)

// formatRequest method formats to a string the request in input, if verbose configuration
// is set then also the body of the request is extracted
func formatRequest(r *http.Request) string {
	data, err := httputil.DumpRequest(r, shared.CloseCheckConfig.Verbose)
	if err != nil {
		return fmt.Sprintf("REQUEST: %v", err)
	}

	return string(data)
}

// writeJSON marshals the value as the body of a successful response
func writeJSON(w http.ResponseWriter, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// apiVerdicts handles the api path /verdicts , which sends as output a json object
// of type VerdictsResponse with every verdict in order of completion
func apiVerdicts(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, VerdictsResponse{Data: Verdicts.List()})
}

// apiVerdict handles the api path /verdicts/:name , which sends as output the json object
// of type VerdictReport of the last execution of the named scenario
func apiVerdict(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if len(name) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	report, ok := Verdicts.Get(name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, report)
}

// apiStatisticsScenarios handles the api path /statistics/scenarios , which responds using a
// json object of type StatsInfoResponse, containing an attribute object StatsInfo of value "Scenario"
// for every scenario executed
func apiStatisticsScenarios(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	info := StatsInfoResponse{}
	info.Data = make([]StatsInfo, 0, 8)

	scenarios := Statistics.GetScenarios()
	for i := 0; i < len(scenarios); i++ {
		info.Data = append(info.Data, StatsInfo{
			ID:        i + 1,
			Attribute: "Scenario",
			Value:     scenarios[i],
		})
	}
	writeJSON(w, info)
}

// apiStatisticsData handles the api path /statistics/data/:name , which responds using a json
// object of type StatsInfoResponse, containing attribute objects of type StatsInfo with values:
// * SCENARIO_RUNS
// * SCENARIO_PASSED
// * SCENARIO_FAILED
// * CHAINS_MATCHED
// * CHAINS_FAILED
// * CONNECTIONS_MATCHED
// * CONNECTIONS_MISMATCHED
// * INFO_STATE
// * INFO_RESULT
// * INFO_UPDATE
// for the named scenario
func apiStatisticsData(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if len(name) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if Statistics.GetCounter(SCENARIO_RUNS, name) < 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	counters := []struct {
		attribute string
		name      string
	}{
		{"Runs", SCENARIO_RUNS},
		{"Passed", SCENARIO_PASSED},
		{"Failed", SCENARIO_FAILED},
		{"Chains Matched", CHAINS_MATCHED},
		{"Chains Failed", CHAINS_FAILED},
		{"Connections Matched", CONNECTIONS_MATCHED},
		{"Connections Mismatched", CONNECTIONS_MISMATCHED},
	}
	states := []struct {
		attribute string
		name      string
	}{
		{"Last State", INFO_STATE},
		{"Last Result", INFO_RESULT},
		{"Last Update", INFO_UPDATE},
	}

	info := StatsInfoResponse{}
	info.Data = make([]StatsInfo, 0, len(counters)+len(states))
	for _, c := range counters {
		value := Statistics.GetCounter(c.name, name)
		if value < 0 {
			value = 0
		}
		info.Data = append(info.Data, StatsInfo{
			ID:        len(info.Data) + 1,
			Attribute: c.attribute,
			Value:     strconv.Itoa(int(value)),
			Name:      c.name,
		})
	}
	for _, st := range states {
		info.Data = append(info.Data, StatsInfo{
			ID:        len(info.Data) + 1,
			Attribute: st.attribute,
			Value:     Statistics.GetState(st.name, name),
			Name:      st.name,
		})
	}
	writeJSON(w, info)
}

// apiVersion handles the api path /version , which sends as output the version of the checker
func apiVersion(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string]string{"version": version.Version()})
}
