package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"strings"
	"testing"
	"time"

	"bou.ke/monkey"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/parvit/closecheck/shared"
	"github.com/parvit/closecheck/version"
)

func TestAPISuite(t *testing.T) {
	var q APISuite
	suite.Run(t, &q)
}

type APISuite struct {
	suite.Suite
}

func (s *APISuite) BeforeTest(_, _ string) {
	Statistics.Reset()
	Verdicts.Reset()
}

func (s *APISuite) AfterTest(_, _ string) {
	monkey.UnpatchAll()
	Statistics.Reset()
	Verdicts.Reset()
	shared.CloseCheckConfig.Verbose = false
}

func (s *APISuite) TestFormatRequest() {
	req, _ := http.NewRequest("POST", "http://localhost:9445", nil)
	assert.NotNil(s.T(), req)

	assert.Equal(s.T(), "POST / HTTP/1.1\r\nHost: localhost:9445\r\n\r\n", formatRequest(req))
}

func (s *APISuite) TestFormatRequest_WithBody() {
	const body = "closecheck verifies the close sequences of a proxy"
	req, _ := http.NewRequest("POST", "http://localhost:9445", strings.NewReader(body))
	assert.NotNil(s.T(), req)

	shared.CloseCheckConfig.Verbose = true
	assert.Equal(s.T(), "POST / HTTP/1.1\r\nHost: localhost:9445\r\n\r\n"+body, formatRequest(req))
}

func (s *APISuite) TestFormatRequest_Error() {
	req, _ := http.NewRequest("POST", "http://localhost:9445", nil)
	assert.NotNil(s.T(), req)

	monkey.Patch(httputil.DumpRequest, func(*http.Request, bool) ([]byte, error) {
		return nil, errors.New("test-error")
	})

	assert.Equal(s.T(), "REQUEST: test-error", formatRequest(req))
}

func (s *APISuite) TestApiVerdicts_Empty() {
	t := s.T()

	w := &FakeResponse{}
	apiVerdicts(w, nil, nil)

	assert.Equal(t, http.StatusOK, w.status)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp VerdictsResponse
	assert.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 0)
}

func (s *APISuite) TestApiVerdicts() {
	t := s.T()

	PublishVerdict(testVerdict("close-regular", true))
	PublishVerdict(testVerdict("close-error-403", false))
	PublishVerdict(testVerdict("close-regular", false))

	w := &FakeResponse{}
	apiVerdicts(w, nil, nil)
	assert.Equal(t, http.StatusOK, w.status)

	var resp VerdictsResponse
	assert.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 3)
	assert.Equal(t, "close-regular", resp.Data[0].Scenario)
	assert.True(t, resp.Data[0].Passed)
	assert.Equal(t, "close-error-403", resp.Data[1].Scenario)
	assert.False(t, resp.Data[2].Passed)
}

func (s *APISuite) TestApiVerdict() {
	t := s.T()

	PublishVerdict(testVerdict("close-regular", true))
	PublishVerdict(testVerdict("close-regular", false))

	w := &FakeResponse{}
	apiVerdict(w, nil, []httprouter.Param{
		{Key: "name", Value: "Close-Regular"},
	})
	assert.Equal(t, http.StatusOK, w.status)

	var resp VerdictReport
	assert.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "close-regular", resp.Scenario)
	assert.False(t, resp.Passed)
	assert.Equal(t, "incorrect close sequence", resp.Reason)
	assert.Equal(t, -1, resp.FailedChain)
	assert.Len(t, resp.Chains, 1)
	assert.Len(t, resp.Connections, 2)
}

func (s *APISuite) TestApiVerdict_NotFound() {
	w := &FakeResponse{}
	apiVerdict(w, nil, []httprouter.Param{
		{Key: "name", Value: "missing"},
	})
	assert.Equal(s.T(), http.StatusNotFound, w.status)
}

func (s *APISuite) TestApiVerdict_NoName() {
	w := &FakeResponse{}
	apiVerdict(w, nil, []httprouter.Param{})
	assert.Equal(s.T(), http.StatusBadRequest, w.status)
}

func (s *APISuite) TestApiVerdicts_FailJSON() {
	monkey.Patch(json.Marshal, func(interface{}) ([]byte, error) {
		return nil, errors.New("test-error")
	})

	w := &FakeResponse{}
	apiVerdicts(w, nil, nil)
	assert.Equal(s.T(), http.StatusInternalServerError, w.status)
}

func (s *APISuite) TestApiStatisticsScenarios() {
	t := s.T()

	Statistics.TrackScenario("close-regular")
	Statistics.TrackScenario("close-error-403")

	w := &FakeResponse{}
	apiStatisticsScenarios(w, nil, nil)
	assert.Equal(t, http.StatusOK, w.status)

	var resp StatsInfoResponse
	assert.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, 1, resp.Data[0].ID)
	assert.Equal(t, "Scenario", resp.Data[0].Attribute)
	assert.Equal(t, "close-regular", resp.Data[0].Value)
	assert.Equal(t, "close-error-403", resp.Data[1].Value)
}

func (s *APISuite) TestApiStatisticsData() {
	t := s.T()

	Statistics.TrackScenario("close-regular")
	PublishVerdict(testVerdict("close-regular", false))

	w := &FakeResponse{}
	apiStatisticsData(w, nil, []httprouter.Param{
		{Key: "name", Value: "close-regular"},
	})
	assert.Equal(t, http.StatusOK, w.status)

	var resp StatsInfoResponse
	assert.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 10)

	values := map[string]string{}
	for i, info := range resp.Data {
		assert.Equal(t, i+1, info.ID)
		values[info.Name] = info.Value
	}
	assert.Equal(t, "1", values[SCENARIO_RUNS])
	assert.Equal(t, "0", values[SCENARIO_PASSED])
	assert.Equal(t, "1", values[SCENARIO_FAILED])
	assert.Equal(t, "1", values[CHAINS_MATCHED])
	assert.Equal(t, "0", values[CHAINS_FAILED])
	assert.Equal(t, "1", values[CONNECTIONS_MATCHED])
	assert.Equal(t, "1", values[CONNECTIONS_MISMATCHED])
	assert.Equal(t, "VERIFIED", values[INFO_STATE])
	assert.Equal(t, "failed", values[INFO_RESULT])
	assert.NotEmpty(t, values[INFO_UPDATE])
}

func (s *APISuite) TestApiStatisticsData_Unknown() {
	w := &FakeResponse{}
	apiStatisticsData(w, nil, []httprouter.Param{
		{Key: "name", Value: "unknown"},
	})
	assert.Equal(s.T(), http.StatusNotFound, w.status)

	w = &FakeResponse{}
	apiStatisticsData(w, nil, nil)
	assert.Equal(s.T(), http.StatusBadRequest, w.status)
}

func (s *APISuite) TestApiVersion() {
	w := &FakeResponse{}
	apiVersion(w, nil, nil)
	assert.Equal(s.T(), http.StatusOK, w.status)

	var resp map[string]string
	assert.Nil(s.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(s.T(), version.Version(), resp["version"])
}

func (s *APISuite) TestPublishVerdict_NoName() {
	PublishVerdict(VerdictReport{Passed: true})
	assert.Len(s.T(), Verdicts.List(), 0)
}

func (s *APISuite) TestPublishVerdict_CompletedTime() {
	report := testVerdict("close-regular", true)
	report.Completed = time.Time{}
	PublishVerdict(report)

	stored, ok := Verdicts.Get("close-regular")
	assert.True(s.T(), ok)
	assert.False(s.T(), stored.Completed.IsZero())
	assert.Equal(s.T(), "passed", Statistics.GetState(INFO_RESULT, "close-regular"))
}

func (s *APISuite) TestVerdictDuration() {
	report := testVerdict("close-regular", true)
	assert.Equal(s.T(), 2*time.Second, report.Duration())

	report.Completed = report.Started.Add(-time.Second)
	assert.Equal(s.T(), time.Duration(0), report.Duration())
}

// --- Utils --- //
func testVerdict(name string, passed bool) VerdictReport {
	started := time.Date(2022, time.October, 1, 12, 0, 0, 0, time.UTC)
	report := VerdictReport{
		Scenario:    name,
		Passed:      passed,
		State:       "VERIFIED",
		FailedChain: -1,
		Chains: []ChainReport{
			{Index: 0, Matched: true, Outcome: "matched", Status: http.StatusOK},
		},
		Connections: []ConnectionReport{
			{ConnectionID: "127.0.0.1:40000-127.0.0.1:8080", Side: "client", Verdict: "matched",
				Initiator: "client", Pattern: "four-way", Segments: 4},
		},
		Started:   started,
		Completed: started.Add(2 * time.Second),
	}
	if !passed {
		report.Reason = "incorrect close sequence"
		report.CloseMismatch = true
		report.Connections = append(report.Connections, ConnectionReport{
			ConnectionID: "127.0.0.1:40001-127.0.0.1:8000", Side: "server", Verdict: "mismatched",
			Initiator: "proxy", Reason: "RST from proxy in place of FIN", Segments: 3,
		})
	}
	return report
}

type FakeResponse struct {
	header http.Header
	status int
	Body   *bytes.Buffer
}

func (r *FakeResponse) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

func (r *FakeResponse) WriteHeader(n int) {
	r.status = n
}

func (r *FakeResponse) Write(b []byte) (n int, err error) {
	if r.Body == nil {
		r.Body = bytes.NewBuffer(make([]byte, 0, 32))
	}
	return r.Body.Write(b)
}
