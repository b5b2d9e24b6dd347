package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"time"

	. "github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

func getClientForAPI(localAddr net.Addr) *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy: func(*http.Request) (*url.URL, error) {
				return nil, nil
			},
			DialContext: (&net.Dialer{
				LocalAddr: localAddr,
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          1,
			IdleConnTimeout:       10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// doAPIRequest executes a GET request accepting a json response
func doAPIRequest(addr string, client *http.Client) (*http.Response, error) {
	req, err := http.NewRequest("GET", addr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", runtime.GOOS)
	req.Header.Set("Accept", "application/json")

	return client.Do(req)
}

// requestJSON executes the api request and decodes the json response into _out_
func requestJSON(gatewayAddress string, apiPort int, apiPath string, out interface{}) error {
	addr := fmt.Sprintf("http://%s:%d%s", gatewayAddress, apiPort, apiPath)

	clientInst := getClientForAPI(nil)
	resp, err := doAPIRequest(addr, clientInst)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status code %d", resp.StatusCode)
	}

	str := &bytes.Buffer{}
	if _, err := io.Copy(str, resp.Body); err != nil {
		return err
	}

	if shared.CloseCheckConfig.Verbose {
		Info("%s", str.String())
	}
	return json.Unmarshal(str.Bytes(), out)
}

// RequestVerdicts retrieves every verdict stored by a running checker, nil on error
func RequestVerdicts(gatewayAddress string, apiPort int) *VerdictsResponse {
	respData := &VerdictsResponse{}
	if err := requestJSON(gatewayAddress, apiPort, API_PREFIX+API_VERDICTS_PATH, respData); err != nil {
		Error("ERROR: %v", err)
		return nil
	}
	return respData
}

// RequestVerdict retrieves the last verdict of the named scenario from a running checker,
// nil on error
func RequestVerdict(gatewayAddress string, apiPort int, name string) *VerdictReport {
	respData := &VerdictReport{}
	apiPath := API_PREFIX + API_VERDICTS_PATH + "/" + url.PathEscape(name)
	if err := requestJSON(gatewayAddress, apiPort, apiPath, respData); err != nil {
		Error("ERROR: %v", err)
		return nil
	}
	return respData
}

// RequestStatistics retrieves the statistics of the named scenario from a running checker,
// nil on error
func RequestStatistics(gatewayAddress string, apiPort int, name string) *StatsInfoResponse {
	respData := &StatsInfoResponse{}
	apiPath := API_PREFIX + "/statistics/data/" + url.PathEscape(name)
	if err := requestJSON(gatewayAddress, apiPort, apiPath, respData); err != nil {
		Error("ERROR: %v", err)
		return nil
	}
	return respData
}
