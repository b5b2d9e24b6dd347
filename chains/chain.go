/*
Package chains implements the scripted message exchanges of a scenario.

A MessageChain declares a request to send and the response expected in return, or the
explicit absence of one. The Driver executes a list of chains in order over a single client
connection and produces one ChainResult per chain, matching the responses structurally.
*/
package chains

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Expectation is the structural description of an expected response
type Expectation struct {
	// NoResponse when true the connection is expected to be closed instead of answered
	NoResponse bool `yaml:"noresponse" json:"noresponse,omitempty"`
	// Status expected status code, zero matches any status
	Status int `yaml:"status" json:"status,omitempty"`
	// Headers declared headers, each must be present with all the values listed
	Headers http.Header `yaml:"headers" json:"headers,omitempty"`
	// Body expected body content, compared only when CheckBody is true
	Body []byte `yaml:"-" json:"-"`
	// CheckBody enables the comparison of the body
	CheckBody bool `yaml:"checkbody" json:"checkbody,omitempty"`
}

// NoResponse returns the expectation of a connection closed without an answer
func NoResponse() Expectation {
	return Expectation{NoResponse: true}
}

// Match compares the received response with the expectation, returns the reason of the
// mismatch or an empty string if matched
func (e Expectation) Match(resp *Response) string {
	if e.NoResponse {
		if resp != nil {
			return fmt.Sprintf("expected no response, received status %d", resp.Status)
		}
		return ""
	}
	if resp == nil {
		return "expected a response, none received"
	}
	if e.Status != 0 && e.Status != resp.Status {
		return fmt.Sprintf("expected status %d, received %d", e.Status, resp.Status)
	}

	names := make([]string, 0, len(e.Headers))
	for name := range e.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		received := resp.Header.Values(name)
		if len(received) == 0 {
			return fmt.Sprintf("header %s missing", name)
		}
		for _, value := range e.Headers[name] {
			if !containsValue(received, value) {
				return fmt.Sprintf("header %s: expected %q, received %q", name, value, strings.Join(received, ", "))
			}
		}
	}

	if e.CheckBody && !bytes.Equal(e.Body, resp.Body) {
		return fmt.Sprintf("body mismatch: expected %d bytes, received %d", len(e.Body), len(resp.Body))
	}
	return ""
}

func containsValue(values []string, value string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == value {
			return true
		}
	}
	return false
}

// MessageChain is one scripted exchange, it is not modified once created
type MessageChain struct {
	// Index position of the chain in its sequence
	Index int
	// Request raw text sent by the client
	Request []byte
	// Expected response (or its absence)
	Expected Expectation
	// ExpectClose signals that the peer closes the connection after answering this chain
	ExpectClose bool
}

// NewChain returns a chain expecting the response described by the _response_ template
func NewChain(request []byte, response []byte) (MessageChain, error) {
	if _, err := ParseRequest(request); err != nil {
		return MessageChain{}, err
	}
	exp, err := ParseExpectation(response)
	if err != nil {
		return MessageChain{}, err
	}
	return MessageChain{Request: request, Expected: exp}, nil
}

// Sequence assigns contiguous indices to the chains in the order given
func Sequence(list ...MessageChain) []MessageChain {
	seq := make([]MessageChain, len(list))
	for i, c := range list {
		c.Index = i
		seq[i] = c
	}
	return seq
}

const (
	// DEFAULT_HOST value of the Host header of the built-in requests
	DEFAULT_HOST = "localhost"
	// DEFAULT_BODY content served by the server stand-in by default
	DEFAULT_BODY = "<html>closecheck</html>"
	// ARBITRARY_DATA fragment repeated in the oversized request body
	ARBITRARY_DATA = "Arbitrary data "
	// OVERSIZED_REPEAT repetitions of the fragment in the oversized body
	OVERSIZED_REPEAT = 300
)

// DefaultServerResponse returns the template answered by the server stand-in for the
// built-in chains
func DefaultServerResponse() []byte {
	return BuildResponse(http.StatusOK, []string{"Content-Type: text/html", "Connection: keep-alive"}, DEFAULT_BODY, "")
}

// Base returns the regular exchange: a GET of "/" forwarded to the server stand-in and
// answered with the default response
func Base() MessageChain {
	request := BuildRequest(http.MethodGet, "/", []string{"Host: " + DEFAULT_HOST}, "")
	exp, _ := ParseExpectation(DefaultServerResponse())
	return MessageChain{Request: request, Expected: exp}
}

// Oversized returns the regular exchange with a request body made of repeated arbitrary data
func Oversized() MessageChain {
	body := strings.Repeat(ARBITRARY_DATA, OVERSIZED_REPEAT)
	c := Base()
	c.Request = BuildRequest(http.MethodGet, "/", []string{"Host: " + DEFAULT_HOST}, body)
	return c
}

// Forbidden returns a minimal request without Host, answered by the proxy itself with a 403
// and followed by the close of the connection
func Forbidden() MessageChain {
	request := BuildRequest(http.MethodGet, "/", nil, "")
	exp, _ := ParseExpectation(BuildResponse(http.StatusForbidden, nil, "", DateString(timeNow())))
	return MessageChain{Request: request, Expected: exp, ExpectClose: true}
}
