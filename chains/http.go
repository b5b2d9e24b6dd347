package chains

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parvit/closecheck/shared"
)

const (
	// HTTP_VERSION protocol version used by the builders
	HTTP_VERSION = "HTTP/1.1"
	// CRLF line terminator of the http messages
	CRLF = "\r\n"
)

// dynamicHeaders are never compared, their values change between runs or are added by
// intermediaries
var dynamicHeaders = map[string]struct{}{
	"Date":   {},
	"Server": {},
	"Via":    {},
	"Age":    {},
}

// DateString returns the time formatted as an http Date header value
func DateString(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// splitHeader separates a "Name: value" header line
func splitHeader(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func hasHeader(headers []string, name string) bool {
	for _, h := range headers {
		if n, _, ok := splitHeader(h); ok && strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func writeMessage(startLine string, headers []string, body string) []byte {
	buf := bytes.NewBufferString(startLine + CRLF)
	for _, h := range headers {
		buf.WriteString(h + CRLF)
	}
	buf.WriteString(CRLF)
	buf.WriteString(body)
	return buf.Bytes()
}

// BuildRequest returns the text of a request, Content-Length is added when a body is present
// and the header was not declared
func BuildRequest(method, uri string, headers []string, body string) []byte {
	list := append([]string(nil), headers...)
	if len(body) > 0 && !hasHeader(list, "Content-Length") {
		list = append(list, "Content-Length: "+strconv.Itoa(len(body)))
	}
	return writeMessage(fmt.Sprintf("%s %s %s", method, uri, HTTP_VERSION), list, body)
}

// BuildResponse returns the text of a response with the Content-Length computed on the body,
// the Date header is added when _date_ is not empty
func BuildResponse(status int, headers []string, body string, date string) []byte {
	list := append([]string(nil), headers...)
	if !hasHeader(list, "Content-Length") {
		list = append(list, "Content-Length: "+strconv.Itoa(len(body)))
	}
	if len(date) > 0 && !hasHeader(list, "Date") {
		list = append(list, "Date: "+date)
	}
	return writeMessage(fmt.Sprintf("%s %d %s", HTTP_VERSION, status, http.StatusText(status)), list, body)
}

// ParseRequest parses the text of a request template
func ParseRequest(text []byte) (*http.Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(text)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidTemplate, err)
	}
	return req, nil
}

// ParseExpectation parses the text of a response template into the structural expectation
// used for matching, the dynamic headers are not retained
func ParseExpectation(text []byte) (Expectation, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(text)), nil)
	if err != nil {
		return Expectation{}, fmt.Errorf("%w: %v", shared.ErrInvalidTemplate, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Expectation{}, fmt.Errorf("%w: %v", shared.ErrInvalidTemplate, err)
	}

	exp := Expectation{
		Status:    resp.StatusCode,
		Headers:   make(http.Header),
		Body:      body,
		CheckBody: true,
	}
	for name, values := range resp.Header {
		if _, dynamic := dynamicHeaders[name]; dynamic {
			continue
		}
		exp.Headers[name] = append([]string(nil), values...)
	}
	return exp, nil
}
