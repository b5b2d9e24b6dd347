package chains

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/parvit/closecheck/shared"
)

func TestDriverSuite(t *testing.T) {
	var q DriverSuite
	suite.Run(t, &q)
}

type DriverSuite struct {
	suite.Suite

	driver *Driver
}

func (s *DriverSuite) AfterTest(_, _ string) {
	if s.driver != nil {
		_ = s.driver.Close()
		s.driver = nil
	}
}

// peerHandler answers the i-th request, returning false closes the connection
type peerHandler func(i int, req *http.Request, conn net.Conn) bool

// servePipe returns the client end of a pipe whose server end is driven by _handler_
func servePipe(handler peerHandler) net.Conn {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		rd := bufio.NewReader(server)
		for i := 0; ; i++ {
			req, err := http.ReadRequest(rd)
			if err != nil {
				return
			}
			_, _ = io.Copy(io.Discard, req.Body)
			if !handler(i, req, server) {
				return
			}
		}
	}()
	return client
}

func answer(status int, body string) []byte {
	return BuildResponse(status, []string{"Content-Type: text/html", "Connection: keep-alive"}, body, DateString(time.Now()))
}

func okChain() MessageChain {
	return Base()
}

func (s *DriverSuite) run(handler peerHandler, timeout time.Duration, list ...MessageChain) []ChainResult {
	s.driver = NewDriver(servePipe(handler), timeout)
	return s.driver.Run(context.Background(), Sequence(list...))
}

func assertIndices(t *testing.T, results []ChainResult, count int) {
	assert.Len(t, results, count)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
}

func (s *DriverSuite) TestSequence() {
	t := s.T()
	list := Sequence(Base(), Forbidden(), Oversized())
	for i, c := range list {
		assert.Equal(t, i, c.Index)
	}
}

func (s *DriverSuite) TestSingleChain_Matched() {
	t := s.T()
	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		_, _ = conn.Write(BuildResponse(http.StatusOK, []string{"Content-Type: text/html", "Connection: keep-alive", "Server: test/1.0"},
			DEFAULT_BODY, DateString(time.Now())))
		return true
	}, time.Second, okChain())

	assertIndices(t, results, 1)
	assert.True(t, results[0].Matched)
	assert.True(t, results[0].Sent)
	assert.Equal(t, OutcomeMatched, results[0].Outcome)
	assert.Equal(t, http.StatusOK, results[0].Received.Status)
	assert.Equal(t, DEFAULT_BODY, string(results[0].Received.Body))
	assert.Nil(t, results[0].Err())
	assert.False(t, s.driver.PeerClosed())
	assert.Nil(t, s.driver.Err())
}

func (s *DriverSuite) TestOversizedBody() {
	t := s.T()
	var received int64
	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		received = req.ContentLength
		_, _ = conn.Write(answer(http.StatusOK, DEFAULT_BODY))
		return true
	}, time.Second, Oversized())

	assert.True(t, results[0].Matched)
	assert.Equal(t, int64(len(ARBITRARY_DATA)*OVERSIZED_REPEAT), received)
}

func (s *DriverSuite) TestMismatch_ContinuesWithNextChain() {
	t := s.T()
	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		if i == 0 {
			_, _ = conn.Write(answer(http.StatusNotFound, DEFAULT_BODY))
			return true
		}
		_, _ = conn.Write(answer(http.StatusOK, DEFAULT_BODY))
		return true
	}, time.Second, okChain(), okChain())

	assertIndices(t, results, 2)
	assert.False(t, results[0].Matched)
	assert.Equal(t, OutcomeMismatch, results[0].Outcome)
	assert.Equal(t, "expected status 200, received 404", results[0].Reason)
	assert.True(t, errors.Is(results[0].Err(), shared.ErrChainMismatch))
	assert.True(t, results[1].Matched)

	failed, ok := FirstFailure(results)
	assert.True(t, ok)
	assert.Equal(t, 0, failed.Index)
}

func (s *DriverSuite) TestBodyMismatch() {
	t := s.T()
	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		_, _ = conn.Write(answer(http.StatusOK, "other"))
		return true
	}, time.Second, okChain())

	assert.False(t, results[0].Matched)
	assert.True(t, strings.HasPrefix(results[0].Reason, "header Content-Length"))
}

func (s *DriverSuite) TestTimeout_ContinuesWithNextChain() {
	t := s.T()
	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		if i == 1 {
			_, _ = conn.Write(answer(http.StatusOK, DEFAULT_BODY))
		}
		return true
	}, 200*time.Millisecond, okChain(), okChain())

	assertIndices(t, results, 2)
	assert.Equal(t, OutcomeTimeout, results[0].Outcome)
	assert.True(t, results[0].Sent)
	assert.Nil(t, results[0].Received)
	assert.Equal(t, "timeout waiting for response", results[0].Reason)
	assert.True(t, results[1].Matched)
}

func (s *DriverSuite) TestPeerClose_RemainingUnavailable() {
	t := s.T()
	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		if i == 0 {
			_, _ = conn.Write(answer(http.StatusOK, DEFAULT_BODY))
			return true
		}
		return false
	}, time.Second, okChain(), okChain(), okChain(), okChain())

	assertIndices(t, results, 4)
	assert.True(t, results[0].Matched)
	assert.Equal(t, OutcomeConnectionLost, results[1].Outcome)
	assert.True(t, errors.Is(results[1].Err(), shared.ErrConnectionLost))
	for _, r := range results[2:] {
		assert.Equal(t, OutcomeUnavailable, r.Outcome)
		assert.False(t, r.Sent)
		assert.True(t, errors.Is(r.Err(), shared.ErrConnectionUnavailable))
	}
	assert.True(t, s.driver.PeerClosed())
}

func (s *DriverSuite) TestNoResponse_SatisfiedByClose() {
	t := s.T()
	chain := okChain()
	chain.Expected = NoResponse()

	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		return false
	}, time.Second, chain, okChain())

	assertIndices(t, results, 2)
	assert.True(t, results[0].Matched)
	assert.Nil(t, results[0].Received)
	assert.Equal(t, OutcomeUnavailable, results[1].Outcome)
}

func (s *DriverSuite) TestNoResponse_ResponseIsMismatch() {
	t := s.T()
	chain := okChain()
	chain.Expected = NoResponse()

	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		_, _ = conn.Write(answer(http.StatusOK, DEFAULT_BODY))
		return true
	}, time.Second, chain)

	assert.False(t, results[0].Matched)
	assert.Equal(t, "expected no response, received status 200", results[0].Reason)
}

func (s *DriverSuite) TestNoResponse_Timeout() {
	t := s.T()
	chain := okChain()
	chain.Expected = NoResponse()

	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		return true
	}, 100*time.Millisecond, chain)

	assert.Equal(t, OutcomeTimeout, results[0].Outcome)
	assert.Equal(t, "timeout waiting for the connection to be closed", results[0].Reason)
}

func (s *DriverSuite) TestNoResponse_SatisfiedByReset() {
	t := s.T()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err == nil {
			_, _ = io.Copy(io.Discard, req.Body)
		}
		_ = conn.(*net.TCPConn).SetLinger(0)
		_ = conn.Close()
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	assert.Nil(t, err)

	chain := okChain()
	chain.Expected = NoResponse()
	s.driver = NewDriver(conn, time.Second)
	results := s.driver.Run(context.Background(), Sequence(chain))

	assert.True(t, results[0].Matched)
	assert.True(t, s.driver.PeerClosed())
}

func (s *DriverSuite) TestExpectClose() {
	t := s.T()
	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		if i == 0 {
			_, _ = conn.Write(answer(http.StatusOK, DEFAULT_BODY))
			return true
		}
		assert.Empty(t, req.Host)
		_, _ = conn.Write(BuildResponse(http.StatusForbidden, nil, "", DateString(time.Now())))
		return false
	}, time.Second, Oversized(), Forbidden(), okChain())

	assertIndices(t, results, 3)
	assert.True(t, results[0].Matched)
	assert.True(t, results[1].Matched)
	assert.Equal(t, http.StatusForbidden, results[1].Received.Status)
	assert.Equal(t, "0", results[1].Received.Header.Get("Content-Length"))
	assert.Equal(t, OutcomeUnavailable, results[2].Outcome)
	assert.True(t, s.driver.PeerClosed())
}

func (s *DriverSuite) TestExpectClose_NotClosed() {
	t := s.T()
	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		_, _ = conn.Write(BuildResponse(http.StatusForbidden, nil, "", ""))
		return true
	}, 200*time.Millisecond, Forbidden())

	assert.False(t, results[0].Matched)
	assert.Equal(t, "connection not closed by peer", results[0].Reason)
	assert.False(t, s.driver.PeerClosed())
}

func (s *DriverSuite) TestMalformedResponse() {
	t := s.T()
	results := s.run(func(i int, req *http.Request, conn net.Conn) bool {
		_, _ = conn.Write([]byte("garbage\r\n\r\n"))
		return true
	}, time.Second, okChain())

	assert.Equal(t, OutcomeMismatch, results[0].Outcome)
	assert.True(t, strings.HasPrefix(results[0].Reason, "malformed response"))
}

func (s *DriverSuite) TestContextCancelled() {
	t := s.T()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.driver = NewDriver(servePipe(func(int, *http.Request, net.Conn) bool { return true }), time.Second)
	results := s.driver.Run(ctx, Sequence(okChain(), okChain()))

	assertIndices(t, results, 2)
	for _, r := range results {
		assert.Equal(t, OutcomeUnavailable, r.Outcome)
		assert.Equal(t, context.Canceled.Error(), r.Reason)
	}
}

func (s *DriverSuite) TestContextCancelledWhileWaiting() {
	t := s.T()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-time.After(100 * time.Millisecond)
		cancel()
	}()

	s.driver = NewDriver(servePipe(func(int, *http.Request, net.Conn) bool { return true }), 10*time.Second)
	start := time.Now()
	results := s.driver.Run(ctx, Sequence(okChain(), okChain()))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, OutcomeTimeout, results[0].Outcome)
	assert.Equal(t, OutcomeUnavailable, results[1].Outcome)
}

func (s *DriverSuite) TestSendFailure() {
	t := s.T()
	conn := servePipe(func(int, *http.Request, net.Conn) bool { return true })
	_ = conn.Close()

	s.driver = NewDriver(conn, time.Second)
	results := s.driver.Run(context.Background(), Sequence(okChain(), okChain()))

	assertIndices(t, results, 2)
	assert.False(t, results[0].Sent)
	assert.Equal(t, OutcomeConnectionLost, results[0].Outcome)
	assert.Equal(t, OutcomeUnavailable, results[1].Outcome)
	assert.True(t, errors.Is(s.driver.Err(), shared.ErrConnectionLost))
}

func (s *DriverSuite) TestOutcomeNames() {
	t := s.T()
	assert.Equal(t, "matched", OutcomeMatched.String())
	assert.Equal(t, "connection unavailable", OutcomeUnavailable.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}

func (s *DriverSuite) TestExpectationMatch() {
	t := s.T()
	exp := Expectation{Status: 200, Headers: http.Header{"X-Test": {"a", "b"}}}

	assert.Equal(t, "expected a response, none received", exp.Match(nil))
	assert.Equal(t, "header X-Test missing", exp.Match(&Response{Status: 200, Header: http.Header{}}))
	assert.Equal(t, `header X-Test: expected "b", received "a"`,
		exp.Match(&Response{Status: 200, Header: http.Header{"X-Test": {"a"}}}))
	assert.Equal(t, "", exp.Match(&Response{Status: 200, Header: http.Header{"X-Test": {"b", "a"}}, Body: []byte("x")}))

	exp.CheckBody = true
	exp.Body = []byte("body")
	assert.Equal(t, "body mismatch: expected 4 bytes, received 1",
		exp.Match(&Response{Status: 200, Header: http.Header{"X-Test": {"a", "b"}}, Body: []byte("x")}))

	assert.Equal(t, "", Expectation{}.Match(&Response{Status: 500}))
}

func (s *DriverSuite) TestNewChain() {
	t := s.T()
	c, err := NewChain(BuildRequest(http.MethodGet, "/", []string{"Host: x"}, ""), BuildResponse(http.StatusNoContent, nil, "", ""))
	assert.Nil(t, err)
	assert.Equal(t, http.StatusNoContent, c.Expected.Status)

	_, err = NewChain([]byte("bad"), BuildResponse(http.StatusOK, nil, "", ""))
	assert.True(t, errors.Is(err, shared.ErrInvalidTemplate))
	_, err = NewChain(BuildRequest(http.MethodGet, "/", nil, ""), []byte("bad"))
	assert.True(t, errors.Is(err, shared.ErrInvalidTemplate))
}
