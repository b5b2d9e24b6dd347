package subject

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/parvit/closecheck/api"
	"github.com/parvit/closecheck/backend"
	"github.com/parvit/closecheck/shared"
)

const testBackendResponse = "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nConnection: keep-alive\r\n" +
	"Content-Length: 13\r\n\r\n<html></html>"

func TestProxySuite(t *testing.T) {
	var q ProxySuite
	suite.Run(t, &q)
}

type ProxySuite struct {
	suite.Suite

	backend *backend.Backend
	proxy   *Proxy
	listen  string
}

func (s *ProxySuite) BeforeTest(_, testName string) {
	api.Statistics.Reset()

	s.backend = backend.New(backend.BackendConfig{
		ListenAddress: "127.0.0.1:0",
		Response:      []byte(testBackendResponse),
	})
	assert.Nil(s.T(), s.backend.Start())

	fragment := "cache 0;\n"
	switch testName {
	case "TestCache":
		fragment = "cache 1;\n"
	case "TestBodyTooLarge":
		fragment = "client_body_buffer 16;\n"
	}

	s.listen = freeAddress(s.T())
	s.proxy = NewProxy()
	s.proxy.StopTimeout = 2 * time.Second
	assert.Nil(s.T(), s.proxy.Start(ConfigText(s.listen, s.backend.Addr().String(), fragment)))
}

func (s *ProxySuite) AfterTest(_, _ string) {
	_ = s.proxy.Stop()
	_ = s.backend.Stop()
	api.Statistics.Reset()
}

func (s *ProxySuite) dial() (net.Conn, *bufio.Reader) {
	conn, err := net.DialTimeout("tcp", s.listen, time.Second)
	assert.Nil(s.T(), err)
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	return conn, bufio.NewReader(conn)
}

func (s *ProxySuite) exchange(conn net.Conn, reader *bufio.Reader, request string) (*http.Response, string) {
	_, err := conn.Write([]byte(request))
	assert.Nil(s.T(), err)

	resp, err := http.ReadResponse(reader, nil)
	assert.Nil(s.T(), err)
	if resp == nil {
		return nil, ""
	}
	body, err := io.ReadAll(resp.Body)
	assert.Nil(s.T(), err)
	return resp, string(body)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		<-time.After(10 * time.Millisecond)
	}
	return true
}

func (s *ProxySuite) TestStart_Twice() {
	t := s.T()
	assert.True(t, s.proxy.Running())
	assert.Equal(t, s.listen, s.proxy.Addr().String())
	assert.Equal(t, 0, s.proxy.Config().Cache)

	err := s.proxy.Start(ConfigText(s.listen, s.backend.Addr().String(), ""))
	assert.Equal(t, shared.ErrSubjectAlreadyRunning, err)
}

func (s *ProxySuite) TestStart_InvalidConfig() {
	p := NewProxy()
	err := p.Start("listen nowhere;")
	assert.True(s.T(), errors.Is(err, shared.ErrSubjectStartFailure))
	assert.False(s.T(), p.Running())
	assert.Nil(s.T(), p.Addr())
}

func (s *ProxySuite) TestStart_AddressInUse() {
	p := NewProxy()
	err := p.Start(ConfigText(s.listen, s.backend.Addr().String(), ""))
	assert.True(s.T(), errors.Is(err, shared.ErrSubjectStartFailure))
}

func (s *ProxySuite) TestStop_NotRunning() {
	assert.Equal(s.T(), shared.ErrSubjectNotRunning, NewProxy().Stop())
}

func (s *ProxySuite) TestForward() {
	t := s.T()
	conn, reader := s.dial()
	defer conn.Close()

	resp, body := s.exchange(conn, reader, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html></html>", body)
	assert.Equal(t, "13", resp.Header.Get("Content-Length"))
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	assert.Equal(t, VIA_HEADER, resp.Header.Get("Via"))

	data := strings.Repeat("Arbitrary data ", 300)
	resp, _ = s.exchange(conn, reader, "GET / HTTP/1.1\r\nHost: localhost\r\nContent-Length: 4500\r\n\r\n"+data)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 2, s.backend.Requests())
	assert.Equal(t, 1, s.backend.Connections())
	assert.Equal(t, 1.0, api.Statistics.GetCounter(api.PROXY_CONNECTIONS, s.listen))
}

func (s *ProxySuite) TestClientClose() {
	t := s.T()
	conn, reader := s.dial()
	s.exchange(conn, reader, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, 1, s.backend.Active())

	_ = conn.Close()
	assert.True(t, waitFor(func() bool { return s.proxy.Clients() == 0 }))
	assert.True(t, waitFor(func() bool { return s.backend.Active() == 0 }))
}

func (s *ProxySuite) TestForbidden() {
	t := s.T()
	conn, reader := s.dial()
	defer conn.Close()

	s.exchange(conn, reader, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")

	resp, body := s.exchange(conn, reader, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))
	assert.NotEmpty(t, resp.Header.Get("Date"))
	assert.Empty(t, body)

	_, err := reader.ReadByte()
	assert.Equal(t, io.EOF, err)

	// upstream closed as well
	assert.True(t, waitFor(func() bool { return s.backend.Active() == 0 }))
	assert.Equal(t, 1, s.backend.Requests())
}

func (s *ProxySuite) TestBodyTooLarge() {
	t := s.T()
	conn, reader := s.dial()
	defer conn.Close()

	resp, _ := s.exchange(conn, reader, "POST / HTTP/1.1\r\nHost: localhost\r\nContent-Length: 4\r\n\r\ndata")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := conn.Write([]byte("POST / HTTP/1.1\r\nHost: localhost\r\nContent-Length: 32\r\n\r\n"))
	assert.Nil(t, err)
	resp, err = http.ReadResponse(reader, nil)
	assert.Nil(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func (s *ProxySuite) TestCache() {
	t := s.T()
	conn, reader := s.dial()
	defer conn.Close()

	for i := 0; i < 3; i++ {
		resp, body := s.exchange(conn, reader, "GET /index.html HTTP/1.1\r\nHost: localhost\r\n\r\n")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "<html></html>", body)
	}
	resp, _ := s.exchange(conn, reader, "POST /index.html HTTP/1.1\r\nHost: localhost\r\nContent-Length: 2\r\n\r\nok")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 2, s.backend.Requests())
}

func (s *ProxySuite) TestUpstreamUnavailable() {
	t := s.T()
	assert.Nil(t, s.backend.Stop())

	conn, reader := s.dial()
	defer conn.Close()

	resp, _ := s.exchange(conn, reader, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	_, err := reader.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func (s *ProxySuite) TestStop_ClosesClients() {
	t := s.T()
	conn, reader := s.dial()
	defer conn.Close()
	s.exchange(conn, reader, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")

	assert.Nil(t, s.proxy.Stop())
	assert.False(t, s.proxy.Running())

	_, err := reader.ReadByte()
	assert.Equal(t, io.EOF, err)
	assert.True(t, waitFor(func() bool { return s.backend.Active() == 0 }))

	_, err = net.DialTimeout("tcp", s.listen, 500*time.Millisecond)
	assert.NotNil(t, err)
}

func (s *ProxySuite) TestRestart() {
	t := s.T()
	assert.Nil(t, s.proxy.Stop())
	assert.Nil(t, s.proxy.Start(ConfigText(s.listen, s.backend.Addr().String(), "cache 0;\n")))

	conn, reader := s.dial()
	defer conn.Close()
	resp, _ := s.exchange(conn, reader, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// --- utils --- //
func freeAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}
