package subject

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"golang.org/x/net/context"

	"github.com/parvit/closecheck/api"
	"github.com/parvit/closecheck/logger"
)

const VIA_HEADER = "1.1 closecheck"

// proxySession is the state of a single client connection
type proxySession struct {
	proxy  *Proxy
	config ProxyConfig
	ctx    context.Context

	client   net.Conn
	reader   *bufio.Reader
	upstream net.Conn
	upReader *bufio.Reader
}

// acceptLoop method implements the routine that listens to incoming client connections
func (p *Proxy) acceptLoop(listener net.Listener) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("PANIC: %v", err)
			debug.PrintStack()
		}
		p.wg.Done()
	}()

	p.mtx.Lock()
	config, ctx := p.config, p.ctx
	p.mtx.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Error("Unrecoverable error while accepting client connection: %v", err)
			}
			return
		}
		if !p.track(conn) {
			_ = conn.Close()
			return
		}
		api.Statistics.IncrementCounter(1.0, api.PROXY_CONNECTIONS, config.Listen)

		session := &proxySession{
			proxy:  p,
			config: config,
			ctx:    ctx,
			client: conn,
			reader: bufio.NewReader(conn),
		}
		p.wg.Add(1)
		go session.handle()
	}
}

// handle serves the requests of the client connection, the connection and its upstream are
// closed when the client closes, on errors and after a rejected request
func (s *proxySession) handle() {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("PANIC: %v", err)
			debug.PrintStack()
		}
		_ = s.client.Close()
		if s.upstream != nil {
			_ = s.upstream.Close()
		}
		s.proxy.untrack(s.client)
		s.proxy.wg.Done()
		logger.Debug("== Client %v End ==", s.client.RemoteAddr())
	}()
	logger.Debug("== Client %v Start ==", s.client.RemoteAddr())

	for s.ctx.Err() == nil {
		_ = s.client.SetReadDeadline(time.Now().Add(s.proxy.IdleTimeout))
		req, err := http.ReadRequest(s.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Info("Client %v: %v", s.client.RemoteAddr(), err)
			}
			return
		}

		if len(req.Host) == 0 {
			logger.Info("Client %v: request without host, rejected", s.client.RemoteAddr())
			s.reject(req, http.StatusForbidden)
			return
		}
		if s.config.ClientBodyBuffer > 0 && req.ContentLength > int64(s.config.ClientBodyBuffer) {
			logger.Info("Client %v: request body of %d bytes exceeds the buffer", s.client.RemoteAddr(), req.ContentLength)
			s.reject(req, http.StatusRequestEntityTooLarge)
			return
		}

		if err := s.serve(req); err != nil {
			logger.Error("Client %v: %v", s.client.RemoteAddr(), err)
			s.reject(req, http.StatusBadGateway)
			return
		}
	}
}

// serve answers the request from the cache or forwarding it upstream
func (s *proxySession) serve(req *http.Request) error {
	uri := req.URL.RequestURI()
	cacheable := s.config.Cache > 0 && req.Method == http.MethodGet
	if cacheable {
		if data, ok := s.proxy.cached(uri); ok {
			_, _ = io.Copy(io.Discard, req.Body)
			_ = req.Body.Close()
			logger.Debug("Client %v: %s served from cache", s.client.RemoteAddr(), uri)
			_, err := s.client.Write(data)
			return err
		}
	}

	if s.upstream == nil {
		conn, err := net.DialTimeout("tcp", s.config.Server, UPSTREAM_DIAL_TIMEOUT)
		if err != nil {
			return fmt.Errorf("upstream unavailable: %w", err)
		}
		s.upstream = conn
		s.upReader = bufio.NewReader(conn)
	}

	_ = s.upstream.SetDeadline(time.Now().Add(s.proxy.IdleTimeout))
	if err := req.Write(s.upstream); err != nil {
		return fmt.Errorf("forward failed: %w", err)
	}

	resp, err := http.ReadResponse(s.upReader, req)
	if err != nil {
		return fmt.Errorf("upstream response: %w", err)
	}
	resp.Header.Add("Via", VIA_HEADER)

	var buffer bytes.Buffer
	err = resp.Write(&buffer)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("upstream response: %w", err)
	}

	if resp.Close {
		logger.Debug("Upstream %v closed by server", s.upstream.RemoteAddr())
		_ = s.upstream.Close()
		s.upstream = nil
	}
	if cacheable && resp.StatusCode == http.StatusOK {
		s.proxy.store(uri, buffer.Bytes())
	}

	_, err = s.client.Write(buffer.Bytes())
	return err
}

// reject answers the request with an empty response of the status, the connection is
// closed afterwards, oversized bodies are left unread
func (s *proxySession) reject(req *http.Request, status int) {
	if req.Body != nil && status != http.StatusRequestEntityTooLarge {
		_, _ = io.Copy(io.Discard, req.Body)
	}
	_, _ = fmt.Fprintf(s.client, "HTTP/1.1 %d %s\r\nDate: %s\r\nContent-Length: 0\r\n\r\n",
		status, http.StatusText(status), time.Now().UTC().Format(http.TimeFormat))
}
