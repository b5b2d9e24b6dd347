package backend

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/parvit/closecheck/api"
	"github.com/parvit/closecheck/logger"
)

// acceptLoop handles accepting the connections and launches goroutines to actually serve them
func (b *Backend) acceptLoop(listener net.Listener) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("PANIC: %v", err)
			debug.PrintStack()
		}
		b.wg.Done()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Error("Unrecoverable error while accepting backend connection: %v", err)
			}
			return
		}
		if !b.track(conn) {
			_ = conn.Close()
			return
		}

		api.Statistics.IncrementCounter(1.0, api.BACKEND_CONNECTIONS, b.config.ListenAddress)
		b.wg.Add(1)
		go b.handleConnection(conn)
	}
}

// handleConnection answers the requests received on the connection until the peer closes it,
// the connection goes idle or it is closed by CloseAll
func (b *Backend) handleConnection(conn net.Conn) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("PANIC: %v", err)
			debug.PrintStack()
		}
		_ = conn.Close()
		b.untrack(conn)
		b.wg.Done()
	}()

	logger.Debug("Backend accepted connection from %v", conn.RemoteAddr())
	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(b.config.IdleTimeout))
		req, err := http.ReadRequest(reader)
		if err != nil {
			b.logReadError(conn, err)
			return
		}

		// bodies are consumed entirely, unread data would turn the close into a reset
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()

		_ = conn.SetWriteDeadline(time.Now().Add(b.config.IdleTimeout))
		if _, err := conn.Write(b.config.Response); err != nil {
			logger.Error("Backend could not write response to %v: %v", conn.RemoteAddr(), err)
			return
		}
		b.answered()
		api.Statistics.IncrementCounter(1.0, api.BACKEND_REQUESTS, b.config.ListenAddress)
		logger.Debug("Backend answered %s %s from %v", req.Method, req.RequestURI, conn.RemoteAddr())

		if req.Close {
			logger.Debug("Backend closing connection %v on request", conn.RemoteAddr())
			return
		}
	}
}

func (b *Backend) logReadError(conn net.Conn, err error) {
	var nErr net.Error
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		logger.Debug("Backend connection %v closed by peer", conn.RemoteAddr())
	case errors.Is(err, net.ErrClosed):
		logger.Debug("Backend connection %v closed", conn.RemoteAddr())
	case errors.As(err, &nErr) && nErr.Timeout():
		logger.Info("Backend connection %v idle, closing", conn.RemoteAddr())
	default:
		logger.Error("Backend could not read request from %v: %v", conn.RemoteAddr(), err)
	}
}
