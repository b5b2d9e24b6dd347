/*
 * Package backend implements the upstream server stand-in of the scenarios: it accepts the
 * connections forwarded by the subject-under-test and answers every request with a fixed
 * response template.
 */
package backend

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

const (
	// DEFAULT_IDLE_TIMEOUT time after which an idle connection is closed by the stand-in
	DEFAULT_IDLE_TIMEOUT = 30 * time.Second
)

// BackendConfig struct models the parameters of the server stand-in
type BackendConfig struct {
	// ListenAddress ip:port on which the stand-in accepts connections
	ListenAddress string
	// Response raw response written for every request received
	Response []byte
	// IdleTimeout connections without requests for this long are closed
	IdleTimeout time.Duration
}

// Backend is the server stand-in
type Backend struct {
	config BackendConfig

	mtx      sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	requests    int
	connections int
}

// New returns a stand-in for the configuration, it panics if the configuration is invalid
func New(config BackendConfig) *Backend {
	host, port := splitAddress(config.ListenAddress)
	shared.AssertParamIP("backend listen address", host)
	shared.AssertParamNumeric("backend listen port", port, 0, 65535)
	shared.AssertParamString("backend response", string(config.Response))
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DEFAULT_IDLE_TIMEOUT
	}
	return &Backend{
		config: config,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start opens the listener and launches the accept loop
func (b *Backend) Start() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", b.config.ListenAddress)
	if err != nil {
		logger.Error("Could not open backend listener on %s: %v", b.config.ListenAddress, err)
		return err
	}
	b.listener = listener
	logger.Info("Backend listening on: %s", listener.Addr())

	b.wg.Add(1)
	go b.acceptLoop(listener)
	return nil
}

// Addr returns the address of the listener, nil if not started
func (b *Backend) Addr() net.Addr {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Requests returns the number of requests answered
func (b *Backend) Requests() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.requests
}

// Connections returns the number of connections accepted
func (b *Backend) Connections() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.connections
}

// Active returns the number of connections currently open
func (b *Backend) Active() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.conns)
}

// CloseAll closes every open connection, the listener keeps accepting
func (b *Backend) CloseAll() {
	b.mtx.Lock()
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mtx.Unlock()

	for _, c := range conns {
		logger.Debug("Backend closing connection %v", c.RemoteAddr())
		_ = c.Close()
	}
}

// Stop closes the listener and every connection, then waits for the handlers to terminate
func (b *Backend) Stop() error {
	b.mtx.Lock()
	listener := b.listener
	b.listener = nil
	b.mtx.Unlock()

	if listener == nil {
		return shared.ErrBackendNotStarted
	}
	err := listener.Close()
	b.CloseAll()
	b.wg.Wait()
	logger.Info("Backend on %s stopped", b.config.ListenAddress)
	return err
}

// track registers the connection, false if the stand-in is stopping
func (b *Backend) track(conn net.Conn) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.listener == nil {
		return false
	}
	b.conns[conn] = struct{}{}
	b.connections++
	return true
}

func (b *Backend) untrack(conn net.Conn) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.conns, conn)
}

func (b *Backend) answered() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.requests++
}

// splitAddress returns host and port of the address, port is -1 if not valid
func splitAddress(address string) (string, int) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", -1
	}
	value, err := strconv.Atoi(port)
	if err != nil {
		return host, -1
	}
	return host, value
}
