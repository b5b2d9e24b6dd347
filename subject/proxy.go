package subject

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/context"

	"github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

const (
	// DEFAULT_PROXY_IDLE_TIMEOUT connections of the proxy idle for this long are closed
	DEFAULT_PROXY_IDLE_TIMEOUT = 30 * time.Second
	// DEFAULT_PROXY_STOP_TIMEOUT time allowed to the connection handlers to terminate on stop
	DEFAULT_PROXY_STOP_TIMEOUT = 5 * time.Second
	// UPSTREAM_DIAL_TIMEOUT time allowed to open the upstream connection
	UPSTREAM_DIAL_TIMEOUT = 2 * time.Second
)

// Proxy is the in-process reference proxy: it forwards the requests of every client
// connection over a dedicated upstream connection, answers the requests without Host with
// a 403 and closes the client connection afterwards
type Proxy struct {
	// IdleTimeout connections idle for this long are closed
	IdleTimeout time.Duration
	// StopTimeout time allowed to the handlers to terminate on stop
	StopTimeout time.Duration

	mtx      sync.Mutex
	config   ProxyConfig
	listener net.Listener
	clients  map[net.Conn]struct{}
	cache    map[string][]byte
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewProxy returns a stopped reference proxy
func NewProxy() *Proxy {
	return &Proxy{
		IdleTimeout: DEFAULT_PROXY_IDLE_TIMEOUT,
		StopTimeout: DEFAULT_PROXY_STOP_TIMEOUT,
	}
}

// Start parses the configuration text and opens the listener
func (p *Proxy) Start(configText string) error {
	config, err := ParseConfig(configText)
	if err != nil {
		logger.Error("Proxy configuration rejected: %v", err)
		return fmt.Errorf("%w: %v", shared.ErrSubjectStartFailure, err)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.listener != nil {
		return shared.ErrSubjectAlreadyRunning
	}

	laddr, err := net.ResolveTCPAddr("tcp", config.Listen)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrSubjectStartFailure, err)
	}
	listener, err := NewProxyListener("tcp", laddr)
	if err != nil {
		logger.Error("Could not open proxy listener on %s: %v", config.Listen, err)
		return fmt.Errorf("%w: %v", shared.ErrSubjectStartFailure, err)
	}

	p.config = config
	p.listener = listener
	p.clients = make(map[net.Conn]struct{})
	p.cache = make(map[string][]byte)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = DEFAULT_PROXY_IDLE_TIMEOUT
	}
	if p.StopTimeout <= 0 {
		p.StopTimeout = DEFAULT_PROXY_STOP_TIMEOUT
	}

	logger.Info("Proxy listening on %s, forwarding to %s (cache %d)", listener.Addr(), config.Server, config.Cache)
	p.wg.Add(1)
	go p.acceptLoop(listener)
	return nil
}

// Stop closes the listener and every client connection, the handlers then close their
// upstream connections
func (p *Proxy) Stop() error {
	p.mtx.Lock()
	listener := p.listener
	if listener == nil {
		p.mtx.Unlock()
		return shared.ErrSubjectNotRunning
	}
	p.listener = nil
	p.cancel()
	clients := make([]net.Conn, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mtx.Unlock()

	_ = listener.Close()
	for _, c := range clients {
		logger.Debug("Proxy closing client connection %v", c.RemoteAddr())
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Proxy stopped")
		return nil
	case <-time.After(p.StopTimeout):
		logger.Error("Proxy handlers did not terminate in %v", p.StopTimeout)
		return shared.ErrTeardownTimeout
	}
}

// Running returns true while the proxy is accepting connections
func (p *Proxy) Running() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.listener != nil
}

// Addr returns the listening address, nil if not running
func (p *Proxy) Addr() net.Addr {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Config returns the configuration of the last start
func (p *Proxy) Config() ProxyConfig {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.config
}

// Clients returns the number of client connections open
func (p *Proxy) Clients() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.clients)
}

func (p *Proxy) track(conn net.Conn) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.listener == nil {
		return false
	}
	p.clients[conn] = struct{}{}
	return true
}

func (p *Proxy) untrack(conn net.Conn) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	delete(p.clients, conn)
}

func (p *Proxy) cached(uri string) ([]byte, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	data, ok := p.cache[uri]
	return data, ok
}

func (p *Proxy) store(uri string, data []byte) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.cache[uri] = append([]byte{}, data...)
}
