//go:build linux

package subject

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

// ProxyListener implements the listener of the client connections of the reference proxy
type ProxyListener struct {
	base *net.TCPListener
}

// Accept method accepts the connections from generic connection types
func (listener *ProxyListener) Accept() (net.Conn, error) {
	return listener.AcceptTCP()
}

// AcceptTCP method accepts the connections as tcp connection type
func (listener *ProxyListener) AcceptTCP() (*net.TCPConn, error) {
	if listener.base == nil {
		return nil, shared.ErrFailed
	}
	return listener.base.AcceptTCP()
}

// Addr method returns the listening address
func (listener *ProxyListener) Addr() net.Addr {
	if listener.base == nil {
		return nil
	}
	return listener.base.Addr()
}

// Close method closes the listener
func (listener *ProxyListener) Close() error {
	if listener.base == nil {
		return nil
	}
	return listener.base.Close()
}

// NewProxyListener method instantiates a new ProxyListener on the tcp address, the socket
// allows the immediate reuse of the address left in TIME_WAIT by the previous scenario
func NewProxyListener(network string, laddr *net.TCPAddr) (net.Listener, error) {
	config := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_TCP, unix.TCP_DEFER_ACCEPT, 0); err != nil {
					logger.Debug("TCP_DEFER_ACCEPT not set: %v", err)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	listener, err := config.Listen(context.Background(), network, laddr.String())
	if err != nil {
		return nil, err
	}
	return &ProxyListener{base: listener.(*net.TCPListener)}, nil
}
