//go:build !linux

package subject

import (
	"net"
)

// NewProxyListener method instantiates a plain tcp listener on the address
func NewProxyListener(network string, laddr *net.TCPAddr) (net.Listener, error) {
	return net.ListenTCP(network, laddr)
}
