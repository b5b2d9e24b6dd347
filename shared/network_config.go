package shared

import (
	"net"

	"github.com/jackpal/gateway"

	"github.com/parvit/closecheck/logger"
)

const (
	// AUTO_INTERFACE value of the interface configuration that requests the autodetection
	AUTO_INTERFACE = "auto"
)

var (
	// discoverInterface returns the local address of the interface holding the default route
	discoverInterface = gateway.DiscoverInterface
	// listInterfaces returns the network interfaces of the system
	listInterfaces = net.Interfaces
)

// ResolveCaptureInterface method returns the name of the interface on which the traffic towards _target_ can be
// observed. An explicit name is returned unchanged, "auto" (or empty) selects the loopback interface for loopback
// targets and the interface holding the default route otherwise
func ResolveCaptureInterface(name string, target net.IP) (string, error) {
	if len(name) > 0 && name != AUTO_INTERFACE {
		return name, nil
	}

	ifaces, err := listInterfaces()
	if err != nil {
		logger.Error("Could not list network interfaces: %v", err)
		return "", ErrNoCaptureInterface
	}

	if target != nil && target.IsLoopback() {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				logger.Info("Found loopback capture interface: %s", iface.Name)
				return iface.Name, nil
			}
		}
		return "", ErrNoCaptureInterface
	}

	defaultIP, err := discoverInterface()
	if err != nil {
		logger.Error("Could not discover default interface: %v", err)
		return "", ErrNoCaptureInterface
	}

	for _, iface := range ifaces {
		if interfaceHasAddress(iface, defaultIP) {
			logger.Info("Found default capture interface: %s (%s)", iface.Name, defaultIP)
			return iface.Name, nil
		}
	}
	return "", ErrNoCaptureInterface
}

// interfaceHasAddress returns true if the ip is assigned to the interface
func interfaceHasAddress(iface net.Interface, ip net.IP) bool {
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		var ifaceIP net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ifaceIP = v.IP
		case *net.IPAddr:
			ifaceIP = v.IP
		}
		if ifaceIP != nil && ifaceIP.Equal(ip) {
			return true
		}
	}
	return false
}
