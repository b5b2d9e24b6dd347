//go:build linux

package capture

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// ethernet header plus one vlan tag
const frameOverhead = 18

// errReadTimeout no frame arrived within the receive timeout of the socket
var errReadTimeout = errors.New("capture read timeout")

// packetReader is the frame source of a LiveSource
type packetReader interface {
	// ReadPacketData returns the next frame, errReadTimeout if none arrived in time and
	// nil data for frames that must be ignored
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	// Close releases the socket
	Close()
}

// openPacketSocket opens the frame source of a LiveSource
var openPacketSocket = newPacketSocket

// packetSocket is an AF_PACKET socket bound to one interface with a bounded receive
type packetSocket struct {
	fd       int
	buffer   []byte
	loopback bool
}

// htons converts to network byte order
func htons(v uint16) uint16 { return v<<8 | v>>8 }

// newPacketSocket binds a packet socket to _iface_, reads return errReadTimeout after
// _timeout_ without frames
func newPacketSocket(iface string, timeout time.Duration) (packetReader, error) {
	intf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("couldn't query interface %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("couldn't open packet socket: %w", err)
	}
	s := &packetSocket{
		fd:       fd,
		buffer:   make([]byte, intf.MTU+frameOverhead),
		loopback: intf.Flags&net.FlagLoopback != 0,
	}

	addr := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: intf.Index}
	if err := unix.Bind(fd, &addr); err != nil {
		s.Close()
		return nil, fmt.Errorf("couldn't bind to interface %s: %w", iface, err)
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		s.Close()
		return nil, fmt.Errorf("couldn't set receive timeout: %w", err)
	}
	return s, nil
}

// SetBPF attaches the kernel filter to the socket
func (s *packetSocket) SetBPF(filter []bpf.RawInstruction) error {
	if len(filter) == 0 {
		return nil
	}
	prog := make([]unix.SockFilter, len(filter))
	for i, ins := range filter {
		prog[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(prog)), Filter: &prog[0]}
	return unix.SetsockoptSockFprog(s.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog)
}

// ReadPacketData reads one frame, on loopback the outgoing copy of every frame is ignored
// since the same frame is received again as incoming
func (s *packetSocket) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	n, from, err := unix.Recvfrom(s.fd, s.buffer, unix.MSG_TRUNC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, gopacket.CaptureInfo{}, errReadTimeout
		}
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("couldn't read packet data: %w", err)
	}
	if sa, ok := from.(*unix.SockaddrLinklayer); ok && s.loopback && sa.Pkttype == unix.PACKET_OUTGOING {
		return nil, gopacket.CaptureInfo{}, nil
	}

	captured := n
	if captured > len(s.buffer) {
		captured = len(s.buffer)
	}
	if captured > DUMP_SNAPLEN {
		captured = DUMP_SNAPLEN
	}
	data := make([]byte, captured)
	copy(data, s.buffer[:captured])

	return data, gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: captured,
		Length:        n,
	}, nil
}

// Close releases the socket
func (s *packetSocket) Close() {
	if s.fd != -1 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}
