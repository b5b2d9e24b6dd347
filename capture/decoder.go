package capture

import (
	"net"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Path describes the monitored proxied path: the address on which the proxy accepts
// clients and the address of the upstream server stand-in
type Path struct {
	// Proxy client-facing address of the subject-under-test, an unspecified ip matches any host
	Proxy *net.TCPAddr
	// Server address of the upstream server stand-in, an unspecified ip matches any host
	Server *net.TCPAddr
}

// NewPath method resolves the two "ip:port" addresses of the path
func NewPath(proxyAddress, serverAddress string) (Path, error) {
	proxy, err := net.ResolveTCPAddr("tcp", proxyAddress)
	if err != nil {
		return Path{}, err
	}
	server, err := net.ResolveTCPAddr("tcp", serverAddress)
	if err != nil {
		return Path{}, err
	}
	return Path{Proxy: proxy, Server: server}, nil
}

// endpointMatches returns true if the ip and port correspond to the address
func endpointMatches(addr *net.TCPAddr, ip net.IP, port int) bool {
	if addr == nil || addr.Port != port {
		return false
	}
	return len(addr.IP) == 0 || addr.IP.IsUnspecified() || addr.IP.Equal(ip)
}

func endpoint(ip net.IP, port int) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

// Classify returns the direction of a segment going from src to dst and the identifier
// of its connection, ok is false if the segment does not belong to the path
func (p Path) Classify(srcIP net.IP, srcPort int, dstIP net.IP, dstPort int) (dir Direction, connID string, ok bool) {
	src := endpoint(srcIP, srcPort)
	dst := endpoint(dstIP, dstPort)

	switch {
	case endpointMatches(p.Proxy, dstIP, dstPort):
		return ClientToProxy, src + "->" + dst, true
	case endpointMatches(p.Proxy, srcIP, srcPort):
		return ProxyToClient, dst + "->" + src, true
	case endpointMatches(p.Server, dstIP, dstPort):
		return ProxyToServer, src + "->" + dst, true
	case endpointMatches(p.Server, srcIP, srcPort):
		return ServerToProxy, dst + "->" + src, true
	}
	return 0, "", false
}

// Decoder turns raw link-layer frames into segments of the monitored path
type Decoder struct {
	path     Path
	linkType layers.LinkType
}

// NewDecoder returns a decoder for frames of the given link type
func NewDecoder(path Path, linkType layers.LinkType) *Decoder {
	return &Decoder{path: path, linkType: linkType}
}

// LinkType returns the link type of the frames handled by the decoder
func (d *Decoder) LinkType() layers.LinkType {
	return d.linkType
}

// Decode parses a raw frame, ok is false if the frame is not a TCP segment of the path
func (d *Decoder) Decode(data []byte, ci gopacket.CaptureInfo) (Segment, bool) {
	pkt := gopacket.NewPacket(data, d.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	seg, ok := d.DecodePacket(pkt)
	if ok {
		seg.Timestamp = ci.Timestamp
	}
	return seg, ok
}

// DecodePacket extracts the segment from an already decoded packet, the timestamp is
// taken from the packet metadata
func (d *Decoder) DecodePacket(pkt gopacket.Packet) (Segment, bool) {
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return Segment{}, false
	}
	tcp, _ := tcpLayer.(*layers.TCP)
	if tcp == nil {
		return Segment{}, false
	}

	var srcIP, dstIP net.IP
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	default:
		return Segment{}, false
	}

	dir, connID, ok := d.path.Classify(srcIP, int(tcp.SrcPort), dstIP, int(tcp.DstPort))
	if !ok {
		return Segment{}, false
	}

	seg := Segment{
		ConnectionID: connID,
		Direction:    dir,
		Flags:        tcpFlags(tcp),
		Seq:          tcp.Seq,
		Ack:          tcp.Ack,
		PayloadLen:   len(tcp.Payload),
	}
	if md := pkt.Metadata(); md != nil {
		seg.Timestamp = md.Timestamp
	}
	return seg, true
}

func tcpFlags(tcp *layers.TCP) Flags {
	var f Flags
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	return f
}
