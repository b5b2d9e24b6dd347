package capture

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
)

var (
	clientIP  = net.ParseIP("127.0.0.1")
	proxyIP   = net.ParseIP("127.0.0.1")
	serverIP  = net.ParseIP("127.0.0.2")
	testPath  = Path{Proxy: &net.TCPAddr{IP: proxyIP, Port: 8080}, Server: &net.TCPAddr{IP: serverIP, Port: 8000}}
	srcHWAddr = net.HardwareAddr{0, 0, 0, 0, 0, 1}
	dstHWAddr = net.HardwareAddr{0, 0, 0, 0, 0, 2}
)

func tcpLayer(srcPort, dstPort uint16, seq, ack uint32, flags Flags) *layers.TCP {
	return &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		FIN:     flags.HasAny(FlagFIN),
		SYN:     flags.HasAny(FlagSYN),
		RST:     flags.HasAny(FlagRST),
		PSH:     flags.HasAny(FlagPSH),
		ACK:     flags.HasAny(FlagACK),
		Window:  65535,
	}
}

// buildFrame serializes an ethernet/ipv4/tcp frame
func buildFrame(t *testing.T, src, dst net.IP, srcPort, dstPort uint16, seq, ack uint32, flags Flags, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: srcHWAddr, DstMAC: dstHWAddr, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := tcpLayer(srcPort, dstPort, seq, ack, flags)
	assert.Nil(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	assert.Nil(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// buildFrame6 serializes an ethernet/ipv6/tcp frame
func buildFrame6(t *testing.T, src, dst net.IP, srcPort, dstPort uint16, flags Flags) []byte {
	eth := &layers.Ethernet{SrcMAC: srcHWAddr, DstMAC: dstHWAddr, EthernetType: layers.EthernetTypeIPv6}
	ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := tcpLayer(srcPort, dstPort, 1, 1, flags)
	assert.Nil(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	assert.Nil(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return buf.Bytes()
}

// buildUDPFrame serializes an ethernet/ipv4/udp frame
func buildUDPFrame(t *testing.T, src, dst net.IP, srcPort, dstPort uint16) []byte {
	eth := &layers.Ethernet{SrcMAC: srcHWAddr, DstMAC: dstHWAddr, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: dst}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	assert.Nil(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	assert.Nil(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte("dns"))))
	return buf.Bytes()
}
