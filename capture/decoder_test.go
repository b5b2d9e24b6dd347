package capture

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

func TestDecoderSuite(t *testing.T) {
	var q DecoderSuite
	suite.Run(t, &q)
}

type DecoderSuite struct {
	suite.Suite

	decoder *Decoder
}

func (s *DecoderSuite) BeforeTest(_, _ string) {
	s.decoder = NewDecoder(testPath, layers.LinkTypeEthernet)
}

func (s *DecoderSuite) TestNewPath() {
	t := s.T()
	path, err := NewPath("127.0.0.1:8080", "127.0.0.2:8000")
	assert.Nil(t, err)
	assert.Equal(t, 8080, path.Proxy.Port)
	assert.True(t, path.Server.IP.Equal(serverIP))

	_, err = NewPath("127.0.0.1", "127.0.0.2:8000")
	assert.NotNil(t, err)
	_, err = NewPath("127.0.0.1:8080", "127.0.0.2:http-alt-invalid")
	assert.NotNil(t, err)
}

func (s *DecoderSuite) TestClassify() {
	t := s.T()

	dir, id, ok := testPath.Classify(clientIP, 40000, proxyIP, 8080)
	assert.True(t, ok)
	assert.Equal(t, ClientToProxy, dir)
	assert.Equal(t, "127.0.0.1:40000->127.0.0.1:8080", id)

	dir, id2, ok := testPath.Classify(proxyIP, 8080, clientIP, 40000)
	assert.True(t, ok)
	assert.Equal(t, ProxyToClient, dir)
	assert.Equal(t, id, id2)

	dir, id, ok = testPath.Classify(proxyIP, 41000, serverIP, 8000)
	assert.True(t, ok)
	assert.Equal(t, ProxyToServer, dir)
	assert.Equal(t, "127.0.0.1:41000->127.0.0.2:8000", id)

	dir, id2, ok = testPath.Classify(serverIP, 8000, proxyIP, 41000)
	assert.True(t, ok)
	assert.Equal(t, ServerToProxy, dir)
	assert.Equal(t, id, id2)

	_, _, ok = testPath.Classify(clientIP, 40000, serverIP, 9999)
	assert.False(t, ok)
}

func (s *DecoderSuite) TestClassify_UnspecifiedAddress() {
	t := s.T()
	path := Path{Proxy: &net.TCPAddr{Port: 8080}, Server: &net.TCPAddr{IP: net.IPv4zero, Port: 8000}}

	dir, _, ok := path.Classify(net.ParseIP("10.0.0.1"), 40000, net.ParseIP("10.0.0.2"), 8080)
	assert.True(t, ok)
	assert.Equal(t, ClientToProxy, dir)

	dir, _, ok = path.Classify(net.ParseIP("10.0.0.3"), 8000, net.ParseIP("10.0.0.2"), 41000)
	assert.True(t, ok)
	assert.Equal(t, ServerToProxy, dir)
}

func (s *DecoderSuite) TestDecode() {
	t := s.T()
	now := time.Now()
	frame := buildFrame(t, proxyIP, clientIP, 8080, 40000, 1000, 2000, FlagFIN|FlagPSH|FlagACK, []byte("hello"))

	seg, ok := s.decoder.Decode(frame, gopacket.CaptureInfo{Timestamp: now, CaptureLength: len(frame), Length: len(frame)})
	assert.True(t, ok)
	assert.Equal(t, ProxyToClient, seg.Direction)
	assert.Equal(t, "127.0.0.1:40000->127.0.0.1:8080", seg.ConnectionID)
	assert.Equal(t, FlagFIN|FlagPSH|FlagACK, seg.Flags)
	assert.Equal(t, uint32(1000), seg.Seq)
	assert.Equal(t, uint32(2000), seg.Ack)
	assert.Equal(t, 5, seg.PayloadLen)
	assert.Equal(t, uint32(1006), seg.EndSeq())
	assert.True(t, now.Equal(seg.Timestamp))
	assert.Equal(t, layers.LinkTypeEthernet, s.decoder.LinkType())
}

func (s *DecoderSuite) TestDecode_IPv6() {
	t := s.T()
	path := Path{Proxy: &net.TCPAddr{IP: net.IPv6loopback, Port: 8080}, Server: &net.TCPAddr{IP: net.IPv6loopback, Port: 8000}}
	decoder := NewDecoder(path, layers.LinkTypeEthernet)

	frame := buildFrame6(t, net.IPv6loopback, net.IPv6loopback, 41000, 8000, FlagRST)
	seg, ok := decoder.Decode(frame, gopacket.CaptureInfo{})
	assert.True(t, ok)
	assert.Equal(t, ProxyToServer, seg.Direction)
	assert.Equal(t, "[::1]:41000->[::1]:8000", seg.ConnectionID)
	assert.Equal(t, FlagRST, seg.Flags)
}

func (s *DecoderSuite) TestDecode_NotOnPath() {
	t := s.T()
	frame := buildFrame(t, clientIP, serverIP, 40000, 9999, 1, 1, FlagACK, nil)
	_, ok := s.decoder.Decode(frame, gopacket.CaptureInfo{})
	assert.False(t, ok)
}

func (s *DecoderSuite) TestDecode_NotTCP() {
	t := s.T()
	frame := buildUDPFrame(t, clientIP, proxyIP, 40000, 8080)
	_, ok := s.decoder.Decode(frame, gopacket.CaptureInfo{})
	assert.False(t, ok)

	_, ok = s.decoder.Decode([]byte{0x01, 0x02}, gopacket.CaptureInfo{})
	assert.False(t, ok)
}
