package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/parvit/closecheck/shared"
)

func TestSourceSuite(t *testing.T) {
	var q SourceSuite
	suite.Run(t, &q)
}

type SourceSuite struct {
	suite.Suite

	tempDir string
}

func (s *SourceSuite) BeforeTest(_, _ string) {
	s.tempDir = s.T().TempDir()
}

func drain(ch <-chan Segment, timeout time.Duration) ([]Segment, bool) {
	var list []Segment
	deadline := time.After(timeout)
	for {
		select {
		case seg, ok := <-ch:
			if !ok {
				return list, true
			}
			list = append(list, seg)
		case <-deadline:
			return list, false
		}
	}
}

func (s *SourceSuite) TestFeedSource() {
	t := s.T()
	feed := NewFeedSource(4)
	assert.Nil(t, feed.Start())
	assert.Equal(t, shared.ErrCaptureAlreadyStarted, feed.Start())

	assert.True(t, feed.Push(Segment{Seq: 1}, Segment{Seq: 2}))
	assert.Nil(t, feed.Stop())
	assert.Nil(t, feed.Stop())
	assert.False(t, feed.Push(Segment{Seq: 3}))

	list, closed := drain(feed.Segments(), time.Second)
	assert.True(t, closed)
	assert.Len(t, list, 2)
	assert.Equal(t, uint32(1), list[0].Seq)
	assert.Equal(t, uint32(2), list[1].Seq)
}

func (s *SourceSuite) TestFeedSource_Full() {
	t := s.T()
	feed := NewFeedSource(0)
	assert.True(t, feed.Push(Segment{Seq: 1}))
	assert.False(t, feed.Push(Segment{Seq: 2}))
}

func (s *SourceSuite) writeCapture(name string) string {
	t := s.T()
	dumpPath := filepath.Join(s.tempDir, name)
	dumper, err := NewDumper(dumpPath, layers.LinkTypeEthernet)
	assert.Nil(t, err)
	assert.Equal(t, dumpPath, dumper.Path())

	base := time.Unix(1600000000, 0)
	frames := [][]byte{
		buildFrame(t, clientIP, proxyIP, 40000, 8080, 100, 500, FlagFIN|FlagACK, nil),
		buildUDPFrame(t, clientIP, proxyIP, 40000, 53),
		buildFrame(t, proxyIP, clientIP, 8080, 40000, 500, 101, FlagFIN|FlagACK, nil),
		buildFrame(t, clientIP, serverIP, 40000, 9999, 1, 1, FlagACK, nil),
		buildFrame(t, clientIP, proxyIP, 40000, 8080, 101, 501, FlagACK, nil),
	}
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{Timestamp: base.Add(time.Duration(i) * time.Millisecond), Length: len(frame)}
		assert.Nil(t, dumper.WritePacket(ci, frame))
	}
	assert.Nil(t, dumper.Close())
	assert.Nil(t, dumper.Close())
	assert.NotNil(t, dumper.WritePacket(gopacket.CaptureInfo{}, frames[0]))
	return dumpPath
}

func (s *SourceSuite) TestDumpAndReplay() {
	t := s.T()
	dumpPath := s.writeCapture("replay.pcap")

	source := NewFileSource(dumpPath, testPath)
	assert.Nil(t, source.Start())
	assert.Equal(t, shared.ErrCaptureAlreadyStarted, source.Start())

	list, closed := drain(source.Segments(), 5*time.Second)
	assert.True(t, closed)
	assert.Nil(t, source.Stop())

	assert.Len(t, list, 3)
	assert.Equal(t, ClientToProxy, list[0].Direction)
	assert.Equal(t, FlagFIN|FlagACK, list[0].Flags)
	assert.Equal(t, ProxyToClient, list[1].Direction)
	assert.Equal(t, ClientToProxy, list[2].Direction)
	assert.Equal(t, FlagACK, list[2].Flags)
	assert.True(t, list[0].Timestamp.Before(list[2].Timestamp))
	for _, seg := range list {
		assert.Equal(t, "127.0.0.1:40000->127.0.0.1:8080", seg.ConnectionID)
	}
}

func (s *SourceSuite) TestFileSource_StopEarly() {
	t := s.T()
	dumpPath := s.writeCapture("early.pcap")

	source := NewFileSource(dumpPath, testPath)
	assert.Nil(t, source.Start())
	assert.Nil(t, source.Stop())
	assert.Nil(t, source.Stop())

	list, closed := drain(source.Segments(), 5*time.Second)
	assert.True(t, closed)
	assert.LessOrEqual(t, len(list), 3)
}

func (s *SourceSuite) TestFileSource_Missing() {
	source := NewFileSource(filepath.Join(s.tempDir, "missing.pcap"), testPath)
	assert.NotNil(s.T(), source.Start())
}

func (s *SourceSuite) TestFileSource_NotPcap() {
	t := s.T()
	filePath := filepath.Join(s.tempDir, "text.pcap")
	assert.Nil(t, os.WriteFile(filePath, []byte("not a capture file at all"), 0666))

	source := NewFileSource(filePath, testPath)
	assert.NotNil(t, source.Start())
}

func (s *SourceSuite) TestDumper_InvalidPath() {
	_, err := NewDumper(filepath.Join(s.tempDir, "missing", "dir", "x.pcap"), layers.LinkTypeEthernet)
	assert.NotNil(s.T(), err)
}
