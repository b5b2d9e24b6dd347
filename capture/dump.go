package capture

import (
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	// DUMP_SNAPLEN maximum number of bytes saved for each dumped packet
	DUMP_SNAPLEN = 65536
)

// Dumper saves raw captured frames to a pcap file, it is safe for concurrent use
type Dumper struct {
	mtx    sync.Mutex
	path   string
	file   *os.File
	writer *pcapgo.Writer
}

// NewDumper creates (or truncates) the pcap file at _path_ for frames of the given link type
func NewDumper(path string, linkType layers.LinkType) (*Dumper, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(DUMP_SNAPLEN, linkType); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Dumper{path: path, file: f, writer: w}, nil
}

// Path returns the location of the dump file
func (d *Dumper) Path() string {
	return d.path
}

// WritePacket appends one frame to the dump
func (d *Dumper) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.writer == nil {
		return os.ErrClosed
	}
	if len(data) > DUMP_SNAPLEN {
		data = data[:DUMP_SNAPLEN]
	}
	ci.CaptureLength = len(data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	return d.writer.WritePacket(ci, data)
}

// Close flushes and closes the dump file
func (d *Dumper) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	d.writer = nil
	return err
}
