package capture

import (
	"io"
	"os"
	"runtime/debug"
	"sync"

	"github.com/google/gopacket/pcapgo"

	. "github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

// FileSource replays the segments of the path found in a pcap file
type FileSource struct {
	filePath string
	path     Path

	file    *os.File
	reader  *pcapgo.Reader
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	out      chan Segment
}

// NewFileSource returns a source reading the saved capture at _filePath_
func NewFileSource(filePath string, path Path) *FileSource {
	return &FileSource{
		filePath: filePath,
		path:     path,
		stopCh:   make(chan struct{}),
		out:      make(chan Segment, LIVE_QUEUE_SIZE),
	}
}

// Start opens the file and starts replaying its frames, the segments channel is closed
// at the end of the file
func (f *FileSource) Start() error {
	if f.started {
		return shared.ErrCaptureAlreadyStarted
	}
	file, err := os.Open(f.filePath)
	if err != nil {
		return err
	}
	reader, err := pcapgo.NewReader(file)
	if err != nil {
		_ = file.Close()
		return err
	}
	f.file = file
	f.reader = reader
	f.started = true

	go f.readLoop(NewDecoder(f.path, reader.LinkType()))
	return nil
}

// Segments returns the channel of the replayed segments
func (f *FileSource) Segments() <-chan Segment {
	return f.out
}

// Stop interrupts the replay if still running
func (f *FileSource) Stop() error {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
	return nil
}

func (f *FileSource) readLoop(decoder *Decoder) {
	defer func() {
		if err := recover(); err != nil {
			Error("PANIC: %v", err)
			debug.PrintStack()
		}
		_ = f.file.Close()
		close(f.out)
	}()

	for {
		data, ci, err := f.reader.ReadPacketData()
		if err != nil {
			if err != io.EOF {
				Error("Could not read capture file %s: %v", f.filePath, err)
			}
			return
		}
		seg, ok := decoder.Decode(data, ci)
		if !ok {
			continue
		}
		select {
		case f.out <- seg:
		case <-f.stopCh:
			return
		}
	}
}
