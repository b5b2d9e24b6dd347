//go:build linux

package capture

import (
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"

	. "github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

const (
	// LIVE_READ_TIMEOUT maximum time a socket read blocks, the reader checks for stop at this interval
	LIVE_READ_TIMEOUT = 20 * time.Millisecond
	// LIVE_LINGER time the socket keeps being read after Stop, or after the last frame of the path
	// received after Stop, so the frames already in flight are delivered
	LIVE_LINGER = 100 * time.Millisecond
	// LIVE_LINGER_MAX upper bound of the reading after Stop
	LIVE_LINGER_MAX = time.Second
)

// frameFilter is implemented by readers supporting a kernel filter
type frameFilter interface {
	SetBPF(filter []bpf.RawInstruction) error
}

// LiveSource captures the segments of the path from a network interface using
// a linux AF_PACKET socket
type LiveSource struct {
	iface   string
	decoder *Decoder
	dumper  *Dumper

	reader packetReader

	mtx      sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	frames   chan Segment
	out      chan Segment
}

// NewLiveSource returns a source capturing on interface _iface_, if dumper is not nil every
// frame of the path is also saved to it
func NewLiveSource(iface string, path Path, dumper *Dumper) (*LiveSource, error) {
	if len(iface) == 0 {
		return nil, shared.ErrNoCaptureInterface
	}
	return &LiveSource{
		iface:   iface,
		decoder: NewDecoder(path, layers.LinkTypeEthernet),
		dumper:  dumper,
		stopCh:  make(chan struct{}),
		frames:  make(chan Segment, LIVE_QUEUE_SIZE),
		out:     make(chan Segment, LIVE_QUEUE_SIZE),
	}, nil
}

// Start opens the capture socket and begins reading frames
func (l *LiveSource) Start() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.started {
		return shared.ErrCaptureAlreadyStarted
	}

	reader, err := openPacketSocket(l.iface, LIVE_READ_TIMEOUT)
	if err != nil {
		Error("Could not open capture on interface %s: %v", l.iface, err)
		return err
	}
	if ff, ok := reader.(frameFilter); ok {
		if filter, err := TCPFilter(); err == nil {
			if err := ff.SetBPF(filter); err != nil {
				Warning("Could not attach tcp filter, capturing all frames: %v", err)
			}
		}
	}

	l.reader = reader
	l.started = true

	go l.readLoop()
	go l.forwardLoop()

	Info("Capture started on interface %s", l.iface)
	return nil
}

// Segments returns the channel of the captured segments
func (l *LiveSource) Segments() <-chan Segment {
	return l.out
}

// Stop requests the end of the capture, the segments channel is closed once the frames
// still in flight have been read
func (l *LiveSource) Stop() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.started {
		close(l.out)
		l.started = true
	}
	return nil
}

// readLoop reads frames until the linger after stop has elapsed, then closes the socket
// and the frames channel
func (l *LiveSource) readLoop() {
	defer func() {
		if err := recover(); err != nil {
			Error("PANIC: %v", err)
			debug.PrintStack()
		}
		l.reader.Close()
		close(l.frames)
		Debug("Capture reader on %s terminated", l.iface)
	}()

	var stopAt, lastFrame time.Time
	for {
		if stopAt.IsZero() {
			select {
			case <-l.stopCh:
				stopAt = time.Now()
			default:
			}
		}
		if !stopAt.IsZero() {
			quiet := stopAt
			if lastFrame.After(quiet) {
				quiet = lastFrame
			}
			now := time.Now()
			if now.Sub(quiet) >= LIVE_LINGER || now.Sub(stopAt) >= LIVE_LINGER_MAX {
				return
			}
		}

		data, ci, err := l.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				continue
			}
			Error("Capture read failed: %v", err)
			return
		}
		if data == nil {
			continue
		}
		seg, ok := l.decoder.Decode(data, ci)
		if !ok {
			continue
		}
		lastFrame = time.Now()
		if l.dumper != nil {
			OnError(l.dumper.WritePacket(ci, data), "dumping captured frame")
		}

		select {
		case l.frames <- seg:
		default:
			Warning("Capture queue full, dropped %v", seg)
		}
	}
}

// forwardLoop moves segments to the consumer until the reader terminates
func (l *LiveSource) forwardLoop() {
	defer func() {
		if err := recover(); err != nil {
			Error("PANIC: %v", err)
			debug.PrintStack()
		}
		close(l.out)
	}()

	for seg := range l.frames {
		l.out <- seg
	}
}
