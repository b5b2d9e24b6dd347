package capture

import (
	"sync"

	"github.com/parvit/closecheck/shared"
)

// LIVE_QUEUE_SIZE number of decoded segments buffered between a reader and the consumer
const LIVE_QUEUE_SIZE = 4096

// Source produces the ordered stream of segments observed on a path.
// Segments is valid after Start and is closed by the source once Stop was requested and the
// in-flight segments were delivered (or when the source is exhausted).
type Source interface {
	Start() error
	Segments() <-chan Segment
	Stop() error
}

// FeedSource is a buffered in-memory source, segments are pushed by the owner of the
// source instead of being captured
type FeedSource struct {
	mtx     sync.Mutex
	out     chan Segment
	started bool
	stopped bool
}

// NewFeedSource returns a feed able to buffer up to _size_ segments
func NewFeedSource(size int) *FeedSource {
	if size <= 0 {
		size = 1
	}
	return &FeedSource{out: make(chan Segment, size)}
}

// Start marks the feed as started, pushed segments are buffered even before
func (f *FeedSource) Start() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.started {
		return shared.ErrCaptureAlreadyStarted
	}
	f.started = true
	return nil
}

// Segments returns the channel of the pushed segments
func (f *FeedSource) Segments() <-chan Segment {
	return f.out
}

// Push adds the segments to the feed, returns false if the feed was already stopped or
// its buffer is full
func (f *FeedSource) Push(segs ...Segment) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.stopped {
		return false
	}
	for _, seg := range segs {
		select {
		case f.out <- seg:
		default:
			return false
		}
	}
	return true
}

// Stop closes the feed, buffered segments are still delivered
func (f *FeedSource) Stop() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.stopped {
		return nil
	}
	f.stopped = true
	close(f.out)
	return nil
}
