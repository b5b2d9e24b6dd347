/*
Package analyzer implements the passive observer of the close sequences.

The Analyzer consumes the segments produced by a capture.Source in a background
goroutine and keeps one Record per connection. A record is finalized as soon as both
directions of the connection sent an acknowledged FIN or a reset is observed, the
remaining records are finalized when the analyzer is stopped.
Results are only exposed after Stop returned.
*/
package analyzer

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/parvit/closecheck/capture"
	. "github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

const (
	// DEFAULT_TIMEOUT wait for in-flight segments after stop
	DEFAULT_TIMEOUT = 10 * time.Second
)

// Options of the analyzer
type Options struct {
	// NodeClose when true requires both directions of every connection to complete their
	// FIN/ACK exchange, when false a single acknowledged half-close is accepted
	NodeClose bool
	// Timeout maximum wait after stop for the segments still in flight
	Timeout time.Duration
}

// DefaultOptions returns strict options with the default timeout
func DefaultOptions() Options {
	return Options{
		NodeClose: true,
		Timeout:   DEFAULT_TIMEOUT,
	}
}

type analyzerState int

const (
	stateIdle analyzerState = iota
	stateRunning
	stateStopped
)

// Analyzer validates the close sequence of every connection observed by a source
type Analyzer struct {
	source  capture.Source
	options Options

	mtx   sync.Mutex
	state analyzerState
	quit  chan struct{}
	done  chan struct{}

	// owned by the consumer goroutine until done is closed
	trackers map[string]*tracker
	order    []string
	count    int
}

// New returns an analyzer for the segments of _source_
func New(source capture.Source, options Options) *Analyzer {
	if options.Timeout <= 0 {
		options.Timeout = DEFAULT_TIMEOUT
	}
	return &Analyzer{
		source:   source,
		options:  options,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		trackers: make(map[string]*tracker),
	}
}

// Options returns the options the analyzer was created with
func (a *Analyzer) Options() Options {
	return a.options
}

// Start begins the observation, starting also the source
func (a *Analyzer) Start() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.state != stateIdle {
		return shared.ErrAnalyzerAlreadyStarted
	}
	if err := a.source.Start(); err != nil {
		Error("Could not start capture source: %v", err)
		return err
	}
	a.state = stateRunning

	go a.consume(a.source.Segments())

	Debug("Analyzer started (node close: %v, timeout: %v)", a.options.NodeClose, a.options.Timeout)
	return nil
}

// Stop halts the observation and finalizes every record, the segments already captured are
// processed for at most the configured timeout. Returns ErrTeardownTimeout if the timeout
// elapsed before the source ended, the records are finalized regardless.
func (a *Analyzer) Stop() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	switch a.state {
	case stateIdle:
		return shared.ErrAnalyzerNotStarted
	case stateStopped:
		return nil
	}
	a.state = stateStopped

	OnError(a.source.Stop(), "stopping capture source")

	var err error
	timer := time.NewTimer(a.options.Timeout)
	defer timer.Stop()

	select {
	case <-a.done:
	case <-timer.C:
		Warning("Analyzer timeout of %v elapsed before the end of the capture", a.options.Timeout)
		close(a.quit)
		<-a.done
		err = shared.ErrTeardownTimeout
	}

	Info("Analyzer stopped: %d segments on %d connections", a.count, len(a.order))
	return err
}

// Done returns a channel closed once the source ended and every record was finalized,
// used to wait for the end of a replayed capture before calling Stop
func (a *Analyzer) Done() <-chan struct{} {
	return a.done
}

// consume processes the segments until the source ends or the stop timeout elapses
func (a *Analyzer) consume(segments <-chan capture.Segment) {
	defer func() {
		if err := recover(); err != nil {
			Error("PANIC: %v", err)
			debug.PrintStack()
		}
		a.finalizeAll()
		close(a.done)
	}()

	for {
		select {
		case seg, ok := <-segments:
			if !ok {
				return
			}
			a.process(seg)

		case <-a.quit:
			return
		}
	}
}

func (a *Analyzer) process(seg capture.Segment) {
	a.count++
	t, ok := a.trackers[seg.ConnectionID]
	if !ok {
		t = newTracker(seg)
		a.trackers[seg.ConnectionID] = t
		a.order = append(a.order, seg.ConnectionID)
		Debug("New connection %s (%s)", seg.ConnectionID, seg.Direction.Side())
	}
	if t.add(seg) {
		Debug("Connection %s finalized: %s %s", seg.ConnectionID, t.record.Verdict, t.record.Pattern)
	}
}

func (a *Analyzer) finalizeAll() {
	for _, id := range a.order {
		a.trackers[id].finalize(a.options.NodeClose)
	}
}

// stopped returns true once the records can be read
func (a *Analyzer) stopped() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.state == stateStopped
}

// CheckResults returns true if every record observed is matched, it is false before Stop
func (a *Analyzer) CheckResults() bool {
	if !a.stopped() {
		Warning("Analyzer results requested before stop")
		return false
	}
	for _, id := range a.order {
		if a.trackers[id].record.Verdict != Matched {
			return false
		}
	}
	return true
}

// Records returns a copy of the records in order of first observation, empty before Stop
func (a *Analyzer) Records() []Record {
	if !a.stopped() {
		return nil
	}
	list := make([]Record, 0, len(a.order))
	for _, id := range a.order {
		list = append(list, a.copyRecord(id))
	}
	return list
}

// Record returns the record of the connection with the given identifier
func (a *Analyzer) Record(connectionID string) (Record, bool) {
	if !a.stopped() {
		return Record{}, false
	}
	if _, ok := a.trackers[connectionID]; !ok {
		return Record{}, false
	}
	return a.copyRecord(connectionID), true
}

// Mismatched returns the records which did not match an accepted close sequence
func (a *Analyzer) Mismatched() []Record {
	list := make([]Record, 0)
	for _, r := range a.Records() {
		if r.Verdict != Matched {
			list = append(list, r)
		}
	}
	return list
}

// SegmentCount returns the number of segments processed
func (a *Analyzer) SegmentCount() int {
	if !a.stopped() {
		return 0
	}
	return a.count
}

func (a *Analyzer) copyRecord(id string) Record {
	r := a.trackers[id].record
	r.Segments = append([]capture.Segment(nil), r.Segments...)
	return r
}
