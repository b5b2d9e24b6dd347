//go:build !linux

package capture

import (
	"github.com/parvit/closecheck/shared"
)

// LiveSource is not available on this platform, saved captures can still be analyzed
// with FileSource
type LiveSource struct{}

// NewLiveSource always fails with ErrCaptureUnsupported
func NewLiveSource(iface string, path Path, dumper *Dumper) (*LiveSource, error) {
	return nil, shared.ErrCaptureUnsupported
}

func (l *LiveSource) Start() error {
	return shared.ErrCaptureUnsupported
}

func (l *LiveSource) Segments() <-chan Segment {
	return nil
}

func (l *LiveSource) Stop() error {
	return nil
}
