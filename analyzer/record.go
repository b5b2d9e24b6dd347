package analyzer

import (
	"fmt"
	"strings"

	"github.com/parvit/closecheck/capture"
)

// Verdict of a connection close sequence
type Verdict int

const (
	Pending Verdict = iota
	Matched
	Mismatched
)

func (v Verdict) String() string {
	switch v {
	case Matched:
		return "matched"
	case Mismatched:
		return "mismatched"
	default:
		return "pending"
	}
}

// MarshalText allows the verdict to be serialized by name
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Pattern identifies which accepted teardown shape a connection followed
type Pattern int

const (
	PatternNone Pattern = iota
	// PatternFourWay FIN, ACK, FIN, ACK
	PatternFourWay
	// PatternThreeWay the responding FIN carries the acknowledgment of the first FIN
	PatternThreeWay
	// PatternHalfClose only one direction was observed closing, accepted when NodeClose is false
	PatternHalfClose
)

func (p Pattern) String() string {
	switch p {
	case PatternFourWay:
		return "four-way"
	case PatternThreeWay:
		return "three-way"
	case PatternHalfClose:
		return "half-close"
	default:
		return "none"
	}
}

// MarshalText allows the pattern to be serialized by name
func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Record is the close evaluation of a single observed connection
type Record struct {
	ConnectionID string            `json:"connection"`
	Side         capture.Side      `json:"side"`
	Segments     []capture.Segment `json:"segments,omitempty"`
	Verdict      Verdict           `json:"verdict"`
	// Initiator role of the endpoint which sent the first FIN, RoleUnknown if none was observed
	Initiator capture.Role `json:"initiator"`
	Pattern   Pattern      `json:"pattern"`
	// Reason explains a mismatched verdict
	Reason string `json:"reason,omitempty"`
}

// Finalized returns true if the verdict of the record cannot change anymore
func (r Record) Finalized() bool {
	return r.Verdict != Pending
}

// Dump returns a multiline description of the record including its segments
func (r Record) Dump() string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("connection %s (%s): %s", r.ConnectionID, r.Side, r.Verdict))
	if r.Initiator != capture.RoleUnknown {
		sb.WriteString(fmt.Sprintf(", initiated by %s", r.Initiator))
	}
	if r.Pattern != PatternNone {
		sb.WriteString(fmt.Sprintf(", %s", r.Pattern))
	}
	if len(r.Reason) > 0 {
		sb.WriteString(fmt.Sprintf(", %s", r.Reason))
	}
	sb.WriteString("\n")
	for _, seg := range r.Segments {
		sb.WriteString("  ")
		sb.WriteString(seg.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

// halfClose tracks the FIN sent in one direction and its acknowledgment
type halfClose struct {
	fin   *capture.Segment
	acked bool
}

// tracker accumulates the segments of one connection and evaluates its close sequence
type tracker struct {
	record Record

	// halves are indexed by the sending endpoint: 0 the active opener (client or proxy
	// towards the server), 1 the passive endpoint
	halves    [2]halfClose
	initiator int
	combined  bool
	rst       *capture.Segment
}

func newTracker(seg capture.Segment) *tracker {
	return &tracker{
		record: Record{
			ConnectionID: seg.ConnectionID,
			Side:         seg.Direction.Side(),
			Verdict:      Pending,
		},
		initiator: -1,
	}
}

// endpointIndex maps a direction to the index of its sender in the halves array
func endpointIndex(dir capture.Direction) int {
	if dir == capture.ClientToProxy || dir == capture.ProxyToServer {
		return 0
	}
	return 1
}

// seqGE compares sequence numbers allowing wraparound
func seqGE(a, b uint32) bool {
	return int32(a-b) >= 0
}

func sameSegment(a, b capture.Segment) bool {
	return a.Direction == b.Direction && a.Flags == b.Flags && a.Seq == b.Seq &&
		a.Ack == b.Ack && a.PayloadLen == b.PayloadLen
}

// add processes the next segment of the connection, returns true if the record got
// finalized by this segment
func (t *tracker) add(seg capture.Segment) bool {
	if n := len(t.record.Segments); n > 0 && sameSegment(t.record.Segments[n-1], seg) {
		return false
	}
	t.record.Segments = append(t.record.Segments, seg)
	if t.record.Finalized() {
		return false
	}

	sender := endpointIndex(seg.Direction)
	peer := 1 - sender

	if seg.Flags.HasAny(capture.FlagRST) {
		t.rst = &seg
		t.finalize(true)
		return true
	}

	firstFin := false
	if seg.Flags.HasAny(capture.FlagFIN) && t.halves[sender].fin == nil {
		s := seg
		t.halves[sender].fin = &s
		firstFin = true
		if t.initiator < 0 {
			t.initiator = sender
			t.record.Initiator = seg.Direction.Sender()
		}
	}

	other := &t.halves[peer]
	if seg.Flags.HasAny(capture.FlagACK) && other.fin != nil && !other.acked && seqGE(seg.Ack, other.fin.EndSeq()) {
		other.acked = true
		if firstFin && sender != t.initiator {
			t.combined = true
		}
	}

	if t.halves[0].acked && t.halves[1].acked {
		t.finalize(true)
		return true
	}
	return false
}

func (t *tracker) halfName(idx int) string {
	fin := t.halves[idx].fin
	if fin != nil {
		return fin.Direction.Sender().String()
	}
	if t.record.Side == capture.SideServer {
		if idx == 0 {
			return capture.RoleProxy.String()
		}
		return capture.RoleServer.String()
	}
	if idx == 0 {
		return capture.RoleClient.String()
	}
	return capture.RoleProxy.String()
}

// finalize decides the verdict of the record, tolerant accepts a single acknowledged
// half-close when no reset was observed
func (t *tracker) finalize(strict bool) {
	if t.record.Finalized() {
		return
	}
	r := &t.record

	if t.rst != nil {
		r.Verdict = Mismatched
		sender := t.rst.Direction.Sender()
		if t.halves[endpointIndex(t.rst.Direction)].fin == nil {
			r.Reason = fmt.Sprintf("RST from %s in place of FIN", sender)
		} else {
			r.Reason = fmt.Sprintf("RST from %s after FIN", sender)
		}
		return
	}

	complete := 0
	for _, h := range t.halves {
		if h.acked {
			complete++
		}
	}

	switch {
	case complete == 2:
		r.Verdict = Matched
		r.Pattern = PatternFourWay
		if t.combined {
			r.Pattern = PatternThreeWay
		}
		return

	case complete == 1 && !strict:
		r.Verdict = Matched
		r.Pattern = PatternHalfClose
		return
	}

	r.Verdict = Mismatched
	if t.initiator < 0 {
		r.Reason = "no FIN observed"
		return
	}
	reasons := make([]string, 0, 2)
	for idx, h := range t.halves {
		switch {
		case h.fin == nil:
			reasons = append(reasons, fmt.Sprintf("no FIN from %s", t.halfName(idx)))
		case !h.acked:
			reasons = append(reasons, fmt.Sprintf("FIN from %s never acknowledged", t.halfName(idx)))
		}
	}
	r.Reason = strings.Join(reasons, ", ")
}
