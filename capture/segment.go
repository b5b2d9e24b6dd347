/*
Package capture normalizes the packets observed on the proxied path into an ordered
stream of TCP segment events, each one attributed to a connection and to the direction
it travelled (client <-> proxy or proxy <-> server).

The package does not interpret the segments, it only offers sources (live interface,
saved pcap file, in-memory feed) producing them.
*/
package capture

import (
	"fmt"
	"strings"
	"time"
)

// Flags is a bit-masked representation of the TCP flags the checker cares about
type Flags uint8

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
)

var flagNames = []string{"FIN", "SYN", "RST", "PSH", "ACK"}

// HasAll returns true if all the flags in mask are set
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny returns true if at least one of the flags in mask is set
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// String returns the flags in the form "[FIN,ACK]"
func (f Flags) String() string {
	names := make([]string, 0, len(flagNames))
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}

func (f Flags) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Role identifies one of the endpoints of the proxied path
type Role uint8

const (
	RoleUnknown Role = iota
	RoleClient
	RoleProxy
	RoleServer
)

var roleNames = map[Role]string{
	RoleUnknown: "unknown",
	RoleClient:  "client",
	RoleProxy:   "proxy",
	RoleServer:  "server",
}

func (r Role) String() string {
	return roleNames[r]
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseRole returns the role with the given name, RoleUnknown if it does not exist
func ParseRole(name string) Role {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "subject" {
		return RoleProxy
	}
	for r, n := range roleNames {
		if n == name {
			return r
		}
	}
	return RoleUnknown
}

// Side identifies which of the two legs of the proxied path a connection belongs to
type Side uint8

const (
	// SideClient connections between the test client and the proxy
	SideClient Side = iota
	// SideServer connections between the proxy and the server stand-in
	SideServer
)

func (s Side) String() string {
	if s == SideServer {
		return "server-side"
	}
	return "client-side"
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Direction of travel of a segment
type Direction uint8

const (
	ClientToProxy Direction = iota
	ProxyToClient
	ProxyToServer
	ServerToProxy
)

var directionNames = []string{"client->proxy", "proxy->client", "proxy->server", "server->proxy"}

func (d Direction) String() string {
	if int(d) >= len(directionNames) {
		return "invalid"
	}
	return directionNames[d]
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Sender returns the role of the endpoint that sent a segment in this direction
func (d Direction) Sender() Role {
	switch d {
	case ClientToProxy:
		return RoleClient
	case ServerToProxy:
		return RoleServer
	default:
		return RoleProxy
	}
}

// Receiver returns the role of the endpoint that received a segment in this direction
func (d Direction) Receiver() Role {
	switch d {
	case ProxyToClient:
		return RoleClient
	case ProxyToServer:
		return RoleServer
	default:
		return RoleProxy
	}
}

// Side returns the leg of the path the direction belongs to
func (d Direction) Side() Side {
	if d == ProxyToServer || d == ServerToProxy {
		return SideServer
	}
	return SideClient
}

// Reverse returns the opposite direction on the same leg
func (d Direction) Reverse() Direction {
	switch d {
	case ClientToProxy:
		return ProxyToClient
	case ProxyToClient:
		return ClientToProxy
	case ProxyToServer:
		return ServerToProxy
	default:
		return ProxyToServer
	}
}

// Segment is a single captured TCP segment, immutable once created
type Segment struct {
	// ConnectionID identifies the connection as "<active endpoint>-><passive endpoint>"
	ConnectionID string
	// Direction in which the segment travelled
	Direction Direction
	// Flags of the segment
	Flags Flags
	// Seq sequence number
	Seq uint32
	// Ack acknowledgment number, significant only with FlagACK
	Ack uint32
	// PayloadLen number of data bytes carried
	PayloadLen int
	// Timestamp capture time
	Timestamp time.Time
}

// EndSeq returns the sequence number following this segment, SYN and FIN occupy one
// sequence number each
func (s Segment) EndSeq() uint32 {
	end := s.Seq + uint32(s.PayloadLen)
	if s.Flags.HasAny(FlagSYN) {
		end++
	}
	if s.Flags.HasAny(FlagFIN) {
		end++
	}
	return end
}

func (s Segment) String() string {
	return fmt.Sprintf("%s %s %s seq=%d ack=%d len=%d", s.Timestamp.Format("15:04:05.000000"),
		s.Direction, s.Flags, s.Seq, s.Ack, s.PayloadLen)
}
