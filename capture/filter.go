package capture

import (
	"golang.org/x/net/bpf"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
	ipProtoTCP    = 6
)

// tcpFilter accepts ethernet frames carrying tcp over ipv4 or ipv6, everything else is
// dropped in the kernel before reaching the capture
var tcpFilter = []bpf.Instruction{
	bpf.LoadAbsolute{Off: 12, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: 2},
	bpf.LoadAbsolute{Off: 23, Size: 1},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipProtoTCP, SkipTrue: 3, SkipFalse: 4},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipFalse: 3},
	bpf.LoadAbsolute{Off: 20, Size: 1},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipProtoTCP, SkipFalse: 1},
	bpf.RetConstant{Val: DUMP_SNAPLEN},
	bpf.RetConstant{Val: 0},
}

// TCPFilter returns the assembled kernel filter for tcp frames
func TCPFilter() ([]bpf.RawInstruction, error) {
	return bpf.Assemble(tcpFilter)
}
