package paxos

import (
	"math/bits"

	"paxcom/pkg/synode"
)

// NodeSet is a bitset over site members. Groups are small (the wire
// protocol caps node indices well below 64), so one word is enough.
type NodeSet uint64

func (s *NodeSet) Set(n synode.NodeNo) {
	if n != synode.VoidNodeNo && n < 64 {
		*s |= 1 << n
	}
}

func (s NodeSet) IsSet(n synode.NodeNo) bool {
	return n < 64 && s&(1<<n) != 0
}

func (s *NodeSet) Zero() {
	*s = 0
}

// Count is the number of members that have answered.
func (s NodeSet) Count() int {
	return bits.OnesCount64(uint64(s))
}
