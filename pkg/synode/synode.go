package synode

import "fmt"

// NodeNo identifies a member by its index in the current site.
type NodeNo uint16

// VoidNodeNo means "no node": a message from nobody, or a node that is
// not a member of the site it is looking at.
const VoidNodeNo NodeNo = 0xffff

// Synode is a slot in the total order. GroupID partitions namespaces,
// (MsgNo, Node) orders slots lexicographically within a group.
type Synode struct {
	GroupID uint32 `json:"group_id"`
	MsgNo   uint64 `json:"msgno"`
	Node    NodeNo `json:"node"`
}

// Null is the zero synode.
var Null = Synode{}

func (s Synode) IsNull() bool {
	return s == Null
}

func (s Synode) String() string {
	return fmt.Sprintf("{%x %d %d}", s.GroupID, s.MsgNo, s.Node)
}

// Eq reports full equality, group id included.
func Eq(a, b Synode) bool {
	return a == b
}

// GroupMismatch reports whether two synodes belong to different groups.
func GroupMismatch(a, b Synode) bool {
	return a.GroupID != b.GroupID
}

// Lt orders synodes of the same group lexicographically on (msgno, node).
func Lt(a, b Synode) bool {
	if a.MsgNo != b.MsgNo {
		return a.MsgNo < b.MsgNo
	}
	return a.Node < b.Node
}

func Gt(a, b Synode) bool {
	return Lt(b, a)
}

// Incr advances to the next slot in the total order for a site with
// maxNodes members.
func (s Synode) Incr(maxNodes NodeNo) Synode {
	ret := s
	ret.Node++
	if ret.Node >= maxNodes {
		ret.Node = 0
		ret.MsgNo++
	}
	return ret
}

// Decr steps back one slot in the total order.
func (s Synode) Decr(maxNodes NodeNo) Synode {
	ret := s
	if ret.Node == 0 {
		ret.MsgNo--
		ret.Node = maxNodes
	}
	ret.Node--
	return ret
}

// IncrMsgNo advances to the next message number, keeping the node slot.
func (s Synode) IncrMsgNo() Synode {
	ret := s
	ret.MsgNo++
	return ret
}
