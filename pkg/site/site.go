package site

import (
	"time"

	"github.com/google/uuid"

	"paxcom/pkg/synode"
)

// ProtoVersion is the wire protocol version spoken by a member.
type ProtoVersion uint32

const (
	Proto10 ProtoVersion = 1 // original protocol
	Proto14 ProtoVersion = 5 // first version with reconfigurable event horizon
	Proto18 ProtoVersion = 9 // ignores intermediate forced configs and views

	// MyMaxProto is the newest protocol this build speaks.
	MyMaxProto = Proto18
)

// Event horizon bounds. The horizon is both the per-member pipeline
// window and the activation delay of new configurations.
const (
	EventHorizonMin uint32 = 10
	EventHorizonMax uint32 = 200
)

// ReconfigurableEventHorizon reports whether a protocol version supports
// a non-default event horizon.
func ReconfigurableEventHorizon(v ProtoVersion) bool {
	return v >= Proto14
}

// BackwardsCompatible reports whether an event horizon value is usable
// by members that predate horizon reconfiguration.
func BackwardsCompatible(h uint32) bool {
	return h == EventHorizonMin
}

// ShouldIgnoreForcedConfigOrView reports whether members on this
// protocol discard intermediate forced configs and views.
func ShouldIgnoreForcedConfigOrView(v ProtoVersion) bool {
	return v >= Proto18
}

// NodeAddress identifies a member: host:port plus a UID that survives
// address reuse, and the protocol range the member speaks.
type NodeAddress struct {
	Address  string       `json:"address"`
	UID      uuid.UUID    `json:"uid"`
	MinProto ProtoVersion `json:"min_proto"`
	MaxProto ProtoVersion `json:"max_proto"`
}

// SameUID reports identity by UID.
func (n NodeAddress) SameUID(other NodeAddress) bool {
	return n.UID == other.UID
}

// Site is an installed configuration. Sites are immutable after
// Install; reconfiguration clones the latest site and mutates the copy.
type Site struct {
	Start        synode.Synode `json:"start"`
	BootKey      synode.Synode `json:"boot_key"`
	Nodes        []NodeAddress `json:"nodes"`
	EventHorizon uint32        `json:"event_horizon"`
	XProto       ProtoVersion  `json:"x_proto"`

	// NodeNo is this process's index in Nodes, VoidNodeNo if absent.
	NodeNo synode.NodeNo `json:"-"`

	// Global view: which members the detector currently sees as alive.
	GlobalNodeSet []bool `json:"-"`

	// Detected holds the last time each member was heard from.
	Detected []time.Time `json:"-"`

	// MaxRTT is the highest observed round trip to any member.
	MaxRTT time.Duration `json:"-"`

	InstallTime time.Time `json:"-"`
}

// New creates a site over the given members with default horizon.
func New(nodes []NodeAddress) *Site {
	s := &Site{
		Nodes:        append([]NodeAddress(nil), nodes...),
		EventHorizon: EventHorizonMin,
		XProto:       MyMaxProto,
		NodeNo:       synode.VoidNodeNo,
	}
	s.resize()
	return s
}

func (s *Site) resize() {
	n := len(s.Nodes)
	s.GlobalNodeSet = make([]bool, n)
	for i := range s.GlobalNodeSet {
		s.GlobalNodeSet[i] = true
	}
	s.Detected = make([]time.Time, n)
}

// MaxNodes is the number of members.
func (s *Site) MaxNodes() synode.NodeNo {
	if s == nil {
		return 0
	}
	return synode.NodeNo(len(s.Nodes))
}

// IsMember reports whether this process belongs to the site.
func (s *Site) IsMember() bool {
	return s != nil && s.NodeNo != synode.VoidNodeNo
}

// IsEmpty reports a site with no members at all.
func (s *Site) IsEmpty() bool {
	return len(s.Nodes) == 0
}

// GroupID of the site, taken from its start synod.
func (s *Site) GroupID() uint32 {
	if s == nil {
		return 0
	}
	return s.Start.GroupID
}

// Clone copies the site for mutation during reconfiguration. Liveness
// bookkeeping is re-derived, not inherited.
func (s *Site) Clone() *Site {
	c := &Site{
		Start:        s.Start,
		BootKey:      s.BootKey,
		Nodes:        append([]NodeAddress(nil), s.Nodes...),
		EventHorizon: s.EventHorizon,
		XProto:       s.XProto,
		NodeNo:       synode.VoidNodeNo,
	}
	c.resize()
	return c
}

// FindNodeNo returns the index of the member with the given address.
func (s *Site) FindNodeNo(address string) synode.NodeNo {
	for i, n := range s.Nodes {
		if n.Address == address {
			return synode.NodeNo(i)
		}
	}
	return synode.VoidNodeNo
}

// NodeExists reports whether a member with the same address is present.
func (s *Site) NodeExists(addr string) bool {
	return s.FindNodeNo(addr) != synode.VoidNodeNo
}

// NodeExistsUID reports whether a member with the same UID is present.
func (s *Site) NodeExistsUID(id uuid.UUID) bool {
	for _, n := range s.Nodes {
		if n.UID == id {
			return true
		}
	}
	return false
}

// AddNodes appends members that are not already present by address.
func (s *Site) AddNodes(nodes []NodeAddress) {
	for _, n := range nodes {
		if !s.NodeExists(n.Address) {
			s.Nodes = append(s.Nodes, n)
		}
	}
	s.recomputeProto()
	s.resize()
}

// RemoveNodes drops members matching by address.
func (s *Site) RemoveNodes(nodes []NodeAddress) {
	keep := s.Nodes[:0]
	for _, have := range s.Nodes {
		removed := false
		for _, gone := range nodes {
			if have.Address == gone.Address {
				removed = true
				break
			}
		}
		if !removed {
			keep = append(keep, have)
		}
	}
	s.Nodes = keep
	s.recomputeProto()
	s.resize()
}

// recomputeProto sets XProto to the highest protocol every member
// supports.
func (s *Site) recomputeProto() {
	common := MyMaxProto
	for _, n := range s.Nodes {
		if n.MaxProto < common {
			common = n.MaxProto
		}
	}
	s.XProto = common
}

// RenumberSelf records our own index given our identity.
func (s *Site) RenumberSelf(self NodeAddress) {
	s.NodeNo = synode.VoidNodeNo
	for i, n := range s.Nodes {
		if n.Address == self.Address {
			s.NodeNo = synode.NodeNo(i)
			return
		}
	}
}
