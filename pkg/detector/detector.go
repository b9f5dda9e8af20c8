// Package detector keeps liveness bookkeeping for the members of a
// site. It only records and judges timestamps; transport failure
// heuristics live with the transport.
package detector

import (
	"time"

	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

// DefaultSilent is how long a member may stay quiet before it is
// suspected dead.
const DefaultSilent = 5 * time.Second

// Detector tracks last-heard times and delivery progress per member.
type Detector struct {
	// delivered is the last delivered synod reported by each member,
	// keyed by node number of the current site.
	delivered map[synode.NodeNo]synode.Synode
}

func New() *Detector {
	return &Detector{delivered: make(map[synode.NodeNo]synode.Synode)}
}

// NoteDetected records a sign of life. Returns false if the member was
// previously considered silent for longer than the default window, so
// the caller can wake anyone waiting on detector state.
func (d *Detector) NoteDetected(s *site.Site, n synode.NodeNo, now time.Time) bool {
	if s == nil || int(n) >= len(s.Detected) {
		return true
	}
	wasLive := now.Sub(s.Detected[n]) < DefaultSilent
	s.Detected[n] = now
	return wasLive
}

// UpdateDelivered records the delivered cursor a member advertised.
func (d *Detector) UpdateDelivered(s *site.Site, n synode.NodeNo, delivered synode.Synode) {
	if s == nil || n == synode.VoidNodeNo || int(n) >= len(s.Nodes) {
		return
	}
	if synode.Gt(delivered, d.delivered[n]) {
		d.delivered[n] = delivered
	}
}

// Delivered returns the last delivered synod advertised by a member.
func (d *Detector) Delivered(n synode.NodeNo) synode.Synode {
	return d.delivered[n]
}

// Reset forgets all delivery progress.
func (d *Detector) Reset() {
	d.delivered = make(map[synode.NodeNo]synode.Synode)
}

// MayBeDead judges a member by its silence.
func MayBeDead(s *site.Site, n synode.NodeNo, now time.Time, silence time.Duration, unreachable bool) bool {
	if s == nil || int(n) >= len(s.Detected) {
		return true
	}
	if unreachable {
		return true
	}
	return now.Sub(s.Detected[n]) >= silence
}

// Leader is the lowest-numbered member not suspected dead. It decides
// who proposes no-ops for missing values.
func Leader(s *site.Site, now time.Time, unreachable func(synode.NodeNo) bool) synode.NodeNo {
	if s == nil {
		return 0
	}
	for n := synode.NodeNo(0); n < s.MaxNodes(); n++ {
		if !MayBeDead(s, n, now, DefaultSilent, unreachable != nil && unreachable(n)) {
			return n
		}
	}
	return 0
}

// AmGreatest reports whether this process is the leader of the site.
func AmGreatest(s *site.Site, now time.Time, unreachable func(synode.NodeNo) bool) bool {
	return s != nil && Leader(s, now, unreachable) == s.NodeNo
}

// AliveSet computes the current view: which members are not suspected.
func AliveSet(s *site.Site, now time.Time, unreachable func(synode.NodeNo) bool) []bool {
	if s == nil {
		return nil
	}
	alive := make([]bool, s.MaxNodes())
	for n := range alive {
		nn := synode.NodeNo(n)
		alive[n] = !MayBeDead(s, nn, now, DefaultSilent, unreachable != nil && unreachable(nn))
	}
	// We always see ourselves.
	if s.IsMember() {
		alive[s.NodeNo] = true
	}
	return alive
}
