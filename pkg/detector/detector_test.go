package detector

import (
	"testing"
	"time"

	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

func threeNodeSite() *site.Site {
	s := site.New([]site.NodeAddress{
		{Address: "a:1"}, {Address: "b:1"}, {Address: "c:1"},
	})
	s.NodeNo = 0
	return s
}

func TestMayBeDead(t *testing.T) {
	s := threeNodeSite()
	now := time.Now()
	d := New()

	// Nobody heard from yet: everyone is suspect.
	if !MayBeDead(s, 1, now, DefaultSilent, false) {
		t.Fatalf("silent node must be suspect")
	}

	d.NoteDetected(s, 1, now)
	if MayBeDead(s, 1, now, DefaultSilent, false) {
		t.Fatalf("freshly detected node is alive")
	}
	if !MayBeDead(s, 1, now.Add(DefaultSilent+time.Second), DefaultSilent, false) {
		t.Fatalf("node silent past the window is suspect")
	}
	if !MayBeDead(s, 1, now, DefaultSilent, true) {
		t.Fatalf("unreachable overrides recent detection")
	}
}

func TestLeaderIsLowestLiveNode(t *testing.T) {
	s := threeNodeSite()
	now := time.Now()
	d := New()

	d.NoteDetected(s, 1, now)
	d.NoteDetected(s, 2, now)
	// Node 0 silent: node 1 leads.
	if got := Leader(s, now, nil); got != 1 {
		t.Fatalf("leader: got %d want 1", got)
	}
	d.NoteDetected(s, 0, now)
	if got := Leader(s, now, nil); got != 0 {
		t.Fatalf("leader: got %d want 0", got)
	}
	if !AmGreatest(s, now, nil) {
		t.Fatalf("we are node 0 and node 0 leads")
	}
}

func TestAliveSetSeesSelf(t *testing.T) {
	s := threeNodeSite()
	now := time.Now()
	alive := AliveSet(s, now, nil)
	if !alive[0] {
		t.Fatalf("a member always sees itself alive")
	}
	if alive[1] || alive[2] {
		t.Fatalf("silent peers must be reported dead")
	}
}

func TestUpdateDelivered(t *testing.T) {
	s := threeNodeSite()
	d := New()
	a := synode.Synode{GroupID: 1, MsgNo: 5}
	b := synode.Synode{GroupID: 1, MsgNo: 3}

	d.UpdateDelivered(s, 1, a)
	d.UpdateDelivered(s, 1, b) // stale report must not regress
	if got := d.Delivered(1); got != a {
		t.Fatalf("delivered regressed: %v", got)
	}
	d.UpdateDelivered(s, synode.VoidNodeNo, a) // ignored
	if d.Delivered(synode.VoidNodeNo) != synode.Null {
		t.Fatalf("void node must not be tracked")
	}
}
