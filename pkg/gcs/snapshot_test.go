package gcs

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

func history(starts ...uint64) *site.History {
	h := &site.History{}
	for _, m := range starts {
		s := site.New([]site.NodeAddress{{Address: "a:1", UID: uuid.New()}})
		s.Start = synode.Synode{GroupID: 1, MsgNo: m}
		s.BootKey = synode.Synode{GroupID: 1, MsgNo: m - 1}
		h.Push(s)
	}
	return h
}

func TestExportImportRoundTrip(t *testing.T) {
	h := history(1, 20, 40)
	blob := []byte("application state blob")
	logStart := synode.Synode{GroupID: 1, MsgNo: 39}
	logEnd := synode.Synode{GroupID: 1, MsgNo: 55}

	snap, err := Export(h, blob, logStart, logEnd)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(snap.Sites) != 3 {
		t.Fatalf("exported %d sites, want 3", len(snap.Sites))
	}
	if bytes.Equal(snap.AppSnap, blob) {
		t.Fatalf("app blob should be compressed on the wire")
	}

	got, gotBlob, err := Import(snap)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !bytes.Equal(gotBlob, blob) {
		t.Fatalf("blob mismatch after import: %q", gotBlob)
	}
	if got.Len() != 3 {
		t.Fatalf("imported %d sites, want 3", got.Len())
	}
	// Content equality: same starts, same resolution order.
	for i, want := range h.All() {
		if got.All()[i].Start != want.Start {
			t.Fatalf("site %d start mismatch: %v vs %v", i, got.All()[i].Start, want.Start)
		}
	}
	if got.Latest().Start.MsgNo != 40 {
		t.Fatalf("latest site lost its position")
	}
}

func TestExportEmptyHistory(t *testing.T) {
	if _, err := Export(&site.History{}, []byte("x"), synode.Null, synode.Null); err == nil {
		t.Fatalf("export of empty history must fail")
	}
}

func TestImportEmptySnapshot(t *testing.T) {
	if _, _, err := Import(&paxos.Snapshot{}); err == nil {
		t.Fatalf("import of empty snapshot must fail")
	}
}

func TestBetterOrdering(t *testing.T) {
	mk := func(bootKey, logStart, logEnd uint64) *paxos.Snapshot {
		s := site.New([]site.NodeAddress{{Address: "a:1"}})
		s.BootKey = synode.Synode{GroupID: 1, MsgNo: bootKey}
		return &paxos.Snapshot{
			Sites:    []*site.Site{s},
			LogStart: synode.Synode{GroupID: 1, MsgNo: logStart},
			LogEnd:   synode.Synode{GroupID: 1, MsgNo: logEnd},
		}
	}
	haveBoot := synode.Synode{GroupID: 1, MsgNo: 10}
	haveStart := synode.Synode{GroupID: 1, MsgNo: 20}
	haveEnd := synode.Synode{GroupID: 1, MsgNo: 30}

	if !Better(mk(11, 0, 0), haveBoot, haveStart, haveEnd) {
		t.Fatalf("higher boot key wins regardless of log window")
	}
	if Better(mk(9, 99, 99), haveBoot, haveStart, haveEnd) {
		t.Fatalf("lower boot key always loses")
	}
	if !Better(mk(10, 21, 0), haveBoot, haveStart, haveEnd) {
		t.Fatalf("same boot key, higher log start wins")
	}
	if !Better(mk(10, 20, 31), haveBoot, haveStart, haveEnd) {
		t.Fatalf("same boot key and start, higher log end wins")
	}
	if Better(mk(10, 20, 30), haveBoot, haveStart, haveEnd) {
		t.Fatalf("identical snapshot is not better")
	}
}
