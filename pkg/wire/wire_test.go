package wire

import (
	"bytes"
	"net"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

func sampleMsg(op paxos.Op) *paxos.Msg {
	m := &paxos.Msg{
		From:     1,
		To:       2,
		GroupID:  0xdeadbeef,
		Op:       op,
		Synode:   synode.Synode{GroupID: 0xdeadbeef, MsgNo: 42, Node: 1},
		Proposal: synode.Ballot{Cnt: 3, Node: 1},
		ReplyTo:  synode.Ballot{Cnt: 2, Node: 0},
		MsgType:  paxos.Normal,
		App: []paxos.AppData{{
			AppKey:   synode.Synode{GroupID: 0xdeadbeef, MsgNo: 42, Node: 1},
			UniqueID: synode.Synode{GroupID: 7, MsgNo: 42, Node: 1},
			LSN:      9,
			Cargo:    paxos.AppType,
			Body:     []byte("payload"),
		}},
		DeliveredMsg: synode.Synode{GroupID: 0xdeadbeef, MsgNo: 40},
		MaxSynode:    synode.Synode{GroupID: 0xdeadbeef, MsgNo: 45},
	}
	return m
}

func TestMsgRoundTripAllOps(t *testing.T) {
	ops := []paxos.Op{
		paxos.ClientMsg, paxos.PrepareOp, paxos.AckPrepareOp,
		paxos.AckPrepareEmptyOp, paxos.AcceptOp, paxos.AckAcceptOp,
		paxos.MultiAckAcceptOp, paxos.LearnOp, paxos.TinyLearnOp,
		paxos.RecoverLearnOp, paxos.SkipOp, paxos.ReadOp,
		paxos.IAmAliveOp, paxos.AreYouAliveOp, paxos.NeedBootOp,
		paxos.GcsSnapshotOp, paxos.DieOp, paxos.ClientReply,
	}
	for _, op := range ops {
		var buf bytes.Buffer
		in := sampleMsg(op)
		if err := WriteMsg(&buf, site.MyMaxProto, in); err != nil {
			t.Fatalf("%v: write: %v", op, err)
		}
		h, out, err := ReadMsg(&buf)
		if err != nil {
			t.Fatalf("%v: read: %v", op, err)
		}
		if h.Proto != site.MyMaxProto {
			t.Fatalf("%v: proto lost: %v", op, h.Proto)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("%v: round trip mismatch:\n in: %+v\nout: %+v", op, in, out)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := site.New([]site.NodeAddress{{
		Address:  "a:1",
		UID:      uuid.New(),
		MinProto: site.Proto10,
		MaxProto: site.MyMaxProto,
	}})
	s.Start = synode.Synode{GroupID: 1, MsgNo: 11}
	s.BootKey = synode.Synode{GroupID: 1, MsgNo: 1}

	in := sampleMsg(paxos.GcsSnapshotOp)
	in.App = nil
	in.Snapshot = &paxos.Snapshot{
		Sites:    []*site.Site{s},
		AppSnap:  []byte{1, 2, 3},
		LogStart: synode.Synode{GroupID: 1, MsgNo: 5},
		LogEnd:   synode.Synode{GroupID: 1, MsgNo: 9},
	}

	var buf bytes.Buffer
	if err := WriteMsg(&buf, site.MyMaxProto, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, out, err := ReadMsg(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Snapshot == nil || len(out.Snapshot.Sites) != 1 {
		t.Fatalf("snapshot lost: %+v", out)
	}
	got := out.Snapshot.Sites[0]
	if got.Start != s.Start || got.BootKey != s.BootKey || got.Nodes[0].Address != "a:1" {
		t.Fatalf("site content changed: %+v", got)
	}
}

func TestRoundTripOlderProtocols(t *testing.T) {
	for _, proto := range []site.ProtoVersion{site.Proto10, site.Proto14, site.Proto18} {
		var buf bytes.Buffer
		in := sampleMsg(paxos.AcceptOp)
		if err := WriteMsg(&buf, proto, in); err != nil {
			t.Fatalf("proto %d: %v", proto, err)
		}
		h, out, err := ReadMsg(&buf)
		if err != nil || h.Proto != proto {
			t.Fatalf("proto %d: read %v %v", proto, h, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("proto %d: mismatch", proto)
		}
	}
}

func TestUnknownOpRejected(t *testing.T) {
	var buf bytes.Buffer
	in := sampleMsg(paxos.AcceptOp)
	in.Op = paxos.Op(200)
	if err := WriteMsg(&buf, site.MyMaxProto, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := ReadMsg(&buf); err == nil {
		t.Fatalf("unknown op must be rejected")
	}
}

func TestFrameTooBig(t *testing.T) {
	var hdr [HeaderSize]byte
	putHeader(hdr[:], Header{Proto: site.MyMaxProto, Length: MaxBodySize + 1, Tag: TagNormal})
	if _, _, err := ReadFrame(bytes.NewReader(hdr[:])); err != ErrFrameTooBig {
		t.Fatalf("expected ErrFrameTooBig, got %v", err)
	}
}

func TestHandshake(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	done := make(chan error, 1)
	var got site.ProtoVersion
	go func() {
		v, err := Handshake(cli, site.MyMaxProto)
		got = v
		done <- err
	}()
	v, err := Accept(srv, site.MyMaxProto, site.Proto10)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if v != site.MyMaxProto || got != site.MyMaxProto {
		t.Fatalf("negotiated %v / %v, want %v", v, got, site.MyMaxProto)
	}
}

func TestHandshakeOldClient(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	done := make(chan error, 1)
	var got site.ProtoVersion
	go func() {
		v, err := Handshake(cli, site.Proto14)
		got = v
		done <- err
	}()
	v, err := Accept(srv, site.MyMaxProto, site.Proto10)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if v != site.Proto14 || got != site.Proto14 {
		t.Fatalf("common maximum should win: %v / %v", v, got)
	}
}

func TestHandshakeUnknownProto(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		_, err := Handshake(cli, site.Proto10)
		done <- err
	}()
	// Server refuses anything below 1.4.
	if _, err := Accept(srv, site.MyMaxProto, site.Proto14); err != ErrUnknownProto {
		t.Fatalf("accept should refuse: %v", err)
	}
	if err := <-done; err != ErrUnknownProto {
		t.Fatalf("client should see unknown proto: %v", err)
	}
}
