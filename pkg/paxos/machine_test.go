package paxos

import (
	"math"
	"testing"
	"time"

	"paxcom/pkg/synode"
)

var testSynode = synode.Synode{GroupID: 7, MsgNo: 1, Node: 0}

func prepareMsg(bal synode.Ballot, from synode.NodeNo) *Msg {
	m := NewMsg(testSynode, from)
	m.Proposal = bal
	m.Prepare(PrepareOp)
	return m
}

func acceptMsg(bal synode.Ballot, from synode.NodeNo, app []AppData) *Msg {
	m := NewMsg(testSynode, from)
	m.Proposal = bal
	m.App = app
	m.InitPropose()
	return m
}

func TestSimplePrepareEmpty(t *testing.T) {
	p := NewMachine(testSynode)
	now := time.Now()

	reply := p.SimplePrepare(prepareMsg(synode.Ballot{Cnt: 1, Node: 1}, 1), now)
	if reply == nil || reply.Op != AckPrepareEmptyOp {
		t.Fatalf("expected ack_prepare_empty, got %v", reply)
	}
	if p.Acceptor.Promise.Cnt != 1 || p.Acceptor.Promise.Node != 1 {
		t.Fatalf("promise not recorded: %v", p.Acceptor.Promise)
	}
}

func TestSimplePrepareRejectsLowerBallot(t *testing.T) {
	p := NewMachine(testSynode)
	now := time.Now()

	if p.SimplePrepare(prepareMsg(synode.Ballot{Cnt: 5, Node: 0}, 0), now) == nil {
		t.Fatalf("first prepare should be acked")
	}
	if reply := p.SimplePrepare(prepareMsg(synode.Ballot{Cnt: 3, Node: 0}, 0), now); reply != nil {
		t.Fatalf("lower ballot must be ignored, got %v", reply)
	}
}

func TestPromiseMonotonic(t *testing.T) {
	p := NewMachine(testSynode)
	now := time.Now()
	ballots := []synode.Ballot{{Cnt: 1}, {Cnt: 3}, {Cnt: 2}, {Cnt: 7}, {Cnt: 4}}
	prev := p.Acceptor.Promise
	for _, b := range ballots {
		p.SimplePrepare(prepareMsg(b, 1), now)
		if synode.BallotLt(p.Acceptor.Promise, prev) {
			t.Fatalf("promise decreased from %v to %v", prev, p.Acceptor.Promise)
		}
		prev = p.Acceptor.Promise
	}
}

func TestSimpleAcceptAndAck(t *testing.T) {
	p := NewMachine(testSynode)
	now := time.Now()

	m := acceptMsg(synode.Ballot{Cnt: 0, Node: 0}, 0, []AppData{{Cargo: AppType, Body: []byte("A")}})
	reply := p.SimpleAccept(m, now, false)
	if reply == nil || reply.Op != AckAcceptOp {
		t.Fatalf("expected ack_accept, got %v", reply)
	}
	if !p.Accepted() {
		t.Fatalf("acceptor should hold a value")
	}
}

func TestAcceptRejectedAfterHigherPromise(t *testing.T) {
	p := NewMachine(testSynode)
	now := time.Now()

	p.SimplePrepare(prepareMsg(synode.Ballot{Cnt: 10, Node: 1}, 1), now)
	m := acceptMsg(synode.Ballot{Cnt: 2, Node: 0}, 0, nil)
	if reply := p.SimpleAccept(m, now, false); reply != nil {
		t.Fatalf("accept below promise must be rejected, got %v", reply)
	}
}

func TestNoopMatchBypassesBallot(t *testing.T) {
	p := NewMachine(testSynode)
	now := time.Now()

	noop := acceptMsg(synode.Ballot{Cnt: 5, Node: 0}, 0, nil)
	noop.MsgType = NoOp
	if p.SimpleAccept(noop, now, false) == nil {
		t.Fatalf("noop accept should pass")
	}

	// Raise the promise above the low ballot so only noop-match admits it.
	p.SimplePrepare(prepareMsg(synode.Ballot{Cnt: 10, Node: 1}, 1), now)

	// A lower-ballot noop still matches the accepted noop.
	low := acceptMsg(synode.Ballot{Cnt: 1, Node: 0}, 0, nil)
	low.MsgType = NoOp
	if p.SimpleAccept(low, now, false) == nil {
		t.Fatalf("noop-match must bypass the ballot check")
	}
}

func TestLearnIsFinal(t *testing.T) {
	p := NewMachine(testSynode)
	now := time.Now()

	learn := NewMsg(testSynode, 1)
	learn.App = []AppData{{Cargo: AppType, Body: []byte("A"), UniqueID: synode.Synode{GroupID: 9, MsgNo: 1}}}
	learn.SetLearnType()
	if !p.Learn(learn, now) {
		t.Fatalf("first learn must apply")
	}
	if !p.Finished() {
		t.Fatalf("machine should be finished")
	}

	other := NewMsg(testSynode, 2)
	other.App = []AppData{{Cargo: AppType, Body: []byte("B")}}
	other.SetLearnType()
	if p.Learn(other, now) {
		t.Fatalf("relearn must be rejected")
	}
	if string(p.Learner.Msg.App[0].Body) != "A" {
		t.Fatalf("learned value changed")
	}

	// Prepares after learn teach the sender instead.
	reply := p.SimplePrepare(prepareMsg(synode.Ballot{Cnt: 100, Node: 2}, 2), now)
	if reply == nil || reply.Op != LearnOp {
		t.Fatalf("finished machine should teach, got %v", reply)
	}
}

func TestAckPrepareAdoptsAcceptedValue(t *testing.T) {
	p := NewMachine(testSynode)
	rule := MajorityRule{MaxNodes: 3}

	// Proposer starts phase 1.
	p.Proposer.Msg = NewMsg(testSynode, 0)
	prep := NewMsg(testSynode, 0)
	p.PreparePush3P(0, prep, Normal)

	// Empty ack from node 0 (ourselves).
	ack0 := NewMsg(testSynode, 0)
	ack0.Op = AckPrepareEmptyOp
	ack0.ReplyTo = p.Proposer.Bal
	if p.SimpleAckPrepare(0, ack0, rule) {
		t.Fatalf("no majority with a single answer")
	}

	// Node 2 answers with a previously accepted value at a higher
	// ballot; reaching majority must re-propose that value.
	ack2 := NewMsg(testSynode, 2)
	ack2.Op = AckPrepareOp
	ack2.ReplyTo = p.Proposer.Bal
	ack2.Proposal = synode.Ballot{Cnt: 0, Node: 2}
	ack2.App = []AppData{{Cargo: AppType, Body: []byte("X")}}
	if !p.SimpleAckPrepare(0, ack2, rule) {
		t.Fatalf("majority reached, should propose")
	}
	if len(p.Proposer.Msg.App) != 1 || string(p.Proposer.Msg.App[0].Body) != "X" {
		t.Fatalf("proposer must adopt the accepted value")
	}
	if p.Proposer.Msg.Op != AcceptOp {
		t.Fatalf("phase 2 message expected, got %v", p.Proposer.Msg.Op)
	}
}

func TestAckPrepareIgnoresStaleBallot(t *testing.T) {
	p := NewMachine(testSynode)
	rule := MajorityRule{MaxNodes: 3}
	p.Proposer.Msg = NewMsg(testSynode, 0)
	prep := NewMsg(testSynode, 0)
	p.PreparePush3P(0, prep, Normal)
	p.Proposer.SentProp = p.Proposer.Bal // already proposed on this ballot

	ack := NewMsg(testSynode, 1)
	ack.Op = AckPrepareEmptyOp
	ack.ReplyTo = p.Proposer.Bal
	ack2 := NewMsg(testSynode, 2)
	ack2.Op = AckPrepareEmptyOp
	ack2.ReplyTo = p.Proposer.Bal

	p.SimpleAckPrepare(0, ack, rule)
	if p.SimpleAckPrepare(0, ack2, rule) {
		t.Fatalf("must not double-send phase 2 on the same ballot")
	}
}

func TestAckAcceptMajorityIssuesTinyLearn(t *testing.T) {
	p := NewMachine(testSynode)
	rule := MajorityRule{MaxNodes: 3}

	p.Proposer.Msg = NewMsg(testSynode, 0)
	p.Proposer.Msg.App = []AppData{{Cargo: AppType, Body: []byte("A")}}
	p.PreparePush2P(0)
	p.Proposer.Msg.InitPropose()

	mkAck := func(from synode.NodeNo) *Msg {
		a := NewMsg(testSynode, from)
		a.Op = AckAcceptOp
		a.ReplyTo = p.Proposer.Bal
		return a
	}

	if learn := p.SimpleAckAccept(0, mkAck(0), rule, true); learn != nil {
		t.Fatalf("single ack is no majority")
	}
	learn := p.SimpleAckAccept(0, mkAck(1), rule, true)
	if learn == nil || learn.Op != TinyLearnOp {
		t.Fatalf("expected tiny_learn on majority, got %v", learn)
	}
	if learn.MsgType != Normal {
		t.Fatalf("payload-carrying learn must be normal")
	}
	// A third ack must not produce a second learn.
	if again := p.SimpleAckAccept(0, mkAck(2), rule, true); again != nil {
		t.Fatalf("learn must only be sent once per ballot")
	}
}

func TestTinyLearnNeedsMatchingAccept(t *testing.T) {
	p := NewMachine(testSynode)
	now := time.Now()

	tiny := NewMsg(testSynode, 1)
	tiny.Op = TinyLearnOp
	tiny.MsgType = Normal
	tiny.Proposal = synode.Ballot{Cnt: 3, Node: 1}

	if _, needRead := p.TinyLearn(tiny, now); !needRead {
		t.Fatalf("tiny learn without accepted value must request a read")
	}

	acc := acceptMsg(synode.Ballot{Cnt: 3, Node: 1}, 1, []AppData{{Cargo: AppType, Body: []byte("A")}})
	p.SimpleAccept(acc, now, false)

	learned, needRead := p.TinyLearn(tiny, now)
	if needRead || learned == nil {
		t.Fatalf("tiny learn with matching ballot must resolve")
	}
	if learned.Op != LearnOp {
		t.Fatalf("resolved message should be a learn")
	}
}

func TestMajorityRules(t *testing.T) {
	var s NodeSet
	s.Set(0)
	s.Set(1)

	plain := MajorityRule{MaxNodes: 3}
	if !plain.Met(s, false, false) {
		t.Fatalf("2 of 3 is a majority")
	}
	var one NodeSet
	one.Set(0)
	if plain.Met(one, false, false) {
		t.Fatalf("1 of 3 is not a majority")
	}

	// cons_all requires unanimity.
	if plain.Met(s, true, false) {
		t.Fatalf("2 of 3 does not satisfy cons_all")
	}
	s.Set(2)
	if !plain.Met(s, true, false) {
		t.Fatalf("3 of 3 satisfies cons_all")
	}

	// Forced: count must equal the forced config size.
	forced := MajorityRule{MaxNodes: 3, ForcedMax: 2}
	var two NodeSet
	two.Set(0)
	two.Set(1)
	if !forced.Met(two, false, true) {
		t.Fatalf("2 answers over a forced config of 2 must pass")
	}
	if forced.Met(one, false, true) {
		t.Fatalf("1 answer over a forced config of 2 must fail")
	}
}

func TestForceBallotSaturates(t *testing.T) {
	p := NewMachine(testSynode)
	p.Proposer.Bal.Cnt = math.MaxInt32 - 10

	p.Force(true)
	if p.Proposer.Bal.Cnt < math.MaxInt32-10 {
		t.Fatalf("force must not decrease the ballot")
	}
	if p.Proposer.Bal.Cnt < 0 {
		t.Fatalf("force overflowed the ballot: %d", p.Proposer.Bal.Cnt)
	}
	if !p.ForceDelivery || !p.Enforcer {
		t.Fatalf("force flags not set")
	}

	// A second force on an enforcer must not bump again.
	before := p.Proposer.Bal.Cnt
	p.Force(true)
	if p.Proposer.Bal.Cnt != before {
		t.Fatalf("double force bumped the ballot twice")
	}
}

func TestStartedAndIdle(t *testing.T) {
	p := NewMachine(testSynode)
	if p.Started() {
		t.Fatalf("fresh machine is not started")
	}
	if !p.Idle() {
		t.Fatalf("fresh machine is idle")
	}

	now := time.Now()
	p.SimplePrepare(prepareMsg(synode.Ballot{Cnt: 1, Node: 1}, 1), now)
	if !p.Started() {
		t.Fatalf("promised machine is started")
	}
	if p.Idle() {
		t.Fatalf("promised machine is not idle")
	}
}

func TestSkip(t *testing.T) {
	p := NewMachine(testSynode)
	sm := NewMsg(testSynode, 1)
	sm.Prepare(SkipOp)
	sm.MsgType = NoOp
	if !p.Skip(sm, time.Now()) {
		t.Fatalf("skip on fresh machine must apply")
	}
	if !p.Finished() || p.Learner.Msg.MsgType != NoOp {
		t.Fatalf("skip must finish the machine with a no-op")
	}
}

func TestMatchMine(t *testing.T) {
	id := synode.Synode{GroupID: 42, MsgNo: 1, Node: 0}
	mine := NewMsg(testSynode, 0)
	mine.App = []AppData{{UniqueID: id}}
	learned := NewMsg(testSynode, 0)
	learned.App = []AppData{{UniqueID: id}}

	if !MatchMine(learned, mine) {
		t.Fatalf("same unique id must match")
	}
	learned.App[0].UniqueID.MsgNo = 2
	if MatchMine(learned, mine) {
		t.Fatalf("different unique id must not match")
	}
	noopLearned := NewMsg(testSynode, 0)
	if MatchMine(noopLearned, mine) {
		t.Fatalf("noop must not match a payload")
	}
}
