package paxos

import (
	"math"
	"time"

	"paxcom/pkg/synode"
)

// BuildTimeout is how long a machine counts as recently active after
// its last transition.
const BuildTimeout = 500 * time.Millisecond

// NeverPromised is the ballot of an acceptor that has promised nothing.
var NeverPromised = synode.Ballot{Cnt: -1}

// Acceptor is the phase-1/2 acceptor state of one synod.
type Acceptor struct {
	Promise synode.Ballot
	Msg     *Msg
}

// Proposer is the proposer state of one synod.
type Proposer struct {
	Bal         synode.Ballot
	Msg         *Msg
	PrepNodeset NodeSet
	PropNodeset NodeSet

	// SentProp and SentLearn guard against double-sending phase 2 and
	// learn on the same ballot.
	SentProp  synode.Ballot
	SentLearn synode.Ballot
}

// Learner holds the chosen value once learned.
type Learner struct {
	Msg *Msg
}

// Machine is the Paxos state machine of a single synod. All access is
// serialized by the engine; the machine itself holds no lock.
type Machine struct {
	Synode   synode.Synode
	Acceptor Acceptor
	Proposer Proposer
	Learner  Learner

	// Op is the stage the machine last entered.
	Op Op

	ForceDelivery bool
	Enforcer      bool

	LastModified time.Time

	busy bool
	pins int

	appBytes uint64

	rv chan struct{}
}

// NewMachine creates a fresh machine for the synod.
func NewMachine(sn synode.Synode) *Machine {
	return &Machine{
		Synode: sn,
		Acceptor: Acceptor{Promise: NeverPromised},
		Proposer: Proposer{
			SentProp:  NeverPromised,
			SentLearn: NeverPromised,
		},
		Op: InitialOp,
		rv: make(chan struct{}),
	}
}

// ProgressCh returns a channel closed on the next transition. Grab it
// while holding the engine lock, then wait outside the lock.
func (m *Machine) ProgressCh() <-chan struct{} {
	return m.rv
}

// Wakeup wakes every task waiting on the machine.
func (m *Machine) Wakeup() {
	close(m.rv)
	m.rv = make(chan struct{})
}

// TryLock claims the machine for a proposer round.
func (m *Machine) TryLock() bool {
	if m.busy {
		return false
	}
	m.busy = true
	return true
}

func (m *Machine) Unlock() { m.busy = false }

// Busy reports whether a proposer round owns the machine.
func (m *Machine) Busy() bool { return m.busy }

// Pin prevents cache eviction across suspension points.
func (m *Machine) Pin() { m.pins++ }

// Unpin releases one pin.
func (m *Machine) Unpin() {
	if m.pins > 0 {
		m.pins--
	}
}

// Pinned reports whether the machine may not be evicted.
func (m *Machine) Pinned() bool { return m.pins > 0 }

// AppBytes is the payload weight accounted to the cache.
func (m *Machine) AppBytes() uint64 { return m.appBytes }

// Finished reports whether the value of this synod is known.
func (m *Machine) Finished() bool {
	return m != nil && m.Learner.Msg != nil &&
		(m.Learner.Msg.Op == LearnOp || m.Learner.Msg.Op == TinyLearnOp)
}

// Accepted reports whether the acceptor holds any proposal.
func (m *Machine) Accepted() bool {
	return m.Acceptor.Msg != nil && m.Acceptor.Msg.Op != InitialOp
}

// AcceptedNoop reports an accepted no-op proposal.
func (m *Machine) AcceptedNoop() bool {
	return m.Accepted() && m.Acceptor.Msg.MsgType == NoOp
}

// NoopMatch: a no-op request against an accepted no-op always passes,
// whatever the ballots say. Two no-ops cannot disagree.
func (m *Machine) NoopMatch(pm *Msg) bool {
	return pm.MsgType == NoOp && m.AcceptedNoop()
}

// Started reports whether anything at all happened to this synod.
func (m *Machine) Started() bool {
	return m.Op != InitialOp ||
		m.Acceptor.Promise.Cnt > 0 ||
		(m.Proposer.Msg != nil && m.Proposer.Msg.Op != InitialOp) ||
		m.Accepted() ||
		m.Finished()
}

// RecentlyActive reports a machine touched within the build timeout.
func (m *Machine) RecentlyActive(now time.Time) bool {
	return !m.LastModified.IsZero() && m.LastModified.Add(BuildTimeout).After(now)
}

// Idle reports a machine the sweeper may collapse with a skip.
func (m *Machine) Idle() bool {
	return !m.busy && !m.ForceDelivery &&
		m.Acceptor.Promise.Cnt <= 0 && m.Acceptor.Msg == nil && !m.Finished()
}

// learnForIgnorant builds a learn reply teaching the sender our chosen
// value.
func (m *Machine) learnForIgnorant(pm *Msg, sn synode.Synode) *Msg {
	reply := pm.Clone()
	reply.Synode = sn
	reply.Proposal = m.Learner.Msg.Proposal
	reply.MsgType = m.Learner.Msg.MsgType
	reply.App = append([]AppData(nil), m.Learner.Msg.App...)
	reply.SetLearnType()
	return reply
}

// TeachIgnorant replies with the learned value if there is one.
func (m *Machine) TeachIgnorant(pm *Msg) *Msg {
	if !m.Finished() {
		return nil
	}
	return m.learnForIgnorant(pm, pm.Synode)
}

func (m *Machine) ackPrepare(pm *Msg, sn synode.Synode) *Msg {
	reply := pm.Clone()
	reply.Synode = sn
	if m.Accepted() {
		reply.Proposal = m.Acceptor.Msg.Proposal
		reply.MsgType = m.Acceptor.Msg.MsgType
		reply.Op = AckPrepareOp
		reply.App = append([]AppData(nil), m.Acceptor.Msg.App...)
	} else {
		reply.Op = AckPrepareEmptyOp
	}
	return reply
}

// SimplePrepare is the acceptor's phase-1 decision. It returns the
// reply to send, or nil to stay silent.
func (m *Machine) SimplePrepare(pm *Msg, now time.Time) *Msg {
	if m.Finished() {
		return m.learnForIgnorant(pm, pm.Synode)
	}
	greater := synode.BallotGt(pm.Proposal, m.Acceptor.Promise)
	if greater || m.NoopMatch(pm) {
		m.LastModified = now
		if greater {
			m.Acceptor.Promise = pm.Proposal
		}
		return m.ackPrepare(pm, pm.Synode)
	}
	return nil
}

// SimpleAccept is the acceptor's phase-2 decision.
func (m *Machine) SimpleAccept(pm *Msg, now time.Time, skipFlag bool) *Msg {
	if m.Finished() {
		return m.learnForIgnorant(pm, pm.Synode)
	}
	if !synode.BallotGt(m.Acceptor.Promise, pm.Proposal) || m.NoopMatch(pm) {
		m.LastModified = now
		m.Acceptor.Msg = pm
		reply := pm.CloneNoApp()
		reply.Synode = pm.Synode
		if skipFlag {
			reply.Op = MultiAckAcceptOp
		} else {
			reply.Op = AckAcceptOp
		}
		return reply
	}
	return nil
}

// CheckPropose issues phase 2 if a majority answered phase 1 on a fresh
// ballot. Returns whether the proposer message should be sent.
func (m *Machine) CheckPropose(rule MajorityRule) bool {
	if !rule.Met(m.Proposer.PrepNodeset, m.consAll(), m.forced()) {
		return false
	}
	m.Proposer.Msg.Proposal = m.Proposer.Bal
	m.Proposer.PropNodeset.Zero()
	m.Proposer.Msg.Synode = m.Synode
	m.Proposer.Msg.InitPropose()
	m.Proposer.SentProp = m.Proposer.Bal
	return true
}

// SimpleAckPrepare folds one phase-1 answer into the proposer state.
// If the answer carries a higher accepted proposal, the proposer adopts
// that value. Returns whether phase 2 should be issued now.
func (m *Machine) SimpleAckPrepare(self synode.NodeNo, am *Msg, rule MajorityRule) bool {
	if self != synode.VoidNodeNo {
		m.Proposer.PrepNodeset.Set(am.From)
	}
	if am.Op == AckPrepareOp && synode.BallotGt(am.Proposal, m.Proposer.Msg.Proposal) {
		m.Proposer.Msg = am
	}
	if synode.BallotGt(am.ReplyTo, m.Proposer.SentProp) {
		return m.CheckPropose(rule)
	}
	return false
}

// CheckLearn issues a learn if a majority answered phase 2. Returns the
// learn message to broadcast, nil otherwise. With noDuplicatePayload
// the learn is a tiny learn carrying only the ballot.
func (m *Machine) CheckLearn(self synode.NodeNo, rule MajorityRule, noDuplicatePayload bool) *Msg {
	if self == synode.VoidNodeNo || !rule.Met(m.Proposer.PropNodeset, m.consAll(), m.forced()) {
		return nil
	}
	m.Proposer.Msg.Synode = m.Synode
	var learn *Msg
	if noDuplicatePayload {
		learn = m.Proposer.Msg.CloneNoApp()
		if len(m.Proposer.Msg.App) > 0 {
			learn.MsgType = Normal
		} else {
			learn.MsgType = NoOp
		}
		learn.Op = TinyLearnOp
		learn.ReplyTo = m.Proposer.Bal
		learn.BrandApp()
	} else {
		m.Proposer.Msg.InitLearn()
		learn = m.Proposer.Msg
	}
	m.Proposer.SentLearn = m.Proposer.Bal
	return learn
}

// SimpleAckAccept folds one phase-2 answer into the proposer state and
// returns the learn to broadcast once a majority is in.
func (m *Machine) SimpleAckAccept(self synode.NodeNo, am *Msg, rule MajorityRule, noDuplicatePayload bool) *Msg {
	if self == synode.VoidNodeNo || am.From == synode.VoidNodeNo ||
		!synode.BallotEq(m.Proposer.Bal, am.ReplyTo) {
		return nil
	}
	m.Proposer.PropNodeset.Set(am.From)
	if synode.BallotGt(am.Proposal, m.Proposer.SentLearn) {
		return m.CheckLearn(self, rule, noDuplicatePayload)
	}
	return nil
}

// DoLearn records the outcome. Invariant: once set, the learned value
// never changes.
func (m *Machine) DoLearn(lm *Msg) {
	for i := range lm.App {
		lm.App[i].Chosen = true
	}
	m.Acceptor.Msg = lm
	m.Learner.Msg = lm
	m.appBytes = 0
	for i := range lm.App {
		m.appBytes += uint64(lm.App[i].Size())
	}
}

// Learn applies an incoming learn unless already finished.
// Returns whether the value was new.
func (m *Machine) Learn(lm *Msg, now time.Time) bool {
	m.LastModified = now
	if m.Finished() {
		return false
	}
	m.DoLearn(lm)
	return true
}

// Skip learns a no-op.
func (m *Machine) Skip(sm *Msg, now time.Time) bool {
	if m.Finished() {
		return false
	}
	m.LastModified = now
	sm.SkipValue()
	m.DoLearn(sm)
	return true
}

// TinyLearn resolves a compact learn against the accepted value. If the
// accepted ballot does not match, the caller must read the full value
// from a peer; reported by needRead.
func (m *Machine) TinyLearn(tm *Msg, now time.Time) (learned *Msg, needRead bool) {
	if m.Acceptor.Msg == nil {
		return nil, true
	}
	if !synode.BallotEq(m.Acceptor.Msg.Proposal, tm.Proposal) {
		return nil, true
	}
	m.Acceptor.Msg.Op = LearnOp
	m.LastModified = now
	return m.Acceptor.Msg, false
}

// PreparePush3P starts (or restarts) phase 1 on a fresh ballot.
func (m *Machine) PreparePush3P(self synode.NodeNo, msg *Msg, msgType MsgType) {
	m.Proposer.PrepNodeset.Zero()
	m.Proposer.Bal.Node = self
	maxCnt := m.Proposer.Bal.Cnt
	if m.Acceptor.Promise.Cnt > maxCnt {
		maxCnt = m.Acceptor.Promise.Cnt
	}
	m.Proposer.Bal.Cnt = maxCnt + 1
	msg.Synode = m.Synode
	msg.Proposal = m.Proposer.Bal
	msg.MsgType = msgType
	msg.ForceDelivery = m.ForceDelivery
}

// PreparePush2P starts the fast two-phase path on ballot zero.
func (m *Machine) PreparePush2P(self synode.NodeNo) {
	m.Proposer.PropNodeset.Zero()
	m.Proposer.Bal.Cnt = 0
	m.Proposer.Bal.Node = self
	m.Proposer.Msg.Proposal = m.Proposer.Bal
	m.Proposer.Msg.Synode = m.Synode
	m.Proposer.Msg.ForceDelivery = m.ForceDelivery
}

// Force marks the machine force-delivery. The forcing node bumps its
// ballot by a large saturating delta so any in-flight round loses.
func (m *Machine) Force(enforcer bool) {
	if !m.Enforcer && enforcer {
		cnt := m.Proposer.Bal.Cnt
		if cnt < 0 {
			cnt = 0
		}
		delta := (math.MaxInt32 - cnt) / 3
		m.Proposer.Bal.Cnt += delta
	}
	m.ForceDelivery = true
	m.Enforcer = enforcer
}

func (m *Machine) consAll() bool {
	return m.Proposer.Msg != nil && len(m.Proposer.Msg.App) > 0 &&
		m.Proposer.Msg.App[0].Consensus == ConsAll
}

func (m *Machine) forced() bool {
	return m.ForceDelivery || (m.Proposer.Msg != nil && m.Proposer.Msg.ForceDelivery)
}
