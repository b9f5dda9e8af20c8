package engine

import (
	"context"
	"log/slog"
	"time"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
	"paxcom/pkg/transport"
)

// noDuplicatePayload selects tiny learns over full learns: the
// acceptors already hold the payload, the learn only confirms the
// ballot. Both forms round-trip identically on the wire.
const noDuplicatePayload = true

const (
	pingWindow              = 5 * time.Second
	pingsBeforeConnShutdown = 3

	cacheWaitTimeout = 10 * time.Second
)

// shouldPollCache reports ops that need a machine before dispatch.
func shouldPollCache(op paxos.Op) bool {
	switch op {
	case paxos.DieOp, paxos.GcsSnapshotOp, paxos.InitialOp, paxos.ClientMsg,
		paxos.IAmAliveOp, paxos.AreYouAliveOp, paxos.NeedBootOp, paxos.ClientReply:
		return false
	}
	return true
}

// ServeConn implements transport.ConnHandler: the acceptor/learner loop
// of one inbound connection. Replies are produced in request order and
// written back on the same connection.
func (e *Engine) ServeConn(ctx context.Context, c *transport.Conn) {
	defer c.Close()
	for ctx.Err() == nil && e.ctx.Err() == nil {
		m, err := c.Read()
		if err != nil {
			return
		}

		var replies []*paxos.Msg
		e.mu.Lock()
		e.receiveOne(m, func(r *paxos.Msg) {
			replies = append(replies, r)
		})
		e.mu.Unlock()

		for _, r := range replies {
			if err := c.Write(r); err != nil {
				return
			}
		}
	}
}

// receiveOne applies the acceptance gate of the acceptor/learner task
// to one inbound message, then dispatches it.
func (e *Engine) receiveOne(m *paxos.Msg, reply func(*paxos.Msg)) {
	e.stats.Received(m.Op)
	s := e.siteFor(m.Synode)

	// Requests for node slots outside the site are answered with a
	// learned no-op so the sender stops asking.
	if m.Op == paxos.ReadOp || m.Op == paxos.PrepareOp || m.Op == paxos.AcceptOp {
		if s != nil && int(m.Synode.Node) >= len(s.Nodes) {
			r := m.Clone()
			r.CreateNoop()
			r.SetLearnType()
			e.stamp(r, e.nodeNo(s))
			reply(r)
			return
		}
	}

	behind := s != nil && s.MaxNodes() > 0 && m.Synode.MsgNo < e.deliveredMsg.MsgNo

	// Reject anything that might change the outcome of an evicted
	// consensus instance.
	if !m.Harmless() && !e.cache.IsCached(m.Synode) && behind {
		if e.cache.WasRemoved(m.Synode) && s != nil && s.MaxNodes() > 0 {
			die := paxos.NewMsg(m.Synode, e.nodeNo(s))
			die.Op = paxos.DieOp
			e.stamp(die, e.nodeNo(s))
			reply(die)
		}
		return
	}

	if shouldPollCache(m.Op) {
		if pm := e.waitForCache(m.Synode, cacheWaitTimeout); pm == nil {
			return // could not get a machine, discard
		}
	}
	e.dispatchLocked(m, reply)
}

// dispatchLocked routes one message by operation. Callers hold the
// engine lock. reply may be nil; replies then travel via the peer
// handle for the sender.
func (e *Engine) dispatchLocked(m *paxos.Msg, reply func(*paxos.Msg)) {
	s := e.siteFor(m.Synode)
	inFront := e.tooFar(m.Synode)
	if m.ForceDelivery {
		inFront = false
	}

	if reply == nil {
		reply = func(r *paxos.Msg) {
			e.sendOne(s, r.To, r)
		}
	}
	replyTo := func(r *paxos.Msg) {
		r.To = m.From
		e.stamp(r, e.nodeNo(s))
		reply(r)
	}

	// Every message is a sign of life and a progress report.
	if s != nil && m.Op != paxos.ClientMsg && m.From != synode.VoidNodeNo {
		e.detector.NoteDetected(s, m.From, time.Now())
		e.detector.UpdateDelivered(s, m.From, m.DeliveredMsg)
	}

	switch m.Op {
	case paxos.ClientMsg:
		e.handleClientCargo(m, replyTo)

	case paxos.InitialOp:
		// nothing to do

	case paxos.ReadOp:
		pm := e.cache.ForceGet(m.Synode)
		if pm == nil {
			e.noCacheAbort()
			return
		}
		if r := pm.TeachIgnorant(m); r != nil {
			replyTo(r)
		}

	case paxos.PrepareOp:
		pm := e.cache.ForceGet(m.Synode)
		if pm == nil {
			e.noCacheAbort()
			return
		}
		if m.ForceDelivery {
			pm.ForceDelivery = true
		}
		// Only booted nodes act as acceptors: a reborn node may have
		// forgotten an accepted value and must stay silent.
		if !e.clientBootDone {
			return
		}
		if r := pm.SimplePrepare(m, time.Now()); r != nil {
			replyTo(r)
		}

	case paxos.AckPrepareOp, paxos.AckPrepareEmptyOp:
		if inFront || !e.cache.IsCached(m.Synode) {
			return
		}
		pm := e.cache.Get(m.Synode)
		if m.ForceDelivery {
			pm.ForceDelivery = true
		}
		if pm.Proposer.Msg == nil {
			return
		}
		if pm.Finished() {
			return
		}
		if m.From != synode.VoidNodeNo && synode.BallotEq(pm.Proposer.Bal, m.ReplyTo) {
			if pm.SimpleAckPrepare(e.nodeNo(s), m, e.majorityRule(s)) {
				e.sendToAcceptors(s, pm.Proposer.Msg)
			}
		}

	case paxos.AcceptOp:
		pm := e.cache.ForceGet(m.Synode)
		if pm == nil {
			e.noCacheAbort()
			return
		}
		if m.ForceDelivery {
			pm.ForceDelivery = true
		}
		if !e.clientBootDone {
			return
		}
		e.handleAlive(s, m, replyTo)
		skipFlag := e.maybeAutoSkip(s, m)
		if r := pm.SimpleAccept(m, time.Now(), skipFlag); r != nil {
			replyTo(r)
		}

	case paxos.AckAcceptOp, paxos.MultiAckAcceptOp:
		if inFront || !e.cache.IsCached(m.Synode) {
			return
		}
		pm := e.cache.Get(m.Synode)
		if m.ForceDelivery {
			pm.ForceDelivery = true
		}
		if pm.Proposer.Msg == nil {
			return
		}
		if learn := pm.SimpleAckAccept(e.nodeNo(s), m, e.majorityRule(s), noDuplicatePayload); learn != nil {
			// Our own copy arrives through sendToAll's local shortcut.
			e.sendToAll(s, learn)
		}
		if m.Op == paxos.MultiAckAcceptOp {
			// The acceptor collapsed its own slot for this msgno.
			skipSn := synode.Synode{GroupID: m.Synode.GroupID, MsgNo: m.Synode.MsgNo, Node: m.From}
			pmNext := e.cache.ForceGet(skipSn)
			if pmNext == nil {
				e.noCacheAbort()
				return
			}
			if m.ForceDelivery {
				pmNext.ForceDelivery = true
			}
			sm := paxos.NewMsg(skipSn, m.From)
			sm.Prepare(paxos.SkipOp)
			sm.MsgType = paxos.NoOp
			e.applySkip(pmNext, sm)
		}

	case paxos.LearnOp:
		e.handleLearnOp(s, m)

	case paxos.RecoverLearnOp:
		pm := e.cache.ForceGet(m.Synode)
		if pm == nil {
			e.noCacheAbort()
			return
		}
		if m.ForceDelivery {
			pm.ForceDelivery = true
		}
		e.updateMaxSynode(m)
		m.Op = paxos.LearnOp
		e.applyLearn(s, pm, m)

	case paxos.TinyLearnOp:
		if m.MsgType == paxos.NoOp {
			e.handleLearnOp(s, m)
			return
		}
		pm := e.cache.ForceGet(m.Synode)
		if pm == nil {
			e.noCacheAbort()
			return
		}
		if m.ForceDelivery {
			pm.ForceDelivery = true
		}
		if pm.Finished() {
			return
		}
		learned, needRead := pm.TinyLearn(m, time.Now())
		if needRead {
			e.sendRead(m.Synode)
			return
		}
		e.updateMaxSynode(m)
		e.applyLearn(s, pm, learned)

	case paxos.SkipOp:
		pm := e.cache.ForceGet(m.Synode)
		if pm == nil {
			e.noCacheAbort()
			return
		}
		if m.ForceDelivery {
			pm.ForceDelivery = true
		}
		e.applySkip(pm, m)

	case paxos.IAmAliveOp:
		// Update max synode from the piggyback only; the synode field
		// of a beacon is meaningless.
		if !e.isDeadSite(m.GroupID) &&
			e.maxSynode.GroupID == m.Synode.GroupID && synode.Gt(m.MaxSynode, e.maxSynode) {
			e.setMaxSynode(m.MaxSynode)
		}
		e.handleAlive(s, m, replyTo)

	case paxos.AreYouAliveOp:
		e.handleAlive(s, m, replyTo)

	case paxos.NeedBootOp:
		if e.canSendSnapshot() && !e.latestSite().BootKey.IsNull() {
			e.handleBoot(s, m, replyTo)
		}

	case paxos.GcsSnapshotOp:
		if m.Snapshot == nil {
			return
		}
		// Avoid duplicate snapshots and snapshots from zombies.
		if !synode.Eq(e.startConfig, m.Snapshot.HighestBootKey()) && !e.isDeadSite(m.GroupID) {
			e.updateMaxSynode(m)
			e.noteSnapshot(m.From)
			e.fsmEvent(evSnapshot, m.Snapshot)
		}

	case paxos.DieOp:
		// A die for an already executed synod means consensus was in
		// fact reached; only equal-or-newer is fatal.
		if !synode.Lt(m.Synode, e.executedMsg) {
			slog.Error("group is too far ahead, unable to recover message",
				"synode", m.Synode, "executed", e.executedMsg)
			e.terminateAndExit()
		}

	case paxos.ClientReply:
		// Stray client reply on a server connection; ignore.
	}
}

// handleLearnOp is the learn_op arm, shared with payloadless tiny
// learns.
func (e *Engine) handleLearnOp(s *site.Site, m *paxos.Msg) {
	pm := e.cache.ForceGet(m.Synode)
	if pm == nil {
		e.noCacheAbort()
		return
	}
	if m.ForceDelivery {
		pm.ForceDelivery = true
	}
	e.updateMaxSynode(m)
	e.applyLearn(s, pm, m)
}

// maybeAutoSkip implements the fast-skip heuristic: an accept for a
// synod owned by a busy peer, while our own slot for that msgno has
// seen no activity at all, lets us collapse our slot with a broadcast
// skip and answer multi_ack_accept. Never fires for a started machine.
func (e *Engine) maybeAutoSkip(s *site.Site, m *paxos.Msg) bool {
	if s == nil || !s.IsMember() || s.NodeNo == m.Synode.Node || m.Synode.Node != m.From {
		return false
	}
	if len(e.propInput) != 0 {
		return false
	}
	ours := m.Synode
	ours.Node = s.NodeNo
	if e.executedMsg.MsgNo > ours.MsgNo {
		return false
	}
	if ours.MsgNo-e.executedMsg.MsgNo >= skipOverNum {
		return false
	}
	pm := e.cache.ForceGet(ours)
	if pm == nil || pm.Started() {
		return false
	}
	sm := paxos.NewMsg(ours, e.nodeNo(s))
	sm.Prepare(paxos.SkipOp)
	sm.MsgType = paxos.NoOp
	e.stamp(sm, e.nodeNo(s))
	e.sendToFilteredOthers(s, sm, m.Synode.Node)
	e.applySkip(pm, sm)
	return true
}

// applyLearn records a learned value and runs the learn side effects:
// sweeper activation, boot configs, forced configs.
func (e *Engine) applyLearn(s *site.Site, pm *paxos.Machine, m *paxos.Msg) {
	if pm.Learn(m, time.Now()) {
		e.activateSweeper()
		e.cache.AddSize(pm)
		e.cache.Shrink()

		if c, ok := m.Cargo(); ok {
			if c == paxos.UnifiedBootType {
				e.fsmEvent(evNetBoot, &m.App[0])
			}
			if m.ForceDelivery {
				e.applyForcedConfigFromLearn(m)
			}
		}
	}
	pm.Wakeup()
}

// applySkip learns a no-op.
func (e *Engine) applySkip(pm *paxos.Machine, m *paxos.Msg) {
	if pm.Skip(m, time.Now()) {
		e.cache.AddSize(pm)
	}
	pm.Wakeup()
}

// majorityRule snapshots the current acceptor-set sizes.
func (e *Engine) majorityRule(s *site.Site) paxos.MajorityRule {
	r := paxos.MajorityRule{MaxNodes: int(s.MaxNodes())}
	if e.forcedConfig != nil {
		r.ForcedMax = int(e.forcedConfig.MaxNodes())
	}
	return r
}

// noCacheAbort: a machine was unavailable and nothing could be evicted.
// Cache exhaustion is fatal.
func (e *Engine) noCacheAbort() {
	slog.Error("machine cache exhausted, terminating")
	e.terminateAndExit()
}

// terminateAndExit drives the lifecycle to terminate and exit.
func (e *Engine) terminateAndExit() {
	e.fsmEvent(evTerminate, nil)
	e.fsmEvent(evExit, nil)
}
