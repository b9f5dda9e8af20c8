package engine

import (
	"context"
	"log/slog"
	"time"

	"paxcom/pkg/detector"
	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
	"paxcom/pkg/transport"
)

const fifoSize = 1000

type execState int

const (
	xFetch execState = iota
	xExecute
	xTerminate
	xDone
)

// executeContext is the executor's working state: the exit trigger of a
// removed node and the FIFO of synods where removed nodes must be
// informed.
type executeContext struct {
	p *paxos.Machine

	exitSynode    synode.Synode
	deliveryLimit synode.Synode
	exitFlag      bool
	informIndex   int

	state execState

	fifo []synode.Synode
}

func (xc *executeContext) fifoInsert(s synode.Synode) {
	if len(xc.fifo) < fifoSize {
		xc.fifo = append(xc.fifo, s)
	}
}

func (xc *executeContext) fifoEmpty() bool { return len(xc.fifo) == 0 }

func (xc *executeContext) fifoFront() synode.Synode { return xc.fifo[0] }

func (xc *executeContext) fifoExtract() synode.Synode {
	s := xc.fifo[0]
	xc.fifo = xc.fifo[1:]
	return s
}

// loser reports a slot whose owner is not in the site's global node
// set; such slots are skipped without delivery.
func loser(x synode.Synode, s *site.Site) bool {
	return s != nil && int(x.Node) < len(s.GlobalNodeSet) && !s.GlobalNodeSet[x.Node]
}

// computeDelay is the synod where nodes of the previous configuration
// may safely exit: one event horizon past the next config's start.
func computeDelay(start synode.Synode, eventHorizon uint32) synode.Synode {
	start.MsgNo += uint64(eventHorizon)
	return start
}

// executorTask advances executed_msg in synod order, applies learned
// configs, delivers payloads and runs the removal exit protocol.
func (e *Engine) executorTask(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	xc := &executeContext{state: xFetch, informIndex: -1}

	if e.executedMsg.MsgNo == 0 {
		e.executedMsg.MsgNo = 1
	}
	e.deliveredMsg = e.executedMsg

	for ctx.Err() == nil && e.ctx.Err() == nil && xc.state != xDone {
		switch xc.state {
		case xFetch:
			if loser(e.executedMsg, e.siteFor(e.executedMsg)) {
				e.checkIncrementFetch(xc)
				continue
			}
			p := e.getMessage(ctx, e.executedMsg)
			if p == nil {
				if ctx.Err() != nil || e.ctx.Err() != nil {
					return
				}
				slog.Error("executor ran out of cache")
				e.terminateAndExit()
				return
			}
			if !p.Finished() {
				continue // interrupted fetch, re-check shutdown
			}
			xc.p = p
			e.fetch(xc)
		case xExecute:
			e.execute(xc)
		case xTerminate:
			e.terminate(xc)
		}
	}
}

// getMessage fetches the value of a synod, proposing no-ops or reading
// from peers until it is learned. Nil only on cache exhaustion.
func (e *Engine) getMessage(ctx context.Context, msgno synode.Synode) *paxos.Machine {
	wait := 0
	var delay time.Duration
	p := e.cache.ForceGet(msgno)
	if p == nil {
		return nil
	}
	p.Pin()
	defer p.Unpin()

	for !p.Finished() && ctx.Err() == nil && e.ctx.Err() == nil {
		s := e.siteFor(msgno)
		if s == nil || s.MaxNodes() == 0 {
			// The end of the world: no site can decide this synod,
			// fake the message by skipping.
			sm := paxos.NewMsg(msgno, synode.VoidNodeNo)
			e.applySkip(p, sm)
			break
		}
		var owner = e.serverFor(msgno.Node)
		if owner != nil && owner.FastSkipAllowed() {
			if detector.AmGreatest(s, time.Now(), e.unreachableFn()) {
				e.proposeMissingValuesFast()
			} else {
				e.readMissingValuesFast()
			}
		} else {
			wait = e.findValue(s, wait, findMax)
		}
		maxWait := 3 * time.Millisecond
		if p.ForceDelivery {
			// Forced runs trigger many instances at once; give them
			// more room per round.
			maxWait = 100 * time.Millisecond
		}
		delay = fetchDelay(delay, maxWait)
		e.timedWait(p.ProgressCh(), delay)
	}
	return p
}

func (e *Engine) serverFor(n synode.NodeNo) *transport.Peer {
	if int(n) < len(e.servers) && e.servers[n] != nil {
		return e.servers[n]
	}
	return nil
}

func (e *Engine) unreachableFn() func(synode.NodeNo) bool {
	return func(n synode.NodeNo) bool {
		if int(n) < len(e.servers) && e.servers[n] != nil {
			return e.servers[n].Unreachable()
		}
		return false
	}
}

// findValue escalates from reading to proposing no-ops as rounds pass.
func (e *Engine) findValue(s *site.Site, wait, n int) int {
	if e.nodeNo(s) == synode.VoidNodeNo {
		e.readMissingValues(n)
		return wait
	}
	switch wait {
	case 0, 1:
		e.readMissingValues(n)
		return wait + 1
	case 2:
		if detector.AmGreatest(s, time.Now(), e.unreachableFn()) {
			e.proposeMissingValues(n)
		} else {
			e.readMissingValues(n)
		}
		return wait + 1
	default:
		e.proposeMissingValues(n)
		return wait
	}
}

func (e *Engine) readMissingValues(n int) {
	find := e.executedMsg
	end := e.maxSynode
	if synode.Gt(find, end) || find.IsNull() {
		return
	}
	now := time.Now()
	for i := 0; !synode.Gt(find, end) && i < n && !e.tooFar(find); i++ {
		p := e.cache.ForceGet(find)
		if p == nil {
			e.noCacheAbort()
			return
		}
		if !p.RecentlyActive(now) && !p.Finished() && !p.Busy() {
			e.sendRead(find)
		}
		find = e.incrSynode(find)
	}
}

func (e *Engine) readMissingValuesFast() {
	p := e.cache.ForceGet(e.executedMsg)
	if p == nil {
		e.noCacheAbort()
		return
	}
	if !p.RecentlyActive(time.Now()) && !p.Finished() && !p.Busy() {
		e.sendRead(e.executedMsg)
	}
}

func (e *Engine) okToPropose(p *paxos.Machine, now time.Time) bool {
	return (p.Enforcer || !p.RecentlyActive(now)) && !p.Finished() && !p.Busy()
}

func (e *Engine) proposeMissingValues(n int) {
	find := e.executedMsg
	end := e.maxSynode
	if synode.Gt(find, end) || find.IsNull() {
		return
	}
	now := time.Now()
	for i := 0; !synode.Gt(find, end) && i < n && !e.tooFar(find); i++ {
		p := e.cache.ForceGet(find)
		if p == nil {
			e.noCacheAbort()
			return
		}
		if e.waitForcedConfig {
			p.Force(true)
		}
		if e.nodeNo(e.siteFor(find)) == synode.VoidNodeNo {
			return
		}
		if e.okToPropose(p, now) {
			e.proposeNoop(find, p)
		}
		find = e.incrSynode(find)
	}
}

func (e *Engine) proposeMissingValuesFast() {
	p := e.cache.ForceGet(e.executedMsg)
	if p == nil {
		e.noCacheAbort()
		return
	}
	if e.waitForcedConfig {
		p.Force(true)
	}
	if e.nodeNo(e.siteFor(e.executedMsg)) == synode.VoidNodeNo {
		return
	}
	if e.okToPropose(p, time.Now()) {
		e.proposeNoop(e.executedMsg, p)
	}
}

// proposeNoop drives a three-phase no-op for a slot someone else left
// hanging.
func (e *Engine) proposeNoop(find synode.Synode, p *paxos.Machine) {
	s := e.siteFor(find)
	noop := paxos.NewMsg(find, e.nodeNo(s))
	noop.CreateNoop()
	p.Proposer.Msg = noop
	prepare := noop.Clone()
	e.pushMsg3P(s, p, prepare, find, paxos.NoOp)
}

// fetch handles a freshly learned message: configs apply immediately,
// the site message itself is delivered only when the new site starts.
func (e *Engine) fetch(xc *executeContext) {
	lm := xc.p.Learner.Msg
	if lm != nil && len(lm.App) > 0 {
		a := &lm.App[0]
		if a.Cargo.IsConfig() && synode.Gt(e.executedMsg, e.latestSite().BootKey) {
			if e.handleConfig(a, lm.ForceDelivery) {
				e.lastConfigModification = e.executedMsg
				e.sites.GC(e.deliveredMsg)
				s := e.latestSite()
				if s == nil {
					xc.state = xTerminate
					return
				}
				if e.forcedConfig != nil && a.Cargo == paxos.ForceConfigType {
					// The forced config has re-appeared as a learned
					// message; the force protocol is complete.
					e.freeForcedConfig()
				}
				if !xc.exitFlag {
					e.setupExitHandling(xc, s)
				}
			}
		}
	}
	e.checkIncrementFetch(xc)
}

func (e *Engine) setupExitHandling(xc *executeContext, s *site.Site) {
	var delayUntil synode.Synode
	if s.IsMember() {
		delayUntil = computeDelay(s.Start, s.EventHorizon)
	} else {
		// We are being removed. Never deliver past the start of the
		// next site, and do not exit before a majority of the new
		// site can have agreed on everything we owe them.
		xc.deliveryLimit = s.Start
		xc.exitSynode = computeDelay(s.Start, s.EventHorizon)
		if s.IsEmpty() {
			// An empty site cannot push messages to us; inflate its
			// start so the old majority converges before anyone exits.
			s.Start = computeDelay(computeDelay(s.Start, s.EventHorizon), s.EventHorizon)
		}
		if !synode.Lt(xc.exitSynode, e.maxSynode) {
			e.setMaxSynode(e.incrSynode(xc.exitSynode))
		}
		delayUntil = xc.exitSynode
		xc.exitFlag = true
	}

	if synode.Gt(delayUntil, e.maxSynode) {
		e.setMaxSynode(e.incrMsgNo(delayUntil))
	}
	xc.fifoInsert(delayUntil)
	xc.informIndex++
}

// checkExecuteInform pushes learned values to removed nodes once the
// executor passes the marker synods. Returns true when the switch to
// execute may happen.
func (e *Engine) checkExecuteInform(xc *executeContext) bool {
	if xc.fifoEmpty() {
		return true
	}
	if synode.Lt(e.executedMsg, xc.fifoFront()) {
		return false
	}
	for !xc.fifoEmpty() && !synode.Lt(e.executedMsg, xc.fifoFront()) {
		e.informRemoved(xc.informIndex, false)
		xc.fifoExtract()
		xc.informIndex--
	}
	return true
}

func (e *Engine) checkExit(xc *executeContext) bool {
	return xc.exitFlag && !synode.Lt(e.executedMsg, xc.exitSynode) &&
		!synode.Lt(e.deliveredMsg, xc.deliveryLimit)
}

func (e *Engine) checkIncrementFetch(xc *executeContext) {
	if e.checkExit(xc) {
		xc.state = xTerminate
		return
	}
	e.setExecutedMsg(e.incrSynode(e.executedMsg))
	if e.checkExecuteInform(xc) {
		xc.state = xExecute
	}
}

func (e *Engine) checkIncrementExecute(xc *executeContext) {
	if e.checkExit(xc) {
		xc.state = xTerminate
		return
	}
	e.deliveredMsg = e.incrSynode(e.deliveredMsg)
	if synode.Eq(e.deliveredMsg, e.executedMsg) {
		xc.state = xFetch
	}
}

// execute delivers one message if it should be delivered.
func (e *Engine) execute(xc *executeContext) {
	xSite := e.siteFor(e.deliveredMsg)
	xc.p = e.cache.Get(e.deliveredMsg)
	if xc.p == nil {
		slog.Error("machine missing at delivery", "synode", e.deliveredMsg)
	} else if !loser(e.deliveredMsg, xSite) && xc.p.Finished() &&
		xc.p.Learner.Msg.MsgType != paxos.NoOp {
		// Avoid delivery after start if we are on the way out.
		if !xc.exitFlag || synode.Lt(e.deliveredMsg, xc.deliveryLimit) {
			e.lastDeliveredMsg = e.deliveredMsg
			e.executeMsg(xSite, xc.p.Learner.Msg)
		}
	}
	e.checkIncrementExecute(xc)
}

// executeMsg delivers payloads and views to the application.
func (e *Engine) executeMsg(s *site.Site, m *paxos.Msg) {
	for i := range m.App {
		a := &m.App[i]
		switch a.Cargo {
		case paxos.AppType:
			e.mu.Unlock()
			e.app.Deliver(s, a, true)
			e.mu.Lock()
		case paxos.ViewMsg:
			if s != nil && len(s.GlobalNodeSet) == len(a.Present) {
				if m.ForceDelivery && site.ShouldIgnoreForcedConfigOrView(s.XProto) {
					continue
				}
				copy(s.GlobalNodeSet, a.Present)
				sn := m.Synode
				e.mu.Unlock()
				e.app.DeliverGlobalView(s, sn)
				e.mu.Lock()
			}
		}
	}
}

// informRemoved pushes messages to nodes present in an older site but
// absent from a newer one.
func (e *Engine) informRemoved(index int, all bool) {
	sites := e.sites.All()
	for len(sites) > 1 && index >= 0 && index+1 < len(sites) {
		s, ps := sites[index], sites[index+1]
		for i := synode.NodeNo(0); i < ps.MaxNodes(); i++ {
			if i != ps.NodeNo && !s.NodeExists(ps.Nodes[i].Address) {
				sn := s.Start
				for !synode.Gt(sn, e.maxSynode) {
					e.sendValue(ps, i, sn)
					sn = e.incrSynode(sn)
				}
			}
		}
		if !all {
			break
		}
		index--
	}
}

// terminate informs removed nodes, waits for messages to drain, then
// drives the lifecycle down.
func (e *Engine) terminate(xc *executeContext) {
	e.informRemoved(xc.informIndex, true)
	never := make(chan struct{})
	e.timedWait(never, e.cfg.TerminateDelay)
	e.terminateAndExit()
	xc.state = xDone
}
