package engine

import (
	"context"
	"log/slog"
	"time"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

// threePhase forces phase 1 even on fresh ballots. Off by default: the
// first round for a slot we own can go straight to accept.
const threePhase = false

// resendAfter is how long a push may stall before phase 1 is restarted.
const resendAfter = 3 * time.Second

// proposerTask runs one member of the proposer pool: batch client
// input, find a free synod, drive Paxos rounds until the caller's value
// is the learned one.
func (e *Engine) proposerTask(ctx context.Context, self int) {
	var carry *queued
	for {
		var q *queued
		if carry != nil {
			q, carry = carry, nil
		} else {
			select {
			case q = <-e.propInput:
			case <-ctx.Done():
				return
			}
		}
		carry = e.batch(q)
		e.propose(ctx, q)
	}
}

// batch greedily folds queued payloads into q, preserving arrival
// order. Config and view cargo is never batched; a message that does
// not fit is carried to the next iteration.
func (e *Engine) batch(q *queued) (carry *queued) {
	cargo, _ := q.msg.Cargo()
	if cargo.IsConfig() || cargo.IsView() {
		return nil
	}
	size := 0
	for i := range q.msg.App {
		size += q.msg.App[i].Size()
	}
	count := len(q.msg.App)
	for size <= e.cfg.BatchMaxBytes && count <= e.cfg.BatchMaxItems {
		select {
		case tmp := <-e.propInput:
			tc, _ := tmp.msg.Cargo()
			tmpSize := 0
			for i := range tmp.msg.App {
				tmpSize += tmp.msg.App[i].Size()
			}
			if tc.IsConfig() || tc.IsView() ||
				count+len(tmp.msg.App) > e.cfg.BatchMaxItems ||
				size+tmpSize > e.cfg.BatchMaxBytes {
				return tmp
			}
			q.msg.App = append(q.msg.App, tmp.msg.App...)
			size += tmpSize
			count += len(tmp.msg.App)
		default:
			return nil
		}
	}
	return nil
}

// propose drives one batch to consensus.
func (e *Engine) propose(ctx context.Context, q *queued) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Assign a log sequence number on initial propose only.
	lsn := e.assignLSN()
	for i := range q.msg.App {
		q.msg.App[i].LSN = lsn
	}

retryNew:
	for {
		if ctx.Err() != nil {
			e.failDeliver(q)
			return
		}

		// Find a free slot, gated by the event horizon.
		msgno := e.currentMessage
		for e.isBusy(msgno) {
			for e.tooFar(e.incrMsgNo(msgno)) && ctx.Err() == nil {
				e.timedWait(e.execWait, time.Second)
			}
			if ctx.Err() != nil {
				e.failDeliver(q)
				return
			}
			msgno = e.incrMsgNo(msgno)
		}

		s := e.siteFor(msgno)
		if s == nil || e.nodeNo(s) == synode.VoidNodeNo {
			e.failDeliver(q)
			return
		}
		e.currentMessage = msgno
		q.msg.SetUniqueID(e.myUniqueID(msgno))

		for { // until the client message has been learned
			p := e.waitForCache(msgno, 60*time.Second)
			if p == nil {
				slog.Warn("could not get a machine, retrying", "msgno", msgno.MsgNo)
				continue retryNew
			}
			if q.msg.ForceDelivery {
				p.ForceDelivery = true
			}
			p.Pin()
			if !p.TryLock() {
				p.Unpin()
				continue retryNew
			}

			p.Proposer.Msg = q.msg.Clone()

			prepare := paxos.NewMsg(msgno, e.nodeNo(s))

			// Three phases if configured, forced, or when something
			// was already accepted here: a peer may have timed out on
			// us and pushed a no-op we accepted.
			if threePhase || p.ForceDelivery || p.Acceptor.Promise.Cnt > 0 {
				e.pushMsg3P(s, p, prepare, msgno, paxos.Normal)
			} else {
				e.pushMsg2P(s, p)
			}

			startPush := time.Now()
			var delay time.Duration
			for !p.Finished() {
				ch := p.ProgressCh()
				delay = wakeupDelay(s, delay)
				e.timedWait(ch, delay)
				if ctx.Err() != nil {
					p.Unlock()
					p.Unpin()
					e.failDeliver(q)
					return
				}
				if p.Proposer.Msg == nil {
					p.Unlock()
					p.Unpin()
					continue retryNew
				}
				if p.Finished() {
					break
				}
				if time.Since(startPush) >= resendAfter {
					e.pushMsg3P(s, p, prepare, msgno, paxos.Normal)
					startPush = time.Now()
				}
			}

			// The value for this synod is known, but it may not be
			// ours: loop until a push succeeds.
			p.Unlock()
			learned := p.Learner.Msg
			p.Unpin()
			if paxos.MatchMine(learned, q.msg) {
				return
			}
			continue retryNew
		}
	}
}

// failDeliver reports a payload that could not be placed in the order.
func (e *Engine) failDeliver(q *queued) {
	for i := range q.msg.App {
		a := q.msg.App[i]
		e.mu.Unlock()
		e.app.Deliver(nil, &a, false)
		e.mu.Lock()
	}
}

// pushMsg3P starts a full three-phase round on a fresh ballot.
func (e *Engine) pushMsg3P(s *site.Site, p *paxos.Machine, prepare *paxos.Msg, msgno synode.Synode, mt paxos.MsgType) {
	if e.waitForcedConfig {
		p.Force(true)
	}
	p.PreparePush3P(e.nodeNo(s), prepare, mt)
	prepare.Prepare(paxos.PrepareOp)
	e.sendToAcceptors(s, prepare)
}

// pushMsg2P skips phase 1: safe on a virgin slot we own.
func (e *Engine) pushMsg2P(s *site.Site, p *paxos.Machine) {
	p.PreparePush2P(e.nodeNo(s))
	p.Proposer.Msg.InitPropose()
	e.sendToAcceptors(s, p.Proposer.Msg)
}
