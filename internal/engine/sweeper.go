package engine

import (
	"context"
	"time"

	"paxcom/pkg/paxos"
	"paxcom/pkg/synode"
)

// sweepStart is the first slot owned by this node at or after the
// executor cursor.
func (e *Engine) sweepStart() synode.Synode {
	find := e.executedMsg
	find.Node = e.nodeNo(e.siteFor(find))
	if find.Node < e.executedMsg.Node {
		find = e.incrMsgNo(find)
	}
	return find
}

// activateSweeper kicks the sweeper after max_synode advanced or a
// value was learned.
func (e *Engine) activateSweeper() {
	if e.sweepWake == nil {
		return
	}
	close(e.sweepWake)
	e.sweepWake = make(chan struct{})
}

// sweeperTask proposes no-ops via the fast path for untouched slots
// owned by this node, so peers do not stall waiting for us.
func (e *Engine) sweeperTask(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sweepWake = make(chan struct{})

	find := e.sweepStart()

	for ctx.Err() == nil && e.ctx.Err() == nil {
		find.GroupID = e.executedMsg.GroupID // in case the group changed
		for synode.Lt(find, e.maxSynode) && !e.tooFar(find) {
			if find.Node == synode.VoidNodeNo {
				if synode.Gt(e.executedMsg, find) {
					find = e.sweepStart()
				}
				if find.Node == synode.VoidNodeNo {
					break
				}
			}
			pm := e.cache.ForceGet(find)
			if pm == nil {
				break
			}
			// Forced messages get full three-phase treatment instead.
			if pm.Idle() {
				pm.Op = paxos.SkipOp
				e.broadcastSkip(find)
			}
			find = e.incrMsgNo(find)
		}
		ch := e.sweepWake
		e.timedWait(ch, 10*time.Second)
	}
}

// broadcastSkip tells everyone, ourselves included, that this slot is a
// no-op. Safe on the fast path: only the owner may propose a value.
func (e *Engine) broadcastSkip(find synode.Synode) {
	s := e.siteFor(find)
	if s == nil {
		return
	}
	m := paxos.NewMsg(find, e.nodeNo(s))
	m.Prepare(paxos.SkipOp)
	m.MsgType = paxos.NoOp
	e.sendToAll(s, m)
}
