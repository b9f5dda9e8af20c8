package engine

import (
	"log/slog"

	"paxcom/pkg/gcs"
	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

// canSendSnapshot: only a node in the run state serves snapshots.
func (e *Engine) canSendSnapshot() bool {
	return e.fsm == fsmRun
}

// createSnapshot exports the site history plus the application blob.
func (e *Engine) createSnapshot() *paxos.Snapshot {
	blob, appLSN := e.app.GetAppSnapshot()
	if len(blob) == 0 {
		return nil
	}
	logStart := e.lastConfigModification
	// A valid application synode moves the log start back if needed.
	if !appLSN.IsNull() && (logStart.IsNull() || !synode.Gt(appLSN, logStart)) {
		logStart = appLSN
	}
	snap, err := gcs.Export(&e.sites, blob, logStart, e.maxSynode)
	if err != nil {
		slog.Warn("snapshot export failed", "err", err)
		return nil
	}
	return snap
}

// shouldHandleNeedBoot only serves peers whose advertised identity is a
// configured member; requests without identity are accepted.
func (e *Engine) shouldHandleNeedBoot(s *site.Site, m *paxos.Msg) bool {
	c, ok := m.Cargo()
	if !ok || c != paxos.XcomBootType {
		return true
	}
	// Defensively accept only messages with a single identity.
	if len(m.App[0].Nodes) != 1 {
		return false
	}
	return s.NodeExistsUID(m.App[0].Nodes[0].UID)
}

// handleBoot answers an inbound need_boot with a snapshot and the log
// tail, in request order on the same connection.
func (e *Engine) handleBoot(s *site.Site, m *paxos.Msg, replyTo func(*paxos.Msg)) {
	if s == nil || len(s.Nodes) < 1 {
		return
	}
	if !e.shouldHandleNeedBoot(s, m) {
		return
	}
	snap := e.createSnapshot()
	if snap == nil {
		return
	}
	reply := m.Clone()
	reply.Op = paxos.GcsSnapshotOp
	reply.Snapshot = snap
	replyTo(reply)
	e.pushLog(snap.LogStart, replyTo)
}

// serverHandleNeedSnapshot pushes a snapshot to a peer over our
// outbound connection, for need_boot received on that connection.
func (e *Engine) serverHandleNeedSnapshot(s *site.Site, node synode.NodeNo) {
	snap := e.createSnapshot()
	if snap == nil {
		return
	}
	m := paxos.NewMsg(snap.LogStart, e.nodeNo(s))
	m.Op = paxos.GcsSnapshotOp
	m.Snapshot = snap
	e.sendOne(s, node, m)
	slog.Info("snapshot sent", "to", node)
	e.pushLog(snap.LogStart, func(lm *paxos.Msg) {
		e.sendOne(s, node, lm)
	})
}

// pushLog streams every learned value in [push, max_synode] as
// recover_learn.
func (e *Engine) pushLog(push synode.Synode, send func(*paxos.Msg)) {
	for !synode.Gt(push, e.maxSynode) {
		if pm := e.cache.GetNoTouch(push); pm != nil && pm.Finished() {
			lm := pm.Learner.Msg.Clone()
			lm.Op = paxos.RecoverLearnOp
			send(lm)
		}
		push = e.incrSynode(push)
	}
}

// Snapshot bookkeeping on the receiving side -------------------------

func (e *Engine) noteSnapshot(node synode.NodeNo) {
	if node != synode.VoidNodeNo {
		e.snapshots[node] = true
	}
}

func (e *Engine) resetSnapshotMask() {
	e.snapshots = make(map[synode.NodeNo]bool)
}

func (e *Engine) gotAllSnapshots() bool {
	s := e.latestSite()
	if s == nil || s.MaxNodes() == 0 {
		return false
	}
	for n := synode.NodeNo(0); n < s.MaxNodes(); n++ {
		if !e.snapshots[n] {
			return false
		}
	}
	return true
}

// setLogEnd extends a snapshot's log end to the max synode we already
// observed ourselves.
func (e *Engine) setLogEnd(snap *paxos.Snapshot) {
	if synode.Gt(e.maxSynode, snap.LogEnd) {
		snap.LogEnd = e.maxSynode
	}
}

// betterSnapshot orders candidates against the installed state.
func (e *Engine) betterSnapshot(snap *paxos.Snapshot) bool {
	have := synode.Null
	if s := e.latestSite(); s != nil {
		have = s.BootKey
	}
	return gcs.Better(snap, have, e.logStartMax, e.logEndMax)
}

// handleXSnapshot installs a snapshot: import configs, hand the blob to
// the application, reset cursors to the log window.
func (e *Engine) handleXSnapshot(snap *paxos.Snapshot) {
	slog.Info("installing snapshot", "log_start", snap.LogStart, "log_end", snap.LogEnd)
	history, blob, err := gcs.Import(snap)
	if err != nil {
		slog.Error("snapshot import failed", "err", err)
		return
	}
	e.sites = *history
	for _, s := range e.sites.All() {
		s.RenumberSelf(e.identity)
	}
	if latest := e.latestSite(); latest != nil && latest.MaxNodes() > 0 {
		e.updateServers(latest)
	}
	if e.nodeNo(e.latestSite()) == synode.VoidNodeNo {
		// Not a member: avoid executing the log.
		snap.LogEnd = snap.LogStart
	}
	e.mu.Unlock()
	e.app.HandleAppSnapshot(blob, snap.LogStart, snap.LogEnd)
	e.mu.Lock()
	e.setMaxSynode(snap.LogEnd)
	e.setExecutedMsg(e.incrSynode(snap.LogStart))
	e.logStartMax = snap.LogStart
	e.logEndMax = snap.LogEnd
	e.lastConfigModification = snap.HighestBootKey()
	slog.Info("finished snapshot installation", "nodeno", e.nodeNo(e.latestSite()))
}

// updateBestSnapshot installs a candidate if better than what we have.
func (e *Engine) updateBestSnapshot(snap *paxos.Snapshot) {
	if e.latestSite() == nil || e.betterSnapshot(snap) {
		e.handleXSnapshot(snap)
	}
}
