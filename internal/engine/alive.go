package engine

import (
	"context"
	"log/slog"
	"time"

	"paxcom/pkg/detector"
	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

const (
	aliveInterval    = 500 * time.Millisecond
	detectorInterval = time.Second
)

// aliveTask beacons i_am_alive to the group while in the run state,
// feeding the peers' detectors. A peer that is not booted yet answers
// a beacon with need_boot (see handleAlive), asking us for a snapshot.
func (e *Engine) aliveTask(ctx context.Context) {
	t := time.NewTicker(aliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		e.mu.Lock()
		s := e.latestSite()
		if s != nil && s.MaxNodes() > 0 {
			// We always hear from ourselves.
			if s.IsMember() {
				e.detector.NoteDetected(s, s.NodeNo, time.Now())
			}
			m := paxos.NewMsg(s.Start, e.nodeNo(s))
			m.Op = paxos.IAmAliveOp
			if !e.clientBootDone {
				// Advertise identity so peers can tell a new
				// incarnation from a configured member.
				m.App = []paxos.AppData{{
					Cargo: paxos.XcomBootType,
					Nodes: []site.NodeAddress{e.identity},
				}}
			}
			e.sendToOthers(s, m)
		}
		e.mu.Unlock()
	}
}

// detectorTask watches member liveness and proposes a view message when
// the alive set changes. Only the group leader proposes, so one view
// reaches consensus per change.
func (e *Engine) detectorTask(ctx context.Context) {
	t := time.NewTicker(detectorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		e.mu.Lock()
		s := e.latestSite()
		if s == nil || !s.IsMember() || !e.clientBootDone {
			e.mu.Unlock()
			continue
		}
		now := time.Now()
		alive := detector.AliveSet(s, now, e.unreachableFn())
		changed := false
		for i := range alive {
			if alive[i] != s.GlobalNodeSet[i] {
				changed = true
				break
			}
		}
		isLeader := detector.AmGreatest(s, now, e.unreachableFn())
		e.mu.Unlock()

		if changed && isLeader {
			view := paxos.NewMsg(synode.Null, synode.VoidNodeNo)
			view.App = []paxos.AppData{{
				Cargo:   paxos.ViewMsg,
				Present: alive,
			}}
			if err := e.Submit(view, nil); err != nil {
				return
			}
			slog.Info("proposing new view", "alive", alive)
		}
	}
}

// preProcessPing polices are_you_alive pings from members that should
// know better: repeated pings mean our outbound connection to them is
// sick, so shut it and let it reconnect.
func (e *Engine) preProcessPing(s *site.Site, m *paxos.Msg) bool {
	if s == nil || m.From == e.nodeNo(s) || !e.clientBootDone || m.Op != paxos.AreYouAliveOp {
		return false
	}
	p := e.serverFor(m.From)
	if p == nil {
		return false
	}
	now := time.Now()
	if now.Sub(p.LastPingReceived) < pingWindow {
		p.PingsReceived++
	} else {
		p.PingsReceived = 1
	}
	p.LastPingReceived = now
	if p.PingsReceived == pingsBeforeConnShutdown {
		slog.Warn("shutting down outgoing connection after repeated pings",
			"peer", p.Addr)
		p.ShutdownConn()
		return true
	}
	return false
}

// handleAlive answers liveness beacons. An unbooted node asks the
// sender for a snapshot, at most once a second.
func (e *Engine) handleAlive(s *site.Site, m *paxos.Msg, replyTo func(*paxos.Msg)) {
	if e.preProcessPing(s, m) {
		return
	}
	if e.clientBootDone || time.Since(e.sentAlive) <= time.Second {
		return
	}
	// Avoid responding to our own ping.
	if (s != nil && m.From == e.nodeNo(s)) || m.From == m.To {
		return
	}
	// If the encoded identity is not in the current configuration the
	// ping is from a different reincarnation of that node.
	if c, ok := m.Cargo(); ok && c == paxos.XcomBootType && s != nil {
		if len(m.App[0].Nodes) != 1 || !e.latestSite().NodeExistsUID(m.App[0].Nodes[0].UID) {
			return
		}
	}
	if e.isDeadSite(m.GroupID) {
		return
	}
	reply := m.Clone()
	e.initNeedBootOp(reply)
	e.sentAlive = time.Now()
	replyTo(reply)
}

// initNeedBootOp turns a message into a need_boot request advertising
// our identity.
func (e *Engine) initNeedBootOp(m *paxos.Msg) {
	m.Op = paxos.NeedBootOp
	m.App = []paxos.AppData{{
		Cargo: paxos.XcomBootType,
		Nodes: []site.NodeAddress{e.identity},
	}}
}

// sendNeedBoot asks every configured peer for a snapshot.
func (e *Engine) sendNeedBoot() {
	s := e.latestSite()
	if s == nil {
		return
	}
	m := paxos.NewMsg(s.Start, e.nodeNo(s))
	e.initNeedBootOp(m)
	e.sendToOthers(s, m)
}
