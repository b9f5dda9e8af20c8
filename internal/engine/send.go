package engine

import (
	"log/slog"

	"github.com/zhangyunhao116/fastrand"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
	"paxcom/pkg/transport"
)

// updateServers rebuilds the node-number → peer mapping after a site
// install, pooling outbound handles by address so reconfigurations keep
// warm connections.
func (e *Engine) updateServers(s *site.Site) {
	servers := make([]*transport.Peer, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.Address == e.identity.Address {
			servers[i] = nil // self, dispatched locally
			continue
		}
		p, ok := e.peers[n.Address]
		if !ok {
			p = transport.NewPeer(synode.NodeNo(i), n.Address, site.MyMaxProto, e)
			e.peers[n.Address] = p
		}
		p.NodeNo = synode.NodeNo(i)
		servers[i] = p
	}
	e.servers = servers
}

// invalidateServers shuts connections to members excluded by a forced
// configuration.
func (e *Engine) invalidateServers(old, forced *site.Site) {
	if old == nil {
		return
	}
	for _, n := range old.Nodes {
		if forced.NodeExists(n.Address) {
			continue
		}
		if p, ok := e.peers[n.Address]; ok {
			p.Invalidate()
		}
	}
}

// closePeers tears down every outbound handle.
func (e *Engine) closePeers() {
	for addr, p := range e.peers {
		p.Close()
		delete(e.peers, addr)
	}
	e.servers = nil
}

// stamp fills the piggybacked fields every outgoing message carries.
func (e *Engine) stamp(m *paxos.Msg, from synode.NodeNo) {
	m.From = from
	m.GroupID = m.Synode.GroupID
	m.DeliveredMsg = e.deliveredMsg
	m.MaxSynode = e.maxSynode
}

func (e *Engine) sendOne(s *site.Site, to synode.NodeNo, m *paxos.Msg) {
	if s == nil || int(to) >= len(e.servers) {
		return
	}
	out := m.Clone()
	out.To = to
	e.stamp(out, e.nodeNo(s))
	e.stats.Sent(out.Op)
	if to == e.nodeNo(s) || e.servers[to] == nil {
		e.dispatchLocked(out, nil)
		return
	}
	e.servers[to].Send(out)
}

// sendToAll sends to every member of the site, self included.
func (e *Engine) sendToAll(s *site.Site, m *paxos.Msg) {
	if s == nil {
		return
	}
	for n := synode.NodeNo(0); n < s.MaxNodes(); n++ {
		e.sendOne(s, n, m)
	}
}

// sendToAcceptors is sendToAll, except under a forced configuration
// only forced members count as acceptors.
func (e *Engine) sendToAcceptors(s *site.Site, m *paxos.Msg) {
	if e.forcedConfig != nil && (m.ForceDelivery || e.waitForcedConfig) {
		for n := synode.NodeNo(0); n < s.MaxNodes(); n++ {
			if e.forcedConfig.NodeExists(s.Nodes[n].Address) {
				e.sendOne(s, n, m)
			}
		}
		return
	}
	e.sendToAll(s, m)
}

// sendToOthers sends to every member but self.
func (e *Engine) sendToOthers(s *site.Site, m *paxos.Msg) {
	if s == nil {
		return
	}
	for n := synode.NodeNo(0); n < s.MaxNodes(); n++ {
		if n != e.nodeNo(s) {
			e.sendOne(s, n, m)
		}
	}
}

// sendToFilteredOthers sends to everyone but self and one excluded
// member.
func (e *Engine) sendToFilteredOthers(s *site.Site, m *paxos.Msg, filtered synode.NodeNo) {
	for n := synode.NodeNo(0); n < s.MaxNodes(); n++ {
		if n != e.nodeNo(s) && n != filtered {
			e.sendOne(s, n, m)
		}
	}
}

// sendToSomeone picks one random live member other than self.
func (e *Engine) sendToSomeone(s *site.Site, m *paxos.Msg) {
	if s == nil || s.MaxNodes() == 0 {
		return
	}
	max := int(s.MaxNodes())
	start := fastrand.Intn(max)
	for i := 0; i < max; i++ {
		n := synode.NodeNo((start + i) % max)
		if n == e.nodeNo(s) {
			continue
		}
		if int(n) < len(e.servers) && e.servers[n] != nil && e.servers[n].Unreachable() {
			continue
		}
		e.sendOne(s, n, m)
		return
	}
}

// sendValue pushes the learned value of a synod to one member.
func (e *Engine) sendValue(s *site.Site, to synode.NodeNo, sn synode.Synode) {
	m := e.cache.Get(sn)
	if m == nil || m.Learner.Msg == nil {
		return
	}
	out := m.Learner.Msg.Clone()
	out.Op = paxos.LearnOp
	e.sendOne(s, to, out)
}

// sendRead asks for a missing value: the owner's peers are asked all at
// once, anyone else asks a random member.
func (e *Engine) sendRead(find synode.Synode) {
	s := e.siteFor(find)
	if s == nil {
		return
	}
	m := paxos.NewMsg(find, e.nodeNo(s))
	m.MsgType = paxos.Normal
	m.Proposal.Node = e.nodeNo(s)
	m.Prepare(paxos.ReadOp)
	if find.Node != e.nodeNo(s) && e.nodeNo(s) != synode.VoidNodeNo {
		e.sendToSomeone(s, m)
	} else {
		e.sendToOthers(s, m)
	}
}

// HandleReply implements transport.ReplyHandler: messages arriving on
// outbound connections (acks, learns, need_boot).
func (e *Engine) HandleReply(p *transport.Peer, m *paxos.Msg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.Op == paxos.NeedBootOp && e.latestSite() != nil && !e.latestSite().BootKey.IsNull() {
		s := e.siteFor(m.Synode)
		if s != nil && e.shouldHandleNeedBoot(s, m) {
			// A joiner may not know its node number yet; resolve it
			// from the advertised identity.
			node := m.From
			if c, ok := m.Cargo(); ok && c == paxos.XcomBootType {
				node = s.FindNodeNo(m.App[0].Nodes[0].Address)
			}
			e.serverHandleNeedSnapshot(s, node)
		} else {
			slog.Info("ignoring need_boot from unknown identity", "from", p.Addr)
		}
		return
	}
	e.dispatchLocked(m, nil)
}
