package engine

import (
	"log/slog"
	"net"
	"time"

	"paxcom/pkg/detector"
	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

// handleClientCargo is the client_msg arm of the dispatcher: control
// cargo is answered directly, everything else goes to the proposers.
func (e *Engine) handleClientCargo(m *paxos.Msg, replyTo func(*paxos.Msg)) {
	cargo, ok := m.Cargo()
	if !ok && len(m.App) == 0 {
		return // discard invalid message
	}

	ack := func(code paxos.ReplyCode) {
		r := m.CloneNoApp()
		r.Op = paxos.ClientReply
		r.CliErr = code
		replyTo(r)
	}

	switch cargo {
	case paxos.ExitType:
		e.burySite(e.latestSite().GroupID())
		e.terminateAndExit()
		return
	case paxos.ResetType:
		e.burySite(e.latestSite().GroupID())
		e.fsmEvent(evTerminate, nil)
		return
	case paxos.RemoveResetType:
		e.fsmEvent(evTerminate, nil)
		return
	case paxos.EnableArbitratorType, paxos.DisableArbitratorType:
		// Accepted for wire compatibility; arbitration has no effect
		// on this engine.
		ack(paxos.RequestOK)
		return
	case paxos.SetCacheLimitType:
		e.cache.SetLimit(m.App[0].CacheLimit)
		ack(paxos.RequestOK)
		return
	case paxos.SetNotifyTrulyRemoveType:
		addr := string(m.App[0].Body)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			ack(paxos.RequestFail)
			return
		}
		if p, ok := e.peers[addr]; ok {
			p.ShutdownConn()
		}
		ack(paxos.RequestOK)
		return
	case paxos.TerminateAndExitType:
		ack(paxos.RequestOK)
		e.terminateAndExit()
		return
	case paxos.ConvertIntoLocalServerType:
		// Inbound connections already serve client traffic directly.
		ack(paxos.RequestOK)
		return
	case paxos.GetEventHorizonType:
		r := m.CloneNoApp()
		r.Op = paxos.ClientReply
		if s := e.latestSite(); s != nil {
			r.EventHorizon = s.EventHorizon
			r.CliErr = paxos.RequestOK
		} else {
			r.CliErr = paxos.RequestFail
		}
		replyTo(r)
		return
	case paxos.GetSynodeAppDataType:
		e.dispatchGetSynodeAppData(m, replyTo)
		return
	}

	if cargo.IsConfig() && cargo != paxos.UnifiedBootType {
		code := e.canExecuteCfgChange(m)
		ack(code)
		if code != paxos.RequestOK {
			return
		}
	}

	if cargo == paxos.UnifiedBootType {
		e.fsmEvent(evNetBoot, &m.App[0])
	}
	if cargo == paxos.ForceConfigType {
		e.fsmEvent(evForceConfig, &m.App[0])
	}

	// Queue for the proposer pool.
	q := &queued{msg: m}
	select {
	case e.propInput <- q:
	default:
		slog.Warn("proposer input queue full, dropping client message")
	}
}

func (e *Engine) dispatchGetSynodeAppData(m *paxos.Msg, replyTo func(*paxos.Msg)) {
	r := m.CloneNoApp()
	r.Op = paxos.ClientReply
	r.CliErr = paxos.RequestOK
	for _, sn := range m.App[0].Synodes {
		pm := e.cache.GetNoTouch(sn)
		if pm == nil || !pm.Finished() {
			r.CliErr = paxos.RequestFail
			r.RequestedSynodeAppData = nil
			break
		}
		r.RequestedSynodeAppData = append(r.RequestedSynodeAppData, paxos.SynodeAppData{
			Synode: sn,
			Data:   append([]paxos.AppData(nil), pm.Learner.Msg.App...),
		})
	}
	replyTo(r)
}

// Validation at submission time --------------------------------------

func (e *Engine) canExecuteCfgChange(m *paxos.Msg) paxos.ReplyCode {
	a := &m.App[0]

	if e.executedMsg.MsgNo <= 2 {
		// Not booted yet. An add_node that contains ourselves is a
		// misdirected boot attempt; everything else may be retried.
		if a.Cargo == paxos.AddNodeType && e.addNodeAddingOwnAddress(a) {
			return paxos.RequestFail
		}
		return paxos.RequestRetry
	}

	if a.GroupID != 0 && a.GroupID != e.executedMsg.GroupID {
		slog.Warn("configuration change aimed at another group rejected",
			"cargo", a.Cargo, "group", a.GroupID)
		return paxos.RequestFail
	}

	switch a.Cargo {
	case paxos.AddNodeType:
		if !e.allowAddNode(a) {
			return paxos.RequestFail
		}
	case paxos.RemoveNodeType:
		if !e.allowRemoveNode(a) {
			return paxos.RequestFail
		}
	case paxos.SetEventHorizonType:
		if !e.allowEventHorizon(a.EventHorizon) {
			return paxos.RequestFail
		}
	case paxos.ForceConfigType:
		if e.deadNodesInNewConfig(a) {
			return paxos.RequestFail
		}
	}
	return paxos.RequestOK
}

func (e *Engine) addNodeAddingOwnAddress(a *paxos.AppData) bool {
	for _, n := range a.Nodes {
		if n.Address == e.identity.Address {
			return true
		}
	}
	return false
}

// unsafeAgainstEventHorizon: a joiner that cannot reconfigure the event
// horizon may only join a group on the default horizon.
func (e *Engine) unsafeAgainstEventHorizon(n site.NodeAddress) bool {
	latest := e.latestSite()
	compatible := site.ReconfigurableEventHorizon(n.MaxProto) ||
		site.BackwardsCompatible(latest.EventHorizon)
	if !compatible {
		slog.Info("join rejected: group event horizon unsupported by joiner",
			"addr", n.Address, "event_horizon", latest.EventHorizon)
		return true
	}
	return false
}

// addNodeUnsafeAgainstV4OldNodes rejects joiners only reachable over
// IPv6 while the group still runs a protocol predating IPv6 support.
func (e *Engine) addNodeUnsafeAgainstV4OldNodes(a *paxos.AppData) bool {
	latest := e.latestSite()
	if latest == nil || latest.XProto >= site.Proto14 {
		return false
	}
	for _, n := range a.Nodes {
		host, _, err := net.SplitHostPort(n.Address)
		if err != nil {
			slog.Error("error parsing address from joining node, join rejected",
				"addr", n.Address)
			return true
		}
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			return true
		}
	}
	return false
}

func (e *Engine) allowAddNode(a *paxos.AppData) bool {
	if e.addNodeUnsafeAgainstV4OldNodes(a) {
		return false
	}
	if e.addNodeAddingOwnAddress(a) {
		slog.Error("add_node contains this node's own address, rejected",
			"addr", e.identity.Address)
		return false
	}
	latest := e.latestSite()
	for _, n := range a.Nodes {
		if latest.NodeExistsUID(n.UID) {
			slog.Error("node is already a member of the group", "addr", n.Address)
			return false
		}
		if latest.NodeExists(n.Address) {
			slog.Error("old incarnation of node still present, remove it first",
				"addr", n.Address)
			return false
		}
		if e.unsafeAgainstEventHorizon(n) {
			return false
		}
	}
	return true
}

func (e *Engine) allowRemoveNode(a *paxos.AppData) bool {
	latest := e.latestSite()
	for _, n := range a.Nodes {
		if !latest.NodeExistsUID(n.UID) {
			if latest.NodeExists(n.Address) {
				slog.Error("remove_node names a newer incarnation of the address",
					"addr", n.Address)
			} else {
				slog.Error("remove_node target does not belong to the group (already removed?)",
					"addr", n.Address)
			}
			return false
		}
	}
	return true
}

func (e *Engine) allowEventHorizon(h uint32) bool {
	if h < site.EventHorizonMin || h > site.EventHorizonMax {
		slog.Warn("event horizon outside the allowed domain",
			"requested", h, "min", site.EventHorizonMin, "max", site.EventHorizonMax)
		return false
	}
	if !site.ReconfigurableEventHorizon(e.latestSite().XProto) {
		slog.Warn("some members do not support reconfiguring the event horizon",
			"requested", h)
		return false
	}
	return true
}

func (e *Engine) deadNodesInNewConfig(a *paxos.AppData) bool {
	latest := e.latestSite()
	now := time.Now()
	for _, n := range a.Nodes {
		node := latest.FindNodeNo(n.Address)
		if node == e.nodeNo(latest) {
			continue // no need to validate myself
		}
		if node == synode.VoidNodeNo {
			slog.Error("forced configuration may only contain current members",
				"addr", n.Address)
			return true
		}
		unreachable := int(node) < len(e.servers) && e.servers[node] != nil &&
			e.servers[node].Unreachable()
		if detector.MayBeDead(latest, node, now, detector.DefaultSilent, unreachable) {
			slog.Error("forced configuration may only contain live members",
				"addr", n.Address)
			return true
		}
	}
	return false
}

// Application at learn time ------------------------------------------

// getStart computes where a configuration proposed with key a becomes
// authoritative: one full event horizon past its boot key.
func (e *Engine) getStart(a *paxos.AppData) synode.Synode {
	if a == nil || a.GroupID == 0 {
		if a != nil && a.AppKey.GroupID != 0 {
			a.GroupID = a.AppKey.GroupID
		} else {
			return synode.Synode{GroupID: newID()}
		}
	}
	a.AppKey.GroupID = a.GroupID
	ret := a.AppKey
	if e.latestSite() != nil && ret.MsgNo > 1 {
		// Not valid until after the event horizon has passed.
		ret = e.addEventHorizon(ret)
	}
	return ret
}

// setGroup retargets the engine cursors to a group id.
func (e *Engine) setGroup(id uint32) {
	e.currentMessage.GroupID = id
	e.executedMsg.GroupID = id
	e.maxSynode.GroupID = id
}

// siteInstallAction pushes a mutated site onto the history and rewires
// servers.
func (e *Engine) siteInstallAction(s *site.Site) {
	if synode.GroupMismatch(s.Start, e.maxSynode) || synode.Gt(s.Start, e.maxSynode) {
		e.setMaxSynode(s.Start)
	}
	s.RenumberSelf(e.identity)
	e.sites.Push(s)
	e.setGroup(s.GroupID())
	if s.MaxNodes() > 0 {
		e.updateServers(s)
	}
	s.InstallTime = time.Now()
	slog.Info("installed site", "start", s.Start, "nodes", len(s.Nodes),
		"event_horizon", s.EventHorizon, "nodeno", s.NodeNo)
}

// installNodeGroup installs a configuration from scratch (unified boot
// or forced config).
func (e *Engine) installNodeGroup(a *paxos.AppData) *site.Site {
	if a == nil {
		return nil
	}
	start := e.getStart(a)
	s := site.New(a.Nodes)
	s.Start = start
	s.BootKey = a.AppKey
	s.BootKey.GroupID = start.GroupID
	e.siteInstallAction(s)
	return s
}

// handleAddNode applies a learned add_node. It may fail if a
// concurrent reconfiguration made the join unsafe meanwhile.
func (e *Engine) handleAddNode(a *paxos.AppData) *site.Site {
	for _, n := range a.Nodes {
		if e.unsafeAgainstEventHorizon(n) {
			return nil
		}
	}
	for _, n := range a.Nodes {
		slog.Info("adding new node to the configuration", "addr", n.Address)
	}
	s := e.latestSite().Clone()
	s.AddNodes(a.Nodes)
	s.Start = e.getStart(a)
	s.BootKey = a.AppKey
	e.siteInstallAction(s)
	return s
}

// handleRemoveNode applies a learned remove_node.
func (e *Engine) handleRemoveNode(a *paxos.AppData) *site.Site {
	s := e.latestSite().Clone()
	s.RemoveNodes(a.Nodes)
	s.Start = e.getStart(a)
	s.BootKey = a.AppKey
	e.siteInstallAction(s)
	return s
}

// handleEventHorizon applies a learned set_event_horizon. It may fail
// if an incompatible node joined meanwhile.
func (e *Engine) handleEventHorizon(a *paxos.AppData) bool {
	if !e.allowEventHorizon(a.EventHorizon) {
		return false
	}
	s := e.latestSite().Clone()
	s.EventHorizon = a.EventHorizon
	s.Start = e.getStart(a)
	s.BootKey = a.AppKey
	e.siteInstallAction(s)
	slog.Info("event horizon reconfigured", "event_horizon", a.EventHorizon)
	return true
}

// handleConfig applies a learned configuration command at the executor.
func (e *Engine) handleConfig(a *paxos.AppData, forced bool) bool {
	if forced {
		if xs := e.siteFor(e.executedMsg); xs != nil && site.ShouldIgnoreForcedConfigOrView(xs.XProto) {
			return false
		}
	}
	switch a.Cargo {
	case paxos.UnifiedBootType, paxos.ForceConfigType:
		return e.installNodeGroup(a) != nil
	case paxos.AddNodeType:
		return e.handleAddNode(a) != nil
	case paxos.RemoveNodeType:
		return e.handleRemoveNode(a) != nil
	case paxos.SetEventHorizonType:
		return e.handleEventHorizon(a)
	}
	return false
}

// Forced configuration -----------------------------------------------

// forceInterval flags every machine in [start, end] force-delivery and
// voids old nodesets.
func (e *Engine) forceInterval(start, end synode.Synode, enforcer bool) {
	for !synode.Gt(start, end) {
		if e.nodeNo(e.siteFor(start)) == synode.VoidNodeNo {
			return
		}
		p := e.cache.ForceGet(start)
		if p == nil {
			slog.Error("machine unavailable in force interval", "synode", start)
			return
		}
		// The forcing node marks the interval twice: once when it
		// installs the config, again when the config arrives as a
		// learned message with a larger end.
		if p.Enforcer {
			enforcer = true
		}
		p.Force(enforcer)
		p.Proposer.PrepNodeset.Zero()
		p.Proposer.PropNodeset.Zero()
		start = e.incrSynode(start)
	}
}

// startForceConfig makes s the forced configuration and forces
// everything in the pipeline.
func (e *Engine) startForceConfig(s *site.Site, enforcer bool) {
	end := e.addEventHorizon(s.BootKey)
	if synode.Gt(end, e.maxSynode) {
		e.setMaxSynode(end)
	}
	e.waitForcedConfig = false
	e.forcedConfig = s
	e.forceInterval(e.executedMsg, e.maxSynode, enforcer)
}

// applyForcedConfigFromLearn reacts to a force-delivered config learn:
// install immediately and extend the forced interval.
func (e *Engine) applyForcedConfigFromLearn(m *paxos.Msg) {
	a := &m.App[0]
	ignore := func() bool {
		xs := e.siteFor(m.Synode)
		return xs != nil && site.ShouldIgnoreForcedConfigOrView(xs.XProto)
	}
	switch a.Cargo {
	case paxos.AddNodeType:
		if !ignore() {
			if s := e.handleAddNode(a); s != nil {
				e.startForceConfig(s.Clone(), false)
			}
		}
	case paxos.RemoveNodeType:
		if !ignore() {
			if s := e.handleRemoveNode(a); s != nil {
				e.startForceConfig(s.Clone(), false)
			}
		}
	case paxos.ForceConfigType:
		if s := e.installNodeGroup(a); s != nil {
			e.startForceConfig(s.Clone(), false)
		}
	}
}

// handleFsmForceConfig is the x_fsm_force_config action: the forcing
// node starts the force protocol before the config is even proposed.
func (e *Engine) handleFsmForceConfig(a *paxos.AppData) {
	s := site.New(a.Nodes)
	s.Start = e.executedMsg
	s.BootKey = e.executedMsg
	s.RenumberSelf(e.identity)
	e.invalidateServers(e.latestSite(), s)
	e.startForceConfig(s, true)
	e.waitForcedConfig = true // forced config has not yet arrived
}

// freeForcedConfig drops force state after the forced config re-appears
// as a learned message.
func (e *Engine) freeForcedConfig() {
	e.forcedConfig = nil
	e.waitForcedConfig = false
}
