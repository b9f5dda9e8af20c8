package engine

import (
	"context"
	"fmt"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/transport"
)

// Start brings up the transport and initializes the lifecycle machine.
// The engine then waits in the start state for a boot or a snapshot.
func (e *Engine) Start(ctx context.Context) error {
	srv := &transport.Server{
		Addr:    e.identity.Address,
		MyMax:   site.MyMaxProto,
		MyMin:   site.Proto10,
		Handler: e,
	}
	addr, err := srv.Start(ctx)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	e.mu.Lock()
	e.server = srv
	e.listenAddr = addr
	e.fsmEvent(evInit, nil)
	e.mu.Unlock()
	return nil
}

// Boot makes this node the bootstrap member of a brand-new group
// containing the given members. The boot config itself is the first
// proposal of the new group.
func (e *Engine) Boot(nodes []site.NodeAddress) error {
	m := &paxos.Msg{
		Op: paxos.ClientMsg,
		App: []paxos.AppData{{
			Cargo: paxos.UnifiedBootType,
			Nodes: nodes,
		}},
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleClientCargo(m, func(*paxos.Msg) {})
	if !e.latestSite().IsMember() {
		return paxos.ErrNoSite
	}
	return nil
}

// StartRecovery begins snapshot-based recovery: wait for snapshots from
// peers, install the best, then run.
func (e *Engine) StartRecovery() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fsmEvent(evSnapshotWait, nil)
}

// LocalSnapshot feeds a snapshot produced by a local recovery manager.
func (e *Engine) LocalSnapshot(snap *paxos.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fsmEvent(evLocalSnapshot, snap)
}

// Terminate stops the run state, keeping the engine restartable.
func (e *Engine) Terminate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fsmEvent(evTerminate, nil)
}

// Stop terminates and shuts the engine down for good.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.fsmEvent(evTerminate, nil)
	e.fsmEvent(evExit, nil)
	srv := e.server
	e.mu.Unlock()
	if srv != nil {
		srv.Stop()
	}
	e.tasks.Wait()
}

// FsmState reports the lifecycle state, for status endpoints.
func (e *Engine) FsmState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fsm.String()
}
