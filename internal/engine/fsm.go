package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"paxcom/pkg/paxos"
	"paxcom/pkg/synode"
)

// fsmState is the lifecycle state of the engine.
type fsmState int

const (
	fsmInit fsmState = iota
	fsmStartEnter
	fsmStart
	fsmSnapshotWaitEnter
	fsmSnapshotWait
	fsmRecoverWaitEnter
	fsmRecoverWait
	fsmRunEnter
	fsmRun
)

func (s fsmState) String() string {
	switch s {
	case fsmInit:
		return "init"
	case fsmStartEnter:
		return "start_enter"
	case fsmStart:
		return "start"
	case fsmSnapshotWaitEnter:
		return "snapshot_wait_enter"
	case fsmSnapshotWait:
		return "snapshot_wait"
	case fsmRecoverWaitEnter:
		return "recover_wait_enter"
	case fsmRecoverWait:
		return "recover_wait"
	case fsmRunEnter:
		return "run_enter"
	case fsmRun:
		return "run"
	}
	return fmt.Sprintf("fsmState(%d)", int(s))
}

// fsmAction is an event fed to the lifecycle machine.
type fsmAction int

const (
	evInit fsmAction = iota
	evNetBoot
	evSnapshot
	evLocalSnapshot
	evSnapshotWait
	evTimeout
	evComplete
	evForceConfig
	evTerminate
	evExit
)

// fsmEvent cranks the state machine until it settles. Callers hold the
// engine lock. Each state handler returns true when the new state
// should immediately see the same action again, mirroring the original
// trampoline.
func (e *Engine) fsmEvent(a fsmAction, arg any) {
	for e.fsmStep(a, arg) {
	}
	slog.Debug("fsm", "state", e.fsm)
}

func (e *Engine) fsmStep(a fsmAction, arg any) bool {
	switch e.fsm {
	case fsmInit:
		return e.fsmDoInit()
	case fsmStartEnter:
		return e.fsmDoStartEnter()
	case fsmStart:
		return e.fsmDoStart(a, arg)
	case fsmSnapshotWaitEnter:
		return e.fsmDoSnapshotWaitEnter()
	case fsmSnapshotWait:
		return e.fsmDoSnapshotWait(a, arg)
	case fsmRecoverWaitEnter:
		return e.fsmDoRecoverWaitEnter()
	case fsmRecoverWait:
		return e.fsmDoRecoverWait(a, arg)
	case fsmRunEnter:
		return e.fsmDoRunEnter()
	case fsmRun:
		return e.fsmDoRun(a, arg)
	}
	return false
}

// init state: reset shared variables.
func (e *Engine) fsmDoInit() bool {
	e.initShared()
	e.fsm = fsmStartEnter
	return true
}

func (e *Engine) initShared() {
	e.currentMessage = synode.Null
	e.executedMsg = synode.Null
	e.deliveredMsg = synode.Null
	e.lastDeliveredMsg = synode.Null
	e.maxSynode = synode.Null
	e.clientBootDone = false
	e.netbootOk = false
	e.lsn = 0
	e.myID = newID()
	e.detector.Reset()
}

// start_enter state.
func (e *Engine) fsmDoStartEnter() bool {
	e.emptyPropInput()
	e.resetSnapshotMask()
	e.lastConfigModification = synode.Null
	e.fsm = fsmStart
	return true
}

// start state: wait for a boot or a snapshot.
func (e *Engine) fsmDoStart(a fsmAction, arg any) bool {
	switch a {
	case evInit:
		e.cache.Reset()
	case evNetBoot:
		return e.handleFsmNetBoot(arg.(*paxos.AppData))
	case evSnapshot:
		return e.handleFsmSnapshot(arg.(*paxos.Snapshot))
	case evSnapshotWait:
		// Entry point for recovery under an external manager.
		e.emptyPropInput()
		e.startTimer(e.cfg.SnapshotWait)
		e.fsm = fsmSnapshotWaitEnter
		return true
	case evExit:
		e.handleFsmExit()
	}
	return false
}

func (e *Engine) handleFsmNetBoot(a *paxos.AppData) bool {
	e.installNodeGroup(a)
	if !e.latestSite().IsMember() {
		return false
	}
	e.emptyPropInput()
	start := e.latestSite().Start
	if start.MsgNo == 0 { // may happen during initial boot
		start.MsgNo = 1
	}
	e.setExecutedMsg(start)
	e.fsm = fsmRunEnter
	return true
}

func (e *Engine) handleFsmSnapshot(snap *paxos.Snapshot) bool {
	e.emptyPropInput()
	e.setLogEnd(snap)
	e.handleXSnapshot(snap)
	// Recovering directly from another node: no point waiting for
	// more snapshots.
	e.fsm = fsmRunEnter
	return true
}

func (e *Engine) handleFsmExit() {
	e.burySite(e.latestSite().GroupID())
	e.taskStop()
	e.sites.Reset()
	e.freeForcedConfig()
	e.closePeers()
	e.startConfig = synode.Null
	e.shutdown()
}

// snapshot_wait_enter state.
func (e *Engine) fsmDoSnapshotWaitEnter() bool {
	e.logStartMax = synode.Null
	e.logEndMax = synode.Null
	e.fsm = fsmSnapshotWait
	return false
}

// snapshot_wait state: best snapshot wins, timer gives up.
func (e *Engine) fsmDoSnapshotWait(a fsmAction, arg any) bool {
	switch a {
	case evLocalSnapshot:
		e.updateBestSnapshot(arg.(*paxos.Snapshot))
		e.noteSnapshot(e.nodeNo(e.latestSite()))
		e.sendNeedBoot()
		e.fsm = fsmRecoverWaitEnter
		return true
	case evSnapshot:
		snap := arg.(*paxos.Snapshot)
		e.setLogEnd(snap)
		e.updateBestSnapshot(snap)
		// We now have a site; count our own snapshot as seen since no
		// local snapshot will ever arrive.
		e.noteSnapshot(e.nodeNo(e.latestSite()))
		e.sendNeedBoot()
		e.fsm = fsmRecoverWaitEnter
		return true
	case evTimeout:
		e.fsm = fsmStartEnter
		return true
	}
	return false
}

// recover_wait_enter state.
func (e *Engine) fsmDoRecoverWaitEnter() bool {
	if e.gotAllSnapshots() {
		e.scheduleComplete()
	}
	e.fsm = fsmRecoverWait
	return false
}

// recover_wait state: better snapshots may still arrive.
func (e *Engine) fsmDoRecoverWait(a fsmAction, arg any) bool {
	switch a {
	case evSnapshot:
		snap := arg.(*paxos.Snapshot)
		e.setLogEnd(snap)
		e.updateBestSnapshot(snap)
	case evTimeout, evComplete:
		e.fsm = fsmRunEnter
		return true
	}
	if e.gotAllSnapshots() {
		e.scheduleComplete()
	}
	return false
}

// scheduleComplete delivers x_fsm_complete from a fresh goroutine, the
// equivalent of the original's completion task.
func (e *Engine) scheduleComplete() {
	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.fsm == fsmRecoverWait || e.fsm == fsmRecoverWaitEnter {
			e.fsmEvent(evComplete, nil)
		}
	}()
}

// run_enter state: sanity-check cursors and spawn the working tasks.
func (e *Engine) fsmDoRunEnter() bool {
	e.startConfig = e.latestSite().BootKey

	if e.siteFor(e.executedMsg) == nil {
		e.setExecutedMsg(e.latestSite().Start)
	}

	e.stopTimer()
	e.clientBootDone = true
	e.netbootOk = true
	e.setProposerStartpoint()

	e.taskCtx, e.taskCancel = context.WithCancel(e.ctx)
	for i := 0; i < e.cfg.Proposers; i++ {
		self := i
		e.spawn(fmt.Sprintf("proposer_task_%d", i), func(ctx context.Context) {
			e.proposerTask(ctx, self)
		})
	}
	e.spawn("executor_task", e.executorTask)
	e.spawn("sweeper_task", e.sweeperTask)
	e.spawn("detector_task", e.detectorTask)
	e.spawn("alive_task", e.aliveTask)

	e.fsm = fsmRun
	return true
}

func (e *Engine) setProposerStartpoint() {
	start := e.executedMsg
	if start.MsgNo == 0 {
		start.MsgNo = 1
	}
	e.currentMessage = e.firstFreeSynode(start)
}

// run state.
func (e *Engine) fsmDoRun(a fsmAction, arg any) bool {
	switch a {
	case evTerminate:
		return e.handleFsmTerminate()
	case evForceConfig:
		e.handleFsmForceConfig(arg.(*paxos.AppData))
	}
	return false
}

// handleFsmTerminate stops all tasks, tears down sites and reinits
// shared variables. Idempotent under repeated terminate events.
func (e *Engine) handleFsmTerminate() bool {
	e.clientBootDone = false
	e.netbootOk = false
	e.taskStop()
	e.initShared()
	e.sites.Reset()
	e.freeForcedConfig()
	e.cache.Reset()
	e.fsm = fsmStartEnter
	return true
}

// taskStop cancels run-state tasks and wakes anything blocked so the
// cancellation is seen promptly. It does not wait: tasks need the
// engine lock to unwind.
func (e *Engine) taskStop() {
	if e.taskCancel != nil {
		e.taskCancel()
		e.taskCancel = nil
	}
	e.wakeExecWaiters()
	e.activateSweeper()
}

func (e *Engine) emptyPropInput() {
	for {
		select {
		case q := <-e.propInput:
			e.failDeliver(q)
		default:
			return
		}
	}
}

// FSM timer -----------------------------------------------------------

func (e *Engine) startTimer(d time.Duration) {
	e.stopTimer()
	if d <= 0 {
		d = 30 * time.Second
	}
	e.fsmTimer = time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.fsmEvent(evTimeout, nil)
	})
}

func (e *Engine) stopTimer() {
	if e.fsmTimer != nil {
		e.fsmTimer.Stop()
		e.fsmTimer = nil
	}
}
