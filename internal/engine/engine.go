// Package engine is the replicated total-order delivery core: Paxos
// state machines indexed by synod, a proposer pool, the executor that
// serializes delivery, the sweeper, reconfiguration with delayed
// activation, snapshot-based recovery and the lifecycle state machine.
package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/fastrand"

	"paxcom/internal/config"
	"paxcom/pkg/cache"
	"paxcom/pkg/detector"
	"paxcom/pkg/metrics"
	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
	"paxcom/pkg/transport"
)

const (
	// skipOverNum bounds the auto-skip heuristic: slots further than
	// this from the executor are not collapsed.
	skipOverNum = 16384

	// maxDead is the size of the dead-site ring.
	maxDead = 10

	// findMax is how many missing values one fetch round touches.
	findMax = 10
)

// App is the application the engine delivers to.
type App interface {
	// Deliver is called in synod order. ok is false when a submitted
	// payload could not be placed in the total order.
	Deliver(s *site.Site, a *paxos.AppData, ok bool)
	// DeliverGlobalView announces an installed view.
	DeliverGlobalView(s *site.Site, sn synode.Synode)
	// GetAppSnapshot produces the application snapshot blob and the
	// synod it is current to.
	GetAppSnapshot() ([]byte, synode.Synode)
	// HandleAppSnapshot installs a peer's snapshot blob.
	HandleAppSnapshot(blob []byte, logStart, logEnd synode.Synode)
}

// queued is one client submission waiting for a proposer.
type queued struct {
	msg *paxos.Msg
}

// Engine owns all shared replication state. One mutex serializes every
// state transition, the Go rendition of the original's single-threaded
// task scheduler.
type Engine struct {
	mu sync.Mutex

	cfg      config.GroupConfig
	identity site.NodeAddress
	app      App

	// Cursors. executedMsg is the next synod to execute, deliveredMsg
	// the next eligible for delivery, maxSynode the largest observed,
	// currentMessage where local proposers search for free slots.
	executedMsg      synode.Synode
	deliveredMsg     synode.Synode
	lastDeliveredMsg synode.Synode
	maxSynode        synode.Synode
	currentMessage   synode.Synode

	sites    site.History
	cache    *cache.Cache
	detector *detector.Detector
	stats    *metrics.OpStats

	forcedConfig     *site.Site
	waitForcedConfig bool

	lsn  uint64
	myID uint32

	lastConfigModification synode.Synode

	deadSites struct {
		n  int
		id [maxDead]uint32
	}

	// propInput is the proposer task input queue; client submissions
	// cross into the engine here.
	propInput chan *queued

	// execWait wakes tasks blocked on executor progress; sweepWake
	// reactivates the sweeper.
	execWait  chan struct{}
	sweepWake chan struct{}

	// sentAlive throttles need_boot replies to liveness beacons.
	sentAlive time.Time

	clientBootDone bool
	netbootOk      bool

	// Transport. peers pools outbound handles by address; servers maps
	// the current site's node numbers onto peers.
	listenAddr string
	server     *transport.Server
	peers      map[string]*transport.Peer
	servers    []*transport.Peer

	fsm      fsmState
	fsmTimer *time.Timer

	snapshots   map[synode.NodeNo]bool
	logStartMax synode.Synode
	logEndMax   synode.Synode
	startConfig synode.Synode

	ctx      context.Context
	shutdown context.CancelFunc
	tasks    sync.WaitGroup

	// taskCtx covers the run-state tasks only; terminate cancels it
	// without killing the engine.
	taskCtx    context.Context
	taskCancel context.CancelFunc
}

// New creates an engine for the given identity and application.
func New(cfg config.GroupConfig, identity site.NodeAddress, app App) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		identity:  identity,
		app:       app,
		cache:     cache.New(),
		detector:  detector.New(),
		stats:     metrics.NewOpStats(),
		propInput: make(chan *queued, 1024),
		execWait:  make(chan struct{}),
		peers:     make(map[string]*transport.Peer),
		snapshots: make(map[synode.NodeNo]bool),
		ctx:       ctx,
		shutdown:  cancel,
	}
	e.cache.SetLimit(cfg.CacheAppBytes)
	e.myID = newID()
	e.fsm = fsmInit
	return e
}

// newID derives a process-unique group id from identity and time.
func newID() uint32 {
	var id uint32
	for id == 0 {
		h := fnv.New32a()
		u := uuid.New()
		h.Write(u[:])
		var ts [8]byte
		now := time.Now().UnixNano()
		for i := range ts {
			ts[i] = byte(now >> (8 * i))
		}
		h.Write(ts[:])
		id = h.Sum32()
	}
	return id
}

// MyID is the unique id of this engine instance.
func (e *Engine) MyID() uint32 { return e.myID }

// locked helpers ------------------------------------------------------

func (e *Engine) siteFor(s synode.Synode) *site.Site {
	return e.sites.Find(s)
}

func (e *Engine) latestSite() *site.Site {
	return e.sites.Latest()
}

func (e *Engine) nodeNo(s *site.Site) synode.NodeNo {
	if s == nil {
		return synode.VoidNodeNo
	}
	return s.NodeNo
}

// incrMsgNo finds our next message number, renumbering the node in case
// the site changed.
func (e *Engine) incrMsgNo(s synode.Synode) synode.Synode {
	ret := s.IncrMsgNo()
	ret.Node = e.nodeNo(e.siteFor(ret))
	return ret
}

func (e *Engine) incrSynode(s synode.Synode) synode.Synode {
	return s.Incr(e.siteFor(s).MaxNodes())
}

// tooFarThreshold is the first msgno outside the event horizon. With a
// pending horizon shrink the threshold is capped at the shrink's bound,
// keeping the executor's exit logic sound.
func (e *Engine) tooFarThreshold() uint64 {
	active := e.siteFor(e.executedMsg)
	if active == nil {
		return e.executedMsg.MsgNo + uint64(site.EventHorizonMin)
	}
	pending := e.sites.FirstEventHorizonReconfig(e.executedMsg)
	threshold := e.executedMsg.MsgNo + uint64(active.EventHorizon)
	if pending != nil && active != e.latestSite() {
		safe := pending.Start.MsgNo - 1 + uint64(pending.EventHorizon)
		if safe < threshold {
			threshold = safe
		}
	}
	return threshold
}

func (e *Engine) tooFar(s synode.Synode) bool {
	return s.MsgNo >= e.tooFarThreshold()
}

// addEventHorizon computes the activation synod of a configuration
// proposed at s: its start is delayed by the event horizon.
func (e *Engine) addEventHorizon(s synode.Synode) synode.Synode {
	active := e.siteFor(e.executedMsg)
	if active == nil {
		return synode.Null
	}
	pending := e.sites.LatestEventHorizonReconfig(e.executedMsg)
	if active == e.latestSite() || pending == nil {
		s.MsgNo = s.MsgNo + uint64(active.EventHorizon) + 1
	} else {
		s.MsgNo = pending.Start.MsgNo + uint64(pending.EventHorizon) + 1
	}
	return s
}

func (e *Engine) setMaxSynode(s synode.Synode) {
	e.maxSynode = s
	e.activateSweeper()
}

func (e *Engine) updateMaxSynode(m *paxos.Msg) {
	if e.isDeadSite(m.GroupID) {
		return
	}
	if e.latestSite().GroupID() == 0 || e.maxSynode.GroupID == 0 {
		e.setMaxSynode(m.Synode)
		return
	}
	if e.maxSynode.GroupID == m.Synode.GroupID {
		if synode.Gt(m.Synode, e.maxSynode) {
			e.setMaxSynode(m.Synode)
		}
		if synode.Gt(m.MaxSynode, e.maxSynode) {
			e.setMaxSynode(m.MaxSynode)
		}
	}
}

func (e *Engine) setExecutedMsg(s synode.Synode) {
	if synode.GroupMismatch(s, e.currentMessage) || synode.Gt(s, e.currentMessage) {
		e.currentMessage = e.firstFreeSynode(s)
	}
	if s.MsgNo > e.executedMsg.MsgNo {
		e.wakeExecWaiters()
	}
	e.executedMsg = s
}

// firstFreeSynode is the first synod owned by us at or after msgno.
func (e *Engine) firstFreeSynode(msgno synode.Synode) synode.Synode {
	def := e.siteFor(msgno)
	if def == nil {
		def = e.latestSite()
		return def.Start
	}
	ret := msgno
	if ret.MsgNo == 0 {
		ret.MsgNo = 1
	}
	ret.Node = e.nodeNo(def)
	if synode.Lt(ret, msgno) {
		return e.incrMsgNo(ret)
	}
	return ret
}

func (e *Engine) isBusy(s synode.Synode) bool {
	m := e.cache.GetNoTouch(s)
	if m == nil {
		return false
	}
	return m.Started()
}

// assignLSN hands out the per-process log sequence number, seeded from
// max_synode to stay clear of a previous incarnation's numbers.
func (e *Engine) assignLSN() uint64 {
	if e.lsn == 0 {
		e.lsn = e.maxSynode.MsgNo
	}
	e.lsn++
	return e.lsn
}

// myUniqueID brands a synod with this instance's id.
func (e *Engine) myUniqueID(s synode.Synode) synode.Synode {
	s.GroupID = e.myID
	return s
}

// Dead-site ring ------------------------------------------------------

func (e *Engine) burySite(id uint32) {
	if id != 0 {
		e.deadSites.id[e.deadSites.n%maxDead] = id
		e.deadSites.n = (e.deadSites.n + 1) % maxDead
	}
}

func (e *Engine) isDeadSite(id uint32) bool {
	if id == 0 {
		return false // never buried, must not match an empty slot
	}
	for i := 0; i < maxDead; i++ {
		switch e.deadSites.id[i] {
		case id:
			return true
		case 0:
			return false
		}
	}
	return false
}

// Wait plumbing -------------------------------------------------------

// wakeExecWaiters wakes everything blocked on executor progress.
func (e *Engine) wakeExecWaiters() {
	close(e.execWait)
	e.execWait = make(chan struct{})
}

// timedWait drops the engine lock, waits for ch, the timeout or
// engine shutdown, then reacquires the lock.
func (e *Engine) timedWait(ch <-chan struct{}, d time.Duration) {
	e.mu.Unlock()
	t := time.NewTimer(d)
	select {
	case <-ch:
	case <-t.C:
	case <-e.ctx.Done():
	}
	t.Stop()
	e.mu.Lock()
}

// waitForCache materializes a machine, waiting on executor progress
// when the cache is exhausted. Returns nil after the timeout.
func (e *Engine) waitForCache(sn synode.Synode, timeout time.Duration) *paxos.Machine {
	deadline := time.Now().Add(timeout)
	for {
		if m := e.cache.ForceGet(sn); m != nil {
			return m
		}
		if time.Now().After(deadline) || e.ctx.Err() != nil {
			return nil
		}
		e.timedWait(e.execWait, 500*time.Millisecond)
	}
}

// Backoff -------------------------------------------------------------

// wakeupDelay is the proposer's exponential backoff, seeded by the
// site's observed round trip and capped at half a second.
func wakeupDelay(s *site.Site, old time.Duration) time.Duration {
	var ret time.Duration
	maxRTT := time.Millisecond
	if s != nil && s.MaxRTT > maxRTT {
		maxRTT = s.MaxRTT
	}
	if old == 0 {
		ret = time.Millisecond + maxRTT
	} else {
		ret = old * 14 / 10
	}
	maxThreshold := 500 * time.Millisecond
	if cand := maxRTT * 10; cand < maxThreshold {
		if cand < 5*time.Millisecond {
			cand = 5 * time.Millisecond
		}
		maxThreshold = cand
	}
	for ret > maxThreshold {
		ret = ret * 10 / 13
	}
	return ret
}

// fetchDelay is the executor's backoff while hunting a missing value,
// jittered to spread synchronized rounds apart.
func fetchDelay(old, maxWait time.Duration) time.Duration {
	var ret time.Duration
	if old == 0 {
		ret = time.Millisecond + time.Duration(fastrand.Int63n(int64(time.Millisecond)))
	} else {
		ret = old * 141 / 100
	}
	for ret > maxWait {
		ret = ret * 100 / 131
	}
	return ret
}

// Lifecycle accessors -------------------------------------------------

// ExecutedMsg returns the executor cursor.
func (e *Engine) ExecutedMsg() synode.Synode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executedMsg
}

// DeliveredMsg returns the delivery cursor.
func (e *Engine) DeliveredMsg() synode.Synode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deliveredMsg
}

// MaxSynode returns the largest synod observed.
func (e *Engine) MaxSynode() synode.Synode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxSynode
}

// LatestSite returns the newest installed configuration.
func (e *Engine) LatestSite() *site.Site {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latestSite()
}

// Traffic returns per-operation send/receive counters.
func (e *Engine) Traffic() map[string]map[string]uint64 {
	return e.stats.Snapshot()
}

// Booted reports whether this node may act as an acceptor.
func (e *Engine) Booted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientBootDone
}

// Submit hands a client message to the engine through the same path a
// wire client takes: control cargo is answered via the reply callback,
// payloads go to the proposer pool.
func (e *Engine) Submit(m *paxos.Msg, reply func(*paxos.Msg)) error {
	if e.ctx.Err() != nil {
		return paxos.ErrShutdown
	}
	m.Op = paxos.ClientMsg
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleClientCargo(m, func(r *paxos.Msg) {
		if reply != nil {
			reply(r)
		}
	})
	return nil
}

func (e *Engine) spawn(name string, f func(ctx context.Context)) {
	ctx := e.taskCtx
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		slog.Debug("task started", "task", name)
		f(ctx)
		slog.Debug("task stopped", "task", name)
	}()
}
