package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"paxcom/internal/config"
	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

// collectApp records deliveries for assertions.
type collectApp struct {
	mu        sync.Mutex
	delivered [][]byte
	failed    int
	views     int
}

func (a *collectApp) Deliver(_ *site.Site, ad *paxos.AppData, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !ok {
		a.failed++
		return
	}
	a.delivered = append(a.delivered, ad.Body)
}

func (a *collectApp) DeliverGlobalView(*site.Site, synode.Synode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.views++
}

func (a *collectApp) GetAppSnapshot() ([]byte, synode.Synode) {
	return []byte("snap"), synode.Null
}

func (a *collectApp) HandleAppSnapshot([]byte, synode.Synode, synode.Synode) {}

func (a *collectApp) values() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.delivered))
	for i, b := range a.delivered {
		out[i] = string(b)
	}
	return out
}

func testIdentity(addr string) site.NodeAddress {
	return site.NodeAddress{
		Address:  addr,
		UID:      uuid.New(),
		MinProto: site.Proto10,
		MaxProto: site.MyMaxProto,
	}
}

func newTestEngine(t *testing.T, addr string) (*Engine, *collectApp) {
	t.Helper()
	app := &collectApp{}
	e := New(config.Default().Group, testIdentity(addr), app)
	t.Cleanup(e.Stop)
	return e, app
}

// installSite installs a configuration without going through consensus.
func installSite(e *Engine, nodes []site.NodeAddress, startMsgNo uint64) *site.Site {
	a := &paxos.AppData{
		Cargo:   paxos.UnifiedBootType,
		GroupID: 1,
		AppKey:  synode.Synode{GroupID: 1, MsgNo: startMsgNo},
		Nodes:   nodes,
	}
	return e.installNodeGroup(a)
}

func TestGetStartDelaysByEventHorizon(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	installSite(e, []site.NodeAddress{e.identity}, 1)
	e.executedMsg = synode.Synode{GroupID: 1, MsgNo: 5, Node: 0}

	a := &paxos.AppData{
		Cargo:   paxos.AddNodeType,
		GroupID: 1,
		AppKey:  synode.Synode{GroupID: 1, MsgNo: 20, Node: 0},
	}
	start := e.getStart(a)
	// boot key + H + 1
	want := uint64(20) + uint64(site.EventHorizonMin) + 1
	if start.MsgNo != want {
		t.Fatalf("activation: got %d want %d", start.MsgNo, want)
	}
}

func TestTooFarGatesAtHorizon(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	installSite(e, []site.NodeAddress{e.identity}, 1)
	e.executedMsg = synode.Synode{GroupID: 1, MsgNo: 10, Node: 0}

	h := uint64(site.EventHorizonMin)
	if e.tooFar(synode.Synode{GroupID: 1, MsgNo: 10 + h - 1}) {
		t.Fatalf("inside the horizon must pass")
	}
	if !e.tooFar(synode.Synode{GroupID: 1, MsgNo: 10 + h}) {
		t.Fatalf("the horizon boundary is out")
	}
}

func TestTooFarWithPendingShrink(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	// Active site with H=20 starting at 1, pending site with H=10
	// starting at 45.
	first := installSite(e, []site.NodeAddress{e.identity}, 1)
	first.EventHorizon = 20
	pending := e.latestSite().Clone()
	pending.Start = synode.Synode{GroupID: 1, MsgNo: 45}
	pending.EventHorizon = 10
	e.sites.Push(pending)

	e.executedMsg = synode.Synode{GroupID: 1, MsgNo: 40, Node: 0}

	// Normal threshold would be 60; the shrink caps it at 45-1+10=54.
	if e.tooFar(synode.Synode{GroupID: 1, MsgNo: 53}) {
		t.Fatalf("53 is inside the capped threshold")
	}
	if !e.tooFar(synode.Synode{GroupID: 1, MsgNo: 54}) {
		t.Fatalf("54 must be out with the pending shrink")
	}
}

func TestDeadSiteRing(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	e.burySite(7)
	if !e.isDeadSite(7) {
		t.Fatalf("buried site must be dead")
	}
	if e.isDeadSite(8) {
		t.Fatalf("unknown site is not dead")
	}
	e.burySite(0) // zero ids are never buried
	if e.isDeadSite(0) {
		t.Fatalf("zero id must not be buried")
	}
	// The ring holds the last maxDead ids.
	for id := uint32(100); id < 100+maxDead; id++ {
		e.burySite(id)
	}
	if e.isDeadSite(7) {
		t.Fatalf("old id should have been pushed out of the ring")
	}
	if !e.isDeadSite(100 + maxDead - 1) {
		t.Fatalf("recent id must still be in the ring")
	}
}

func TestFirstFreeSynode(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	other := testIdentity("127.0.0.2:1")
	installSite(e, []site.NodeAddress{other, e.identity}, 1)

	// We are node 1; first free at msgno 5 keeps msgno, adjusts node.
	got := e.firstFreeSynode(synode.Synode{GroupID: 1, MsgNo: 5, Node: 0})
	if got.MsgNo != 5 || got.Node != 1 {
		t.Fatalf("first free: got %v", got)
	}
	// Asking from a slot past ours moves to the next msgno.
	got = e.firstFreeSynode(synode.Synode{GroupID: 1, MsgNo: 5, Node: 2})
	if got.MsgNo != 6 || got.Node != 1 {
		t.Fatalf("first free past self: got %v", got)
	}
}

func TestAssignLSNSeedsFromMaxSynode(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	e.maxSynode = synode.Synode{GroupID: 1, MsgNo: 41}
	if got := e.assignLSN(); got != 42 {
		t.Fatalf("first lsn: got %d want 42", got)
	}
	if got := e.assignLSN(); got != 43 {
		t.Fatalf("lsn must be ever-increasing: got %d", got)
	}
}

func TestBatchRespectsLimitsAndConfigs(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")

	push := func(cargo paxos.CargoType, body string) {
		m := &paxos.Msg{App: []paxos.AppData{{Cargo: cargo, Body: []byte(body)}}}
		e.propInput <- &queued{msg: m}
	}

	push(paxos.AppType, "b")
	push(paxos.AppType, "c")
	push(paxos.AddNodeType, "cfg")
	push(paxos.AppType, "d")

	q := &queued{msg: &paxos.Msg{App: []paxos.AppData{{Cargo: paxos.AppType, Body: []byte("a")}}}}
	carry := e.batch(q)

	if len(q.msg.App) != 3 {
		t.Fatalf("batched %d payloads, want 3 (a,b,c)", len(q.msg.App))
	}
	if carry == nil {
		t.Fatalf("config message must be carried, not batched")
	}
	if c, _ := carry.msg.Cargo(); c != paxos.AddNodeType {
		t.Fatalf("carry is not the config message")
	}
	// The payload after the config stays queued for the next round.
	if len(e.propInput) != 1 {
		t.Fatalf("expected one message left in the queue")
	}

	// A config message itself is never a batch head.
	cfg := &queued{msg: &paxos.Msg{App: []paxos.AppData{{Cargo: paxos.RemoveNodeType}}}}
	if e.batch(cfg) != nil {
		t.Fatalf("config head must not batch")
	}
}

func TestAutoSkipConformance(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	other := testIdentity("127.0.0.2:1")
	installSite(e, []site.NodeAddress{e.identity, other}, 1)
	e.executedMsg = synode.Synode{GroupID: 1, MsgNo: 1, Node: 0}
	e.clientBootDone = true

	accept := func(msgno uint64) *paxos.Msg {
		m := paxos.NewMsg(synode.Synode{GroupID: 1, MsgNo: msgno, Node: 1}, 1)
		m.Op = paxos.AcceptOp
		m.Proposal = synode.Ballot{Cnt: 0, Node: 1}
		return m
	}

	// Fresh slot of ours: auto-skip may collapse it.
	ours := synode.Synode{GroupID: 1, MsgNo: 3, Node: 0}
	e.cache.ForceGet(ours)
	if !e.maybeAutoSkip(e.latestSite(), accept(3)) {
		t.Fatalf("idle slot should be auto-skipped")
	}
	if pm := e.cache.Get(ours); pm == nil || !pm.Finished() || pm.Learner.Msg.MsgType != paxos.NoOp {
		t.Fatalf("auto-skip must learn a no-op locally")
	}

	// A slot with any activity must never be skipped.
	ours2 := synode.Synode{GroupID: 1, MsgNo: 4, Node: 0}
	pm2 := e.cache.ForceGet(ours2)
	prep := paxos.NewMsg(ours2, 1)
	prep.Proposal = synode.Ballot{Cnt: 1, Node: 1}
	prep.Prepare(paxos.PrepareOp)
	pm2.SimplePrepare(prep, time.Now())
	if e.maybeAutoSkip(e.latestSite(), accept(4)) {
		t.Fatalf("a machine with a promise must never be auto-skipped")
	}

	// Too far from the executor: no skip.
	far := synode.Synode{GroupID: 1, MsgNo: 1 + skipOverNum, Node: 0}
	e.cache.ForceGet(far)
	if e.maybeAutoSkip(e.latestSite(), accept(1+skipOverNum)) {
		t.Fatalf("slots past skip_over_num must not be skipped")
	}
}

func TestFsmTransitions(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fsm != fsmInit {
		t.Fatalf("fresh engine starts in init, got %v", e.fsm)
	}
	e.fsmEvent(evInit, nil)
	if e.fsm != fsmStart {
		t.Fatalf("init must settle in start, got %v", e.fsm)
	}

	// Terminate in start is idempotent and harmless.
	e.fsmEvent(evTerminate, nil)
	e.fsmEvent(evTerminate, nil)
	if e.fsm != fsmStart {
		t.Fatalf("terminate in start must stay in start, got %v", e.fsm)
	}

	// A net boot that does not include us does not enter run.
	other := testIdentity("127.0.0.2:1")
	e.fsmEvent(evNetBoot, &paxos.AppData{
		Cargo: paxos.UnifiedBootType, GroupID: 2,
		AppKey: synode.Synode{GroupID: 2},
		Nodes:  []site.NodeAddress{other},
	})
	if e.fsm != fsmStart {
		t.Fatalf("non-member boot must not run, got %v", e.fsm)
	}

	// Snapshot wait times out back to start.
	e.fsmEvent(evSnapshotWait, nil)
	if e.fsm != fsmSnapshotWait {
		t.Fatalf("expected snapshot_wait, got %v", e.fsm)
	}
	e.fsmEvent(evTimeout, nil)
	if e.fsm != fsmStart {
		t.Fatalf("timeout must fall back to start, got %v", e.fsm)
	}
}

func TestExitComputation(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	// A site that does not contain us, starting at 50 with H=10.
	other := testIdentity("127.0.0.2:1")
	s := installSite(e, []site.NodeAddress{other}, 1)
	s.Start = synode.Synode{GroupID: 1, MsgNo: 50}
	s.EventHorizon = 10

	xc := &executeContext{informIndex: -1}
	e.setupExitHandling(xc, s)

	if !xc.exitFlag {
		t.Fatalf("removal must arm the exit trigger")
	}
	if xc.deliveryLimit.MsgNo != 50 {
		t.Fatalf("delivery limit: got %d want 50", xc.deliveryLimit.MsgNo)
	}
	if xc.exitSynode.MsgNo != 60 {
		t.Fatalf("exit synod: got %d want start+H=60", xc.exitSynode.MsgNo)
	}

	// Not exitable until both cursors pass their bounds.
	e.executedMsg = synode.Synode{GroupID: 1, MsgNo: 59}
	e.deliveredMsg = synode.Synode{GroupID: 1, MsgNo: 50}
	if e.checkExit(xc) {
		t.Fatalf("must not exit before executed reaches exit synod")
	}
	e.executedMsg = synode.Synode{GroupID: 1, MsgNo: 60}
	if !e.checkExit(xc) {
		t.Fatalf("exit condition met, should exit")
	}
}

func TestEmptySiteInflatesStart(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	s := installSite(e, nil, 1)
	s.Start = synode.Synode{GroupID: 1, MsgNo: 50}
	s.EventHorizon = 10

	xc := &executeContext{informIndex: -1}
	e.setupExitHandling(xc, s)
	// Empty next site: start pushed out by two horizons so the old
	// majority converges before everyone is gone.
	if s.Start.MsgNo != 70 {
		t.Fatalf("empty site start: got %d want 70", s.Start.MsgNo)
	}
}

func TestSubmitControlCargoValidation(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	installSite(e, []site.NodeAddress{e.identity}, 1)
	e.executedMsg = synode.Synode{GroupID: 1, MsgNo: 10, Node: 0}
	e.mu.Unlock()

	// Removing an unknown node fails validation.
	got := make(chan paxos.ReplyCode, 1)
	m := &paxos.Msg{App: []paxos.AppData{{
		Cargo:   paxos.RemoveNodeType,
		GroupID: 1,
		Nodes:   []site.NodeAddress{testIdentity("127.0.0.9:1")},
	}}}
	err := e.Submit(m, func(r *paxos.Msg) { got <- r.CliErr })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case code := <-got:
		if code != paxos.RequestFail {
			t.Fatalf("expected REQUEST_FAIL, got %v", code)
		}
	case <-time.After(time.Second):
		t.Fatalf("no validation reply")
	}

	// get_event_horizon answers directly.
	hm := &paxos.Msg{App: []paxos.AppData{{Cargo: paxos.GetEventHorizonType}}}
	hGot := make(chan uint32, 1)
	if err := e.Submit(hm, func(r *paxos.Msg) { hGot <- r.EventHorizon }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case h := <-hGot:
		if h != site.EventHorizonMin {
			t.Fatalf("horizon: got %d", h)
		}
	case <-time.After(time.Second):
		t.Fatalf("no horizon reply")
	}
}

func TestAddNodeValidation(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	other := testIdentity("127.0.0.2:1")
	installSite(e, []site.NodeAddress{e.identity, other}, 1)
	e.executedMsg = synode.Synode{GroupID: 1, MsgNo: 10, Node: 0}

	// Adding ourselves is a self-add loop.
	if e.allowAddNode(&paxos.AppData{Nodes: []site.NodeAddress{e.identity}}) {
		t.Fatalf("self-add must be rejected")
	}
	// Adding an existing member by UID.
	if e.allowAddNode(&paxos.AppData{Nodes: []site.NodeAddress{other}}) {
		t.Fatalf("duplicate UID must be rejected")
	}
	// Same address, new UID: old incarnation still present.
	reborn := testIdentity(other.Address)
	if e.allowAddNode(&paxos.AppData{Nodes: []site.NodeAddress{reborn}}) {
		t.Fatalf("address collision must be rejected")
	}
	// A genuinely new node passes.
	if !e.allowAddNode(&paxos.AppData{Nodes: []site.NodeAddress{testIdentity("127.0.0.3:1")}}) {
		t.Fatalf("valid add rejected")
	}

	// Horizon-incompatible joiner against a non-default horizon.
	e.latestSite().EventHorizon = site.EventHorizonMin + 5
	oldNode := testIdentity("127.0.0.4:1")
	oldNode.MaxProto = site.Proto10
	if e.allowAddNode(&paxos.AppData{Nodes: []site.NodeAddress{oldNode}}) {
		t.Fatalf("joiner without horizon support must be rejected")
	}
}

func TestEventHorizonValidation(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:0")
	e.mu.Lock()
	defer e.mu.Unlock()

	installSite(e, []site.NodeAddress{e.identity}, 1)

	if e.allowEventHorizon(site.EventHorizonMin - 1) {
		t.Fatalf("below minimum must fail")
	}
	if e.allowEventHorizon(site.EventHorizonMax + 1) {
		t.Fatalf("above maximum must fail")
	}
	if !e.allowEventHorizon(42) {
		t.Fatalf("valid horizon rejected")
	}
	e.latestSite().XProto = site.Proto10
	if e.allowEventHorizon(42) {
		t.Fatalf("old protocol group cannot reconfigure the horizon")
	}
}
