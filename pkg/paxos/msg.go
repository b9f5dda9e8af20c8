package paxos

import (
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

// AppData is one unit of application payload or control cargo. A batch
// of client payloads travels as a slice on a single message.
type AppData struct {
	AppKey    synode.Synode  `json:"app_key"`
	GroupID   uint32         `json:"group_id"`
	UniqueID  synode.Synode  `json:"unique_id"`
	LSN       uint64         `json:"lsn,omitempty"`
	Cargo     CargoType      `json:"cargo"`
	Consensus Consensus      `json:"consensus,omitempty"`
	Chosen    bool           `json:"-"`

	// Body carries client bytes for AppType cargo.
	Body []byte `json:"body,omitempty"`

	// Nodes is set for boot/add/remove/force cargo.
	Nodes []site.NodeAddress `json:"nodes,omitempty"`

	// Present is set for view cargo: which members are seen alive.
	Present []bool `json:"present,omitempty"`

	// EventHorizon is set for set_event_horizon cargo.
	EventHorizon uint32 `json:"event_horizon,omitempty"`

	// CacheLimit is set for set_cache_limit cargo.
	CacheLimit uint64 `json:"cache_limit,omitempty"`

	// Synodes is set for get_synode_app_data queries.
	Synodes []synode.Synode `json:"synodes,omitempty"`
}

// Size is the payload weight used for batching limits.
func (a *AppData) Size() int {
	return len(a.Body) + 64
}

// SynodeAppData pairs a decided synod with its payload, for the
// get_synode_app_data query.
type SynodeAppData struct {
	Synode synode.Synode `json:"synode"`
	Data   []AppData     `json:"data"`
}

// Msg is the Paxos protocol message. One struct covers every operation;
// which fields are meaningful depends on Op.
type Msg struct {
	From     synode.NodeNo `json:"from"`
	To       synode.NodeNo `json:"to"`
	GroupID  uint32        `json:"group_id"`
	Op       Op            `json:"op"`
	Synode   synode.Synode `json:"synode"`
	Proposal synode.Ballot `json:"proposal"`
	ReplyTo  synode.Ballot `json:"reply_to"`
	MsgType  MsgType       `json:"msg_type"`

	App []AppData `json:"app,omitempty"`

	ForceDelivery bool `json:"force_delivery,omitempty"`

	// Piggybacked progress, used by the detector and max synode
	// tracking on every message.
	DeliveredMsg synode.Synode `json:"delivered_msg"`
	MaxSynode    synode.Synode `json:"max_synode"`

	Snapshot *Snapshot `json:"gcs_snap,omitempty"`

	RequestedSynodeAppData []SynodeAppData `json:"requested_synode_app_data,omitempty"`
	EventHorizon           uint32          `json:"event_horizon,omitempty"`
	CliErr                 ReplyCode       `json:"cli_err,omitempty"`
}

// Snapshot is the exported engine state pushed to a recovering node.
type Snapshot struct {
	Sites    []*site.Site  `json:"sites"`
	AppSnap  []byte        `json:"app_snap"`
	LogStart synode.Synode `json:"log_start"`
	LogEnd   synode.Synode `json:"log_end"`
}

// HighestBootKey is the boot key of the newest configuration carried by
// the snapshot.
func (s *Snapshot) HighestBootKey() synode.Synode {
	if len(s.Sites) == 0 {
		return synode.Null
	}
	return s.Sites[0].BootKey
}

// NewMsg creates a message for a synod with sane defaults.
func NewMsg(sn synode.Synode, from synode.NodeNo) *Msg {
	return &Msg{
		From:    from,
		To:      synode.VoidNodeNo,
		GroupID: sn.GroupID,
		Op:      InitialOp,
		Synode:  sn,
	}
}

// Clone copies the message and its App slice. The byte and node slices
// inside the entries are shared: they are immutable once branded.
func (m *Msg) Clone() *Msg {
	c := *m
	if m.App != nil {
		c.App = append([]AppData(nil), m.App...)
	}
	return &c
}

// CloneNoApp copies the message without its payload.
func (m *Msg) CloneNoApp() *Msg {
	c := *m
	c.App = nil
	return &c
}

// Cargo returns the cargo type of the first payload, AppType if none.
func (m *Msg) Cargo() (CargoType, bool) {
	if len(m.App) == 0 {
		return AppType, false
	}
	return m.App[0].Cargo, true
}

// Prepare turns the message into a phase-1 request of the given flavor.
func (m *Msg) Prepare(op Op) {
	m.Op = op
	m.ReplyTo = m.Proposal
}

// BrandApp stamps every payload with the synod the message is bound to.
func (m *Msg) BrandApp() {
	for i := range m.App {
		m.App[i].AppKey.MsgNo = m.Synode.MsgNo
		m.App[i].AppKey.Node = m.Synode.Node
		m.App[i].AppKey.GroupID = m.Synode.GroupID
		m.App[i].GroupID = m.Synode.GroupID
	}
}

// SetUniqueID brands every payload with the proposing instance's id.
func (m *Msg) SetUniqueID(id synode.Synode) {
	for i := range m.App {
		m.App[i].UniqueID = id
	}
}

// InitPropose turns the message into a phase-2 request.
func (m *Msg) InitPropose() {
	m.Op = AcceptOp
	m.ReplyTo = m.Proposal
	m.BrandApp()
}

// SetLearnType marks the message as a learn carrying either a payload
// or a no-op.
func (m *Msg) SetLearnType() {
	m.Op = LearnOp
	if len(m.App) > 0 {
		m.MsgType = Normal
	} else {
		m.MsgType = NoOp
	}
}

// InitLearn turns the message into a learn broadcast.
func (m *Msg) InitLearn() {
	m.SetLearnType()
	m.ReplyTo = m.Proposal
	m.BrandApp()
}

// SkipValue turns the message into a learned no-op.
func (m *Msg) SkipValue() {
	m.Op = LearnOp
	m.MsgType = NoOp
}

// CreateNoop turns the message into a no-op phase-1 request.
func (m *Msg) CreateNoop() {
	m.Prepare(PrepareOp)
	m.MsgType = NoOp
}

// MatchMine reports whether a learned value is the one this caller
// proposed, by unique id.
func MatchMine(learned, mine *Msg) bool {
	switch {
	case len(learned.App) > 0 && len(mine.App) > 0:
		return synode.Eq(learned.App[0].UniqueID, mine.App[0].UniqueID)
	case len(learned.App) == 0 && len(mine.App) == 0:
		return true
	default:
		return false
	}
}

// Harmless reports messages that cannot change the outcome of a
// consensus round. A learn does change the value, but the sender is
// trusted to have derived it from a majority of acceptors.
func (m *Msg) Harmless() bool {
	if m.Synode.MsgNo == 0 {
		return true
	}
	switch m.Op {
	case IAmAliveOp, AreYouAliveOp, NeedBootOp, GcsSnapshotOp,
		LearnOp, RecoverLearnOp, TinyLearnOp, DieOp:
		return true
	}
	return false
}
