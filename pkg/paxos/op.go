package paxos

// Op is the wire operation of a PaxMsg. Tags are stable: they appear on
// the wire and must never be renumbered.
type Op uint8

const (
	ClientMsg Op = iota
	InitialOp
	PrepareOp
	AckPrepareOp
	AckPrepareEmptyOp
	AcceptOp
	AckAcceptOp
	MultiAckAcceptOp
	LearnOp
	TinyLearnOp
	RecoverLearnOp
	SkipOp
	ReadOp
	IAmAliveOp
	AreYouAliveOp
	NeedBootOp
	GcsSnapshotOp
	DieOp
	ClientReply

	lastOp = ClientReply
)

func (o Op) String() string {
	switch o {
	case ClientMsg:
		return "client_msg"
	case InitialOp:
		return "initial_op"
	case PrepareOp:
		return "prepare_op"
	case AckPrepareOp:
		return "ack_prepare_op"
	case AckPrepareEmptyOp:
		return "ack_prepare_empty_op"
	case AcceptOp:
		return "accept_op"
	case AckAcceptOp:
		return "ack_accept_op"
	case MultiAckAcceptOp:
		return "multi_ack_accept_op"
	case LearnOp:
		return "learn_op"
	case TinyLearnOp:
		return "tiny_learn_op"
	case RecoverLearnOp:
		return "recover_learn_op"
	case SkipOp:
		return "skip_op"
	case ReadOp:
		return "read_op"
	case IAmAliveOp:
		return "i_am_alive_op"
	case AreYouAliveOp:
		return "are_you_alive_op"
	case NeedBootOp:
		return "need_boot_op"
	case GcsSnapshotOp:
		return "gcs_snapshot_op"
	case DieOp:
		return "die_op"
	case ClientReply:
		return "xcom_client_reply"
	}
	return "invalid_op"
}

// Valid rejects operations outside the known range; unknown ops from
// the wire are dropped.
func (o Op) Valid() bool {
	return o <= lastOp
}

// MsgType says whether a proposal carries a payload.
type MsgType uint8

const (
	Normal MsgType = iota
	NoOp
)

func (t MsgType) String() string {
	if t == NoOp {
		return "no_op"
	}
	return "normal"
}

// CargoType is the intent of an application payload.
type CargoType uint8

const (
	AppType CargoType = iota
	UnifiedBootType
	AddNodeType
	RemoveNodeType
	ForceConfigType
	SetEventHorizonType
	GetEventHorizonType
	GetSynodeAppDataType
	SetCacheLimitType
	SetNotifyTrulyRemoveType
	XcomBootType
	ViewMsg
	ConvertIntoLocalServerType
	TerminateAndExitType
	ExitType
	ResetType
	RemoveResetType
	EnableArbitratorType
	DisableArbitratorType
)

// IsConfig reports whether a cargo installs a new configuration.
// Config cargo is never batched with anything else.
func (c CargoType) IsConfig() bool {
	switch c {
	case UnifiedBootType, AddNodeType, RemoveNodeType,
		SetEventHorizonType, ForceConfigType:
		return true
	}
	return false
}

// IsView reports view messages, which also travel alone.
func (c CargoType) IsView() bool {
	return c == ViewMsg
}

// Consensus selects the majority rule for a proposal.
type Consensus uint8

const (
	ConsMajority Consensus = iota
	ConsAll
)

// ReplyCode is the outcome reported to a client.
type ReplyCode uint8

const (
	RequestOK ReplyCode = iota
	RequestFail
	RequestRetry
)

func (r ReplyCode) String() string {
	switch r {
	case RequestOK:
		return "REQUEST_OK"
	case RequestFail:
		return "REQUEST_FAIL"
	case RequestRetry:
		return "REQUEST_RETRY"
	}
	return "REQUEST_UNKNOWN"
}
