package config

// Ballot orders leadership epochs. NodeID breaks ties so two candidates can
// never hold the same ballot.
type Ballot struct {
	Epoch  int
	NodeID int
}

func (b Ballot) Less(o Ballot) bool {
	if b.Epoch != o.Epoch {
		return b.Epoch < o.Epoch
	}
	return b.NodeID < o.NodeID
}

func (b Ballot) AtLeast(o Ballot) bool {
	return !b.Less(o)
}

func (b Ballot) IsZero() bool {
	return b.Epoch == 0 && b.NodeID == 0
}

type Consistency string

const (
	Linearizable Consistency = "linearizable"
	Eventual     Consistency = "eventual"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCommitted Outcome = "committed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeSkipped   Outcome = "skipped"
)

type TwoPCPhase string

const (
	PhaseNone    TwoPCPhase = ""
	PhasePrepare TwoPCPhase = "P"
	PhaseCommit  TwoPCPhase = "C"
	PhaseAbort   TwoPCPhase = "A"
)

type TwoPCRole string

const (
	RoleNone        TwoPCRole = ""
	RoleCoordinator TwoPCRole = "coordinator"
	RoleParticipant TwoPCRole = "participant"
)

// Log entry statuses.
const (
	StatusRegular        = "regular"
	StatusNoOp           = "no-op"
	Status2PCCoordinator = "2pc-coordinator"
	Status2PCParticipant = "2pc-participant"
	Status2PCTermination = "2pc-termination"
	StatusReshardInstall = "reshard-install"
	StatusReshardRemove  = "reshard-remove"
)

// Transaction is the client-facing command. ID is assigned by the client and
// is the deduplication key across retries.
type Transaction struct {
	ID          string
	Sender      int
	Receiver    int
	Amount      int
	ReadOnly    bool
	Consistency Consistency
}

// LogEntry is one slot of a shard's replicated log.
type LogEntry struct {
	Ballot           Ballot
	Slot             int
	Txn              Transaction
	Status           string
	Phase            TwoPCPhase
	Role             TwoPCRole
	TxnID            string
	CrossShard       bool
	CoordinatorShard int
	ParticipantShard int
}

// Proposal is an Accept in flight: a log entry plus the acceptance counter
// the leader accumulates.
type Proposal struct {
	Ballot           Ballot
	Slot             int
	Txn              Transaction
	Acceptance       int
	Status           string
	Phase            TwoPCPhase
	Role             TwoPCRole
	TxnID            string
	CrossShard       bool
	CoordinatorShard int
	ParticipantShard int
}

func (p Proposal) Entry() LogEntry {
	return LogEntry{
		Ballot:           p.Ballot,
		Slot:             p.Slot,
		Txn:              p.Txn,
		Status:           p.Status,
		Phase:            p.Phase,
		Role:             p.Role,
		TxnID:            p.TxnID,
		CrossShard:       p.CrossShard,
		CoordinatorShard: p.CoordinatorShard,
		ParticipantShard: p.ParticipantShard,
	}
}

func (e LogEntry) Proposal() Proposal {
	return Proposal{
		Ballot:           e.Ballot,
		Slot:             e.Slot,
		Txn:              e.Txn,
		Acceptance:       1,
		Status:           e.Status,
		Phase:            e.Phase,
		Role:             e.Role,
		TxnID:            e.TxnID,
		CrossShard:       e.CrossShard,
		CoordinatorShard: e.CoordinatorShard,
		ParticipantShard: e.ParticipantShard,
	}
}

// Promise answers a Prepare. A vote of 1 carries the full accept-log
// snapshot for NEW-VIEW reconciliation.
type Promise struct {
	Vote      int
	AcceptLog []LogEntry
}

type NewViewInput struct {
	Ballot    Ballot
	AcceptLog []LogEntry
}

// Reply is the client-visible outcome of a transaction. Written carries
// post-commit balances so the client can serve read-your-writes queries.
type Reply struct {
	Ballot  Ballot
	TxnID   string
	Outcome Outcome
	Msg     string
	Balance int
	Written map[int]int
}

// TxnReply is the internal execution result for a single slot.
type TxnReply struct {
	Res     bool
	Msg     string
	Written map[int]int
}

type ProbeRequest struct {
	From int
}

type ProbeReply struct {
	NodeID    int
	Live      bool
	Recovered bool
}

type RecoverRequest struct {
	FromSlot int
}

type RecoverResponse struct {
	LastExecuted int
	Entries      []LogEntry
}

type StateSnapshot struct {
	LastExecuted int
	AcceptLog    []LogEntry
}

type BalanceUpdate struct {
	Key     int
	Balance int
}

type DrainRequest struct {
	Key int
}

type DrainResponse struct {
	Drained bool
	Balance int
	Reason  string
}

type InstallKeyRequest struct {
	Key     int
	Balance int
}

// ShardMapUpdate installs a new routing version on a node. Overrides map
// keys to shards that differ from the default contiguous ranges.
type ShardMapUpdate struct {
	Version   int
	Overrides map[int]int
}
