package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"shardledger/config"
)

func bareService() *NodeService {
	return &NodeService{
		locks:     make(map[int]string),
		txnStatus: make(map[int]string),
		draining:  make(map[int]bool),
	}
}

func TestAcquireLocks(t *testing.T) {
	n := bareService()
	first := config.Transaction{ID: "t-1", Sender: 1, Receiver: 2}
	second := config.Transaction{ID: "t-2", Sender: 2, Receiver: 3}

	assert.True(t, n.acquireLocks(first))
	assert.False(t, n.acquireLocks(second))

	// Reacquiring under the same txn id succeeds; retries must not
	// deadlock against themselves.
	assert.True(t, n.acquireLocks(first))

	n.releaseLocks(first)
	assert.True(t, n.acquireLocks(second))
}

func TestHasLockConflict(t *testing.T) {
	n := bareService()
	writer := config.Transaction{ID: "t-1", Sender: 1, Receiver: 2}
	assert.True(t, n.acquireLocks(writer))

	read := config.Transaction{ID: "t-2", Sender: 2, Receiver: 2}
	assert.True(t, n.hasLockConflict(read))

	sameOwner := config.Transaction{ID: "t-1", Sender: 2, Receiver: 2}
	assert.False(t, n.hasLockConflict(sameOwner))

	untouched := config.Transaction{ID: "t-3", Sender: 5, Receiver: 5}
	assert.False(t, n.hasLockConflict(untouched))
}

func TestTxnStatusOnlyMovesForward(t *testing.T) {
	n := bareService()

	assert.Equal(t, "Unknown", n.GetTransactionStatus(1))

	n.ensureTxnStatus(1, "Accepted")
	assert.Equal(t, "Accepted", n.GetTransactionStatus(1))

	n.ensureTxnStatus(1, "Executed")
	n.ensureTxnStatus(1, "Committed")
	assert.Equal(t, "Executed", n.GetTransactionStatus(1))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient("Locked"))
	assert.True(t, isTransient("NotLeader"))
	assert.True(t, isTransient("Gap Found"))
	assert.False(t, isTransient("InsufficientFunds"))
	assert.False(t, isTransient("QuorumLost"))
	assert.False(t, isTransient(""))
}

func TestPhaseLabel(t *testing.T) {
	assert.Equal(t, "PREPARE", phaseLabel(config.PhasePrepare))
	assert.Equal(t, "COMMIT", phaseLabel(config.PhaseCommit))
	assert.Equal(t, "ABORT", phaseLabel(config.PhaseAbort))
	assert.Equal(t, "UNKNOWN", phaseLabel(config.PhaseNone))
}
