package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"shardledger/config"
)

func regularEntry(slot int, ballot config.Ballot, txnID string) config.LogEntry {
	return config.LogEntry{
		Ballot: ballot,
		Slot:   slot,
		Status: config.StatusRegular,
		TxnID:  txnID,
		Txn:    config.Transaction{ID: txnID, Sender: 1, Receiver: 2, Amount: 1},
	}
}

func TestMergeAcceptLogsHighestBallotWins(t *testing.T) {
	low := config.Ballot{Epoch: 1, NodeID: 1}
	high := config.Ballot{Epoch: 2, NodeID: 2}

	merged := mergeAcceptLogs(
		[]config.LogEntry{regularEntry(1, low, "stale")},
		[]config.LogEntry{regularEntry(1, high, "fresh")},
	)

	assert.Len(t, merged, 1)
	assert.Equal(t, "fresh", merged[0].TxnID)
	assert.Equal(t, high, merged[0].Ballot)

	// Order of inputs must not matter.
	merged = mergeAcceptLogs(
		[]config.LogEntry{regularEntry(1, high, "fresh")},
		[]config.LogEntry{regularEntry(1, low, "stale")},
	)
	assert.Equal(t, "fresh", merged[0].TxnID)
}

func TestMergeAcceptLogsFillsGapsWithNoOps(t *testing.T) {
	ballot := config.Ballot{Epoch: 1, NodeID: 1}

	merged := mergeAcceptLogs(
		[]config.LogEntry{regularEntry(2, ballot, "a")},
		[]config.LogEntry{regularEntry(5, ballot, "b")},
	)

	assert.Len(t, merged, 5)
	assert.Equal(t, config.StatusNoOp, merged[0].Status)
	assert.Equal(t, "a", merged[1].TxnID)
	assert.Equal(t, config.StatusNoOp, merged[2].Status)
	assert.Equal(t, config.StatusNoOp, merged[3].Status)
	assert.Equal(t, "b", merged[4].TxnID)
	for i, entry := range merged {
		assert.Equal(t, i+1, entry.Slot)
	}
}

func TestMergeAcceptLogsDisjointSlots(t *testing.T) {
	ballot := config.Ballot{Epoch: 3, NodeID: 2}

	merged := mergeAcceptLogs(
		[]config.LogEntry{regularEntry(1, ballot, "a"), regularEntry(3, ballot, "c")},
		[]config.LogEntry{regularEntry(2, ballot, "b")},
	)

	assert.Len(t, merged, 3)
	assert.Equal(t, "a", merged[0].TxnID)
	assert.Equal(t, "b", merged[1].TxnID)
	assert.Equal(t, "c", merged[2].TxnID)
}

func TestMergeAcceptLogsEmpty(t *testing.T) {
	assert.Nil(t, mergeAcceptLogs(nil, []config.LogEntry{}))
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, config.OutcomeCommitted, outcomeFor(true, ""))
	assert.Equal(t, config.OutcomeSkipped, outcomeFor(false, "QuorumLost"))

	for _, msg := range []string{"Locked", "LeaderUnknown", "NotLeader", "Majority Not Accepted", "NodeNotLive", "KeyDraining", "WrongShard", "Gap Found"} {
		assert.Equal(t, config.OutcomePending, outcomeFor(false, msg), msg)
	}

	assert.Equal(t, config.OutcomeAborted, outcomeFor(false, "InsufficientFunds"))
	assert.Equal(t, config.OutcomeAborted, outcomeFor(false, "ParticipantAborted"))
}
