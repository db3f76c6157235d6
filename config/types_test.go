package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBallotOrdering(t *testing.T) {
	assert.True(t, Ballot{Epoch: 1, NodeID: 2}.Less(Ballot{Epoch: 2, NodeID: 1}))
	assert.True(t, Ballot{Epoch: 2, NodeID: 1}.Less(Ballot{Epoch: 2, NodeID: 3}))
	assert.False(t, Ballot{Epoch: 2, NodeID: 3}.Less(Ballot{Epoch: 2, NodeID: 3}))

	assert.True(t, Ballot{Epoch: 2, NodeID: 3}.AtLeast(Ballot{Epoch: 2, NodeID: 3}))
	assert.True(t, Ballot{Epoch: 3, NodeID: 1}.AtLeast(Ballot{Epoch: 2, NodeID: 9}))
	assert.False(t, Ballot{Epoch: 1, NodeID: 9}.AtLeast(Ballot{Epoch: 2, NodeID: 1}))

	assert.True(t, Ballot{}.IsZero())
	assert.False(t, Ballot{Epoch: 1}.IsZero())
}

func TestProposalEntryRoundTrip(t *testing.T) {
	entry := LogEntry{
		Ballot:           Ballot{Epoch: 4, NodeID: 2},
		Slot:             17,
		Txn:              Transaction{ID: "t-1", Sender: 3, Receiver: 3005, Amount: 2},
		Status:           Status2PCCoordinator,
		Phase:            PhasePrepare,
		Role:             RoleCoordinator,
		TxnID:            "t-1",
		CrossShard:       true,
		CoordinatorShard: 1,
		ParticipantShard: 2,
	}

	p := entry.Proposal()
	assert.Equal(t, 1, p.Acceptance)
	assert.Equal(t, entry, p.Entry())
}

func TestTopologyHelpers(t *testing.T) {
	assert.Equal(t, 9, TotalNodes())
	assert.Equal(t, 2, Quorum())

	assert.Equal(t, 1, ShardOfNode(1))
	assert.Equal(t, 1, ShardOfNode(3))
	assert.Equal(t, 2, ShardOfNode(4))
	assert.Equal(t, 3, ShardOfNode(9))

	assert.Equal(t, []int{4, 5, 6}, NodesOfShard(2))
	assert.Equal(t, 4, LeaderHint(2))

	start, end := ShardKeyRange(2)
	assert.Equal(t, 3001, start)
	assert.Equal(t, 6000, end)

	assert.Equal(t, 1, DefaultShardForKey(1))
	assert.Equal(t, 1, DefaultShardForKey(3000))
	assert.Equal(t, 2, DefaultShardForKey(3001))
	assert.Equal(t, 3, DefaultShardForKey(9000))
	assert.Equal(t, 0, DefaultShardForKey(0))
	assert.Equal(t, 0, DefaultShardForKey(9001))
}

func TestNodePorts(t *testing.T) {
	assert.Equal(t, 8001, NodePort(1))
	assert.Equal(t, 8009, NodePort(9))
	assert.Equal(t, 0, NodePort(0))
	assert.Equal(t, 9001, InspectPort(1))
}
