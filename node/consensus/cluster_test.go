package consensus

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardledger/config"
	"shardledger/node/store"
)

// startCluster brings up every node of the given shards in-process, on their
// real RPC ports, and flushes them so node LeaderHint(shard) starts as leader
// with ballot {1, hint} everywhere.
func startCluster(t *testing.T, shards ...int) map[int]*NodeService {
	t.Helper()
	dir := t.TempDir()
	services := make(map[int]*NodeService)
	for _, shardID := range shards {
		start, end := config.ShardKeyRange(shardID)
		for _, nodeID := range config.NodesOfShard(shardID) {
			st, err := store.Open(filepath.Join(dir, fmt.Sprintf("node_n%d.db", nodeID)))
			require.NoError(t, err)
			require.NoError(t, st.Seed(start, end, config.SeedBalance()))
			ls, err := store.OpenLogStore(filepath.Join(dir, fmt.Sprintf("node_n%d.log.db", nodeID)))
			require.NoError(t, err)
			shardMap, err := config.NewShardMap("")
			require.NoError(t, err)

			svc := NewNodeService(nodeID, st, ls, shardMap)
			require.NoError(t, svc.StartRPCServer())
			t.Cleanup(func() { svc.Close() })
			services[nodeID] = svc
		}
	}
	for _, svc := range services {
		var ack bool
		require.NoError(t, svc.FlushState(true, &ack))
	}
	return services
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func balanceOf(t *testing.T, svc *NodeService, key int) int {
	t.Helper()
	var balance int
	require.NoError(t, svc.GetBalance(key, &balance))
	return balance
}

func TestShardCommitsTransfer(t *testing.T) {
	services := startCluster(t, 1)
	leader := services[config.LeaderHint(1)]

	txn := config.Transaction{ID: "txn-intra-1", Sender: 1, Receiver: 2, Amount: 3}
	var reply config.Reply
	require.NoError(t, leader.ClientRequest(txn, &reply))
	assert.Equal(t, config.OutcomeCommitted, reply.Outcome)
	assert.Equal(t, 7, reply.Written[1])
	assert.Equal(t, 13, reply.Written[2])
	assert.Equal(t, leader.id, reply.Ballot.NodeID)

	// Followers apply the commit.
	for _, nodeID := range config.NodesOfShard(1) {
		svc := services[nodeID]
		waitFor(t, 5*time.Second, fmt.Sprintf("n%d to apply slot", nodeID), func() bool {
			return balanceOf(t, svc, 1) == 7 && balanceOf(t, svc, 2) == 13
		})
	}

	// A retried id answers from the dedup table without re-applying.
	var retry config.Reply
	require.NoError(t, leader.ClientRequest(txn, &retry))
	assert.Equal(t, config.OutcomeCommitted, retry.Outcome)
	assert.Equal(t, 7, balanceOf(t, leader, 1))

	// Reads at both consistency levels see the committed value.
	var read config.Reply
	require.NoError(t, leader.ClientRequest(config.Transaction{ID: "read-1", Sender: 2, ReadOnly: true, Consistency: config.Linearizable}, &read))
	assert.Equal(t, config.OutcomeCommitted, read.Outcome)
	assert.Equal(t, 13, read.Balance)
	require.NoError(t, services[config.LeaderHint(1)+1].ClientRequest(config.Transaction{ID: "read-2", Sender: 2, ReadOnly: true, Consistency: config.Eventual}, &read))
	assert.Equal(t, config.OutcomeCommitted, read.Outcome)
	assert.Equal(t, 13, read.Balance)
}

func TestInsufficientFundsAborts(t *testing.T) {
	services := startCluster(t, 1)
	leader := services[config.LeaderHint(1)]

	var reply config.Reply
	require.NoError(t, leader.ClientRequest(config.Transaction{ID: "txn-over", Sender: 1, Receiver: 2, Amount: 50}, &reply))
	assert.Equal(t, config.OutcomeAborted, reply.Outcome)
	assert.Equal(t, "InsufficientFunds", reply.Msg)
	assert.Equal(t, 10, balanceOf(t, leader, 1))
	assert.Equal(t, 10, balanceOf(t, leader, 2))
}

func TestDegradedShardSkipsWrites(t *testing.T) {
	services := startCluster(t, 1)
	nodes := config.NodesOfShard(1)
	leader := services[nodes[0]]

	var ack bool
	require.NoError(t, services[nodes[1]].FailNode(false, &ack))
	require.NoError(t, services[nodes[2]].FailNode(false, &ack))
	waitFor(t, 5*time.Second, "leader to observe quorum loss", leader.quorumLost)

	epochBefore := leader.currentBallot().Epoch
	var reply config.Reply
	require.NoError(t, leader.ClientRequest(config.Transaction{ID: "txn-degraded", Sender: 1, Receiver: 2, Amount: 1}, &reply))
	assert.Equal(t, config.OutcomeSkipped, reply.Outcome)
	assert.Equal(t, "QuorumLost", reply.Msg)

	// Elections stay suppressed while the shard is degraded.
	time.Sleep(time.Second)
	assert.Equal(t, epochBefore, leader.currentBallot().Epoch)
	assert.Equal(t, 10, balanceOf(t, leader, 1))

	require.NoError(t, services[nodes[1]].FailNode(true, &ack))
	require.NoError(t, services[nodes[2]].FailNode(true, &ack))
	waitFor(t, 5*time.Second, "quorum to be restored", func() bool { return !leader.quorumLost() })

	require.NoError(t, leader.ClientRequest(config.Transaction{ID: "txn-restored", Sender: 1, Receiver: 2, Amount: 1}, &reply))
	assert.Equal(t, config.OutcomeCommitted, reply.Outcome)
	assert.Equal(t, 9, balanceOf(t, leader, 1))
}

func TestLeaderFailoverReconcilesLog(t *testing.T) {
	services := startCluster(t, 1)
	nodes := config.NodesOfShard(1)
	oldLeader := services[nodes[0]]
	next := services[nodes[1]]

	var reply config.Reply
	require.NoError(t, oldLeader.ClientRequest(config.Transaction{ID: "txn-before", Sender: 1, Receiver: 2, Amount: 3}, &reply))
	require.Equal(t, config.OutcomeCommitted, reply.Outcome)
	waitFor(t, 5*time.Second, "follower to apply pre-failure slot", func() bool {
		return balanceOf(t, next, 2) == 13
	})

	var ack bool
	require.NoError(t, oldLeader.FailNode(false, &ack))

	// Retry against a follower until the election settles and it commits.
	txn := config.Transaction{ID: "txn-after", Sender: 2, Receiver: 3, Amount: 5}
	waitFor(t, 15*time.Second, "new leader to commit", func() bool {
		var r config.Reply
		if err := next.ClientRequest(txn, &r); err != nil {
			return false
		}
		return r.Outcome == config.OutcomeCommitted
	})

	ballot := next.currentBallot()
	assert.Equal(t, next.id, ballot.NodeID)
	assert.GreaterOrEqual(t, ballot.Epoch, 2)

	// Both the pre-failure and post-failure transfers survive the view change.
	assert.Equal(t, 7, balanceOf(t, next, 1))
	assert.Equal(t, 8, balanceOf(t, next, 2))
	assert.Equal(t, 15, balanceOf(t, next, 3))
}

func TestCrossShardTransfer(t *testing.T) {
	services := startCluster(t, 1, 2)
	coordinator := services[config.LeaderHint(1)]
	participant := services[config.LeaderHint(2)]
	start2, _ := config.ShardKeyRange(2)

	var reply config.Reply
	require.NoError(t, coordinator.ClientRequest(config.Transaction{ID: "txn-cross", Sender: 1, Receiver: start2, Amount: 4}, &reply))
	assert.Equal(t, config.OutcomeCommitted, reply.Outcome)
	assert.Equal(t, 6, reply.Written[1])

	assert.Equal(t, 6, balanceOf(t, coordinator, 1))
	waitFor(t, 5*time.Second, "participant to apply credit", func() bool {
		return balanceOf(t, participant, start2) == 14
	})
}

func TestReshardMovesKey(t *testing.T) {
	services := startCluster(t, 1, 2)
	source := services[config.LeaderHint(1)]
	target := services[config.LeaderHint(2)]

	var drain config.DrainResponse
	require.NoError(t, source.DrainKey(config.DrainRequest{Key: 1}, &drain))
	require.True(t, drain.Drained, drain.Reason)
	assert.Equal(t, 10, drain.Balance)

	// The fence refuses new writes on the key while it moves.
	var reply config.Reply
	require.NoError(t, source.ClientRequest(config.Transaction{ID: "txn-during-drain", Sender: 1, Receiver: 2, Amount: 1}, &reply))
	assert.Equal(t, config.OutcomePending, reply.Outcome)
	assert.Equal(t, "KeyDraining", reply.Msg)

	var ack bool
	require.NoError(t, target.InstallKey(config.InstallKeyRequest{Key: 1, Balance: drain.Balance}, &ack))
	require.True(t, ack)

	update := config.ShardMapUpdate{Version: 1, Overrides: map[int]int{1: 2}}
	for _, svc := range services {
		require.NoError(t, svc.InstallShardMap(update, &ack))
		require.True(t, ack)
	}

	require.NoError(t, source.RemoveKey(1, &ack))
	require.True(t, ack)

	// The source copy is gone and the fence is lifted with it.
	var balance int
	assert.Error(t, source.GetBalance(1, &balance))
	assert.False(t, source.isKeyDraining(1))

	require.NoError(t, target.GetBalance(1, &balance))
	assert.Equal(t, 10, balance)

	// The key now routes to its new shard: the old home refuses, the new
	// home serves.
	require.NoError(t, source.ClientRequest(config.Transaction{ID: "txn-after-move", Sender: 1, Receiver: 2, Amount: 1}, &reply))
	assert.Equal(t, "WrongShard", reply.Msg)
	require.NoError(t, target.ClientRequest(config.Transaction{ID: "read-moved", Sender: 1, ReadOnly: true, Consistency: config.Linearizable}, &reply))
	assert.Equal(t, config.OutcomeCommitted, reply.Outcome)
	assert.Equal(t, 10, reply.Balance)
}

func TestCrossShardAbortLeavesBothSidesUntouched(t *testing.T) {
	services := startCluster(t, 1, 2)
	coordinator := services[config.LeaderHint(1)]
	participant := services[config.LeaderHint(2)]
	start2, _ := config.ShardKeyRange(2)

	var reply config.Reply
	require.NoError(t, coordinator.ClientRequest(config.Transaction{ID: "txn-cross-over", Sender: 1, Receiver: start2, Amount: 50}, &reply))
	assert.Equal(t, config.OutcomeAborted, reply.Outcome)

	assert.Equal(t, 10, balanceOf(t, coordinator, 1))
	waitFor(t, 5*time.Second, "participant credit to be undone", func() bool {
		return balanceOf(t, participant, start2) == 10
	})
}
