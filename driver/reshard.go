package main

import (
	"fmt"
	"sort"
	"time"

	"shardledger/client"
	"shardledger/config"
)

const reshardBigPenalty = 1000

// KeyMove relocates one key between shards.
type KeyMove struct {
	Key  int
	From int
	To   int
}

type keyStats struct {
	key       int
	degree    int
	neighbors map[int]int
}

// buildReshardAssignments places the keys touched by the last workload so
// that frequently co-accessed keys land on the same shard. Greedy: keys are
// placed in descending access order, each onto the shard scoring best by
// neighbor affinity, with a capacity cap and a mild bonus for staying on the
// key's default shard.
func buildReshardAssignments(txns []config.Transaction) map[int]int {
	stats := make(map[int]*keyStats)
	touch := func(key int) *keyStats {
		st, ok := stats[key]
		if !ok {
			st = &keyStats{key: key, neighbors: make(map[int]int)}
			stats[key] = st
		}
		return st
	}
	for _, txn := range txns {
		if txn.ReadOnly {
			touch(txn.Sender).degree++
			continue
		}
		s := touch(txn.Sender)
		r := touch(txn.Receiver)
		s.degree++
		r.degree++
		if txn.Sender != txn.Receiver {
			s.neighbors[txn.Receiver]++
			r.neighbors[txn.Sender]++
		}
	}
	if len(stats) == 0 {
		return nil
	}

	ordered := make([]*keyStats, 0, len(stats))
	for _, st := range stats {
		ordered = append(ordered, st)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].degree != ordered[j].degree {
			return ordered[i].degree > ordered[j].degree
		}
		return ordered[i].key < ordered[j].key
	})

	shardCount := config.ShardCount()
	capacity := len(ordered)/shardCount + 1
	load := make([]int, shardCount+1)
	assignment := make(map[int]int, len(ordered))

	for _, st := range ordered {
		bestShard := config.DefaultShardForKey(st.key)
		bestScore := -1 << 30
		for shard := 1; shard <= shardCount; shard++ {
			score := 0
			for neighbor, weight := range st.neighbors {
				if assignment[neighbor] == shard {
					score += weight
				}
			}
			if shard == config.DefaultShardForKey(st.key) {
				score++
			}
			if load[shard] >= capacity {
				score -= reshardBigPenalty
			}
			if score > bestScore {
				bestScore = score
				bestShard = shard
			}
		}
		assignment[st.key] = bestShard
		load[bestShard]++
	}
	return assignment
}

// executeReshard drains each moving key from its current shard, installs it
// on the target shard, publishes the bumped shard map to every node, and
// finally removes the drained copies.
func executeReshard(cl *client.Client, txns []config.Transaction) ([]KeyMove, error) {
	assignment := buildReshardAssignments(txns)
	shardMap := cl.ShardMap()

	var moves []KeyMove
	for key, target := range assignment {
		current := shardMap.ShardForKey(key)
		if current == 0 || current == target {
			continue
		}
		moves = append(moves, KeyMove{Key: key, From: current, To: target})
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].Key < moves[j].Key })
	if len(moves) == 0 {
		return nil, nil
	}

	drained := make([]KeyMove, 0, len(moves))
	rollback := func() {
		for _, move := range drained {
			var ack bool
			_ = callShardLeader(move.From, "Node.CancelDrain", move.Key, &ack)
		}
	}

	balances := make(map[int]int, len(moves))
	for _, move := range moves {
		var resp config.DrainResponse
		err := callShardLeader(move.From, "Node.DrainKey", config.DrainRequest{Key: move.Key}, &resp)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("drain key %d from shard %d: %w", move.Key, move.From, err)
		}
		if !resp.Drained {
			rollback()
			return nil, fmt.Errorf("drain key %d from shard %d: %s", move.Key, move.From, resp.Reason)
		}
		drained = append(drained, move)
		balances[move.Key] = resp.Balance
	}

	for _, move := range moves {
		var ack bool
		err := callShardLeader(move.To, "Node.InstallKey", config.InstallKeyRequest{Key: move.Key, Balance: balances[move.Key]}, &ack)
		if err != nil || !ack {
			rollback()
			if err == nil {
				err = fmt.Errorf("not acknowledged")
			}
			return nil, fmt.Errorf("install key %d on shard %d: %w", move.Key, move.To, err)
		}
	}

	snapshot := shardMap.Snapshot()
	overrides := make(map[int]int, len(snapshot.Overrides)+len(moves))
	for key, shard := range snapshot.Overrides {
		overrides[key] = shard
	}
	for _, move := range moves {
		if move.To == config.DefaultShardForKey(move.Key) {
			delete(overrides, move.Key)
		} else {
			overrides[move.Key] = move.To
		}
	}
	update := config.ShardMapUpdate{Version: snapshot.Version + 1, Overrides: overrides}
	for _, id := range allNodeIDs() {
		var ack bool
		if err := callNodeRPC(id, "Node.InstallShardMap", update, &ack); err != nil {
			fmt.Printf("Failed to install shard map on n%d: %v\n", id, err)
		}
	}
	if err := cl.InstallShardMap(update); err != nil {
		return nil, fmt.Errorf("install client shard map: %w", err)
	}

	for _, move := range moves {
		var ack bool
		if err := callShardLeader(move.From, "Node.RemoveKey", move.Key, &ack); err != nil {
			fmt.Printf("Failed to remove key %d from shard %d: %v\n", move.Key, move.From, err)
		}
	}
	return moves, nil
}

// callShardLeader walks the shard's nodes until one accepts the call as
// leader. Retried a couple of rounds to ride out an election in flight.
func callShardLeader(shardID int, method string, req interface{}, resp interface{}) error {
	nodes := config.NodesOfShard(shardID)
	var lastErr error
	for round := 0; round < 3; round++ {
		for _, nodeID := range nodes {
			err := callNodeRPC(nodeID, method, req, resp)
			if err == nil {
				if dr, ok := resp.(*config.DrainResponse); ok && !dr.Drained && isLeadershipReason(dr.Reason) {
					lastErr = fmt.Errorf("n%d: %s", nodeID, dr.Reason)
					continue
				}
				if ack, ok := resp.(*bool); ok && !*ack {
					lastErr = fmt.Errorf("n%d rejected %s", nodeID, method)
					continue
				}
				return nil
			}
			lastErr = err
		}
		time.Sleep(300 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no node in shard %d accepted %s", shardID, method)
	}
	return lastErr
}

func isLeadershipReason(reason string) bool {
	switch reason {
	case "NotLeader", "LeaderUnknown", "NodeNotLive":
		return true
	}
	return false
}
