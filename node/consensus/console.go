package consensus

import (
	"fmt"

	"shardledger/config"
)

// Console commands for the node process; output goes to stdout, not the log.

func (n *NodeService) PrintDB() {
	fmt.Printf("[Node %d] modified balances: %s\n", n.id, n.store.DumpModified())
}

func (n *NodeService) PrintView() {
	degraded := n.quorumLost()
	n.mu.RLock()
	defer n.mu.RUnlock()
	fmt.Printf("[Node %d] ballot=(%d,%d) lastExecuted=%d slotCounter=%d logEntries=%d degraded=%t\n",
		n.id, n.ballot.Epoch, n.ballot.NodeID, n.lastExecuted, n.slotCounter, len(n.acceptLog), degraded)
}

func (n *NodeService) PrintLog() {
	n.mu.RLock()
	entries := make([]config.LogEntry, len(n.acceptLog))
	copy(entries, n.acceptLog)
	n.mu.RUnlock()
	for _, entry := range entries {
		fmt.Printf("slot=%d ballot=(%d,%d) status=%s phase=%s role=%s txn=%d->%d amt=%d txnID=%s\n",
			entry.Slot, entry.Ballot.Epoch, entry.Ballot.NodeID, entry.Status,
			entry.Phase, entry.Role, entry.Txn.Sender, entry.Txn.Receiver, entry.Txn.Amount, entry.TxnID)
	}
	if len(entries) == 0 {
		fmt.Printf("[Node %d] accept log empty\n", n.id)
	}
}

// PrintBalance shows a key's balance on every node of its shard, routed by
// the current map.
func (n *NodeService) PrintBalance(key int) {
	shardID := n.shardMap.ShardForKey(key)
	if shardID == 0 {
		fmt.Printf("key %d outside every shard range\n", key)
		return
	}
	for _, nodeID := range config.NodesOfShard(shardID) {
		var balance int
		var err error
		if nodeID == n.id {
			balance, err = n.store.Balance(key)
		} else {
			err = n.callPeerRPC(nodeID, "Node.GetBalance", key, &balance)
		}
		if err != nil {
			fmt.Printf("n%d: <unavailable: %v>\n", nodeID, err)
			continue
		}
		fmt.Printf("n%d: %d\n", nodeID, balance)
	}
}

func (n *NodeService) PrintStatus(slot int) {
	fmt.Printf("[Node %d] slot %d: %s\n", n.id, slot, n.GetTransactionStatus(slot))
}
