package consensus

import (
	"shardledger/config"
)

// The reshard protocol moves one key at a time while client traffic is
// paused for that key: DrainKey fences it on the source shard, InstallKey
// replicates it into the destination shard's log, InstallShardMap flips the
// routing version everywhere, and RemoveKey finally deletes the source
// copy. Each step is idempotent so the driver can rerun a failed pass.

// DrainKey fences a key on the source shard leader and reports its settled
// balance. Writes touching a draining key are refused until the key is
// removed or the drain is cancelled.
func (n *NodeService) DrainKey(req config.DrainRequest, resp *config.DrainResponse) error {
	if !n.live() {
		resp.Reason = "NodeNotLive"
		return nil
	}
	if !n.isLeader() {
		resp.Reason = "NotLeader"
		return nil
	}
	if n.quorumLost() {
		resp.Reason = "QuorumLost"
		return nil
	}
	n.mu.RLock()
	_, locked := n.locks[req.Key]
	n.mu.RUnlock()
	if locked {
		resp.Reason = "Locked"
		return nil
	}

	n.drainMu.Lock()
	n.draining[req.Key] = true
	n.drainMu.Unlock()

	// Settled balance: queue behind the executor so every committed write
	// to the key is reflected.
	n.executionMu.Lock()
	balance, err := n.store.Balance(req.Key)
	n.executionMu.Unlock()
	if err != nil {
		n.drainMu.Lock()
		delete(n.draining, req.Key)
		n.drainMu.Unlock()
		resp.Reason = "ReadFailed"
		return nil
	}
	resp.Drained = true
	resp.Balance = balance
	n.logger.Info("key drained", "node", n.id, "key", req.Key, "balance", balance)
	return nil
}

// CancelDrain lifts the fence without moving the key, for a reshard pass
// that failed partway.
func (n *NodeService) CancelDrain(key int, ack *bool) error {
	n.drainMu.Lock()
	delete(n.draining, key)
	n.drainMu.Unlock()
	n.logger.Info("drain cancelled", "node", n.id, "key", key)
	*ack = true
	return nil
}

// InstallKey replicates an incoming key into this shard through its own
// log, so every replica seeds the same balance at the same slot.
func (n *NodeService) InstallKey(req config.InstallKeyRequest, ack *bool) error {
	*ack = false
	if !n.live() {
		return nil
	}
	if !n.isLeader() || n.quorumLost() {
		return nil
	}
	proposal := config.Proposal{
		Txn:    config.Transaction{Receiver: req.Key, Amount: req.Balance},
		Status: config.StatusReshardInstall,
	}
	res := n.broadcastAccept(&proposal)
	if res != nil && res.Res {
		*ack = true
		n.logger.Info("key installed", "node", n.id, "key", req.Key, "balance", req.Balance, "slot", proposal.Slot)
	}
	return nil
}

// RemoveKey deletes a moved key from the source shard through its log and
// lifts the drain fence.
func (n *NodeService) RemoveKey(key int, ack *bool) error {
	*ack = false
	if !n.live() {
		return nil
	}
	if !n.isLeader() || n.quorumLost() {
		return nil
	}
	proposal := config.Proposal{
		Txn:    config.Transaction{Sender: key},
		Status: config.StatusReshardRemove,
	}
	res := n.broadcastAccept(&proposal)
	if res != nil && res.Res {
		*ack = true
		n.logger.Info("key removed", "node", n.id, "key", key, "slot", proposal.Slot)
	}
	return nil
}

// InstallShardMap adopts a new routing version. Stale versions are refused;
// a node never routes with a map older than one it has seen.
func (n *NodeService) InstallShardMap(update config.ShardMapUpdate, ack *bool) error {
	if err := n.shardMap.Install(update.Version, update.Overrides); err != nil {
		n.logger.Warn("shard map install refused", "node", n.id, "version", update.Version, "err", err)
		*ack = false
		return nil
	}
	n.logger.Info("shard map installed", "node", n.id, "version", update.Version, "overrides", len(update.Overrides))
	*ack = true
	return nil
}

func (n *NodeService) ShardMapVersion(_ bool, version *int) error {
	*version = n.shardMap.Version()
	return nil
}

// GetBalance is a plain local read, used by the driver's verification pass.
func (n *NodeService) GetBalance(key int, reply *int) error {
	balance, err := n.store.Balance(key)
	if err != nil {
		return err
	}
	*reply = balance
	return nil
}
