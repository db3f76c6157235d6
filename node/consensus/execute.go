package consensus

import (
	"fmt"

	"shardledger/config"
)

func (n *NodeService) GetTransactionStatus(slot int) string {
	n.txnStatusMu.RLock()
	defer n.txnStatusMu.RUnlock()
	if status, ok := n.txnStatus[slot]; ok {
		return status
	}
	return "Unknown"
}

// ensureTxnStatus only moves a slot forward: Accepted -> Committed -> Executed.
func (n *NodeService) ensureTxnStatus(slot int, status string) {
	rank := map[string]int{"Accepted": 1, "Committed": 2, "Executed": 3}
	n.txnStatusMu.Lock()
	defer n.txnStatusMu.Unlock()
	if current, ok := n.txnStatus[slot]; ok && rank[current] >= rank[status] {
		return
	}
	n.txnStatus[slot] = status
}

func (n *NodeService) setTxnStatus(slot int, status string) {
	n.txnStatusMu.Lock()
	n.txnStatus[slot] = status
	n.txnStatusMu.Unlock()
}

func (n *NodeService) resetTxnStatus() {
	n.txnStatusMu.Lock()
	n.txnStatus = make(map[int]string)
	n.txnStatusMu.Unlock()
}

func (n *NodeService) notifyPendingClient(slot int, result config.TxnReply) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if ch, exists := n.pendingClientResponses[slot]; exists {
		select {
		case ch <- result:
		default:
		}
		delete(n.pendingClientResponses, slot)
	}
}

// outcomeFor maps a slot result onto what the client is told. Transient
// refusals stay pending so the client keeps retrying; everything else is
// terminal.
func outcomeFor(ok bool, msg string) config.Outcome {
	if ok {
		return config.OutcomeCommitted
	}
	if msg == "QuorumLost" {
		return config.OutcomeSkipped
	}
	if isTransient(msg) {
		return config.OutcomePending
	}
	return config.OutcomeAborted
}

// executeEntry applies one committed slot to the store.
func (n *NodeService) executeEntry(entry config.LogEntry) config.TxnReply {
	switch entry.Status {
	case config.StatusNoOp:
		return config.TxnReply{Res: true, Msg: "NoOp"}
	case config.StatusReshardInstall:
		if err := n.store.Set(entry.Txn.Receiver, entry.Txn.Amount); err != nil {
			return config.TxnReply{Res: false, Msg: fmt.Sprintf("InstallFailed: %v", err)}
		}
		return config.TxnReply{Res: true, Msg: "Installed", Written: map[int]int{entry.Txn.Receiver: entry.Txn.Amount}}
	case config.StatusReshardRemove:
		if err := n.store.Delete(entry.Txn.Sender); err != nil {
			return config.TxnReply{Res: false, Msg: fmt.Sprintf("RemoveFailed: %v", err)}
		}
		n.drainMu.Lock()
		delete(n.draining, entry.Txn.Sender)
		n.drainMu.Unlock()
		return config.TxnReply{Res: true, Msg: "Removed"}
	}
	if entry.Txn.Amount == 0 {
		return config.TxnReply{Res: true, Msg: "Successful"}
	}
	ok, reason, written := n.store.Transfer(entry.Txn.Sender, entry.Txn.Receiver, entry.Txn.Amount)
	if ok {
		return config.TxnReply{Res: true, Msg: "Successful", Written: written}
	}
	if reason == "" {
		reason = "Failed"
	}
	return config.TxnReply{Res: false, Msg: reason}
}

// ExecuteSerially buffers the committed entry and applies every contiguous
// slot above lastExecuted in order. Slots at or below lastExecuted are
// duplicates, except decided cross-shard phases, which replay so a late
// commit or abort still lands. Execution is slot-keyed idempotent: the same
// slot never touches the store twice.
func (n *NodeService) ExecuteSerially(entry config.LogEntry, reply *config.TxnReply) {
	n.executionMu.Lock()
	defer n.executionMu.Unlock()

	n.mu.RLock()
	alreadyExecuted := entry.Slot <= n.lastExecuted
	n.mu.RUnlock()
	if alreadyExecuted {
		if entry.CrossShard && entry.Role != config.RoleNone && entry.Phase != config.PhasePrepare {
			n.logger.Debug("replaying decided cross-shard slot", "node", n.id, "slot", entry.Slot, "phase", phaseLabel(entry.Phase))
			txnReply := n.executeTwoPCEntry(entry)
			*reply = txnReply
			n.resultsMu.Lock()
			n.executionResults[entry.Slot] = txnReply
			n.resultsMu.Unlock()
			n.notifyPendingClient(entry.Slot, txnReply)
			n.releaseLocks(entry.Txn)
		} else {
			reply.Res = true
			reply.Msg = "DuplicateSlot"
		}
		return
	}

	n.mu.Lock()
	n.setTxnStatus(entry.Slot, "Committed")
	n.pendingCommands[entry.Slot] = entry
	if !n.waitingRequests[entry.Slot] {
		n.waitingRequests[entry.Slot] = true
		if !n.timerRunning {
			n.timerRunning = true
			n.timerExpired = false
			n.electionTimer.Reset(n.electionTimeout)
			n.logger.Debug("backup timer armed", "node", n.id, "slot", entry.Slot)
		}
	}
	n.mu.Unlock()

	for {
		n.mu.Lock()
		nextSlot := n.lastExecuted + 1
		cmd, exists := n.pendingCommands[nextSlot]
		if !exists {
			if len(n.pendingCommands) != 0 {
				reply.Msg = "Gap Found"
			}
			n.mu.Unlock()
			break
		}

		execNeeded := true
		var cached config.Reply
		if !cmd.CrossShard && cmd.Txn.ID != "" {
			if existing, ok := n.txnsProcessed[cmd.Txn.ID]; ok && existing.Outcome != config.OutcomePending {
				cached = existing
				execNeeded = false
			}
		}
		n.mu.Unlock()

		var slotReply config.TxnReply
		if execNeeded {
			if cmd.CrossShard && cmd.Role != config.RoleNone {
				slotReply = n.executeTwoPCEntry(cmd)
			} else {
				slotReply = n.executeEntry(cmd)
			}
			n.mu.Lock()
			if cmd.Txn.ID != "" && (!cmd.CrossShard || cmd.Phase == config.PhaseCommit || cmd.Phase == config.PhaseAbort) {
				n.txnsProcessed[cmd.Txn.ID] = config.Reply{
					Ballot:  cmd.Ballot,
					TxnID:   cmd.Txn.ID,
					Outcome: outcomeFor(slotReply.Res, slotReply.Msg),
					Msg:     slotReply.Msg,
					Written: slotReply.Written,
				}
			}
			n.mu.Unlock()
		} else {
			slotReply = config.TxnReply{
				Res:     cached.Outcome == config.OutcomeCommitted,
				Msg:     cached.Msg,
				Written: cached.Written,
			}
		}
		*reply = slotReply

		n.resultsMu.Lock()
		n.executionResults[nextSlot] = slotReply
		n.resultsMu.Unlock()
		n.setTxnStatus(nextSlot, "Executed")

		n.mu.Lock()
		delete(n.pendingCommands, nextSlot)
		delete(n.waitingRequests, nextSlot)
		n.lastExecuted = nextSlot
		n.mu.Unlock()

		n.logger.Debug("slot applied", "node", n.id, "slot", nextSlot, "ok", slotReply.Res, "msg", slotReply.Msg)
		n.notifyPendingClient(nextSlot, slotReply)

		releaseLocks := true
		if cmd.CrossShard && cmd.Role != config.RoleNone && cmd.Phase == config.PhasePrepare && slotReply.Res {
			releaseLocks = false
		}
		if releaseLocks {
			n.releaseLocks(cmd.Txn)
		}
	}

	n.mu.Lock()
	pendingCount := len(n.waitingRequests)
	if pendingCount == 0 {
		if n.timerRunning {
			n.timerRunning = false
			n.timerExpired = false
			n.logger.Debug("backup timer stopped", "node", n.id)
		}
	} else {
		n.timerExpired = false
		n.electionTimer.Reset(n.electionTimeout)
		n.logger.Debug("backup timer restarted", "node", n.id, "pending", pendingCount)
	}
	n.mu.Unlock()
}

// handleReadOnly serves reads without a log slot. Eventual reads answer from
// the local store on any node. Linearizable reads go through the leader and
// queue behind the serial executor so every committed write is visible.
func (n *NodeService) handleReadOnly(txn config.Transaction, reply *config.Reply) error {
	reply.TxnID = txn.ID
	n.mu.RLock()
	reply.Ballot = n.ballot
	n.mu.RUnlock()

	if txn.Consistency != config.Linearizable {
		balance, err := n.store.Balance(txn.Sender)
		if err != nil {
			reply.Outcome = config.OutcomeAborted
			reply.Msg = fmt.Sprintf("ReadFailed: %v", err)
			return nil
		}
		reply.Outcome = config.OutcomeCommitted
		reply.Balance = balance
		n.logger.Debug("eventual read", "node", n.id, "key", txn.Sender, "balance", balance)
		return nil
	}

	if !n.isLeader() {
		reply.Outcome = config.OutcomePending
		reply.Msg = "NotLeader"
		return nil
	}
	if n.quorumLost() {
		reply.Outcome = config.OutcomeSkipped
		reply.Msg = "QuorumLost"
		return nil
	}
	if n.hasLockConflict(txn) {
		reply.Outcome = config.OutcomePending
		reply.Msg = "Locked"
		n.logger.Debug("linearizable read blocked on lock", "node", n.id, "key", txn.Sender)
		return nil
	}

	n.executionMu.Lock()
	balance, err := n.store.Balance(txn.Sender)
	n.executionMu.Unlock()
	if err != nil {
		reply.Outcome = config.OutcomeAborted
		reply.Msg = fmt.Sprintf("ReadFailed: %v", err)
		return nil
	}
	reply.Outcome = config.OutcomeCommitted
	reply.Balance = balance
	n.logger.Debug("linearizable read", "node", n.id, "key", txn.Sender, "balance", balance)
	return nil
}

// ClientRequest is the write entry point. The leader assigns a slot and
// drives it to commit; every other node refuses with a hint and nudges the
// election machinery. Retried transaction ids answer from the dedup table
// instead of re-entering the log.
func (n *NodeService) ClientRequest(txn config.Transaction, reply *config.Reply) error {
	reply.TxnID = txn.ID
	if !n.live() {
		reply.Outcome = config.OutcomePending
		reply.Msg = "NodeNotLive"
		return nil
	}
	if txn.ReadOnly {
		return n.handleReadOnly(txn, reply)
	}
	n.logger.Debug("client txn", "node", n.id, "txnID", txn.ID, "sender", txn.Sender, "receiver", txn.Receiver, "amount", txn.Amount)

	n.mu.Lock()
	if cached, ok := n.txnsProcessed[txn.ID]; ok {
		if cached.Outcome == config.OutcomeCommitted || cached.Outcome == config.OutcomeAborted {
			*reply = cached
			reply.Ballot = n.ballot
			n.mu.Unlock()
			return nil
		}
		delete(n.txnsProcessed, txn.ID)
	}
	n.mu.Unlock()

	if n.quorumLost() {
		reply.Outcome = config.OutcomeSkipped
		reply.Msg = "QuorumLost"
		reply.Ballot = n.currentBallot()
		return nil
	}
	if n.isKeyDraining(txn.Sender) || n.isKeyDraining(txn.Receiver) {
		reply.Outcome = config.OutcomePending
		reply.Msg = "KeyDraining"
		return nil
	}
	if n.shardMap.ShardForKey(txn.Sender) != n.shardID {
		reply.Outcome = config.OutcomePending
		reply.Msg = "WrongShard"
		return nil
	}

	if !n.acquireLocks(txn) {
		reply.Outcome = config.OutcomePending
		reply.Msg = "Locked"
		return nil
	}

	ballot := n.currentBallot()
	if ballot.NodeID == 0 {
		n.logger.Debug("leader unknown, forcing election", "node", n.id, "txnID", txn.ID)
		n.triggerElection("leader unknown")
		reply.Outcome = config.OutcomePending
		reply.Msg = "LeaderUnknown"
		n.releaseLocks(txn)
		return nil
	}
	if ballot.NodeID != n.id {
		n.logger.Debug("not leader, refusing", "node", n.id, "leader", ballot.NodeID, "txnID", txn.ID)
		n.triggerElection("client contacted follower")
		reply.Ballot = ballot
		reply.Outcome = config.OutcomePending
		reply.Msg = "NotLeader"
		n.releaseLocks(txn)
		return nil
	}

	n.mu.RLock()
	inNewView := n.isNewView
	n.mu.RUnlock()
	if inNewView {
		reply.Outcome = config.OutcomePending
		reply.Msg = "Majority Not Accepted"
		n.releaseLocks(txn)
		return nil
	}

	participantShard := n.shardMap.ShardForKey(txn.Receiver)
	if participantShard != 0 && participantShard != n.shardID {
		return n.handleCrossShardCoordinator(txn, participantShard, reply)
	}

	n.logger.Debug("leader processing client request", "node", n.id, "txnID", txn.ID)
	proposal := config.Proposal{Txn: txn, Status: config.StatusRegular}
	txnRes := n.broadcastAccept(&proposal)
	n.mu.Lock()
	reply.Ballot = n.ballot
	reply.Outcome = outcomeFor(txnRes.Res, txnRes.Msg)
	reply.Msg = txnRes.Msg
	reply.Written = txnRes.Written
	if reply.Outcome != config.OutcomePending {
		n.txnsProcessed[txn.ID] = *reply
	}
	n.mu.Unlock()
	n.releaseLocks(txn)
	return nil
}
