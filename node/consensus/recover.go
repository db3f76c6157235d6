package consensus

import (
	"shardledger/config"
	"shardledger/node/commitment"
)

// Recover serves a lagging peer the accept-log suffix above FromSlot plus
// our execution watermark, so the peer can replay exactly what it missed.
func (n *NodeService) Recover(req config.RecoverRequest, resp *config.RecoverResponse) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	resp.LastExecuted = n.lastExecuted
	for _, entry := range n.acceptLog {
		if entry.Slot > req.FromSlot {
			resp.Entries = append(resp.Entries, entry)
		}
	}
	return nil
}

func (n *NodeService) GetStateSnapshot(_ bool, snapshot *config.StateSnapshot) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	snapshot.LastExecuted = n.lastExecuted
	snapshot.AcceptLog = make([]config.LogEntry, len(n.acceptLog))
	copy(snapshot.AcceptLog, n.acceptLog)
	return nil
}

// FailNode flips the node's availability. Recovery first pulls missed slots
// from peers; the node only rejoins the live set once it has caught up, so
// quorum math never counts a stale replica.
func (n *NodeService) FailNode(isLive bool, reply *bool) error {
	n.mu.Lock()
	n.startupPhase = false
	n.mu.Unlock()
	if isLive {
		n.mu.Lock()
		if n.isLive {
			n.mu.Unlock()
			n.logger.Info("node already live", "node", n.id)
			*reply = true
			return nil
		}
		n.recovered = false
		n.mu.Unlock()
		n.logger.Info("node recovering", "node", n.id)
		n.catchUpState()
		n.mu.Lock()
		n.isLive = true
		n.recovered = true
		n.mu.Unlock()
		n.resumeTwoPCTimers()
		n.logger.Info("node live", "node", n.id)
	} else {
		n.mu.Lock()
		n.isLive = false
		n.recovered = false
		n.mu.Unlock()
		n.stopAllTwoPCTimers()
		n.logger.Info("node failed", "node", n.id)
	}
	*reply = true
	return nil
}

// catchUpState pulls the accept-log suffix from whichever peer has executed
// the furthest and replays it through the serial executor. Decided
// cross-shard phases replay even below the local watermark so a commit or
// abort missed during the outage still lands.
func (n *NodeService) catchUpState() {
	n.mu.RLock()
	currentLast := n.lastExecuted
	n.mu.RUnlock()

	req := config.RecoverRequest{FromSlot: currentLast}
	var best config.RecoverResponse
	found := false
	for _, peer := range n.shardPeers() {
		if peer == n.id {
			continue
		}
		var resp config.RecoverResponse
		if err := n.callPeerRPC(peer, "Node.Recover", req, &resp); err != nil {
			n.logger.Debug("recover rpc failed", "node", n.id, "peer", peer, "err", err)
			continue
		}
		if !found || resp.LastExecuted > best.LastExecuted ||
			(resp.LastExecuted == best.LastExecuted && len(resp.Entries) > len(best.Entries)) {
			best = resp
			found = true
		}
	}
	if !found {
		n.logger.Warn("catch-up found no peer state", "node", n.id)
		return
	}

	merged := mergeAcceptLogs(best.Entries)
	maxSlot := 0
	var highest config.Ballot
	for _, entry := range merged {
		if entry.Slot > maxSlot {
			maxSlot = entry.Slot
		}
		if highest.Less(entry.Ballot) {
			highest = entry.Ballot
		}
	}

	n.mu.Lock()
	n.acceptLog = append(n.acceptLog, merged...)
	if maxSlot > n.slotCounter {
		n.slotCounter = maxSlot
	}
	n.mu.Unlock()
	for _, entry := range merged {
		n.persistEntry(entry)
	}

	if best.LastExecuted <= currentLast {
		n.logger.Info("catch-up already current", "node", n.id, "lastExecuted", currentLast)
	} else {
		n.logger.Info("catch-up replaying", "node", n.id, "from", currentLast, "to", best.LastExecuted)
		for _, entry := range merged {
			if entry.Slot > best.LastExecuted {
				continue
			}
			n.mu.RLock()
			localLast := n.lastExecuted
			n.mu.RUnlock()
			replayNeeded := entry.Slot > localLast
			if !replayNeeded && entry.CrossShard && entry.Role != config.RoleNone && entry.Phase != config.PhasePrepare {
				replayNeeded = true
			}
			if !replayNeeded {
				continue
			}
			var reply config.TxnReply
			n.ExecuteSerially(entry, &reply)
			n.logger.Debug("catch-up applied", "node", n.id, "slot", entry.Slot, "ok", reply.Res, "msg", reply.Msg)
		}
	}

	n.mu.Lock()
	if n.ballot.Less(highest) {
		n.ballot = highest
	}
	if n.ballot.IsZero() {
		n.ballot = config.Ballot{Epoch: 1, NodeID: config.LeaderHint(n.shardID)}
	}
	n.mu.Unlock()
}

// FlushState resets the node to its seeded baseline between workload sets.
func (n *NodeService) FlushState(_ bool, reply *bool) error {
	n.mu.Lock()
	n.acceptLog = nil
	n.slotCounter = 0
	n.lastExecuted = 0
	n.pendingCommands = make(map[int]config.LogEntry)
	n.txnsProcessed = make(map[string]config.Reply)
	n.ballot = config.Ballot{Epoch: 1, NodeID: config.LeaderHint(n.shardID)}
	n.timerRunning = false
	n.timerExpired = false
	n.forceElection = false
	n.waitingRequests = make(map[int]bool)
	n.locks = make(map[int]string)
	n.isNewView = false
	n.mu.Unlock()
	n.resetTxnStatus()
	n.resultsMu.Lock()
	n.executionResults = make(map[int]config.TxnReply)
	n.resultsMu.Unlock()
	n.pendingMu.Lock()
	n.pendingClientResponses = make(map[int]chan config.TxnReply)
	n.pendingMu.Unlock()
	n.drainMu.Lock()
	n.draining = make(map[int]bool)
	n.drainMu.Unlock()
	n.commitMu.Lock()
	n.pendingCommits = make(map[int]*pendingCommit)
	n.commitMu.Unlock()
	n.resetPeerClientPool()

	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.electionTimeout)
	if !n.prepareGate.Stop() {
		select {
		case <-n.prepareGate.C:
		default:
		}
	}
	n.prepareGate.Reset(config.ProposalTimeout())

	reset := n.store.ResetModified(config.SeedBalance())
	if n.logStore != nil {
		if err := n.logStore.Reset(); err != nil {
			n.logger.Error("log store reset failed", "node", n.id, "err", err)
		}
	}
	if err := n.wal.ClearAll(); err != nil {
		n.logger.Error("wal clear failed", "node", n.id, "err", err)
	}
	n.stopAllTwoPCTimers()
	n.twoPCMu.Lock()
	n.twoPCState = make(map[string]*commitment.TransactionState)
	n.twoPCMu.Unlock()
	n.logger.Info("state flushed", "node", n.id, "keysReset", reset)
	*reply = true
	return nil
}

// SetBenchmarkMode mutes the file logger while a benchmark runs.
func (n *NodeService) SetBenchmarkMode(enabled bool, reply *bool) error {
	n.mu.Lock()
	n.benchmarkMode = enabled
	n.mu.Unlock()
	if enabled {
		n.logger.Clear()
	}
	n.logger.SetMuted(enabled)
	if reply != nil {
		*reply = true
	}
	return nil
}
