package consensus

import (
	"sync"
	"time"

	"shardledger/config"
)

// mergeAcceptLogs folds accept-log snapshots into one log: the highest
// ballot wins each slot, and every empty slot below the highest seen is
// filled with a no-op so execution never stalls on a hole the old leader
// left behind.
func mergeAcceptLogs(logs ...[]config.LogEntry) []config.LogEntry {
	bySlot := make(map[int]config.LogEntry)
	maxSlot := 0
	for _, log := range logs {
		for _, entry := range log {
			if entry.Slot > maxSlot {
				maxSlot = entry.Slot
			}
			existing, ok := bySlot[entry.Slot]
			if !ok || existing.Ballot.Less(entry.Ballot) || existing.Ballot == entry.Ballot {
				bySlot[entry.Slot] = entry
			}
		}
	}
	if maxSlot == 0 {
		return nil
	}
	merged := make([]config.LogEntry, 0, maxSlot)
	for slot := 1; slot <= maxSlot; slot++ {
		if entry, ok := bySlot[slot]; ok {
			merged = append(merged, entry)
			continue
		}
		merged = append(merged, config.LogEntry{Slot: slot, Status: config.StatusNoOp})
	}
	return merged
}

// broadcastPrepare runs phase one of an election under ballot pb. On a
// majority of promises the candidate becomes leader, reconciles the merged
// accept logs through NEW-VIEW, and is then open for client traffic.
func (n *NodeService) broadcastPrepare(pb config.Ballot) {
	votes := 0
	logs := make([][]config.LogEntry, 0, config.NodesPerShard())
	var mu sync.Mutex
	var wg sync.WaitGroup
	n.logger.Info("prepare phase start", "node", n.id, "epoch", pb.Epoch)

	n.mu.RLock()
	own := make([]config.LogEntry, len(n.acceptLog))
	copy(own, n.acceptLog)
	n.mu.RUnlock()
	logs = append(logs, own)

	for _, targetNode := range n.shardPeers() {
		if targetNode == n.id {
			continue
		}
		wg.Add(1)
		go func(target int) {
			defer wg.Done()
			var reply config.Promise
			if err := n.callPeerRPC(target, "Node.Prepare", pb, &reply); err != nil {
				n.logger.Debug("prepare rpc failed", "node", n.id, "target", target, "err", err)
				return
			}
			mu.Lock()
			votes += reply.Vote
			if reply.Vote == 1 && len(reply.AcceptLog) != 0 {
				logs = append(logs, reply.AcceptLog)
			}
			mu.Unlock()
		}(targetNode)
	}
	wg.Wait()

	n.logger.Info("prepare phase votes", "node", n.id, "votes", votes+1, "need", majority(config.NodesPerShard()))
	if votes+1 < majority(config.NodesPerShard()) {
		n.logger.Info("election lost", "node", n.id, "epoch", pb.Epoch)
		n.mu.Lock()
		if n.ballot.Epoch < pb.Epoch {
			n.ballot.Epoch = pb.Epoch
		}
		n.mu.Unlock()
		return
	}

	merged := mergeAcceptLogs(logs...)
	n.mu.Lock()
	maxSlot := 0
	for _, entry := range merged {
		if entry.Slot > maxSlot {
			maxSlot = entry.Slot
		}
	}
	if n.slotCounter < maxSlot {
		n.slotCounter = maxSlot
	}
	n.mu.Unlock()
	n.logger.Info("elected leader", "node", n.id, "epoch", pb.Epoch, "reconcile", len(merged))
	if len(merged) != 0 {
		n.mu.Lock()
		n.isNewView = true
		n.mu.Unlock()
		n.broadcastNewView(pb, merged)
	}
}

// broadcastNewView restamps the reconciled entries under the new ballot and
// pushes them to the shard. Entries re-accepted by a fresh majority are
// committed; the rest stay uncommitted until a later view settles them.
func (n *NodeService) broadcastNewView(b config.Ballot, merged []config.LogEntry) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	acceptVotes := make(map[int]int)
	slotEntries := make(map[int]config.Proposal)

	restamped := make([]config.LogEntry, len(merged))
	copy(restamped, merged)
	for i := range restamped {
		restamped[i].Ballot = b
	}
	n.logger.Info("new-view start", "node", n.id, "epoch", b.Epoch, "entries", len(restamped))

	n.mu.Lock()
	for _, entry := range restamped {
		n.acceptLog = append(n.acceptLog, entry)
	}
	n.mu.Unlock()
	for _, entry := range restamped {
		n.persistEntry(entry)
		slotEntries[entry.Slot] = entry.Proposal()
	}

	input := config.NewViewInput{Ballot: b, AcceptLog: restamped}
	for _, targetNode := range n.shardPeers() {
		if targetNode == n.id {
			continue
		}
		wg.Add(1)
		go func(target int) {
			defer wg.Done()
			var reply map[int]config.Proposal
			if err := n.callPeerRPC(target, "Node.NewView", input, &reply); err != nil {
				n.logger.Debug("new-view rpc failed", "node", n.id, "target", target, "err", err)
				return
			}
			mu.Lock()
			for slot, accepted := range reply {
				acceptVotes[slot] += accepted.Acceptance
			}
			mu.Unlock()
		}(targetNode)
	}
	wg.Wait()

	n.mu.Lock()
	n.isNewView = false
	n.mu.Unlock()

	for slot, votes := range acceptVotes {
		if votes+1 >= majority(config.NodesPerShard()) {
			n.logger.Info("new-view slot re-accepted", "node", n.id, "slot", slot)
			n.broadcastCommit(slotEntries[slot].Entry())
		} else {
			n.logger.Warn("new-view slot lacked majority", "node", n.id, "slot", slot)
		}
	}
}

// NewView is the follower side of reconciliation: adopt every entry carried
// under a ballot at least as high as ours, and report back which slots we
// accepted so the leader can recount.
func (n *NodeService) NewView(input config.NewViewInput, acceptanceMap *map[int]config.Proposal) error {
	if !n.live() {
		return nil
	}
	if *acceptanceMap == nil {
		*acceptanceMap = make(map[int]config.Proposal)
	}
	n.mu.Lock()
	n.logger.Info("new-view received", "node", n.id, "epoch", input.Ballot.Epoch, "entries", len(input.AcceptLog))
	maxSlot := 0
	var persist []config.LogEntry
	for _, entry := range input.AcceptLog {
		if n.ballot.Less(entry.Ballot) || n.ballot == entry.Ballot {
			n.ballot = entry.Ballot
			n.acceptLog = append(n.acceptLog, entry)
			persist = append(persist, entry)
			(*acceptanceMap)[entry.Slot] = entry.Proposal()
			if entry.Slot > maxSlot {
				maxSlot = entry.Slot
			}
		} else {
			(*acceptanceMap)[entry.Slot] = config.Proposal{}
		}
	}
	if n.slotCounter < maxSlot {
		n.slotCounter = maxSlot
	}
	n.mu.Unlock()
	for _, entry := range persist {
		n.persistEntry(entry)
	}
	return nil
}

// Prepare is the acceptor's phase-one handler. A promise carries the whole
// accept log; the candidate merges those into its NEW-VIEW.
func (n *NodeService) Prepare(pb config.Ballot, promise *config.Promise) error {
	if !n.live() {
		return nil
	}
	n.prepareGate.Reset(config.ProposalTimeout())
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ballot.Less(pb) {
		n.ballot = pb
		promise.Vote = 1
		promise.AcceptLog = make([]config.LogEntry, len(n.acceptLog))
		copy(promise.AcceptLog, n.acceptLog)
		n.logger.Info("promised", "node", n.id, "to", pb.NodeID, "epoch", pb.Epoch)
	} else {
		promise.Vote = 0
		promise.AcceptLog = nil
		n.logger.Debug("prepare rejected, ballot too low", "node", n.id, "from", pb.NodeID, "epoch", pb.Epoch)
	}
	return nil
}

// Accept is the acceptor's phase-two handler.
func (n *NodeService) Accept(p config.Proposal, reply *config.Proposal) error {
	if !n.live() {
		return nil
	}
	n.mu.Lock()

	n.logger.Debug("accept received", "node", n.id, "slot", p.Slot, "from", p.Ballot.NodeID, "epoch", p.Ballot.Epoch)

	if !p.Ballot.AtLeast(n.ballot) {
		reply.Acceptance = 0
		n.mu.Unlock()
		n.logger.Debug("accept rejected, ballot too low", "node", n.id, "slot", p.Slot)
		return nil
	}

	n.ballot = p.Ballot
	reply.Acceptance = 1
	reply.Ballot = p.Ballot
	reply.Slot = p.Slot
	reply.Txn = p.Txn

	entry := p.Entry()
	if n.slotCounter < p.Slot {
		n.slotCounter = p.Slot
	}
	n.acceptLog = append(n.acceptLog, entry)
	n.ensureTxnStatus(p.Slot, "Accepted")
	if !n.waitingRequests[p.Slot] {
		n.waitingRequests[p.Slot] = true
		if !n.timerRunning {
			n.timerRunning = true
			n.timerExpired = false
			n.electionTimer.Reset(n.electionTimeout)
			n.logger.Debug("backup timer armed", "node", n.id, "slot", p.Slot)
		}
	}
	n.mu.Unlock()
	n.persistEntry(entry)
	return nil
}

// Commit applies a decided slot on a follower.
func (n *NodeService) Commit(entry config.LogEntry, reply *config.TxnReply) error {
	if !n.live() {
		return nil
	}
	n.ExecuteSerially(entry, reply)
	n.logger.Debug("commit applied", "node", n.id, "slot", entry.Slot)
	return nil
}

type pendingCommit struct {
	entry config.LogEntry
	acked map[int]bool
	since time.Time
}

// broadcastCommit executes the slot locally, then pushes the decision to the
// shard. Peers that miss the commit are retried by the retransmit loop;
// ExecuteSerially makes redelivery idempotent.
func (n *NodeService) broadcastCommit(entry config.LogEntry) {
	n.logger.Debug("commit phase start", "node", n.id, "slot", entry.Slot)

	n.mu.RLock()
	needsExec := n.lastExecuted < entry.Slot
	n.mu.RUnlock()
	if needsExec {
		var localReply config.TxnReply
		n.ExecuteSerially(entry, &localReply)
	}
	n.ensureTxnStatus(entry.Slot, "Committed")

	n.commitMu.Lock()
	if n.pendingCommits == nil {
		n.pendingCommits = make(map[int]*pendingCommit)
	}
	n.pendingCommits[entry.Slot] = &pendingCommit{entry: entry, acked: make(map[int]bool), since: time.Now()}
	n.commitMu.Unlock()

	n.broadcastToShard(func(targetNode int) {
		var reply config.TxnReply
		if err := n.callPeerRPC(targetNode, "Node.Commit", entry, &reply); err != nil {
			n.logger.Debug("commit rpc failed", "node", n.id, "target", targetNode, "err", err)
			return
		}
		n.markCommitAcked(entry.Slot, targetNode)
	})
}

func (n *NodeService) markCommitAcked(slot, peer int) {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	pc, ok := n.pendingCommits[slot]
	if !ok {
		return
	}
	pc.acked[peer] = true
	if len(pc.acked) >= config.NodesPerShard()-1 {
		delete(n.pendingCommits, slot)
	}
}

// startRetransmitLoop re-sends commits that some follower has not applied.
// Only the current leader retransmits; a deposed leader's entries are
// settled by the next NEW-VIEW instead.
func (n *NodeService) startRetransmitLoop() {
	ticker := time.NewTicker(config.RetransmitInterval())
	defer ticker.Stop()
	for {
		select {
		case <-n.closed:
			return
		case <-ticker.C:
		}
		if !n.live() || !n.isLeader() || n.quorumLost() {
			continue
		}
		n.retransmitPendingCommits()
	}
}

func (n *NodeService) retransmitPendingCommits() {
	type resend struct {
		entry config.LogEntry
		peers []int
	}
	var work []resend
	n.commitMu.Lock()
	for _, pc := range n.pendingCommits {
		var peers []int
		for _, peer := range n.shardPeers() {
			if peer == n.id || pc.acked[peer] {
				continue
			}
			peers = append(peers, peer)
		}
		if len(peers) > 0 {
			work = append(work, resend{entry: pc.entry, peers: peers})
		}
	}
	n.commitMu.Unlock()

	for _, item := range work {
		for _, peer := range item.peers {
			entry := item.entry
			target := peer
			go func() {
				var reply config.TxnReply
				if err := n.callPeerRPC(target, "Node.Commit", entry, &reply); err != nil {
					return
				}
				n.markCommitAcked(entry.Slot, target)
			}()
		}
		n.logger.Debug("commit retransmitted", "node", n.id, "slot", item.entry.Slot, "peers", len(item.peers))
	}
}

// broadcastAccept drives one slot through accept and commit as leader.
// Called with an unassigned slot for fresh proposals or a fixed slot when a
// decided 2PC entry is being re-driven in place.
func (n *NodeService) broadcastAccept(p *config.Proposal) *config.TxnReply {
	if n.quorumLost() {
		return &config.TxnReply{Res: false, Msg: "QuorumLost"}
	}

	acceptance := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	n.mu.Lock()
	if p.Ballot.Less(n.ballot) || p.Ballot.IsZero() {
		p.Ballot = n.ballot
	}
	if n.slotCounter < n.lastExecuted {
		n.slotCounter = n.lastExecuted
	}
	if p.Slot == 0 {
		n.slotCounter++
		p.Slot = n.slotCounter
	}
	if p.Status == "" {
		p.Status = config.StatusRegular
	}
	entry := p.Entry()
	n.acceptLog = append(n.acceptLog, entry)
	n.ensureTxnStatus(p.Slot, "Accepted")
	n.logger.Debug("accept phase start", "node", n.id, "slot", p.Slot, "epoch", p.Ballot.Epoch,
		"sender", p.Txn.Sender, "receiver", p.Txn.Receiver, "amount", p.Txn.Amount)
	n.mu.Unlock()
	n.persistEntry(entry)

	for _, targetNode := range n.shardPeers() {
		if targetNode == n.id {
			continue
		}
		wg.Add(1)
		go func(target int) {
			defer wg.Done()
			var reply config.Proposal
			if err := n.callPeerRPC(target, "Node.Accept", *p, &reply); err != nil {
				n.logger.Debug("accept rpc failed", "node", n.id, "target", target, "err", err)
				return
			}
			mu.Lock()
			acceptance += reply.Acceptance
			mu.Unlock()
		}(targetNode)
	}
	wg.Wait()

	n.logger.Debug("accept phase done", "node", n.id, "slot", p.Slot, "acceptances", acceptance+1, "need", majority(config.NodesPerShard()))
	if acceptance+1 < majority(config.NodesPerShard()) {
		n.logger.Warn("accept lacked majority", "node", n.id, "slot", p.Slot)
		if n.quorumLost() {
			return &config.TxnReply{Res: false, Msg: "QuorumLost"}
		}
		n.mu.Lock()
		n.forceElection = true
		n.timerRunning = true
		n.timerExpired = false
		n.mu.Unlock()
		n.electionTimer.Reset(0)
		return &config.TxnReply{Res: false, Msg: "Majority Not Accepted"}
	}

	n.ensureTxnStatus(p.Slot, "Committed")
	var txnRes config.TxnReply
	needsExec := func() bool {
		n.mu.RLock()
		defer n.mu.RUnlock()
		return n.lastExecuted < p.Slot
	}()
	if !needsExec && p.CrossShard && p.Role != config.RoleNone && p.Phase != config.PhasePrepare {
		needsExec = true
	}
	if needsExec {
		n.ExecuteSerially(entry, &txnRes)
	}
	n.resultsMu.RLock()
	if storedResult, exists := n.executionResults[p.Slot]; exists {
		txnRes = storedResult
	}
	n.resultsMu.RUnlock()

	if txnRes.Msg == "Gap Found" {
		txnRes = n.awaitSlotExecution(p.Slot)
	}

	n.logger.Debug("slot executed", "node", n.id, "slot", p.Slot, "ok", txnRes.Res, "msg", txnRes.Msg)
	n.broadcastCommit(entry)
	return &txnRes
}

// awaitSlotExecution parks until the serial executor reaches the slot, the
// gap having been created by out-of-order commits.
func (n *NodeService) awaitSlotExecution(slot int) config.TxnReply {
	n.logger.Debug("gap found, waiting for execution", "node", n.id, "slot", slot)
	responseCh := make(chan config.TxnReply, 1)
	n.pendingMu.Lock()
	n.pendingClientResponses[slot] = responseCh
	n.pendingMu.Unlock()

	// Racy with the executor filling the gap before the channel registered.
	n.resultsMu.RLock()
	stored, exists := n.executionResults[slot]
	n.resultsMu.RUnlock()
	if exists && stored.Msg != "Gap Found" {
		n.pendingMu.Lock()
		delete(n.pendingClientResponses, slot)
		n.pendingMu.Unlock()
		return stored
	}

	maxWait := 3 * n.electionTimeout
	ticker := time.NewTicker(n.electionTimeout / 2)
	timer := time.NewTimer(maxWait)
	defer ticker.Stop()
	defer timer.Stop()
	for {
		select {
		case result := <-responseCh:
			n.logger.Debug("gap resolved", "node", n.id, "slot", slot, "ok", result.Res)
			return result
		case <-ticker.C:
			n.logger.Debug("still waiting for execution", "node", n.id, "slot", slot)
		case <-timer.C:
			n.logger.Warn("timed out waiting for execution", "node", n.id, "slot", slot)
			n.pendingMu.Lock()
			delete(n.pendingClientResponses, slot)
			n.pendingMu.Unlock()
			return config.TxnReply{Res: false, Msg: "Majority Not Accepted"}
		}
	}
}
