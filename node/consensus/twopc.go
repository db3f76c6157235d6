package consensus

import (
	"fmt"
	"time"

	"shardledger/config"
	"shardledger/node/commitment"
)

func (n *NodeService) cleanupTwoPCStatesLocked() {
	now := time.Now()
	for txnID, state := range n.twoPCState {
		if state.AcknowledgedDecision && !state.CleanupAt.IsZero() && now.After(state.CleanupAt) {
			delete(n.twoPCState, txnID)
		}
	}
}

func (n *NodeService) getTwoPCState(txnID string) *commitment.TransactionState {
	n.twoPCMu.Lock()
	defer n.twoPCMu.Unlock()
	n.cleanupTwoPCStatesLocked()
	if state, ok := n.twoPCState[txnID]; ok {
		return state
	}
	state := &commitment.TransactionState{
		TxnID:     txnID,
		CreatedAt: time.Now(),
	}
	n.twoPCState[txnID] = state
	return state
}

func (n *NodeService) loadTwoPCState(txnID string) (*commitment.TransactionState, bool) {
	n.twoPCMu.RLock()
	defer n.twoPCMu.RUnlock()
	state, ok := n.twoPCState[txnID]
	return state, ok
}

func (n *NodeService) clearTwoPCState(txnID string) {
	n.twoPCMu.Lock()
	if state, ok := n.twoPCState[txnID]; ok {
		if state.Timer != nil {
			state.Timer.Stop()
			state.Timer = nil
		}
		state.CleanupAt = time.Now().Add(twoPCStateRetention)
		state.AcknowledgedDecision = true
	}
	n.cleanupTwoPCStatesLocked()
	n.twoPCMu.Unlock()
}

// buildTwoPCStatus reads a transaction's fate from the accept log first,
// then from the in-memory state. A commit or abort anywhere in the log is a
// final answer.
func (n *NodeService) buildTwoPCStatus(txnID string) (commitment.TwoPCStatusResponse, bool) {
	status := commitment.TwoPCStatusResponse{
		TxnID:    txnID,
		Phase:    config.PhaseNone,
		Decision: config.PhaseNone,
	}
	n.mu.RLock()
	for i := len(n.acceptLog) - 1; i >= 0; i-- {
		entry := n.acceptLog[i]
		if entry.TxnID != txnID {
			continue
		}
		status.Known = true
		status.Phase = entry.Phase
		status.Role = entry.Role
		status.Slot = entry.Slot
		status.CoordinatorShard = entry.CoordinatorShard
		status.ParticipantShard = entry.ParticipantShard
		if entry.Phase == config.PhaseCommit || entry.Phase == config.PhaseAbort {
			status.Decision = entry.Phase
			n.mu.RUnlock()
			return status, true
		}
		if status.Decision == config.PhaseNone {
			status.Decision = entry.Phase
		}
	}
	n.mu.RUnlock()

	n.twoPCMu.RLock()
	if state, ok := n.twoPCState[txnID]; ok {
		status.Known = true
		status.Phase = state.Phase
		if state.Decision != config.PhaseNone {
			status.Decision = state.Decision
		}
		status.Role = state.Role
		status.CoordinatorShard = state.CoordinatorShard
		status.ParticipantShard = state.ParticipantShard
		if state.Role == config.RoleCoordinator {
			status.Slot = state.CoordinatorSlot
		} else if state.Role == config.RoleParticipant {
			status.Slot = state.ParticipantSlot
		}
	}
	n.twoPCMu.RUnlock()
	return status, status.Known
}

func (n *NodeService) QueryTwoPCState(req commitment.TwoPCStatusRequest, resp *commitment.TwoPCStatusResponse) error {
	status, ok := n.buildTwoPCStatus(req.TxnID)
	status.Known = ok
	*resp = status
	return nil
}

func (n *NodeService) queryShardForDecision(shardID int, txnID string) *commitment.TwoPCStatusResponse {
	if shardID == 0 {
		return nil
	}
	req := commitment.TwoPCStatusRequest{TxnID: txnID}
	for _, nodeID := range config.NodesOfShard(shardID) {
		var resp commitment.TwoPCStatusResponse
		if nodeID == n.id {
			var ok bool
			resp, ok = n.buildTwoPCStatus(txnID)
			if !ok {
				continue
			}
		} else if err := n.callPeerRPC(nodeID, "Node.QueryTwoPCState", req, &resp); err != nil {
			n.logger.Debug("2pc status query failed", "node", n.id, "txnID", txnID, "target", nodeID, "err", err)
			continue
		}
		if resp.Decision == config.PhaseCommit || resp.Decision == config.PhaseAbort {
			return &resp
		}
	}
	return nil
}

func (n *NodeService) applyTerminationDecision(state *commitment.TransactionState, decision config.TwoPCPhase) bool {
	if decision != config.PhaseCommit && decision != config.PhaseAbort {
		return false
	}
	proposal := config.Proposal{
		Txn:              state.Txn,
		Phase:            decision,
		Role:             config.RoleParticipant,
		TxnID:            state.TxnID,
		Status:           config.Status2PCTermination,
		CrossShard:       true,
		CoordinatorShard: state.CoordinatorShard,
		ParticipantShard: state.ParticipantShard,
	}
	if state.ParticipantSlot > 0 {
		proposal.Slot = state.ParticipantSlot
	}
	res := n.broadcastAccept(&proposal)
	return res != nil && res.Res
}

func (n *NodeService) scheduleTerminationRetry(txnID string) {
	n.twoPCMu.Lock()
	state, ok := n.twoPCState[txnID]
	if !ok {
		n.twoPCMu.Unlock()
		return
	}
	if state.Timer != nil {
		state.Timer.Stop()
	}
	state.Timer = time.AfterFunc(terminationRetryInterval, func() {
		n.runParticipantTermination(txnID)
	})
	n.twoPCMu.Unlock()
}

// runParticipantTermination is the participant's way out of an in-doubt
// prepare: consult its own shard, then the coordinator's shard, for a
// decision, and apply whichever one surfaced. When nobody knows, retry
// until the coordinator shard comes back.
func (n *NodeService) runParticipantTermination(txnID string) {
	state, ok := n.loadTwoPCState(txnID)
	if !ok {
		return
	}
	n.twoPCMu.Lock()
	if state.Timer != nil {
		state.Timer.Stop()
		state.Timer = nil
	}
	n.twoPCMu.Unlock()
	if state.Role != config.RoleParticipant || state.Decision != config.PhaseNone || state.Phase != config.PhasePrepare {
		return
	}

	localStatus, localKnown := n.buildTwoPCStatus(txnID)
	if localKnown && (localStatus.Decision == config.PhaseCommit || localStatus.Decision == config.PhaseAbort) {
		if n.applyTerminationDecision(state, localStatus.Decision) {
			return
		}
	}
	if resp := n.queryShardForDecision(state.ParticipantShard, txnID); resp != nil {
		if n.applyTerminationDecision(state, resp.Decision) {
			return
		}
	}
	if resp := n.queryShardForDecision(state.CoordinatorShard, txnID); resp != nil {
		if n.applyTerminationDecision(state, resp.Decision) {
			return
		}
	}

	n.logger.Warn("termination blocked, waiting for coordinator shard", "node", n.id, "txnID", txnID)
	n.scheduleTerminationRetry(txnID)
}

func (n *NodeService) startParticipantDecisionTimer(txnID string, txn config.Transaction) {
	n.twoPCMu.Lock()
	state, ok := n.twoPCState[txnID]
	if !ok {
		state = &commitment.TransactionState{TxnID: txnID, CreatedAt: time.Now()}
		n.twoPCState[txnID] = state
	}
	if state.AcknowledgedDecision || state.Decision != config.PhaseNone {
		n.twoPCMu.Unlock()
		return
	}
	if state.Timer != nil {
		state.Timer.Stop()
	}
	state.Txn = txn
	state.Deadline = time.Now().Add(participantDecisionTimeout)
	state.Timer = time.AfterFunc(participantDecisionTimeout, func() {
		n.handleParticipantDecisionTimeout(txnID)
	})
	n.twoPCMu.Unlock()
	n.logger.Debug("participant decision timer started", "node", n.id, "txnID", txnID, "timeout", participantDecisionTimeout)
}

func (n *NodeService) handleParticipantDecisionTimeout(txnID string) {
	if !n.live() {
		return
	}
	n.logger.Info("participant decision timeout, running termination", "node", n.id, "txnID", txnID)
	n.runParticipantTermination(txnID)
}

func (n *NodeService) stopAllTwoPCTimers() {
	n.twoPCMu.Lock()
	for _, state := range n.twoPCState {
		if state.Timer != nil {
			state.Timer.Stop()
			state.Timer = nil
		}
	}
	n.twoPCMu.Unlock()
}

func (n *NodeService) resumeTwoPCTimers() {
	type participantInfo struct {
		txnID string
		txn   config.Transaction
	}
	var participants []participantInfo
	n.twoPCMu.Lock()
	for txnID, state := range n.twoPCState {
		if state.Timer != nil {
			state.Timer.Stop()
			state.Timer = nil
		}
		if state.Role == config.RoleParticipant &&
			state.Phase == config.PhasePrepare &&
			state.Decision == config.PhaseNone {
			participants = append(participants, participantInfo{txnID: txnID, txn: state.Txn})
		}
	}
	n.twoPCMu.Unlock()
	for _, p := range participants {
		n.startParticipantDecisionTimer(p.txnID, p.txn)
	}
}

// --- Committed 2PC entry execution ---

func (n *NodeService) executeTwoPCEntry(cmd config.LogEntry) config.TxnReply {
	if cmd.Role == config.RoleCoordinator {
		return n.executeCoordinatorEntry(cmd)
	}
	if cmd.Role == config.RoleParticipant {
		return n.executeParticipantEntry(cmd)
	}
	return config.TxnReply{Res: false, Msg: "Unknown2PCRole"}
}

func (n *NodeService) executeCoordinatorEntry(cmd config.LogEntry) config.TxnReply {
	state := n.getTwoPCState(cmd.TxnID)
	state.Txn = cmd.Txn
	state.Role = config.RoleCoordinator
	state.CoordinatorShard = cmd.CoordinatorShard
	state.ParticipantShard = cmd.ParticipantShard
	state.CoordinatorSlot = cmd.Slot
	reply := config.TxnReply{}
	n.logger.Debug("coordinator entry", "node", n.id, "phase", phaseLabel(cmd.Phase), "slot", cmd.Slot, "txnID", cmd.TxnID)
	switch cmd.Phase {
	case config.PhasePrepare:
		if state.Phase == config.PhasePrepare || state.Phase == config.PhaseCommit {
			return config.TxnReply{Res: true, Msg: "Prepared"}
		}
		if state.Decision == config.PhaseAbort {
			return config.TxnReply{Res: false, Msg: "Aborted"}
		}
		ok, msg := n.applyCoordinatorPrepare(cmd.TxnID, cmd.Txn)
		reply.Res = ok
		reply.Msg = msg
		if ok {
			state.Phase = config.PhasePrepare
		} else {
			state.LastError = msg
		}
	case config.PhaseCommit:
		if state.Decision == config.PhaseCommit {
			return config.TxnReply{Res: true, Msg: "CommitConfirmed"}
		}
		if state.Decision == config.PhaseAbort {
			return config.TxnReply{Res: false, Msg: "Aborted"}
		}
		ok, msg := n.applyCoordinatorCommit(cmd.TxnID)
		reply.Res = ok
		reply.Msg = msg
		if ok {
			if balance, err := n.store.Balance(cmd.Txn.Sender); err == nil {
				reply.Written = map[int]int{cmd.Txn.Sender: balance}
			}
		}
		state.Phase = config.PhaseCommit
		state.Decision = config.PhaseCommit
		state.CoordinatorSlot = cmd.Slot
	case config.PhaseAbort:
		ok, msg := n.applyCoordinatorAbort(cmd.TxnID)
		reply.Res = ok
		reply.Msg = msg
		state.Phase = config.PhaseAbort
		state.Decision = config.PhaseAbort
		state.CoordinatorSlot = cmd.Slot
	default:
		reply.Res = false
		reply.Msg = "UnknownCoordinatorPhase"
	}
	return reply
}

func (n *NodeService) executeParticipantEntry(cmd config.LogEntry) config.TxnReply {
	state := n.getTwoPCState(cmd.TxnID)
	state.Txn = cmd.Txn
	state.Role = config.RoleParticipant
	state.CoordinatorShard = cmd.CoordinatorShard
	state.ParticipantShard = cmd.ParticipantShard
	state.ParticipantSlot = cmd.Slot
	reply := config.TxnReply{}
	n.logger.Debug("participant entry", "node", n.id, "phase", phaseLabel(cmd.Phase), "slot", cmd.Slot, "txnID", cmd.TxnID)
	switch cmd.Phase {
	case config.PhasePrepare:
		if state.Phase == config.PhasePrepare {
			return config.TxnReply{Res: true, Msg: "Prepared"}
		}
		if state.Decision == config.PhaseCommit {
			return config.TxnReply{Res: true, Msg: "AlreadyCommitted"}
		}
		if state.Decision == config.PhaseAbort {
			return config.TxnReply{Res: false, Msg: "Aborted"}
		}
		ok, msg := n.applyParticipantPrepare(cmd.TxnID, cmd.Txn)
		reply.Res = ok
		reply.Msg = msg
		if ok {
			state.Phase = config.PhasePrepare
		} else {
			state.LastError = msg
		}
	case config.PhaseCommit:
		ok, msg := n.applyParticipantCommit(cmd.TxnID)
		reply.Res = ok
		reply.Msg = msg
		if ok {
			if balance, err := n.store.Balance(cmd.Txn.Receiver); err == nil {
				reply.Written = map[int]int{cmd.Txn.Receiver: balance}
			}
		}
		state.Phase = config.PhaseCommit
		state.Decision = config.PhaseCommit
		n.clearTwoPCState(cmd.TxnID)
		n.releaseLocks(cmd.Txn)
	case config.PhaseAbort:
		ok, msg := n.applyParticipantAbort(cmd.TxnID)
		reply.Res = ok
		reply.Msg = msg
		state.Phase = config.PhaseAbort
		state.Decision = config.PhaseAbort
		n.clearTwoPCState(cmd.TxnID)
		n.releaseLocks(cmd.Txn)
	default:
		reply.Res = false
		reply.Msg = "UnknownParticipantPhase"
	}
	return reply
}

// applyCoordinatorPrepare tentatively debits the sender, recording the
// before image in the same sqlite transaction so an abort can undo it.
func (n *NodeService) applyCoordinatorPrepare(txnID string, txn config.Transaction) (bool, string) {
	n.logger.Debug("coordinator prepare apply", "node", n.id, "txnID", txnID, "sender", txn.Sender, "amount", txn.Amount)
	tx, err := n.store.Begin()
	if err != nil {
		return false, fmt.Sprintf("DBBegin:%v", err)
	}
	balance, err := n.store.BalanceIn(tx, txn.Sender)
	if err != nil {
		tx.Rollback()
		return false, fmt.Sprintf("Read:%v", err)
	}
	if balance < txn.Amount {
		tx.Rollback()
		return false, "InsufficientFunds"
	}
	if err := n.wal.RecordTx(tx, txnID, txn.Sender, balance, config.PhasePrepare, config.RoleCoordinator); err != nil {
		tx.Rollback()
		return false, fmt.Sprintf("WAL:%v", err)
	}
	if err := n.store.DebitIn(tx, txn.Sender, txn.Amount); err != nil {
		tx.Rollback()
		return false, fmt.Sprintf("Debit:%v", err)
	}
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return false, fmt.Sprintf("Commit:%v", err)
	}
	n.store.MarkModified(txn.Sender)
	return true, "Prepared"
}

func (n *NodeService) applyCoordinatorCommit(txnID string) (bool, string) {
	n.logger.Debug("coordinator commit finalize", "node", n.id, "txnID", txnID)
	if err := n.wal.Clear(txnID); err != nil {
		return false, fmt.Sprintf("WALClear:%v", err)
	}
	return true, "CommitConfirmed"
}

func (n *NodeService) applyCoordinatorAbort(txnID string) (bool, string) {
	n.logger.Debug("coordinator abort rollback", "node", n.id, "txnID", txnID)
	if err := n.restoreFromWAL(txnID); err != nil {
		return false, fmt.Sprintf("Rollback:%v", err)
	}
	return true, "Aborted"
}

// applyParticipantPrepare tentatively credits the receiver. Credits cannot
// fail the funds check; the WAL record exists purely for the abort path.
func (n *NodeService) applyParticipantPrepare(txnID string, txn config.Transaction) (bool, string) {
	n.logger.Debug("participant prepare apply", "node", n.id, "txnID", txnID, "receiver", txn.Receiver, "amount", txn.Amount)
	tx, err := n.store.Begin()
	if err != nil {
		return false, fmt.Sprintf("DBBegin:%v", err)
	}
	balance, err := n.store.BalanceIn(tx, txn.Receiver)
	if err != nil {
		tx.Rollback()
		return false, fmt.Sprintf("Read:%v", err)
	}
	if err := n.wal.RecordTx(tx, txnID, txn.Receiver, balance, config.PhasePrepare, config.RoleParticipant); err != nil {
		tx.Rollback()
		return false, fmt.Sprintf("WAL:%v", err)
	}
	if err := n.store.CreditIn(tx, txn.Receiver, txn.Amount); err != nil {
		tx.Rollback()
		return false, fmt.Sprintf("Credit:%v", err)
	}
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return false, fmt.Sprintf("Commit:%v", err)
	}
	n.store.MarkModified(txn.Receiver)
	return true, "Prepared"
}

func (n *NodeService) applyParticipantCommit(txnID string) (bool, string) {
	n.logger.Debug("participant commit finalize", "node", n.id, "txnID", txnID)
	if err := n.wal.Clear(txnID); err != nil {
		return false, fmt.Sprintf("WALClear:%v", err)
	}
	return true, "CommitConfirmed"
}

func (n *NodeService) applyParticipantAbort(txnID string) (bool, string) {
	n.logger.Debug("participant abort rollback", "node", n.id, "txnID", txnID)
	if err := n.restoreFromWAL(txnID); err != nil {
		return false, fmt.Sprintf("Rollback:%v", err)
	}
	return true, "Aborted"
}

func (n *NodeService) restoreFromWAL(txnID string) error {
	images, err := n.wal.BeforeImages(txnID)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return n.wal.Clear(txnID)
	}
	tx, err := n.store.Begin()
	if err != nil {
		return err
	}
	for key, before := range images {
		if _, err := tx.Exec("UPDATE balances SET balance = ? WHERE key = ?", before, key); err != nil {
			tx.Rollback()
			return err
		}
		n.store.MarkModified(key)
	}
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return err
	}
	n.logger.Debug("wal restored", "node", n.id, "txnID", txnID, "keys", len(images))
	return n.wal.Clear(txnID)
}

// --- Coordinator driver and participant RPCs ---

// handleCrossShardCoordinator runs the full 2PC for a transfer whose
// receiver lives on another shard: participant prepare over RPC, then
// prepare and decision entries through this shard's own log, then the
// decision to the participant shard. The client's outcome is decided as
// soon as the commit entry reaches majority here.
func (n *NodeService) handleCrossShardCoordinator(txn config.Transaction, participantShard int, reply *config.Reply) error {
	txnID := txn.ID
	reply.Ballot = n.currentBallot()
	req := commitment.PrepareRequest{
		Txn:              txn,
		TxnID:            txnID,
		CoordinatorID:    n.id,
		CoordinatorShard: n.shardID,
		ParticipantShard: participantShard,
	}
	n.logger.Info("2pc coordinator start", "node", n.id, "txnID", txnID, "participantShard", participantShard)
	var prepareResp *commitment.PrepareResponse
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		prepareResp, err = n.sendParticipantPrepare(req)
		if err == nil {
			break
		}
		n.logger.Debug("participant prepare attempt failed", "node", n.id, "attempt", attempt+1, "err", err)
	}
	if err != nil {
		n.logger.Warn("participant prepare failed", "node", n.id, "txnID", txnID, "err", err)
		reply.Outcome = config.OutcomePending
		reply.Msg = fmt.Sprintf("ParticipantPrepare:%v", err)
		n.releaseLocks(txn)
		return nil
	}
	if !prepareResp.Ready {
		msg := prepareResp.Reason
		if msg == "" {
			msg = "ParticipantRejected"
		}
		n.logger.Info("participant declined prepare", "node", n.id, "txnID", txnID, "reason", msg)
		reply.Outcome = outcomeFor(false, msg)
		reply.Msg = msg
		n.releaseLocks(txn)
		n.recordClientReply(txn, reply)
		return nil
	}
	state := n.getTwoPCState(txnID)
	state.ParticipantSlot = prepareResp.ParticipantSlot
	state.ParticipantLeaderID = prepareResp.LeaderID
	state.Txn = txn
	state.Role = config.RoleCoordinator
	state.CoordinatorShard = n.shardID
	state.ParticipantShard = participantShard
	n.logger.Debug("participant prepared", "node", n.id, "txnID", txnID, "participantSlot", prepareResp.ParticipantSlot)

	prepareEntry := config.Proposal{
		Txn:              txn,
		Phase:            config.PhasePrepare,
		Role:             config.RoleCoordinator,
		TxnID:            txnID,
		Status:           config.Status2PCCoordinator,
		CrossShard:       true,
		CoordinatorShard: n.shardID,
		ParticipantShard: participantShard,
	}
	prepRes := n.broadcastAccept(&prepareEntry)
	if prepRes == nil || !prepRes.Res {
		n.logger.Warn("coordinator prepare entry failed", "node", n.id, "txnID", txnID)
		if err := n.sendParticipantDecision(commitment.DecisionRequest{
			TxnID:            txnID,
			Decision:         config.PhaseAbort,
			CoordinatorSlot:  prepareEntry.Slot,
			ParticipantSlot:  prepareResp.ParticipantSlot,
			CoordinatorShard: n.shardID,
			ParticipantShard: participantShard,
			Txn:              txn,
		}); err != nil {
			n.logger.Warn("abort notification failed", "node", n.id, "txnID", txnID, "err", err)
		}
		msg := "PrepareFailed"
		if state.LastError != "" {
			msg = state.LastError
		} else if prepRes != nil && prepRes.Msg != "" {
			msg = prepRes.Msg
		}
		reply.Outcome = outcomeFor(false, msg)
		reply.Msg = msg
		n.releaseLocks(txn)
		n.recordClientReply(txn, reply)
		return nil
	}
	coordinatorSlot := prepareEntry.Slot

	decision := config.PhaseCommit
	decisionSlot := coordinatorSlot
	commitEntry := config.Proposal{
		Txn:              txn,
		Phase:            config.PhaseCommit,
		Role:             config.RoleCoordinator,
		TxnID:            txnID,
		Status:           config.Status2PCCoordinator,
		CrossShard:       true,
		CoordinatorShard: n.shardID,
		ParticipantShard: participantShard,
		Slot:             coordinatorSlot,
	}
	commitRes := n.broadcastAccept(&commitEntry)
	if commitRes == nil || !commitRes.Res {
		n.logger.Warn("commit entry failed, aborting", "node", n.id, "txnID", txnID)
		decision = config.PhaseAbort
		abortEntry := config.Proposal{
			Txn:              txn,
			Phase:            config.PhaseAbort,
			Role:             config.RoleCoordinator,
			TxnID:            txnID,
			Status:           config.Status2PCCoordinator,
			CrossShard:       true,
			CoordinatorShard: n.shardID,
			ParticipantShard: participantShard,
			Slot:             coordinatorSlot,
		}
		if abortRes := n.broadcastAccept(&abortEntry); abortRes == nil || !abortRes.Res {
			n.logger.Error("abort entry failed", "node", n.id, "txnID", txnID)
			n.releaseLocks(txn)
		} else {
			decisionSlot = abortEntry.Slot
		}
	}
	decisionReq := commitment.DecisionRequest{
		TxnID:            txnID,
		Decision:         decision,
		CoordinatorSlot:  decisionSlot,
		ParticipantSlot:  prepareResp.ParticipantSlot,
		CoordinatorShard: n.shardID,
		ParticipantShard: participantShard,
		Txn:              txn,
	}
	state.Decision = decision
	if err := n.sendParticipantDecision(decisionReq); err != nil {
		n.logger.Warn("decision delivery failed", "node", n.id, "txnID", txnID, "err", err)
	} else {
		n.clearTwoPCState(txnID)
	}

	reply.Ballot = n.currentBallot()
	if decision == config.PhaseCommit && commitRes != nil && commitRes.Res {
		reply.Outcome = config.OutcomeCommitted
		reply.Msg = "Successful"
		reply.Written = commitRes.Written
	} else {
		reply.Outcome = config.OutcomeAborted
		reply.Msg = "Aborted"
	}
	n.releaseLocks(txn)
	n.recordClientReply(txn, reply)
	return nil
}

func (n *NodeService) recordClientReply(txn config.Transaction, reply *config.Reply) {
	if txn.ID == "" || reply.Outcome == config.OutcomePending {
		return
	}
	n.mu.Lock()
	n.txnsProcessed[txn.ID] = *reply
	n.mu.Unlock()
}

// sendParticipantPrepare walks the participant shard's nodes until the
// leader answers, following redirect hints along the way.
func (n *NodeService) sendParticipantPrepare(req commitment.PrepareRequest) (*commitment.PrepareResponse, error) {
	nodeIDs := config.NodesOfShard(req.ParticipantShard)
	if len(nodeIDs) == 0 {
		return nil, fmt.Errorf("no participants")
	}
	var lastErr error
	targetIdx := 0
	target := nodeIDs[targetIdx%len(nodeIDs)]
	for attempts := 0; attempts < len(nodeIDs)*2; attempts++ {
		n.logger.Debug("2pc prepare rpc", "node", n.id, "attempt", attempts+1, "target", target, "txnID", req.TxnID)
		var resp commitment.PrepareResponse
		err := n.callPeerRPC(target, "Node.Prepare2PC", req, &resp)
		if err != nil {
			lastErr = err
			targetIdx++
			target = nodeIDs[targetIdx%len(nodeIDs)]
			continue
		}
		if resp.LeaderID != 0 && resp.LeaderID != target {
			n.logger.Debug("2pc prepare redirected", "node", n.id, "leader", resp.LeaderID)
			target = resp.LeaderID
			continue
		}
		if !resp.Ready && (resp.Reason == "NodeNotLive" || resp.Reason == "LeaderUnknown" || resp.Reason == "NotLeader") {
			lastErr = fmt.Errorf("%s", resp.Reason)
			targetIdx++
			target = nodeIDs[targetIdx%len(nodeIDs)]
			continue
		}
		return &resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("participant prepare failed")
	}
	return nil, lastErr
}

// sendParticipantDecision never gives up: a decided transaction must reach
// the participant shard eventually, and its termination protocol handles
// the window until then.
func (n *NodeService) sendParticipantDecision(req commitment.DecisionRequest) error {
	nodeIDs := config.NodesOfShard(req.ParticipantShard)
	if len(nodeIDs) == 0 {
		return fmt.Errorf("no participants")
	}
	targetIdx := 0
	target := nodeIDs[targetIdx]
	attempt := 0
	maxAttempts := len(nodeIDs) * 8
	for attempt < maxAttempts {
		attempt++
		n.logger.Debug("2pc decision rpc", "node", n.id, "attempt", attempt, "target", target, "txnID", req.TxnID, "decision", phaseLabel(req.Decision))
		var resp commitment.DecisionResponse
		err := n.callPeerRPC(target, "Node.Decision2PC", req, &resp)
		if err != nil {
			n.logger.Debug("2pc decision rpc failed", "node", n.id, "target", target, "err", err)
			targetIdx = (targetIdx + 1) % len(nodeIDs)
			target = nodeIDs[targetIdx]
			time.Sleep(participantRetryDelay)
			continue
		}
		if resp.LeaderID != 0 && resp.LeaderID != target {
			n.logger.Debug("2pc decision redirected", "node", n.id, "leader", resp.LeaderID)
			target = resp.LeaderID
			continue
		}
		if resp.Ack {
			n.logger.Debug("participant acked decision", "node", n.id, "target", target, "decision", phaseLabel(req.Decision))
			return nil
		}
		if resp.Reason == "NotLeader" || resp.Reason == "NodeNotLive" || resp.Reason == "LeaderUnknown" {
			targetIdx = (targetIdx + 1) % len(nodeIDs)
			target = nodeIDs[targetIdx]
			time.Sleep(participantRetryDelay)
			continue
		}
		return fmt.Errorf("%s", resp.Reason)
	}
	return fmt.Errorf("decision delivery exhausted retries")
}

// Prepare2PC is the participant leader's vote. Ready means the tentative
// credit reached majority in the participant shard's log.
func (n *NodeService) Prepare2PC(req commitment.PrepareRequest, resp *commitment.PrepareResponse) error {
	resp.TxnID = req.TxnID
	n.logger.Debug("2pc prepare received", "node", n.id, "txnID", req.TxnID)
	if !n.live() {
		resp.Ready = false
		resp.Reason = "NodeNotLive"
		return nil
	}
	ballot := n.currentBallot()
	if ballot.NodeID == 0 || ballot.NodeID != n.id {
		resp.Ready = false
		resp.LeaderID = ballot.NodeID
		resp.Reason = "NotLeader"
		return nil
	}
	if n.quorumLost() {
		resp.Ready = false
		resp.Reason = "QuorumLost"
		return nil
	}
	if n.isKeyDraining(req.Txn.Receiver) {
		resp.Ready = false
		resp.Reason = "KeyDraining"
		return nil
	}
	if existing, ok := n.loadTwoPCState(req.TxnID); ok {
		if existing.Phase == config.PhasePrepare && existing.Decision == config.PhaseNone {
			resp.Ready = true
			resp.ParticipantSlot = existing.ParticipantSlot
			resp.ParticipantPhase = config.PhasePrepare
			resp.LeaderID = existing.ParticipantLeaderID
			n.logger.Debug("2pc prepare duplicate acknowledged", "node", n.id, "txnID", req.TxnID, "slot", existing.ParticipantSlot)
			return nil
		}
		if existing.Decision == config.PhaseCommit {
			resp.Ready = false
			resp.Reason = "AlreadyCommitted"
			return nil
		}
		if existing.Decision == config.PhaseAbort {
			resp.Ready = false
			resp.Reason = "AlreadyAborted"
			return nil
		}
	}
	if !n.acquireLocks(req.Txn) {
		resp.Ready = false
		resp.Reason = "Locked"
		return nil
	}
	proposal := config.Proposal{
		Txn:              req.Txn,
		Phase:            config.PhasePrepare,
		Role:             config.RoleParticipant,
		TxnID:            req.TxnID,
		Status:           config.Status2PCParticipant,
		CrossShard:       true,
		CoordinatorShard: req.CoordinatorShard,
		ParticipantShard: req.ParticipantShard,
	}
	txnRes := n.broadcastAccept(&proposal)
	resp.ParticipantSlot = proposal.Slot
	resp.LeaderID = n.id
	if txnRes == nil || !txnRes.Res {
		resp.Ready = false
		if txnRes != nil && txnRes.Msg != "" {
			resp.Reason = txnRes.Msg
		} else {
			resp.Reason = "PrepareFailed"
		}
		n.releaseLocks(req.Txn)
		return nil
	}
	resp.Ready = true
	resp.ParticipantPhase = config.PhasePrepare
	state := n.getTwoPCState(req.TxnID)
	state.Txn = req.Txn
	state.Role = config.RoleParticipant
	state.CoordinatorShard = req.CoordinatorShard
	state.ParticipantShard = req.ParticipantShard
	state.ParticipantSlot = proposal.Slot
	state.ParticipantLeaderID = n.id
	n.startParticipantDecisionTimer(req.TxnID, req.Txn)
	n.logger.Info("2pc prepare completed", "node", n.id, "txnID", req.TxnID, "slot", proposal.Slot)
	return nil
}

// Decision2PC drives a coordinator decision into the participant shard's
// log, overwriting the prepare slot in place.
func (n *NodeService) Decision2PC(req commitment.DecisionRequest, resp *commitment.DecisionResponse) error {
	resp.TxnID = req.TxnID
	n.logger.Debug("2pc decision received", "node", n.id, "txnID", req.TxnID, "decision", phaseLabel(req.Decision))
	if !n.live() {
		resp.Ack = false
		resp.Reason = "NodeNotLive"
		return nil
	}
	ballot := n.currentBallot()
	if ballot.NodeID == 0 || ballot.NodeID != n.id {
		resp.Ack = false
		resp.Reason = "NotLeader"
		resp.LeaderID = ballot.NodeID
		return nil
	}
	if existing, ok := n.loadTwoPCState(req.TxnID); ok {
		if existing.Decision == req.Decision && existing.AcknowledgedDecision {
			resp.Ack = true
			resp.LeaderID = n.id
			return nil
		}
		if existing.Decision != config.PhaseNone && existing.Decision != req.Decision {
			resp.Ack = false
			resp.Reason = "DecisionMismatch"
			resp.LeaderID = n.id
			return nil
		}
	}
	proposal := config.Proposal{
		Txn:              req.Txn,
		Phase:            req.Decision,
		Role:             config.RoleParticipant,
		TxnID:            req.TxnID,
		Status:           config.Status2PCParticipant,
		CrossShard:       true,
		CoordinatorShard: req.CoordinatorShard,
		ParticipantShard: req.ParticipantShard,
	}
	if req.ParticipantSlot > 0 {
		proposal.Slot = req.ParticipantSlot
	}
	txnRes := n.broadcastAccept(&proposal)
	if txnRes == nil || !txnRes.Res {
		resp.Ack = false
		if txnRes != nil && txnRes.Msg != "" {
			resp.Reason = txnRes.Msg
		} else {
			resp.Reason = "DecisionFailed"
		}
		resp.LeaderID = n.id
		return nil
	}
	resp.Ack = true
	resp.LeaderID = n.id
	n.logger.Info("2pc decision applied", "node", n.id, "txnID", req.TxnID, "decision", phaseLabel(req.Decision))
	return nil
}
