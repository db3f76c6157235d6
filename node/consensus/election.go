package consensus

import (
	"time"

	"shardledger/config"
)

// startElectionLoop owns the backup timer. The timer is armed only while
// accepted slots are waiting on a commit; when it fires the node bids for
// leadership with the next epoch. Elections are gated on a live majority so
// a minority partition stays a follower instead of spinning ballots.
func (n *NodeService) startElectionLoop() {
	for {
		select {
		case <-n.closed:
			return
		case <-n.electionTimer.C:
		}

		n.mu.Lock()
		forced := n.forceElection
		if forced {
			n.forceElection = false
		}
		timerRunning := n.timerRunning
		waiting := len(n.waitingRequests)
		if timerRunning && waiting > 0 {
			n.timerExpired = true
		}
		startup := n.startupPhase
		isLive := n.isLive
		n.mu.Unlock()

		if !forced && (!timerRunning || waiting == 0) {
			continue
		}
		if !startup && !isLive {
			continue
		}
		if n.quorumLost() {
			n.logger.Warn("election suppressed, quorum lost", "node", n.id, "live", n.countLive())
			continue
		}

		n.mu.Lock()
		pb := config.Ballot{Epoch: n.ballot.Epoch + 1, NodeID: n.id}
		n.ballot = pb
		n.mu.Unlock()
		n.logger.Info("election timeout, bidding for leadership", "node", n.id, "epoch", pb.Epoch)

		select {
		case <-n.prepareGate.C:
			n.broadcastPrepare(pb)
			n.prepareGate.Reset(config.ProposalTimeout())
		default:
			n.logger.Debug("election skipped, prepare gate closed", "node", n.id)
		}
	}
}

func (n *NodeService) triggerElection(reason string) {
	if !n.live() {
		return
	}
	if n.quorumLost() {
		return
	}
	n.mu.Lock()
	n.forceElection = true
	n.mu.Unlock()
	if reason != "" {
		n.logger.Info("election triggered", "node", n.id, "reason", reason)
	}
	n.electionTimer.Reset(0)
}

// Ping answers liveness probes. Recovered is false while the node is still
// catching up from a failure, so peers do not count it toward quorum yet.
func (n *NodeService) Ping(req config.ProbeRequest, reply *config.ProbeReply) error {
	n.mu.RLock()
	reply.NodeID = n.id
	reply.Live = n.isLive
	reply.Recovered = n.recovered
	n.mu.RUnlock()
	return nil
}

// startProbeLoop pings the shard peers on an interval and maintains the
// degraded flag. A node in the live set must be both reachable and done
// recovering.
func (n *NodeService) startProbeLoop() {
	ticker := time.NewTicker(config.ProbeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-n.closed:
			return
		case <-ticker.C:
		}
		if !n.live() {
			continue
		}
		n.probePeers()
	}
}

func (n *NodeService) probePeers() {
	req := config.ProbeRequest{From: n.id}
	results := make(map[int]bool)
	for _, peer := range n.shardPeers() {
		if peer == n.id {
			continue
		}
		var reply config.ProbeReply
		if err := n.callPeerRPC(peer, "Node.Ping", req, &reply); err != nil {
			results[peer] = false
			continue
		}
		results[peer] = reply.Live && reply.Recovered
	}

	n.liveMu.Lock()
	for peer, up := range results {
		n.peerLive[peer] = up
	}
	live := 1
	for _, up := range n.peerLive {
		if up {
			live++
		}
	}
	wasDegraded := n.degraded
	n.degraded = live < config.Quorum()
	nowDegraded := n.degraded
	n.liveMu.Unlock()

	if nowDegraded && !wasDegraded {
		n.enterDegraded(live)
	} else if !nowDegraded && wasDegraded {
		n.logger.Info("quorum restored", "node", n.id, "live", live)
	}
}

// countLive includes self.
func (n *NodeService) countLive() int {
	n.liveMu.RLock()
	defer n.liveMu.RUnlock()
	live := 1
	for _, up := range n.peerLive {
		if up {
			live++
		}
	}
	return live
}

func (n *NodeService) quorumLost() bool {
	n.liveMu.RLock()
	defer n.liveMu.RUnlock()
	return n.degraded
}

// enterDegraded stops the backup timer and resolves everything a client is
// still waiting on as skipped; no slot can reach majority without a quorum,
// so holding the requests open only delays the client's retry loop.
func (n *NodeService) enterDegraded(live int) {
	n.logger.Warn("quorum lost, entering degraded mode", "node", n.id, "live", live, "need", config.Quorum())

	n.mu.Lock()
	n.timerRunning = false
	n.timerExpired = false
	n.forceElection = false
	waiting := make([]int, 0, len(n.waitingRequests))
	for slot := range n.waitingRequests {
		waiting = append(waiting, slot)
	}
	n.mu.Unlock()

	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}

	skipped := config.TxnReply{Res: false, Msg: "QuorumLost"}
	for _, slot := range waiting {
		n.notifyPendingClient(slot, skipped)
	}
}
