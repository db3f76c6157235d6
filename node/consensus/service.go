package consensus

import (
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"

	"shardledger/config"
	"shardledger/node/commitment"
	nodelogger "shardledger/node/logger"
	"shardledger/node/store"
)

const (
	participantDecisionTimeout = 150 * time.Millisecond
	terminationRetryInterval   = 200 * time.Millisecond
	participantRetryDelay      = 20 * time.Millisecond
	twoPCStateRetention        = 6000 * time.Millisecond
	peerRPCPoolSize            = 16
)

type rpcClientSlot struct {
	mu     sync.Mutex
	client *rpc.Client
}

type rpcPooledClient struct {
	mu    sync.Mutex
	slots []*rpcClientSlot
	next  int
}

// NodeService hosts one node of a shard: the Multi-Paxos acceptor/leader
// RPCs, the 2PC coordinator/participant RPCs, and the reshard hooks. All
// cross-node state flows through the replicated log; the sqlite store only
// ever sees committed entries.
type NodeService struct {
	id      int
	shardID int
	port    int

	store    *store.Store
	logStore *store.LogStore
	shardMap *config.ShardMap
	wal      *commitment.WALManager
	logger   *nodelogger.Logger

	mu              sync.RWMutex
	ballot          config.Ballot
	slotCounter     int
	lastExecuted    int
	acceptLog       []config.LogEntry
	pendingCommands map[int]config.LogEntry
	txnsProcessed   map[string]config.Reply
	locks           map[int]string
	isLive          bool
	recovered       bool
	startupPhase    bool
	isNewView       bool
	forceElection   bool
	timerRunning    bool
	timerExpired    bool
	waitingRequests map[int]bool
	benchmarkMode   bool

	electionTimer   *time.Timer
	prepareGate     *time.Timer
	electionTimeout time.Duration

	executionMu sync.Mutex

	resultsMu        sync.RWMutex
	executionResults map[int]config.TxnReply

	pendingMu              sync.RWMutex
	pendingClientResponses map[int]chan config.TxnReply

	txnStatusMu sync.RWMutex
	txnStatus   map[int]string

	twoPCMu    sync.RWMutex
	twoPCState map[string]*commitment.TransactionState

	liveMu   sync.RWMutex
	peerLive map[int]bool
	degraded bool

	commitMu       sync.Mutex
	pendingCommits map[int]*pendingCommit

	drainMu  sync.RWMutex
	draining map[int]bool

	listener net.Listener
	closed   chan struct{}

	peerClientPool struct {
		sync.Mutex
		clients map[int]*rpcPooledClient
	}
}

func NewNodeService(id int, st *store.Store, ls *store.LogStore, shardMap *config.ShardMap) *NodeService {
	logger := nodelogger.GetLogger(id)
	wal := commitment.NewWALManager(st.DB())
	if err := wal.EnsureTables(); err != nil {
		logger.Error("wal initialization failed", "node", id, "err", err)
	}
	n := &NodeService{
		id:                     id,
		shardID:                config.ShardOfNode(id),
		port:                   config.NodePort(id),
		store:                  st,
		logStore:               ls,
		shardMap:               shardMap,
		wal:                    wal,
		logger:                 logger,
		pendingCommands:        make(map[int]config.LogEntry),
		txnsProcessed:          make(map[string]config.Reply),
		locks:                  make(map[int]string),
		isLive:                 true,
		recovered:              true,
		startupPhase:           true,
		waitingRequests:        make(map[int]bool),
		executionResults:       make(map[int]config.TxnReply),
		pendingClientResponses: make(map[int]chan config.TxnReply),
		txnStatus:              make(map[int]string),
		twoPCState:             make(map[string]*commitment.TransactionState),
		peerLive:               make(map[int]bool),
		draining:               make(map[int]bool),
		closed:                 make(chan struct{}),
	}
	n.peerClientPool.clients = make(map[int]*rpcPooledClient)

	// Stagger per-node timeouts so two followers rarely race an election.
	n.electionTimeout = config.ElectionTimeout() + time.Duration(n.indexInShard())*150*time.Millisecond
	n.electionTimer = time.NewTimer(n.electionTimeout)
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.prepareGate = time.NewTimer(config.ProposalTimeout())

	n.reloadAcceptLog()

	go n.startElectionLoop()
	go n.startProbeLoop()
	go n.startRetransmitLoop()
	return n
}

func (n *NodeService) indexInShard() int {
	return (n.id - 1) % config.NodesPerShard()
}

// reloadAcceptLog rebuilds the in-memory accept log from the bbolt copy so a
// restarted process can answer Prepare and Recover RPCs before catching up.
func (n *NodeService) reloadAcceptLog() {
	if n.logStore == nil {
		return
	}
	entries, err := n.logStore.Entries()
	if err != nil {
		n.logger.Error("accept log reload failed", "node", n.id, "err", err)
		return
	}
	maxSlot := 0
	var highest config.Ballot
	for _, entry := range entries {
		if entry.Slot > maxSlot {
			maxSlot = entry.Slot
		}
		if highest.Less(entry.Ballot) {
			highest = entry.Ballot
		}
	}
	n.mu.Lock()
	n.acceptLog = entries
	if maxSlot > n.slotCounter {
		n.slotCounter = maxSlot
	}
	if n.ballot.Less(highest) {
		n.ballot = highest
	}
	n.mu.Unlock()
	if len(entries) > 0 {
		n.logger.Info("accept log reloaded", "node", n.id, "entries", len(entries), "maxSlot", maxSlot)
	}
}

func (n *NodeService) persistEntry(entry config.LogEntry) {
	if n.logStore == nil {
		return
	}
	if err := n.logStore.Append(entry); err != nil {
		n.logger.Error("accept log persist failed", "node", n.id, "slot", entry.Slot, "err", err)
	}
}

func (n *NodeService) shardPeers() []int {
	return config.NodesOfShard(n.shardID)
}

func majority(count int) int {
	return count/2 + 1
}

func (n *NodeService) broadcastToShard(handler func(targetNode int)) {
	for _, targetNode := range n.shardPeers() {
		if targetNode == n.id {
			continue
		}
		go handler(targetNode)
	}
}

func (p *rpcPooledClient) pickSlot() *rpcClientSlot {
	p.mu.Lock()
	slot := p.slots[p.next]
	p.next = (p.next + 1) % len(p.slots)
	p.mu.Unlock()
	return slot
}

func (n *NodeService) getPeerClient(nodeID int) *rpcPooledClient {
	n.peerClientPool.Lock()
	if pooled := n.peerClientPool.clients[nodeID]; pooled != nil {
		n.peerClientPool.Unlock()
		return pooled
	}
	slots := make([]*rpcClientSlot, peerRPCPoolSize)
	for i := range slots {
		slots[i] = &rpcClientSlot{}
	}
	pooled := &rpcPooledClient{slots: slots}
	n.peerClientPool.clients[nodeID] = pooled
	n.peerClientPool.Unlock()
	return pooled
}

func (n *NodeService) dialPeer(nodeID int) (*rpc.Client, error) {
	port := config.NodePort(nodeID)
	if port == 0 {
		return nil, fmt.Errorf("no port for node %d", nodeID)
	}
	client, err := rpc.DialHTTP("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node %d: %w", nodeID, err)
	}
	return client, nil
}

func (n *NodeService) callPeerRPC(nodeID int, method string, req interface{}, resp interface{}) error {
	pooled := n.getPeerClient(nodeID)
	slot := pooled.pickSlot()
	slot.mu.Lock()
	if slot.client == nil {
		client, err := n.dialPeer(nodeID)
		if err != nil {
			slot.mu.Unlock()
			return err
		}
		slot.client = client
	}
	client := slot.client
	if err := client.Call(method, req, resp); err != nil {
		if slot.client == client {
			slot.client.Close()
			slot.client = nil
		}
		slot.mu.Unlock()
		return fmt.Errorf("%s RPC to node %d failed: %w", method, nodeID, err)
	}
	slot.mu.Unlock()
	return nil
}

func (n *NodeService) resetPeerClientPool() {
	n.peerClientPool.Lock()
	for _, pooled := range n.peerClientPool.clients {
		for _, slot := range pooled.slots {
			slot.mu.Lock()
			if slot.client != nil {
				slot.client.Close()
				slot.client = nil
			}
			slot.mu.Unlock()
		}
	}
	n.peerClientPool.clients = make(map[int]*rpcPooledClient)
	n.peerClientPool.Unlock()
}

// StartRPCServer registers the node's RPCs under "Node" and serves them over
// HTTP on the node's port.
func (n *NodeService) StartRPCServer() error {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Node", n); err != nil {
		return fmt.Errorf("error registering RPCs: %w", err)
	}
	h := http.NewServeMux()
	h.Handle("/", srv)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", n.port))
	if err != nil {
		return fmt.Errorf("listener error for node %d: %w", n.id, err)
	}
	n.listener = listener
	n.logger.Info("serving rpc", "node", n.id, "port", n.port)
	go http.Serve(listener, h)
	return nil
}

// Close stops the background loops and releases every handle the node owns.
// Pending commands and unexecuted slots are abandoned; a restarted node
// recovers them from its persisted accept log and its peers.
func (n *NodeService) Close() error {
	select {
	case <-n.closed:
		return nil
	default:
		close(n.closed)
	}
	n.stopAllTwoPCTimers()
	if n.listener != nil {
		n.listener.Close()
	}
	n.resetPeerClientPool()
	if n.logStore != nil {
		n.logStore.Close()
	}
	var err error
	if n.store != nil {
		err = n.store.Close()
	}
	n.logger.Info("node closed", "node", n.id)
	return err
}

// --- Utility helpers ---

func lockOwnerKey(txn config.Transaction) string {
	return txn.ID
}

func phaseLabel(phase config.TwoPCPhase) string {
	switch phase {
	case config.PhasePrepare:
		return "PREPARE"
	case config.PhaseCommit:
		return "COMMIT"
	case config.PhaseAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

func isTransient(msg string) bool {
	switch msg {
	case "Locked", "LeaderUnknown", "NotLeader", "Majority Not Accepted", "NodeNotLive", "KeyDraining", "WrongShard", "Gap Found":
		return true
	}
	return false
}

func (n *NodeService) acquireLocks(txn config.Transaction) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	owner := lockOwnerKey(txn)
	if current, ok := n.locks[txn.Sender]; ok && current != owner {
		return false
	}
	if current, ok := n.locks[txn.Receiver]; ok && current != owner {
		return false
	}
	n.locks[txn.Sender] = owner
	n.locks[txn.Receiver] = owner
	return true
}

func (n *NodeService) releaseLocks(txn config.Transaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.locks, txn.Sender)
	delete(n.locks, txn.Receiver)
}

func (n *NodeService) hasLockConflict(txn config.Transaction) bool {
	owner := lockOwnerKey(txn)
	n.mu.RLock()
	defer n.mu.RUnlock()
	if current, ok := n.locks[txn.Sender]; ok && current != owner {
		return true
	}
	if txn.Receiver != txn.Sender {
		if current, ok := n.locks[txn.Receiver]; ok && current != owner {
			return true
		}
	}
	return false
}

func (n *NodeService) isKeyDraining(key int) bool {
	n.drainMu.RLock()
	defer n.drainMu.RUnlock()
	return n.draining[key]
}

func (n *NodeService) live() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.isLive
}

func (n *NodeService) currentBallot() config.Ballot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ballot
}

func (n *NodeService) isLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ballot.NodeID == n.id
}
